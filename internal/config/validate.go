package config

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dshills/scriptbridge/internal/listener"
)

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	eventNameRe  = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(tomlName)
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("eventname", func(fl validator.FieldLevel) bool {
		return eventNameRe.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var fields []FieldError

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields = append(fields, FieldError{
				Path:    fieldPath(fe.Namespace()),
				Message: describe(fe),
				Value:   fe.Value(),
			})
		}
	}

	if c.Listener.Address != "" {
		if err := listener.CheckLoopback(c.Listener.Address); err != nil {
			fields = append(fields, FieldError{
				Path:    "listener.address",
				Message: "must be a loopback address",
				Value:   c.Listener.Address,
			})
		}
	}

	if c.Runner.AttachTimeout.Duration <= 0 {
		fields = append(fields, FieldError{
			Path:    "runner.attach_timeout",
			Message: "must be positive",
			Value:   c.Runner.AttachTimeout.Duration,
		})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// fieldPath turns "Config.runner.entry_point" into "runner.entry_point".
func fieldPath(namespace string) string {
	_, rest, ok := strings.Cut(namespace, ".")
	if !ok {
		return namespace
	}
	return rest
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "hostname_port":
		return "must be host:port"
	case "identifier":
		return "must be an identifier"
	case "eventname":
		return "may only contain letters, digits and _.:-"
	default:
		if fe.Param() != "" {
			return "failed " + fe.Tag() + "=" + fe.Param()
		}
		return "failed " + fe.Tag()
	}
}
