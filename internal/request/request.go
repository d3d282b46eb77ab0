// Package request defines the Run Request: the transient record that travels
// from the listener, through the host event queue, to the runner.
package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// IDField is the payload key carrying the listener-assigned request id.
const IDField = "request_id"

// RunRequest names a script to run, the port a debugger listens on, and
// whether to stop tracing once the script returns.
//
// Fields are pointers so that a missing field can be told apart from a zero
// value; all three must be present.
type RunRequest struct {
	Script    *string `json:"script" validate:"required" jsonschema:"description=Path of the script to run,minLength=1"`
	Detach    *bool   `json:"detach" validate:"required" jsonschema:"description=Stop debugger tracing after the script returns"`
	DebugPort *int    `json:"debug_port" validate:"required,min=1,max=65535" jsonschema:"description=Port the debugger listens on,minimum=1,maximum=65535"`
}

// New builds a well-formed RunRequest.
func New(script string, detach bool, port int) RunRequest {
	return RunRequest{Script: &script, Detach: &detach, DebugPort: &port}
}

// ScriptPath returns the script path, or "" when absent.
func (r RunRequest) ScriptPath() string {
	if r.Script == nil {
		return ""
	}
	return *r.Script
}

// DetachRequested reports whether the caller asked for a detach.
func (r RunRequest) DetachRequested() bool {
	return r.Detach != nil && *r.Detach
}

// Port returns the debug port, or 0 when absent.
func (r RunRequest) Port() int {
	if r.DebugPort == nil {
		return 0
	}
	return *r.DebugPort
}

// Validate checks that every required field is present and in range.
func (r RunRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			reason := "missing"
			if fe.Tag() != "required" {
				reason = fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
			}
			return &FieldError{Field: fe.Field(), Reason: reason}
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode serializes the request to its wire form.
func (r RunRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Parse decodes and validates a request body received by the listener.
func Parse(body []byte) (RunRequest, error) {
	var r RunRequest

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return r, fmt.Errorf("%w: body is not a JSON object", ErrMalformed)
	}

	if err := json.Unmarshal(trimmed, &r); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return RunRequest{}, &FieldError{
				Field:  typeErr.Field,
				Reason: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
			}
		}
		return RunRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := r.Validate(); err != nil {
		return RunRequest{}, err
	}
	return r, nil
}

// Decode reconstructs a request from the opaque event payload.
func Decode(payload string) (RunRequest, error) {
	return Parse([]byte(payload))
}

// Stamp returns a copy of body with the request id set. The rest of the
// payload is forwarded verbatim.
func Stamp(body []byte, id string) ([]byte, error) {
	out, err := sjson.SetBytes(body, IDField, id)
	if err != nil {
		return nil, fmt.Errorf("stamp request id: %w", err)
	}
	return out, nil
}

// ID returns the request id carried by payload, or "" when none is set.
func ID(payload string) string {
	return gjson.Get(payload, IDField).String()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
