package request

import "errors"

// ErrMalformed indicates a request body that is missing a required field or
// cannot be parsed.
var ErrMalformed = errors.New("malformed request")

// FieldError reports the offending field of a malformed request.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return ErrMalformed.Error() + ": field " + e.Field + ": " + e.Reason
}

// Unwrap returns ErrMalformed so callers can match with errors.Is.
func (e *FieldError) Unwrap() error {
	return ErrMalformed
}
