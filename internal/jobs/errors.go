package jobs

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("invalid job data")

var ErrUnknownQueue = errors.New("unknown queue")

// ValidationError reports a payload that does not satisfy its family schema.
type ValidationError struct {
	Family string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s job: %s: %s", e.Family, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(family, field, reason string) error {
	return &ValidationError{Family: family, Field: field, Reason: reason}
}
