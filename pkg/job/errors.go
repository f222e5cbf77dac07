package job

import (
	"errors"
	"fmt"
)

// ErrNoFields is returned by the stores when a partial update carries nothing to write.
var ErrNoFields = errors.New("no fields to update")

// ValidationError reports malformed or disallowed input. It is safe to show to callers.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MissingField builds the ValidationError for an absent required field.
func MissingField(field string) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("Field '%s' is required", field)}
}

// NotFoundError covers both unknown ids and ids owned by another organization.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError reports an operation that is invalid for the job's current state.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
