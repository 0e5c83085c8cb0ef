package domain

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict indicates that the underlying storage rejected an
// update because a newer version of the entity is already persisted.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an id that does not resolve to a stored entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// UnauthorizedError reports an identity lacking participancy or role.
type UnauthorizedError struct {
	UserID    string
	ProjectID string
	Reason    string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %q not authorized for project %q: %s", e.UserID, e.ProjectID, e.Reason)
}

// ChannelUnavailableError wraps a failed publish or subscribe on a topic.
type ChannelUnavailableError struct {
	Topic string
	Err   error
}

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("channel %s unavailable: %v", e.Topic, e.Err)
}

func (e *ChannelUnavailableError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}

func IsChannelUnavailable(err error) bool {
	var target *ChannelUnavailableError
	return errors.As(err, &target)
}
