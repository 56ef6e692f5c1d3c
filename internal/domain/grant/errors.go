package grant

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidGrantRequest covers bad durations, same-tenant requests and
	// unknown tenants or patients. Nothing is persisted.
	ErrInvalidGrantRequest = errors.New("invalid grant request")
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid grant transition")
	// ErrNotGrantOwner is returned when someone other than the grant's patient
	// tries to approve, reject or revoke it.
	ErrNotGrantOwner = errors.New("caller is not the grant's patient")
	// ErrGrantNotFound is returned for unknown grant ids.
	ErrGrantNotFound = errors.New("grant not found")
)

// InvalidTransitionError reports a state-machine precondition violation.
type InvalidTransitionError struct {
	GrantID   uuid.UUID
	Current   Status
	Attempted Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("grant %s: cannot %s from %s", e.GrantID, e.Attempted, e.Current)
}

// Is makes errors.Is(err, ErrInvalidTransition) true.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// UserMessage is the text to show an end user.
func (e *InvalidTransitionError) UserMessage() string {
	return "this request was already processed"
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGrantRequest, fmt.Sprintf(format, args...))
}
