package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/vidfriends/livesched/internal/models"
)

var (
	// ErrValidation indicates the request is malformed or violates a creation rule.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates the host already has a stream in the requested window.
	ErrConflict = errors.New("schedule conflict")
	// ErrInvalidState indicates the transition is not allowed from the stream's current status.
	ErrInvalidState = errors.New("invalid stream state")
	// ErrTooEarly indicates a start attempt before the grace window opens.
	ErrTooEarly = errors.New("stream start too early")
	// ErrNotFound indicates the stream does not exist.
	ErrNotFound = errors.New("stream not found")
	// ErrNotEntitled indicates the user's tier does not allow joining the stream.
	ErrNotEntitled = errors.New("user not entitled to join stream")
)

// ValidationError describes an invalid field of a request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports the existing stream that overlaps the requested window.
type ConflictError struct {
	HostID           string
	ConflictStreamID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("host %s already has stream %s scheduled in this window", e.HostID, e.ConflictStreamID)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// InvalidStateError reports a transition attempted from the wrong status.
type InvalidStateError struct {
	StreamID  string
	Status    models.StreamStatus
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s stream %s in status %s", e.Operation, e.StreamID, e.Status)
}

// Is matches ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// TooEarlyError reports the earliest instant a stream may be started.
type TooEarlyError struct {
	StreamID    string
	AllowedFrom time.Time
}

func (e *TooEarlyError) Error() string {
	return fmt.Sprintf("stream %s cannot start before %s", e.StreamID, e.AllowedFrom.Format(time.RFC3339))
}

// Is matches ErrTooEarly.
func (e *TooEarlyError) Is(target error) bool { return target == ErrTooEarly }

func invalidField(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
