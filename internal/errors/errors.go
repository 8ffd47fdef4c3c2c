// Package errors defines the typed failure taxonomy shared by the
// reservation core. Handlers translate these into HTTP status codes; the
// coordinator records their messages in status history.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// NotFoundError reports a missing reservation, slot, table, section or
// meal service.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func NewNotFound(resource, key string) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key}
}

// InvalidStateError reports an operation against a row whose status does
// not admit it, e.g. editing a cancelled reservation or reserving a
// blocked slot.
type InvalidStateError struct {
	Resource string
	Status   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s is %s", e.Resource, e.Status)
}

func NewInvalidState(resource, status string) *InvalidStateError {
	return &InvalidStateError{Resource: resource, Status: status}
}

// ConflictError reports a booking collision: time overlap, dwell overlap,
// a live hold owned by another request, or a slot already reserved.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

func NewConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// SlotUnavailable is the ConflictError raised when a slot cannot be held
// or reserved; Status carries the slot status that blocked the attempt.
func SlotUnavailable(status string) *ConflictError {
	return &ConflictError{Reason: fmt.Sprintf("slot unavailable (status %s)", status)}
}

// ErrNoChange rejects an edit whose requested values all equal the current
// reservation fields.
var ErrNoChange = errors.New("modification requests no change")

// ErrCapacityExhausted is returned when no qualifying table remains after
// both ranking passes.
var ErrCapacityExhausted = errors.New("no table available for the requested window")

// ExternalFailureError wraps a pricing or payment collaborator error.
type ExternalFailureError struct {
	Collaborator string
	Err          error
}

func (e *ExternalFailureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
}

func (e *ExternalFailureError) Unwrap() error { return e.Err }

func NewExternalFailure(collaborator string, err error) *ExternalFailureError {
	return &ExternalFailureError{Collaborator: collaborator, Err: err}
}

// StatusCode maps a core error to the HTTP status the API surface returns.
func StatusCode(err error) int {
	var nf *NotFoundError
	var is *InvalidStateError
	var cf *ConflictError
	var ex *ExternalFailureError
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &is):
		return http.StatusConflict
	case errors.As(err, &cf):
		return http.StatusConflict
	case errors.Is(err, ErrNoChange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrCapacityExhausted):
		return http.StatusConflict
	case errors.As(err, &ex):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
