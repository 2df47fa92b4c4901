package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the synchronization core. These provide consistent,
// checkable errors for the failure classes the UI layer has to react to.
var (
	// ErrTransportUnavailable indicates a subscription or broadcast channel could
	// not be established or was lost. Callers degrade to the remaining transport.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrMutationRejected indicates the persistence API refused a send, edit,
	// delete or reaction. The optimistic change is rolled back.
	ErrMutationRejected = errors.New("mutation rejected")

	// ErrStaleEdit indicates an edit confirmation arrived after a newer revision
	// (or a delete) had already been applied. The later revision wins.
	ErrStaleEdit = errors.New("stale edit")

	// ErrMutationInFlight is returned when a mutation of the same kind is already
	// pending for a message.
	ErrMutationInFlight = errors.New("mutation already in flight")

	// ErrMessageNotFound is returned when a mutation targets a message that is not
	// present in the channel timeline.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotConfirmed is returned when an edit, delete or reaction targets a
	// message the server has not confirmed yet.
	ErrNotConfirmed = errors.New("message not confirmed")

	// ErrChannelClosed is returned for operations on a channel that was closed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrPendingTimeout is the cause attached to mutations that were force-failed
	// because no response arrived in time.
	ErrPendingTimeout = errors.New("pending mutation timed out")

	// ErrInvalidEnvelope is returned when a peer-broadcast payload cannot be decoded.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrNotFound is returned by stores when a requested record does not exist.
	ErrNotFound = errors.New("requested resource not found")
)

// MutationError describes a failed optimistic mutation with enough context for
// the UI to attribute it to a message.
type MutationError struct {
	// Kind is the mutation kind ("send", "edit", "delete", "react").
	Kind string
	// MessageID is the target message, or the temporary id for sends.
	MessageID string
	// LocalID identifies the pending mutation that failed.
	LocalID string
	err     error
}

// NewMutationError wraps err with mutation context.
func NewMutationError(kind, messageID, localID string, err error) *MutationError {
	return &MutationError{Kind: kind, MessageID: messageID, LocalID: localID, err: err}
}

// Error returns the error message.
func (e *MutationError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s %s failed", e.Kind, e.MessageID)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Kind, e.MessageID, e.err)
}

// Unwrap returns the underlying error.
func (e *MutationError) Unwrap() error {
	return e.err
}

// Is reports whether the mutation failed because of a rejection. Network level
// failures and timeouts are rejections from the user's point of view: the change
// did not land and has been rolled back.
func (e *MutationError) Is(target error) bool {
	if target == ErrMutationRejected {
		return true
	}
	return false
}
