package call

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap with the typed errors below when more context exists;
// errors.Is works through the wrappers either way.
var (
	// ErrBusy rejects an initiate/incoming intent while a call is in progress.
	ErrBusy = errors.New("call engine busy")

	// ErrNoSession means an intent needs an attempt in progress and found none.
	ErrNoSession = errors.New("no active call session")

	// ErrEnded means the attempt was torn down while the intent was in flight
	// (e.g. hangup raced a pending media acquisition).
	ErrEnded = errors.New("call attempt ended")
)

// MediaError reports a failed local capture request. Recoverable: the user
// may retry the intent after fixing the device.
type MediaError struct {
	Op    string // "acquire", "switch", "screen"
	Cause error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media %s failed: %v", e.Op, e.Cause)
}

func (e *MediaError) Unwrap() error { return e.Cause }

// SessionError reports a failed call-record operation against the backend.
type SessionError struct {
	ConversationID string
	Cause          error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("create call record for conversation %s: %v", e.ConversationID, e.Cause)
}

func (e *SessionError) Unwrap() error { return e.Cause }

// SignalError reports a signaling send that could not be delivered.
type SignalError struct {
	Kind  string // message kind being sent
	Cause error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("signal %s: %v", e.Kind, e.Cause)
}

func (e *SignalError) Unwrap() error { return e.Cause }

// PhaseError rejects an intent that is illegal in the current phase.
// It unwraps to ErrBusy so callers can treat every "wrong moment" rejection
// uniformly.
type PhaseError struct {
	Intent string
	Phase  Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Intent, e.Phase)
}

func (e *PhaseError) Unwrap() error { return ErrBusy }
