package mux

import (
	"github.com/pkg/errors"
)

var (
	// ErrClosed matches, with errors.Is, every error a stream receives when its connection closes.
	ErrClosed = errors.New("closed")
	// ErrAlreadyClosed is passed to StreamLifecycleHandler.HandleReject when the connection is closed.
	ErrAlreadyClosed = errors.New("already closed")
	// ErrStreamIDInUse is passed to StreamLifecycleHandler.HandleReject when the candidate identifier is taken.
	ErrStreamIDInUse = errors.New("stream id in use")
)

// ClosedError is delivered to every live stream when the connection closes.
type ClosedError struct {
	// Cause is the reason the connection closed, nil for a normal shutdown.
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return "closed"
	}
	return "closed, original cause: " + e.Cause.Error()
}

// Unwrap returns the original cause
func (e *ClosedError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrClosed) hold
func (e *ClosedError) Is(target error) bool {
	return target == ErrClosed
}
