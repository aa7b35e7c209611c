package warp

import "errors"

// ErrUnknownEventType is returned by Reserve for descriptors it cannot mint an
// id for.
var ErrUnknownEventType = errors.New("warp: unknown event type")

// TrackedError is returned by wrapped clients when the provider call fails.
// Error and Unwrap expose the provider's error unchanged; pass the error to
// Client.Call to record the failed call.
type TrackedError struct {
	err     error
	carrier *errorCarrier
}

// errorCarrier keys the buffered record of a failed call. It must not be
// zero-sized: the buffer tracks it through a weak pointer.
type errorCarrier struct {
	callID string
}

func (e *TrackedError) Error() string { return e.err.Error() }

func (e *TrackedError) Unwrap() error { return e.err }

// CallID returns the id of the recorded failed call.
func (e *TrackedError) CallID() string { return e.carrier.callID }
