package tlsstage

import (
	"errors"
)

var (
	// ErrRenegotiationInProgress is returned by Renegotiate while a
	// handshake is requested or running, including the initial one.
	ErrRenegotiationInProgress = errors.New("tlsstage: handshake in progress")

	// ErrRenegotiationUnsupported is returned by engines that cannot
	// renegotiate.
	ErrRenegotiationUnsupported = errors.New("tlsstage: renegotiation unsupported")

	// ErrNotAdded is returned for operations on a stage that is not part of
	// a pipeline.
	ErrNotAdded = errors.New("tlsstage: stage not added to a pipeline")

	// ErrStalled is returned when an engine makes no progress on input it
	// must consume.
	ErrStalled = errors.New("tlsstage: engine made no progress")
)

// HandshakeError reports a failed handshake. The channel is closed.
type HandshakeError struct {
	Cause error
}

func (e *HandshakeError) Error() string {
	return "tlsstage: handshake failed: " + e.Cause.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Cause }
