package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is the cause of every operation failed because the channel,
	// or the relevant direction of it, is closed.
	ErrClosed = errors.New("channel: closed")

	// ErrOutputShutdown fails writes after the output direction was shut
	// down. It matches ErrClosed.
	ErrOutputShutdown = fmt.Errorf("%w: output shutdown", ErrClosed)

	// ErrInputShutdown fails read requests after the input direction was
	// shut down. It matches ErrClosed.
	ErrInputShutdown = fmt.Errorf("%w: input shutdown", ErrClosed)

	// ErrDuplicateName is returned when a handler name is already in use.
	ErrDuplicateName = errors.New("channel: duplicate handler name")

	// ErrHandlerNotFound is returned when a named handler does not exist.
	ErrHandlerNotFound = errors.New("channel: handler not found")
)

// TransportError is an operating system failure of a socket operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "channel: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is raised by a handler that rejects the data it was given,
// or by the channel for messages it cannot write.
type ProtocolError struct {
	Handler string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Handler == "" {
		return "channel: protocol error: " + e.Cause.Error()
	}
	return "channel: protocol error in " + e.Handler + ": " + e.Cause.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Cause }
