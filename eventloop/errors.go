package eventloop

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopAlreadyRunning is returned when Run or RunOnce is called while
	// another goroutine is driving the loop.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a
	// terminated loop, and is passed to termination hooks on graceful shutdown.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrReentrantRun is returned when Run or RunOnce is called from within
	// the loop itself.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrAwaitOnLoop is returned by Promise.Await when called on the goroutine
	// that would have to settle the promise.
	ErrAwaitOnLoop = errors.New("eventloop: cannot await a pending promise on its own loop")

	// ErrTimeout is the cause of every TimeoutError produced by this package.
	ErrTimeout = errors.New("eventloop: timeout")
)

// TimeoutError represents an operation that did not complete before its
// deadline. The underlying operation is not aborted.
type TimeoutError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "operation timed out"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: panic: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
