package channel

import (
	"github.com/joeycumines/go-netchannel/eventloop"
)

// EventKind identifies an inbound event.
type EventKind uint8

const (
	EventRegistered EventKind = iota + 1
	EventActive
	// EventRead carries a message, initially a *buffer.Buffer owned by the
	// receiver.
	EventRead
	EventReadComplete
	EventWritabilityChanged
	// EventUser carries an arbitrary value, such as InputShutdownEvent.
	EventUser
	EventInactive
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "Registered"
	case EventActive:
		return "Active"
	case EventRead:
		return "Read"
	case EventReadComplete:
		return "ReadComplete"
	case EventWritabilityChanged:
		return "WritabilityChanged"
	case EventUser:
		return "User"
	case EventInactive:
		return "Inactive"
	case EventClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Event is dispatched from the head of the pipeline towards the tail.
type Event struct {
	// Msg is set for EventRead and EventUser.
	Msg  any
	Kind EventKind
	// Writable is set for EventWritabilityChanged.
	Writable bool
}

// InputShutdownEvent is fired as a user event once the input direction is
// shut down, whether by the peer (end of stream) or locally.
type InputShutdownEvent struct {
	// EOF is true if the peer closed its output.
	EOF bool
}

// OutputShutdownEvent is fired as a user event once the output direction is
// shut down.
type OutputShutdownEvent struct{}

// OpKind identifies an outbound operation.
type OpKind uint8

const (
	OpWrite OpKind = iota + 1
	OpFlush
	OpRead
	OpClose
	OpShutdownOutput
	OpShutdownInput
	OpShutdown
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "Write"
	case OpFlush:
		return "Flush"
	case OpRead:
		return "Read"
	case OpClose:
		return "Close"
	case OpShutdownOutput:
		return "ShutdownOutput"
	case OpShutdownInput:
		return "ShutdownInput"
	case OpShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Operation is dispatched from the tail of the pipeline towards the head,
// where the channel performs it. A handler may replace Msg while passing the
// operation on.
type Operation struct {
	Msg any
	// Promise is nil for OpFlush and OpRead.
	Promise *eventloop.Promise
	Kind    OpKind
}

// Release releases msg if it is reference counted.
func Release(msg any) {
	if r, ok := msg.(interface{ Release() bool }); ok {
		r.Release()
	}
}
