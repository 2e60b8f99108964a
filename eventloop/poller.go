//go:build linux || darwin

package eventloop

import (
	"errors"
)

// maxFDs is the initial size of the direct-indexed callback table.
const maxFDs = 4096

// MaxFDLimit is the largest file descriptor value that may be registered.
const MaxFDLimit = 100000000

// IOEvents is a set of readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var s string
	for _, f := range [...]struct {
		bit  IOEvents
		name string
	}{{EventRead, "read"}, {EventWrite, "write"}, {EventError, "error"}, {EventHangup, "hangup"}} {
		if e&f.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}

var (
	ErrFDOutOfRange        = errors.New("eventloop: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrPollerClosed        = errors.New("eventloop: poller closed")
)

// IOCallback receives the readiness conditions observed for a file
// descriptor. It always runs on the loop goroutine.
type IOCallback func(IOEvents)

type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// growFDs returns fds extended to index fd. The caller holds fdMu.
func growFDs(fds []fdInfo, fd int) []fdInfo {
	if fd < len(fds) {
		return fds
	}
	size := min(fd*2+1, MaxFDLimit+1)
	grown := make([]fdInfo, size)
	copy(grown, fds)
	return grown
}
