package eventloop

import (
	"sync/atomic"
)

const sizeOfCacheLine = 64

// LoopState represents the lifecycle state of a Loop.
//
//	StateAwake       -> StateRunning      [Run, RunOnce]
//	StateRunning     -> StateSleeping     [poll, via CAS]
//	StateSleeping    -> StateRunning      [poll returns, via CAS]
//	StateRunning     -> StateTerminating  [Shutdown, Close, fatal poll error]
//	StateSleeping    -> StateTerminating  [Shutdown, Close]
//	StateTerminating -> StateTerminated   [shutdown complete]
//
// Temporary states (Running, Sleeping) must only be entered with CAS.
type LoopState uint64

const (
	StateAwake       LoopState = 0
	StateTerminated  LoopState = 1
	StateSleeping    LoopState = 2
	StateRunning     LoopState = 3
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state cell, padded to its own cache line since
// it is read on every Submit.
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte //nolint:unused
	v atomic.Uint64
	_ [sizeOfCacheLine - 8]byte //nolint:unused
}

func (s *fastState) Load() LoopState { return LoopState(s.v.Load()) }

// Store is only valid for irreversible states.
func (s *fastState) Store(state LoopState) { s.v.Store(uint64(state)) }

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// beginTermination moves any live state to StateTerminating, returning the
// state it replaced, or false if termination had already begun.
func (s *fastState) beginTermination() (LoopState, bool) {
	for {
		current := s.Load()
		if current == StateTerminating || current == StateTerminated {
			return current, false
		}
		if s.TryTransition(current, StateTerminating) {
			return current, true
		}
	}
}
