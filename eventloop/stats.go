package eventloop

import (
	"sync/atomic"
)

// Stats holds loop counters. They are only maintained when the loop was
// created with WithMetrics(true).
type Stats struct {
	Ticks    uint64 // loop iterations
	Tasks    uint64 // queued tasks executed
	Timers   uint64 // timers fired
	Polls    uint64 // successful multiplexer waits
	IOEvents uint64 // ready descriptors reported by the multiplexer
}

type loopStats struct {
	ticks    atomic.Uint64
	tasks    atomic.Uint64
	timers   atomic.Uint64
	polls    atomic.Uint64
	ioEvents atomic.Uint64
}

// Stats returns a snapshot of the loop counters. Safe from any goroutine.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:    l.stats.ticks.Load(),
		Tasks:    l.stats.tasks.Load(),
		Timers:   l.stats.timers.Load(),
		Polls:    l.stats.polls.Load(),
		IOEvents: l.stats.ioEvents.Load(),
	}
}
