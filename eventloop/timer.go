package eventloop

import (
	"container/heap"
	"time"
)

type timer struct {
	when     time.Time
	seq      uint64
	fn       func()
	index    int
	canceled bool
}

// timerHeap is a min-heap of timers ordered by deadline, then by scheduling
// order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// ScheduleTimer runs fn on the loop goroutine after delay. The returned
// cancel function may be called from any goroutine, and has no effect once
// the timer has fired.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (cancel func(), err error) {
	t := &timer{when: time.Now().Add(delay), fn: fn, index: -1}
	if err := l.Execute(func() {
		if t.canceled {
			return
		}
		l.timerSeq++
		t.seq = l.timerSeq
		heap.Push(&l.timers, t)
	}); err != nil {
		return nil, err
	}
	return func() {
		_ = l.Execute(func() {
			t.canceled = true
			if t.index >= 0 {
				heap.Remove(&l.timers, t.index)
			}
		})
	}, nil
}

func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		l.safeExecute(t.fn)
		if l.opts.metricsEnabled {
			l.stats.timers.Add(1)
		}
	}
}
