package eventloop

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Chooser picks the loop a new resource should be bound to.
type Chooser interface {
	Next() *Loop
}

var (
	_ Chooser = (*Loop)(nil)
	_ Chooser = (*Group)(nil)
)

// Group is a fixed set of loops, typically one per core, handing out loops
// in round-robin order.
type Group struct {
	loops []*Loop
	next  atomic.Uint64
}

// NewGroup creates n loops, each configured with opts.
func NewGroup(n int, opts ...LoopOption) (*Group, error) {
	if n <= 0 {
		return nil, errors.New("eventloop: group size must be positive")
	}
	g := &Group{loops: make([]*Loop, 0, n)}
	for range n {
		l, err := New(opts...)
		if err != nil {
			for _, l := range g.loops {
				_ = l.Close()
			}
			return nil, err
		}
		g.loops = append(g.loops, l)
	}
	return g, nil
}

// Loops returns the loops of the group.
func (g *Group) Loops() []*Loop { return g.loops }

// Next returns the next loop in round-robin order.
func (g *Group) Next() *Loop {
	return g.loops[(g.next.Add(1)-1)%uint64(len(g.loops))]
}

// Run runs every loop on its own goroutine and blocks until all have
// stopped. If any loop fails, the others are cancelled, and the first error
// is returned.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, l := range g.loops {
		eg.Go(func() error {
			return l.Run(ctx)
		})
	}
	return eg.Wait()
}

// Shutdown gracefully terminates every loop, returning the joined errors.
func (g *Group) Shutdown(ctx context.Context) error {
	errs := make([]error, len(g.loops))
	// request all before waiting on any
	for _, l := range g.loops {
		l.requestTermination()
	}
	for i, l := range g.loops {
		errs[i] = l.Shutdown(ctx)
	}
	return errors.Join(errs...)
}
