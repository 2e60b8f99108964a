//go:build linux || darwin

package channel

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-netchannel/buffer"
	"github.com/joeycumines/go-netchannel/eventloop"
)

// syncBuffer collects log output written from loop goroutines.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(stumpy.L.WithStumpy(
		stumpy.WithWriter(w),
		stumpy.WithTimeField(``),
	)).Logger()
}

// startLoop runs a new loop until the test ends.
func startLoop(t *testing.T, opts ...eventloop.LoopOption) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New(opts...)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		s := l.State()
		return s == eventloop.StateRunning || s == eventloop.StateSleeping
	}, time.Second, time.Millisecond)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
		select {
		case <-done:
		case <-ctx.Done():
			t.Error("loop did not stop")
		}
	})
	return l
}

// newLeakCheckedPool returns an allocator that fails the test if any buffer
// is still outstanding once the test's loops have stopped.
func newLeakCheckedPool(t *testing.T) *buffer.Pool {
	t.Helper()
	p, err := buffer.NewPool(buffer.WithLeakDetection(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := p.CheckLeaks(); err != nil {
			t.Error(err)
		}
	})
	return p
}

func await(t *testing.T, p *eventloop.Promise) (eventloop.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-p.Done():
	case <-ctx.Done():
		t.Fatal("promise did not settle")
	}
	return p.Result()
}

// onLoop runs fn on l and waits for it.
func onLoop(t *testing.T, l *eventloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, l.Submit(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop task did not run")
	}
}

func wrapString(s string) *buffer.Buffer { return buffer.Wrap([]byte(s)) }

// collector records everything reaching it, releasing read buffers.
type collector struct {
	HandlerBase
	mu       sync.Mutex
	data     bytes.Buffer
	events   []EventKind
	user     []any
	writable []bool
	errs     []error
	active   chan struct{}
	inputEOF chan struct{}
	closed   chan struct{}
}

func newCollector() *collector {
	return &collector{
		active:   make(chan struct{}),
		inputEOF: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *collector) HandleInbound(ctx *HandlerContext, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev.Kind)
	switch ev.Kind {
	case EventActive:
		close(c.active)
	case EventRead:
		b := ev.Msg.(*buffer.Buffer)
		c.data.Write(b.Bytes())
		b.Release()
	case EventWritabilityChanged:
		c.writable = append(c.writable, ev.Writable)
	case EventUser:
		c.user = append(c.user, ev.Msg)
		if e, ok := ev.Msg.(InputShutdownEvent); ok && e.EOF {
			close(c.inputEOF)
		}
	case EventClosed:
		close(c.closed)
	}
	return nil
}

func (c *collector) HandleError(_ *HandlerContext, err error) error {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	return err
}

func (c *collector) Data() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.data.Bytes())
}

func (c *collector) Writability() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.writable...)
}

func (c *collector) Events() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EventKind(nil), c.events...)
}

func (c *collector) User() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.user...)
}

func (c *collector) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// echoHandler writes every read back, and half-closes once the peer did.
type echoHandler struct {
	HandlerBase
}

func (echoHandler) HandleInbound(ctx *HandlerContext, ev Event) error {
	switch ev.Kind {
	case EventRead:
		ctx.Write(ev.Msg)
	case EventReadComplete:
		ctx.Flush()
	case EventUser:
		if _, ok := ev.Msg.(InputShutdownEvent); ok {
			ctx.ShutdownOutput()
		}
	}
	return nil
}

// pairWith creates a connected pair with a collector at the end of each
// pipeline.
func pairWith(t *testing.T, l *eventloop.Loop, opts ...Option) (a, b *Channel, ca, cb *collector) {
	t.Helper()
	ca, cb = newCollector(), newCollector()
	a, b, err := NewPair(l,
		func(ch *Channel) error { return ch.Pipeline().AddLast("collector", ca) },
		func(ch *Channel) error { return ch.Pipeline().AddLast("collector", cb) },
		opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	waitClosed(t, ca.active, "a active")
	waitClosed(t, cb.active, "b active")
	return a, b, ca, cb
}
