package eventloop

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// syncBuffer collects log output written from the loop goroutine.
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

// startLoop runs a new loop on its own goroutine, shutting it down when the
// test ends.
func startLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	waitLoopState(t, l, StateRunning, time.Second)
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

// waitLoopState waits for a loop to reach a specific state, treating
// Sleeping as Running.
func waitLoopState(t *testing.T, loop *Loop, expected LoopState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		state := loop.State()
		if state == expected || (expected == StateRunning && state == StateSleeping) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("loop failed to reach %v state (got %v)", expected, state)
		}
		time.Sleep(time.Millisecond)
	}
}

// await waits for p to settle on behalf of a test goroutine.
func await(t *testing.T, p *Promise) (Result, error) {
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
