//go:build linux || darwin

package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-netchannel/buffer"
	"github.com/joeycumines/go-netchannel/eventloop"
)

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateUnregistered:   "Unregistered",
		StateRegistered:     "Registered",
		StateActive:         "Active",
		StateInputShutdown:  "InputShutdown",
		StateOutputShutdown: "OutputShutdown",
		StateClosed:         "Closed",
		State(99):           "Unknown",
	} {
		assert.Equal(t, want, s.String())
	}
}

func TestNewConfig(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.True(t, cfg.NoDelay)
	assert.True(t, cfg.AutoRead)
	assert.Equal(t, time.Duration(-1), cfg.Linger)
	assert.Equal(t, DefaultWriteBufferHighWaterMark, cfg.WriteBufferHighWaterMark)
	assert.Equal(t, DefaultWriteBufferLowWaterMark, cfg.WriteBufferLowWaterMark)
	assert.NotNil(t, cfg.Allocator)

	for name, opt := range map[string]Option{
		"high below low":    WithWriteBufferWatermark(1, 2),
		"negative low":      WithWriteBufferWatermark(1, -1),
		"nil allocator":     WithAllocator(nil),
		"zero read size":    WithReadBufferSize(0),
		"zero reads per ev": WithMaxMessagesPerRead(0),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfig(opt)
			assert.Error(t, err)
		})
	}
}

func TestChannel_pairRoundTrip(t *testing.T) {
	pool := newLeakCheckedPool(t)
	l := startLoop(t)
	a, b, _, cb := pairWith(t, l, WithAllocator(pool))

	assert.True(t, a.IsActive())
	assert.True(t, b.IsActive())
	assert.Equal(t, StateActive, a.State())

	_, err := await(t, a.WriteAndFlush(wrapString("hello")))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(cb.Data()) == "hello" }, 5*time.Second, time.Millisecond)
	assert.Contains(t, cb.Events(), EventReadComplete)
}

func TestChannel_echoRoundTrip(t *testing.T) {
	pool := newLeakCheckedPool(t)
	group, err := eventloop.NewGroup(2)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- group.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	server, err := Listen(group, "tcp", "127.0.0.1:0", 0, func(ch *Channel) error {
		return ch.Pipeline().AddLast("echo", echoHandler{})
	}, WithAllocator(pool))
	require.NoError(t, err)
	_, err = await(t, server.Ready())
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client := newCollector()
	ch, connected, err := Dial(context.Background(), group, "tcp", server.Addr().String(), func(ch *Channel) error {
		return ch.Pipeline().AddLast("client", client)
	}, WithAllocator(pool), WithNoDelay(true))
	require.NoError(t, err)
	v, err := await(t, connected)
	require.NoError(t, err)
	require.Same(t, ch, v)
	assert.IsType(t, &net.TCPAddr{}, ch.LocalAddr())
	assert.Equal(t, server.Addr().String(), ch.RemoteAddr().String())

	payload := make([]byte, 256*1024)
	_, _ = rand.Read(payload)
	var writes []*eventloop.Promise
	for off := 0; off < len(payload); off += 10000 {
		end := min(off+10000, len(payload))
		writes = append(writes, ch.Write(buffer.Wrap(payload[off:end])))
	}
	ch.Flush()
	_, err = await(t, eventloop.All(nil, writes...))
	require.NoError(t, err)
	_, err = await(t, ch.ShutdownOutput())
	require.NoError(t, err)

	waitClosed(t, client.inputEOF, "echo end of stream")
	assert.True(t, bytes.Equal(payload, client.Data()), "echoed bytes differ")
	_, err = await(t, ch.CloseFuture())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), server.Accepted())
}

func TestChannel_halfCloseAsymmetry(t *testing.T) {
	l := startLoop(t)
	a, b, ca, cb := pairWith(t, l)

	_, err := await(t, a.ShutdownOutput())
	require.NoError(t, err)
	assert.True(t, a.IsOutputShutdown())
	assert.False(t, a.IsInputShutdown())
	assert.Equal(t, StateOutputShutdown, a.State())
	assert.True(t, a.IsActive())

	waitClosed(t, cb.inputEOF, "peer end of stream")
	assert.True(t, b.IsInputShutdown())
	assert.False(t, b.IsOutputShutdown())
	assert.Equal(t, StateInputShutdown, b.State())

	// the local input stays open
	_, err = await(t, b.WriteAndFlush(wrapString("still open")))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(ca.Data()) == "still open" }, 5*time.Second, time.Millisecond)
	assert.True(t, a.IsOpen())
	ca.mu.Lock()
	assert.Contains(t, ca.user, any(OutputShutdownEvent{}))
	ca.mu.Unlock()
}

func TestChannel_bothShutdownCloses(t *testing.T) {
	l := startLoop(t)
	a, b, ca, _ := pairWith(t, l)

	_, err := await(t, a.ShutdownOutput())
	require.NoError(t, err)
	_, err = await(t, b.ShutdownOutput())
	require.NoError(t, err)

	waitClosed(t, ca.closed, "a closed")
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, []EventKind{EventRegistered, EventActive}, ca.Events()[:2])
	events := ca.Events()
	assert.Equal(t, []EventKind{EventInactive, EventClosed}, events[len(events)-2:])
}

func TestChannel_writeAfterShutdownOutput(t *testing.T) {
	l := startLoop(t)
	a, _, _, _ := pairWith(t, l)

	_, err := await(t, a.ShutdownOutput())
	require.NoError(t, err)

	buf := wrapString("late")
	_, err = await(t, a.WriteAndFlush(buf))
	require.ErrorIs(t, err, ErrOutputShutdown)
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int32(0), buf.RefCnt())
}

func TestChannel_shutdownOutputTwice(t *testing.T) {
	l := startLoop(t)
	a, _, _, _ := pairWith(t, l)

	_, err := await(t, a.ShutdownOutput())
	require.NoError(t, err)
	_, err = await(t, a.ShutdownOutput())
	require.ErrorIs(t, err, ErrClosed)
	assert.True(t, a.IsOpen())
	assert.True(t, a.IsOutputShutdown())
}

func TestChannel_closeIdempotent(t *testing.T) {
	l := startLoop(t)
	a, _, ca, _ := pairWith(t, l)

	_, err := await(t, a.Close())
	require.NoError(t, err)
	_, err = await(t, a.Close())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, a.State())
	assert.True(t, a.CloseFuture().IsSuccess())

	var closed int
	for _, ev := range ca.Events() {
		if ev == EventClosed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
}

func TestChannel_operationsAfterClose(t *testing.T) {
	l := startLoop(t)
	a, _, _, _ := pairWith(t, l)
	_, err := await(t, a.Close())
	require.NoError(t, err)

	for name, op := range map[string]func() *eventloop.Promise{
		"shutdown output": a.ShutdownOutput,
		"shutdown input":  a.ShutdownInput,
		"shutdown":        a.Shutdown,
		"write":           func() *eventloop.Promise { return a.WriteAndFlush(wrapString("x")) },
	} {
		t.Run(name, func(t *testing.T) {
			_, err := await(t, op())
			require.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestChannel_closeFailsPendingWrites(t *testing.T) {
	l := startLoop(t)
	a, _, _, _ := pairWith(t, l)

	var pending *eventloop.Promise
	onLoop(t, l, func() {
		pending = a.Write(wrapString("never flushed"))
		a.Close()
	})
	_, err := await(t, pending)
	require.ErrorIs(t, err, ErrClosed)
}

func TestChannel_shutdownInput(t *testing.T) {
	l := startLoop(t)
	a, _, ca, _ := pairWith(t, l)

	_, err := await(t, a.ShutdownInput())
	require.NoError(t, err)
	assert.True(t, a.IsInputShutdown())
	assert.Equal(t, StateInputShutdown, a.State())
	_, err = await(t, a.ShutdownInput())
	require.ErrorIs(t, err, ErrInputShutdown)

	ca.mu.Lock()
	assert.Contains(t, ca.user, any(InputShutdownEvent{EOF: false}))
	ca.mu.Unlock()

	// output still works
	_, err = await(t, a.WriteAndFlush(wrapString("x")))
	require.NoError(t, err)
}

func TestChannel_shutdownBoth(t *testing.T) {
	l := startLoop(t)
	a, _, ca, _ := pairWith(t, l)

	_, err := await(t, a.Shutdown())
	require.NoError(t, err)
	waitClosed(t, ca.closed, "closed")
	assert.True(t, a.IsInputShutdown())
	assert.True(t, a.IsOutputShutdown())
	assert.Equal(t, StateClosed, a.State())
}

func TestChannel_writabilityWatermark(t *testing.T) {
	l := startLoop(t)
	a, _, ca, _ := pairWith(t, l, WithWriteBufferWatermark(4, 2))

	var beforeFlush, afterFlush bool
	var p *eventloop.Promise
	onLoop(t, l, func() {
		p = a.Write(wrapString("abcdef"))
		beforeFlush = a.IsWritable()
		a.Flush()
		afterFlush = a.IsWritable()
	})
	_, err := await(t, p)
	require.NoError(t, err)
	assert.False(t, beforeFlush)
	assert.True(t, afterFlush)
	assert.Equal(t, []bool{false, true}, ca.Writability())
}

func TestChannel_noWritabilityChangeForRejectedWrite(t *testing.T) {
	l := startLoop(t)
	a, _, ca, _ := pairWith(t, l, WithWriteBufferWatermark(4, 2))

	_, err := await(t, a.ShutdownOutput())
	require.NoError(t, err)
	_, err = await(t, a.Write(wrapString("abcdef")))
	require.ErrorIs(t, err, ErrClosed)
	assert.True(t, a.IsWritable())
	assert.Empty(t, ca.Writability())
}

func TestChannel_shutdownWithLinger(t *testing.T) {
	for _, linger := range []time.Duration{0, time.Second} {
		t.Run(linger.String(), func(t *testing.T) {
			l := startLoop(t)
			server, err := Listen(l, "tcp", "127.0.0.1:0", 0, nil)
			require.NoError(t, err)
			t.Cleanup(func() { server.Close() })

			ch, connected, err := Dial(context.Background(), l, "tcp", server.Addr().String(), nil, WithLinger(linger))
			require.NoError(t, err)
			_, err = await(t, connected)
			require.NoError(t, err)

			_, err = await(t, ch.ShutdownOutput())
			require.NoError(t, err)
			_, err = await(t, ch.Close())
			require.NoError(t, err)
			assert.Equal(t, StateClosed, ch.State())
		})
	}
}

func TestChannel_unsupportedMessage(t *testing.T) {
	l := startLoop(t)
	a, _, _, _ := pairWith(t, l)

	_, err := await(t, a.WriteAndFlush("not a buffer"))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.True(t, a.IsOpen())
}

func TestChannel_compositeWrite(t *testing.T) {
	pool := newLeakCheckedPool(t)
	l := startLoop(t)
	a, _, _, cb := pairWith(t, l, WithAllocator(pool))

	first := a.Alloc().Get(8)
	_, _ = first.WriteString("foo")
	second := a.Alloc().Get(8)
	_, _ = second.WriteString("bar")
	_, err := await(t, a.WriteAndFlush(a.Alloc().Compose(first, second, wrapString("baz"))))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(cb.Data()) == "foobarbaz" }, 5*time.Second, time.Millisecond)
}

func TestChannel_autoReadDisabled(t *testing.T) {
	l := startLoop(t)
	a, b, _, cb := pairWith(t, l, WithAutoRead(false))
	assert.False(t, b.IsAutoRead())

	_, err := await(t, a.WriteAndFlush(wrapString("pulled")))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, cb.Data())

	b.Read()
	require.Eventually(t, func() bool { return string(cb.Data()) == "pulled" }, 5*time.Second, time.Millisecond)

	_, err = await(t, a.WriteAndFlush(wrapString(" more")))
	require.NoError(t, err)
	b.SetAutoRead(true)
	require.Eventually(t, func() bool { return string(cb.Data()) == "pulled more" }, 5*time.Second, time.Millisecond)
}

func TestChannel_connectRefused(t *testing.T) {
	l := startLoop(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ch, connected, err := Dial(context.Background(), l, "tcp", addr, nil)
	require.NoError(t, err)
	_, err = await(t, connected)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, unix.ECONNREFUSED)
	_, err = await(t, ch.CloseFuture())
	require.NoError(t, err)
	assert.False(t, ch.IsOpen())
}

func TestChannel_unixSocket(t *testing.T) {
	l := startLoop(t)
	dir, err := os.MkdirTemp("", "nc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "echo.sock")
	server, err := Listen(l, "unix", path, 0, func(ch *Channel) error {
		return ch.Pipeline().AddLast("echo", echoHandler{})
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client := newCollector()
	ch, connected, err := Dial(context.Background(), l, "unix", path, func(ch *Channel) error {
		return ch.Pipeline().AddLast("client", client)
	})
	require.NoError(t, err)
	_, err = await(t, connected)
	require.NoError(t, err)

	ch.Write(wrapString("over "))
	ch.WriteAndFlush(wrapString("unix"))
	ch.ShutdownOutput()
	waitClosed(t, client.inputEOF, "end of stream")
	assert.Equal(t, "over unix", string(client.Data()))
}

func TestChannel_loopTerminationCloses(t *testing.T) {
	l, err := eventloop.New()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	a, _, ca, _ := pairWith(t, l)
	require.NoError(t, l.Shutdown(context.Background()))
	<-done
	waitClosed(t, ca.closed, "closed by loop termination")
	assert.False(t, a.IsOpen())
	assert.True(t, a.CloseFuture().IsSuccess())

	// closing again still succeeds without a loop
	_, err = await(t, a.Close())
	require.NoError(t, err)
	_, err = await(t, a.ShutdownOutput())
	require.ErrorIs(t, err, ErrClosed)
}

func TestChannel_shutdownOutputKernelFailure(t *testing.T) {
	ch := newDetachedChannel(t)
	c := newCollector()
	require.NoError(t, ch.Pipeline().AddLast("collector", c))
	p := eventloop.NewPromise(nil)
	// the detached channel has no socket, so shutdown(2) fails
	ch.shutdownOutput0(p)
	<-p.Done()
	var te *TransportError
	require.ErrorAs(t, p.Err(), &te)
	assert.False(t, ch.IsOutputShutdown())
	assert.True(t, ch.IsOpen())
	assert.Empty(t, c.User())
}

func TestServerChannel(t *testing.T) {
	l := startLoop(t)
	accepted := make(chan *Channel, 1)
	server, err := Listen(l, "tcp", "127.0.0.1:0", 16, func(ch *Channel) error {
		accepted <- ch
		return nil
	})
	require.NoError(t, err)
	_, err = await(t, server.Ready())
	require.NoError(t, err)
	assert.True(t, server.IsOpen())

	_, err = await(t, server.ShutdownOutput())
	var te *TransportError
	require.ErrorAs(t, err, &te)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var child *Channel
	select {
	case child = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}
	require.Eventually(t, child.IsActive, 5*time.Second, time.Millisecond)
	assert.Equal(t, conn.LocalAddr().String(), child.RemoteAddr().String())
	assert.Equal(t, uint64(1), server.Accepted())

	_, err = await(t, server.Close())
	require.NoError(t, err)
	assert.False(t, server.IsOpen())
	assert.True(t, child.IsOpen())

	_, err = await(t, server.ShutdownOutput())
	require.ErrorIs(t, err, ErrClosed)
	child.Close()
}
