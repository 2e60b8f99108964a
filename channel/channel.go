//go:build linux || darwin

package channel

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-netchannel/buffer"
	"github.com/joeycumines/go-netchannel/eventloop"
)

var channelIDCounter atomic.Uint64

// Channel is a non-blocking stream socket bound to one loop for its whole
// life.
type Channel struct { // betteralign:ignore
	loop     *eventloop.Loop
	cfg      *Config
	arena    *buffer.Arena
	pipeline *Pipeline

	// loop only
	outbound       *outboundBuffer
	watermark      *WatermarkTracker
	connectPromise *eventloop.Promise
	connectAddr    unix.Sockaddr
	removeHook     func()

	closePromise *eventloop.Promise

	addrMu sync.Mutex
	local  net.Addr
	remote net.Addr

	id uint64
	fd int

	state          atomic.Int32
	inputShutdown  atomic.Bool
	outputShutdown atomic.Bool
	writable       atomic.Bool
	autoRead       atomic.Bool
	// bound is set once the channel was handed to its loop, after which
	// the pipeline may only be touched there.
	bound atomic.Bool

	// loop only
	interest    eventloop.IOEvents
	registered  bool
	polling     bool
	readPending bool
	inFlush     bool
	tcp         bool
}

var _ eventloop.Registrable = (*Channel)(nil)

func newChannel(loop *eventloop.Loop, fd int, cfg *Config, tcp bool) (*Channel, error) {
	c := &Channel{
		loop:         loop,
		cfg:          cfg,
		arena:        cfg.Allocator.Arena(int(loop.ID() % uint64(cfg.Allocator.Arenas()))),
		closePromise: eventloop.NewPromise(loop),
		id:           channelIDCounter.Add(1),
		fd:           fd,
		tcp:          tcp,
	}
	w, err := NewWatermarkTracker(cfg.WriteBufferHighWaterMark, cfg.WriteBufferLowWaterMark, c.onWritabilityChanged)
	if err != nil {
		return nil, err
	}
	c.watermark = w
	c.outbound = newOutboundBuffer(w)
	c.pipeline = newPipeline(c)
	c.writable.Store(true)
	c.autoRead.Store(cfg.AutoRead)
	return c, nil
}

func (c *Channel) ID() uint64             { return c.id }
func (c *Channel) Loop() *eventloop.Loop  { return c.loop }
func (c *Channel) Pipeline() *Pipeline    { return c.pipeline }
func (c *Channel) Config() *Config        { return c.cfg }
func (c *Channel) Alloc() *buffer.Arena   { return c.arena }
func (c *Channel) State() State           { return State(c.state.Load()) }
func (c *Channel) IsOpen() bool           { return c.State() != StateClosed }
func (c *Channel) IsInputShutdown() bool  { return c.inputShutdown.Load() }
func (c *Channel) IsOutputShutdown() bool { return c.outputShutdown.Load() }
func (c *Channel) IsWritable() bool       { return c.writable.Load() }
func (c *Channel) IsAutoRead() bool       { return c.autoRead.Load() }

// CloseFuture returns a promise resolved once the channel has closed.
func (c *Channel) CloseFuture() *eventloop.Promise { return c.closePromise }

// IsRegistered reports whether the channel is bound to its loop and open.
func (c *Channel) IsRegistered() bool {
	s := c.State()
	return s != StateUnregistered && s != StateClosed
}

// IsActive reports whether the channel is connected and not closed, even if
// one direction was shut down.
func (c *Channel) IsActive() bool {
	switch c.State() {
	case StateActive, StateInputShutdown, StateOutputShutdown:
		return true
	default:
		return false
	}
}

func (c *Channel) LocalAddr() net.Addr {
	c.addrMu.Lock()
	defer c.addrMu.Unlock()
	return c.local
}

func (c *Channel) RemoteAddr() net.Addr {
	c.addrMu.Lock()
	defer c.addrMu.Unlock()
	return c.remote
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(id: %d, L: %v, R: %v, %v)", c.id, c.LocalAddr(), c.RemoteAddr(), c.State())
}

// Write enqueues msg at the tail of the pipeline. The promise settles once
// the bytes were handed to the kernel, or the write failed.
func (c *Channel) Write(msg any) *eventloop.Promise { return c.pipeline.Write(msg) }

// Flush writes every enqueued message.
func (c *Channel) Flush() { c.pipeline.Flush() }

func (c *Channel) WriteAndFlush(msg any) *eventloop.Promise { return c.pipeline.WriteAndFlush(msg) }

// Read requests one read, for channels without auto-read.
func (c *Channel) Read() { c.pipeline.Read() }

// Close closes the channel. Closing a closed channel succeeds.
func (c *Channel) Close() *eventloop.Promise { return c.pipeline.Close() }

// ShutdownOutput half-closes the output direction. Pending writes fail with
// ErrOutputShutdown, and the peer observes end of stream.
func (c *Channel) ShutdownOutput() *eventloop.Promise { return c.pipeline.ShutdownOutput() }

// ShutdownInput half-closes the input direction.
func (c *Channel) ShutdownInput() *eventloop.Promise { return c.pipeline.ShutdownInput() }

// Shutdown shuts down both directions, which closes the channel.
func (c *Channel) Shutdown() *eventloop.Promise { return c.pipeline.Shutdown() }

// SetAutoRead changes whether the channel reads continuously.
func (c *Channel) SetAutoRead(enabled bool) {
	if c.autoRead.Swap(enabled) == enabled {
		return
	}
	_ = c.loop.Execute(func() {
		if !c.IsActive() || c.inputShutdown.Load() {
			return
		}
		if enabled {
			c.setInterest(c.interest | eventloop.EventRead)
		} else if !c.readPending {
			c.setInterest(c.interest &^ eventloop.EventRead)
		}
	})
}

func (c *Channel) newPromise() *eventloop.Promise { return eventloop.NewPromise(c.loop) }

// register hands the channel to its loop.
func (c *Channel) register() *eventloop.Promise {
	c.bound.Store(true)
	return c.loop.Register(c)
}

// OnRegister implements eventloop.Registrable. It is called on the loop.
func (c *Channel) OnRegister(l *eventloop.Loop) error {
	if l != c.loop {
		return errors.New("channel: registered with a foreign loop")
	}
	switch c.State() {
	case StateUnregistered:
	case StateClosed:
		return ErrClosed
	default:
		return errors.New("channel: already registered")
	}
	if err := l.RegisterFD(c.fd, 0, c.onEvents); err != nil {
		err = &TransportError{Op: "register", Err: err}
		c.close0(err)
		return err
	}
	c.polling = true
	c.registered = true
	c.state.Store(int32(StateRegistered))
	c.removeHook = l.OnTerminate(c.onLoopTerminated)
	c.pipeline.handlersAdded()
	c.pipeline.fireInbound(Event{Kind: EventRegistered})
	if c.State() == StateClosed {
		return nil
	}
	if c.connectAddr == nil {
		c.activate()
		return nil
	}
	switch err := unix.Connect(c.fd, c.connectAddr); err {
	case nil:
		c.connectAddr = nil
		c.activate()
	case unix.EINPROGRESS, unix.EINTR:
		c.setInterest(eventloop.EventWrite)
	default:
		c.connectAddr = nil
		c.failConnect(&TransportError{Op: "connect", Err: err})
	}
	return nil
}

func (c *Channel) onLoopTerminated(cause error) {
	c.close0(cause)
}

func (c *Channel) failConnect(err error) {
	if c.connectPromise != nil {
		c.connectPromise.Reject(err)
	}
	c.close0(err)
}

func (c *Channel) finishConnect() {
	c.connectAddr = nil
	if err := socketError(c.fd); err != nil {
		c.failConnect(&TransportError{Op: "connect", Err: err})
		return
	}
	c.setInterest(0)
	c.activate()
}

func (c *Channel) activate() {
	if err := applySocketOptions(c.fd, c.cfg, c.tcp); err != nil {
		c.failConnect(err)
		return
	}
	c.updateAddrs()
	c.state.Store(int32(StateActive))
	c.refreshState()
	c.logDebug("channel active")
	c.pipeline.fireInbound(Event{Kind: EventActive})
	if c.connectPromise != nil {
		c.connectPromise.Resolve(c)
	}
	if c.State() == StateClosed {
		return
	}
	if !c.inputShutdown.Load() && (c.autoRead.Load() || c.readPending) {
		c.setInterest(c.interest | eventloop.EventRead)
	}
	if c.outbound.hasFlushed() {
		c.doWrite()
	}
}

func (c *Channel) updateAddrs() {
	var local, remote net.Addr
	if sa, err := unix.Getsockname(c.fd); err == nil {
		local = sockaddrToAddr(sa)
	}
	if sa, err := unix.Getpeername(c.fd); err == nil {
		remote = sockaddrToAddr(sa)
	}
	c.addrMu.Lock()
	if local != nil {
		c.local = local
	}
	if remote != nil {
		c.remote = remote
	}
	c.addrMu.Unlock()
}

// refreshState derives the state of an active channel from its shutdown
// flags.
func (c *Channel) refreshState() {
	if !c.IsActive() {
		return
	}
	switch {
	case c.inputShutdown.Load():
		c.state.Store(int32(StateInputShutdown))
	case c.outputShutdown.Load():
		c.state.Store(int32(StateOutputShutdown))
	default:
		c.state.Store(int32(StateActive))
	}
}

func (c *Channel) setInterest(ev eventloop.IOEvents) {
	if ev == c.interest || !c.polling {
		return
	}
	if err := c.loop.ModifyFD(c.fd, ev); err != nil {
		c.close0(&TransportError{Op: "modify interest", Err: err})
		return
	}
	c.interest = ev
}

func (c *Channel) onWritabilityChanged(writable bool) {
	c.writable.Store(writable)
	if c.State() != StateClosed {
		c.pipeline.fireInbound(Event{Kind: EventWritabilityChanged, Writable: writable})
	}
}

// onEvents handles readiness of the socket.
func (c *Channel) onEvents(ev eventloop.IOEvents) {
	if c.State() == StateClosed {
		return
	}
	if c.connectAddr != nil {
		c.finishConnect()
		return
	}
	if ev&eventloop.EventError != 0 {
		err := socketError(c.fd)
		if err == nil {
			err = errors.New("socket error")
		}
		c.transportFailure("poll", err)
		return
	}
	inputWasShutdown := c.inputShutdown.Load()
	if ev&(eventloop.EventRead|eventloop.EventHangup) != 0 && !inputWasShutdown {
		c.readReady()
	}
	if ev&eventloop.EventWrite != 0 && c.IsOpen() {
		c.doWrite()
	}
	if ev&eventloop.EventHangup != 0 && inputWasShutdown && c.IsOpen() {
		c.close0(nil)
	}
}

// transportFailure fails pending writes, dispatches the error and closes.
func (c *Channel) transportFailure(op string, err error) {
	te := &TransportError{Op: op, Err: err}
	c.outbound.failAll(te)
	c.pipeline.fireError(te)
	c.close0(te)
}

// readReady reads until the socket is drained or the per-event limit is
// reached, returning the number of bytes read.
func (c *Channel) readReady() int {
	c.readPending = false
	var total, reads int
	for reads < c.cfg.MaxMessagesPerRead {
		buf := c.arena.Get(c.cfg.ReadBufferSize)
		dst := buf.WritableSlice()
		n, err := unix.Read(c.fd, dst)
		if err != nil {
			buf.Release()
			if err == unix.EINTR {
				continue
			}
			if isTemporary(err) {
				break
			}
			if reads != 0 {
				c.pipeline.fireInbound(Event{Kind: EventReadComplete})
			}
			c.transportFailure("read", err)
			return total
		}
		if n == 0 {
			buf.Release()
			if reads != 0 {
				c.pipeline.fireInbound(Event{Kind: EventReadComplete})
			}
			c.inputEOF()
			return total
		}
		_ = buf.CommitWrite(n)
		total += n
		reads++
		c.pipeline.fireInbound(Event{Kind: EventRead, Msg: buf})
		if c.State() == StateClosed || c.inputShutdown.Load() || n < len(dst) {
			break
		}
	}
	if c.State() == StateClosed {
		return total
	}
	if reads != 0 {
		c.pipeline.fireInbound(Event{Kind: EventReadComplete})
	}
	if c.State() != StateClosed && !c.inputShutdown.Load() && !c.autoRead.Load() && !c.readPending {
		c.setInterest(c.interest &^ eventloop.EventRead)
	}
	return total
}

// inputEOF handles end of stream, a half-close by the peer.
func (c *Channel) inputEOF() {
	_ = unix.Shutdown(c.fd, unix.SHUT_RD)
	c.setInputShutdown(true)
}

func (c *Channel) setInputShutdown(eof bool) {
	if c.inputShutdown.Swap(true) {
		return
	}
	c.readPending = false
	c.setInterest(c.interest &^ eventloop.EventRead)
	c.refreshState()
	c.pipeline.fireInbound(Event{Kind: EventUser, Msg: InputShutdownEvent{EOF: eof}})
	if c.outputShutdown.Load() {
		c.close0(nil)
	}
}

// perform executes an operation that reached the head of the pipeline.
func (c *Channel) perform(op *Operation) {
	switch op.Kind {
	case OpWrite:
		c.write0(op.Msg, op.Promise)
	case OpFlush:
		c.flush0()
	case OpRead:
		c.read0()
	case OpClose:
		c.close0(nil)
		if op.Promise != nil {
			c.closePromise.Cascade(op.Promise)
		}
	case OpShutdownOutput:
		c.shutdownOutput0(op.Promise)
	case OpShutdownInput:
		c.shutdownInput0(op.Promise)
	case OpShutdown:
		c.shutdown0(op.Promise)
	default:
		Release(op.Msg)
		reject(op.Promise, fmt.Errorf("channel: unsupported operation %v", op.Kind))
	}
}

func (c *Channel) write0(msg any, p *eventloop.Promise) {
	switch {
	case c.State() == StateClosed:
		Release(msg)
		reject(p, ErrClosed)
		return
	case c.outputShutdown.Load():
		Release(msg)
		reject(p, ErrOutputShutdown)
		return
	}
	size, ok := messageSize(msg)
	if !ok {
		Release(msg)
		reject(p, &ProtocolError{Cause: fmt.Errorf("unsupported message type %T", msg)})
		return
	}
	c.outbound.add(msg, size, p)
}

func (c *Channel) flush0() {
	if c.State() == StateClosed {
		return
	}
	c.outbound.addFlush()
	if c.inFlush || !c.IsActive() || c.interest&eventloop.EventWrite != 0 {
		return
	}
	c.doWrite()
}

// doWrite writes flushed messages until the socket would block, then waits
// for write readiness.
func (c *Channel) doWrite() {
	if c.inFlush {
		return
	}
	c.inFlush = true
	defer func() { c.inFlush = false }()
	for range writeSpinCount {
		if !c.outbound.hasFlushed() {
			break
		}
		iov := c.outbound.iovecs()
		if len(iov) == 0 {
			c.outbound.removeBytes(0)
			continue
		}
		n, err := writev(c.fd, iov)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if isTemporary(err) {
				break
			}
			c.transportFailure("write", err)
			return
		}
		c.outbound.removeBytes(n)
		if c.State() == StateClosed {
			return
		}
	}
	if c.outbound.hasFlushed() {
		c.setInterest(c.interest | eventloop.EventWrite)
	} else {
		c.setInterest(c.interest &^ eventloop.EventWrite)
	}
}

func (c *Channel) read0() {
	if c.State() == StateClosed || c.inputShutdown.Load() {
		return
	}
	c.readPending = true
	if c.IsActive() {
		c.setInterest(c.interest | eventloop.EventRead)
	}
}

func (c *Channel) shutdownOutput0(p *eventloop.Promise) {
	switch {
	case c.State() == StateClosed:
		reject(p, ErrClosed)
		return
	case c.outputShutdown.Load():
		reject(p, ErrOutputShutdown)
		return
	}
	// a kernel failure leaves the output direction as it was
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
		reject(p, &TransportError{Op: "shutdown output", Err: err})
		return
	}
	c.outputShutdown.Store(true)
	c.outbound.failAll(ErrOutputShutdown)
	c.setInterest(c.interest &^ eventloop.EventWrite)
	c.refreshState()
	c.pipeline.fireInbound(Event{Kind: EventUser, Msg: OutputShutdownEvent{}})
	resolve(p)
	if c.inputShutdown.Load() {
		c.close0(nil)
	}
}

func (c *Channel) shutdownInput0(p *eventloop.Promise) {
	switch {
	case c.State() == StateClosed:
		reject(p, ErrClosed)
		return
	case c.inputShutdown.Load():
		reject(p, ErrInputShutdown)
		return
	}
	err := unix.Shutdown(c.fd, unix.SHUT_RD)
	if err != nil {
		err = &TransportError{Op: "shutdown input", Err: err}
	}
	c.setInputShutdown(false)
	if err != nil {
		reject(p, err)
	} else {
		resolve(p)
	}
}

func (c *Channel) shutdown0(p *eventloop.Promise) {
	if c.State() == StateClosed {
		reject(p, ErrClosed)
		return
	}
	err := unix.Shutdown(c.fd, unix.SHUT_RDWR)
	c.inputShutdown.Store(true)
	c.outputShutdown.Store(true)
	c.outbound.failAll(ErrOutputShutdown)
	c.close0(nil)
	if p == nil {
		return
	}
	c.closePromise.OnComplete(func(*eventloop.Promise) {
		if err != nil {
			p.Reject(&TransportError{Op: "shutdown", Err: err})
		} else {
			p.Resolve(nil)
		}
	})
}

// close0 closes the channel, at most once. cause, which may be nil, fails a
// pending connect.
func (c *Channel) close0(cause error) {
	prev := State(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	wasActive := prev == StateActive || prev == StateInputShutdown || prev == StateOutputShutdown
	if c.polling {
		_ = c.loop.UnregisterFD(c.fd)
		c.polling = false
	}
	c.interest = 0
	if c.removeHook != nil {
		c.removeHook()
		c.removeHook = nil
	}
	c.outbound.failAll(ErrClosed)
	if c.connectPromise != nil {
		if cause == nil {
			cause = ErrClosed
		}
		c.connectPromise.Reject(cause)
	}

	finish := func() {
		if wasActive {
			c.pipeline.fireInbound(Event{Kind: EventInactive})
		}
		if c.registered {
			c.pipeline.fireInbound(Event{Kind: EventClosed})
		}
		c.pipeline.teardown()
		c.logDebug("channel closed")
		c.closePromise.Resolve(nil)
	}

	if c.cfg.Linger > 0 && wasActive {
		// close blocks for up to the linger timeout
		fd := c.fd
		go func() {
			_ = unix.Close(fd)
			if err := c.loop.Submit(finish); err != nil {
				finish()
			}
		}()
		return
	}
	_ = unix.Close(c.fd)
	finish()
}

func resolve(p *eventloop.Promise) {
	if p != nil {
		p.Resolve(nil)
	}
}

func reject(p *eventloop.Promise, err error) {
	if p != nil {
		p.Reject(err)
	}
}
