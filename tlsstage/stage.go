package tlsstage

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/joeycumines/go-netchannel/buffer"
	"github.com/joeycumines/go-netchannel/channel"
	"github.com/joeycumines/go-netchannel/eventloop"
)

const (
	// recordOverhead bounds the framing a record adds to its plaintext.
	recordOverhead = 256
	// controlBufferSize is the initial size of buffers for handshake and
	// alert records.
	controlBufferSize = 2048
)

type (
	// HandshakeState is the progress of the initial handshake. A failed
	// renegotiation also moves it to HandshakeFailed.
	HandshakeState int32

	// RenegotiationState is the progress of the latest renegotiation.
	RenegotiationState int32

	// HandshakeCompleteEvent is fired as a user event exactly once per
	// handshake. Err is nil on success.
	HandshakeCompleteEvent struct {
		Err           error
		CipherSuite   string
		Renegotiation bool
	}

	// CloseNotifyEvent is fired as a user event when the peer sent
	// close_notify. The channel is closed afterwards.
	CloseNotifyEvent struct{}
)

const (
	HandshakeNotStarted HandshakeState = iota
	HandshakeInProgress
	HandshakeComplete
	HandshakeFailed
)

const (
	RenegotiationNone RenegotiationState = iota
	RenegotiationRequested
	RenegotiationInProgress
	RenegotiationComplete
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeNotStarted:
		return "NotStarted"
	case HandshakeInProgress:
		return "InProgress"
	case HandshakeComplete:
		return "Complete"
	case HandshakeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s RenegotiationState) String() string {
	switch s {
	case RenegotiationNone:
		return "None"
	case RenegotiationRequested:
		return "Requested"
	case RenegotiationInProgress:
		return "InProgress"
	case RenegotiationComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Success reports whether the handshake succeeded.
func (e HandshakeCompleteEvent) Success() bool { return e.Err == nil }

// Stage is a channel.Handler terminating TLS. Handlers after it see
// plaintext; handlers before it, and the channel, see records.
//
// A Stage belongs to one pipeline. Its methods other than the Handler ones
// may be called from any goroutine.
type Stage struct {
	engine  Engine
	cfg     *stageConfig
	initial *eventloop.Promise
	ctx     atomic.Pointer[channel.HandlerContext]
	state   atomic.Int32
	reneg   atomic.Int32

	// loop only
	current       *eventloop.Promise
	cancelTimer   func()
	pending       *queue.Queue
	cumulation    *buffer.Buffer
	renegotiating bool
	startOnActive bool
	flushPending  bool
	wrapping      bool
	outboundDone  bool
	closed        bool
}

var _ channel.Handler = (*Stage)(nil)

// New returns a stage driving engine.
func New(engine Engine, opts ...Option) (*Stage, error) {
	if engine == nil {
		return nil, errors.New("tlsstage: nil engine")
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Stage{
		engine:        engine,
		cfg:           cfg,
		initial:       eventloop.NewPromise(nil),
		pending:       queue.New(),
		startOnActive: cfg.startOnActive,
	}, nil
}

// Engine returns the stage's engine.
func (s *Stage) Engine() Engine { return s.engine }

// State returns the handshake state.
func (s *Stage) State() HandshakeState { return HandshakeState(s.state.Load()) }

// RenegotiationState returns the state of the latest renegotiation.
func (s *Stage) RenegotiationState() RenegotiationState {
	return RenegotiationState(s.reneg.Load())
}

// HandshakeFuture returns the promise of the initial handshake, resolved
// with the negotiated cipher suite.
func (s *Stage) HandshakeFuture() *eventloop.Promise { return s.initial }

// Handshake starts the initial handshake if it has not started, once the
// channel is active. It returns HandshakeFuture.
func (s *Stage) Handshake() *eventloop.Promise {
	ctx := s.ctx.Load()
	if ctx == nil {
		return eventloop.RejectedPromise(nil, ErrNotAdded)
	}
	if err := ctx.Channel().Loop().Execute(func() {
		s.startOnActive = true
		if ctx.Channel().IsActive() {
			s.begin(ctx)
		}
	}); err != nil {
		s.initial.Reject(channel.ErrClosed)
	}
	return s.initial
}

// Renegotiate runs a new handshake over the established session. The
// returned promise is distinct from every other handshake's, and resolves
// with the newly negotiated cipher suite.
//
// It fails with ErrRenegotiationInProgress before the initial handshake
// completes, and while another renegotiation is requested or running. A
// request racing a renegotiation started by the peer completes with it.
func (s *Stage) Renegotiate() *eventloop.Promise {
	ctx := s.ctx.Load()
	if ctx == nil {
		return eventloop.RejectedPromise(nil, ErrNotAdded)
	}
	loop := ctx.Channel().Loop()
	switch s.State() {
	case HandshakeComplete:
	case HandshakeFailed:
		return eventloop.RejectedPromise(loop, channel.ErrClosed)
	default:
		return eventloop.RejectedPromise(loop, ErrRenegotiationInProgress)
	}
	prev := s.reneg.Load()
	if prev == int32(RenegotiationRequested) || prev == int32(RenegotiationInProgress) ||
		!s.reneg.CompareAndSwap(prev, int32(RenegotiationRequested)) {
		return eventloop.RejectedPromise(loop, ErrRenegotiationInProgress)
	}
	p := eventloop.NewPromise(loop)
	if err := loop.Execute(func() { s.renegotiate(ctx, p, prev) }); err != nil {
		s.reneg.CompareAndSwap(int32(RenegotiationRequested), prev)
		p.Reject(channel.ErrClosed)
	}
	return p
}

func (s *Stage) renegotiate(ctx *channel.HandlerContext, p *eventloop.Promise, prev int32) {
	if s.closed || !ctx.Channel().IsActive() {
		s.reneg.CompareAndSwap(int32(RenegotiationRequested), prev)
		p.Reject(channel.ErrClosed)
		return
	}
	if s.current != nil {
		s.current.Cascade(p)
		return
	}
	if err := s.engine.BeginHandshake(); err != nil {
		if errors.Is(err, ErrRenegotiationUnsupported) {
			s.reneg.CompareAndSwap(int32(RenegotiationRequested), prev)
			p.Reject(err)
			return
		}
		s.current, s.renegotiating = p, true
		s.fatal(ctx, err)
		return
	}
	s.reneg.Store(int32(RenegotiationInProgress))
	s.current, s.renegotiating = p, true
	s.armTimeout(ctx, p)
	if err := s.wrapHandshake(ctx); err != nil {
		s.fatal(ctx, err)
	}
}

func (s *Stage) HandlerAdded(ctx *channel.HandlerContext) {
	s.ctx.Store(ctx)
	if s.startOnActive && ctx.Channel().IsActive() {
		s.begin(ctx)
	}
}

func (s *Stage) HandlerRemoved(ctx *channel.HandlerContext) {
	s.abort(ctx, false)
}

func (s *Stage) HandleInbound(ctx *channel.HandlerContext, ev channel.Event) error {
	switch ev.Kind {
	case channel.EventActive:
		ctx.FireInbound(ev)
		if s.startOnActive {
			s.begin(ctx)
		}

	case channel.EventRead:
		in, ok := ev.Msg.(*buffer.Buffer)
		if !ok {
			ctx.FireInbound(ev)
			return nil
		}
		if s.closed {
			in.Release()
			return nil
		}
		// a peer may start the handshake before this side would have
		s.begin(ctx)
		s.cumulate(ctx, in)
		s.unwrap(ctx)

	case channel.EventReadComplete:
		if s.flushPending && s.State() == HandshakeComplete && !s.closed {
			s.flushPending = false
			s.wrapPending(ctx)
			ctx.Flush()
		}
		ctx.FireInbound(ev)

	case channel.EventUser:
		if e, ok := ev.Msg.(channel.InputShutdownEvent); ok && e.EOF && s.handshaking() {
			s.fatal(ctx, io.ErrUnexpectedEOF)
		}
		ctx.FireInbound(ev)

	case channel.EventInactive:
		s.abort(ctx, true)
		ctx.FireInbound(ev)

	default:
		ctx.FireInbound(ev)
	}
	return nil
}

func (s *Stage) HandleOutbound(ctx *channel.HandlerContext, op *channel.Operation) error {
	switch op.Kind {
	case channel.OpWrite:
		if _, ok := op.Msg.(*buffer.Buffer); !ok {
			channel.Release(op.Msg)
			return &channel.ProtocolError{Handler: ctx.Name(), Cause: fmt.Errorf("unsupported message type %T", op.Msg)}
		}
		if s.closed || s.outboundDone {
			channel.Release(op.Msg)
			if op.Promise != nil {
				op.Promise.Reject(channel.ErrOutputShutdown)
			}
			return nil
		}
		s.pending.Add(op)

	case channel.OpFlush:
		if s.State() != HandshakeComplete {
			s.flushPending = true
			return nil
		}
		s.wrapPending(ctx)
		ctx.Outbound(op)

	case channel.OpClose, channel.OpShutdownOutput, channel.OpShutdown:
		s.closeOutbound(ctx)
		ctx.Outbound(op)

	default:
		ctx.Outbound(op)
	}
	return nil
}

func (s *Stage) HandleError(_ *channel.HandlerContext, err error) error {
	return err
}

func (s *Stage) handshaking() bool {
	return s.current != nil || s.State() == HandshakeInProgress
}

// begin starts the initial handshake once.
func (s *Stage) begin(ctx *channel.HandlerContext) {
	if !s.state.CompareAndSwap(int32(HandshakeNotStarted), int32(HandshakeInProgress)) {
		return
	}
	s.current = s.initial
	s.armTimeout(ctx, s.initial)
	if err := s.engine.BeginHandshake(); err != nil {
		s.fatal(ctx, err)
		return
	}
	if err := s.wrapHandshake(ctx); err != nil {
		s.fatal(ctx, err)
	}
}

func (s *Stage) armTimeout(ctx *channel.HandlerContext, p *eventloop.Promise) {
	d := s.cfg.handshakeTimeout
	if d <= 0 {
		return
	}
	s.stopTimer()
	cancel, err := ctx.Channel().Loop().ScheduleTimer(d, func() {
		if s.closed || s.current != p {
			return
		}
		s.failHandshake(ctx, &eventloop.TimeoutError{
			Cause:   eventloop.ErrTimeout,
			Message: fmt.Sprintf("tlsstage: handshake timed out after %s", d),
		})
		ctx.Close()
	})
	if err == nil {
		s.cancelTimer = cancel
	}
}

func (s *Stage) stopTimer() {
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
}

// cumulate takes ownership of in, appending it to the unconsumed input.
func (s *Stage) cumulate(ctx *channel.HandlerContext, in *buffer.Buffer) {
	if s.cumulation == nil {
		s.cumulation = in
		return
	}
	s.cumulation.Discard()
	if _, err := s.cumulation.Write(in.Bytes()); err != nil {
		c := ctx.Alloc().Get(s.cumulation.ReadableBytes() + in.ReadableBytes())
		_, _ = c.Write(s.cumulation.Bytes())
		_, _ = c.Write(in.Bytes())
		s.cumulation.Release()
		s.cumulation = c
	}
	in.Release()
}

func (s *Stage) releaseCumulation() {
	if s.cumulation != nil {
		s.cumulation.Release()
		s.cumulation = nil
	}
}

// unwrap decodes as many records as the cumulation holds.
func (s *Stage) unwrap(ctx *channel.HandlerContext) {
	for !s.closed && s.cumulation != nil && s.cumulation.IsReadable() {
		out := ctx.Alloc().Get(s.cumulation.ReadableBytes())
		res, err := s.engine.Unwrap(s.cumulation.Bytes(), out)
		_ = s.cumulation.Skip(res.BytesConsumed)
		if out.IsReadable() {
			ctx.FireRead(out)
		} else {
			out.Release()
		}
		if s.closed {
			return
		}
		if err != nil {
			s.fatal(ctx, err)
			return
		}
		if res.Status == StatusClosed {
			ctx.FireUserEvent(CloseNotifyEvent{})
			s.closeOutbound(ctx)
			ctx.Close()
			return
		}
		if err := s.progress(ctx, res.HandshakeStatus); err != nil {
			s.fatal(ctx, err)
			return
		}
		if res.Status == StatusBufferUnderflow || (res.BytesConsumed == 0 && res.BytesProduced == 0) {
			break
		}
	}
	if s.cumulation != nil && !s.cumulation.IsReadable() {
		s.releaseCumulation()
	}
}

// progress reacts to the handshake status reported by an Unwrap.
func (s *Stage) progress(ctx *channel.HandlerContext, hs HandshakeStatus) error {
	switch hs {
	case Finished:
		s.finishHandshake(ctx)
	case NeedWrap, NeedUnwrap:
		if s.current == nil && s.State() == HandshakeComplete {
			p := eventloop.NewPromise(ctx.Channel().Loop())
			s.current, s.renegotiating = p, true
			s.reneg.Store(int32(RenegotiationInProgress))
			s.armTimeout(ctx, p)
		}
	}
	if s.engine.HandshakeStatus() == NeedWrap {
		return s.wrapHandshake(ctx)
	}
	return nil
}

// wrapHandshake writes and flushes the handshake records the engine has
// pending.
func (s *Stage) wrapHandshake(ctx *channel.HandlerContext) error {
	var wrote bool
	for !s.closed && s.engine.HandshakeStatus() == NeedWrap {
		out := ctx.Alloc().Get(controlBufferSize)
		res, err := s.engine.Wrap(nil, out)
		if out.IsReadable() {
			ctx.Write(out)
			wrote = true
		} else {
			out.Release()
		}
		if err != nil {
			return err
		}
		if res.HandshakeStatus == Finished {
			s.finishHandshake(ctx)
		}
		if res.BytesProduced == 0 {
			break
		}
	}
	if wrote && !s.closed {
		ctx.Flush()
	}
	return nil
}

func (s *Stage) finishHandshake(ctx *channel.HandlerContext) {
	p, reneg := s.current, s.renegotiating
	if p == nil {
		if s.State() == HandshakeComplete {
			return
		}
		p = s.initial
	}
	s.current, s.renegotiating = nil, false
	s.stopTimer()
	cipher := s.engine.CipherSuite()
	if reneg {
		s.reneg.Store(int32(RenegotiationComplete))
	} else {
		s.state.Store(int32(HandshakeComplete))
	}
	p.Resolve(cipher)
	ctx.FireUserEvent(HandshakeCompleteEvent{CipherSuite: cipher, Renegotiation: reneg})
	if !reneg && !s.closed && s.pending.Length() != 0 {
		s.wrapPending(ctx)
		if s.flushPending {
			s.flushPending = false
			ctx.Flush()
		}
	}
}

// wrapPending encrypts the queued application writes, in order. Each
// write's promise follows the write of its records.
func (s *Stage) wrapPending(ctx *channel.HandlerContext) {
	if s.wrapping {
		return
	}
	s.wrapping = true
	defer func() { s.wrapping = false }()
	for !s.closed && s.pending.Length() != 0 {
		op := s.pending.Remove().(*channel.Operation)
		src := op.Msg.(*buffer.Buffer)
		out := ctx.Alloc().Get(src.ReadableBytes() + recordOverhead)
		var err error
		for err == nil && src.IsReadable() {
			var res Result
			res, err = s.engine.Wrap(src.Bytes(), out)
			_ = src.Skip(res.BytesConsumed)
			switch {
			case err != nil:
			case res.HandshakeStatus == Finished:
				s.finishHandshake(ctx)
			case res.BytesConsumed == 0:
				err = ErrStalled
			}
		}
		src.Release()
		if err != nil {
			out.Release()
			if op.Promise != nil {
				op.Promise.Reject(err)
			}
			s.fatal(ctx, err)
			return
		}
		p := ctx.Write(out)
		if op.Promise != nil {
			p.Cascade(op.Promise)
		}
	}
}

// closeOutbound sends close_notify after any pending writes.
func (s *Stage) closeOutbound(ctx *channel.HandlerContext) {
	if s.closed || s.outboundDone {
		return
	}
	s.outboundDone = true
	if s.State() != HandshakeComplete {
		return
	}
	s.wrapPending(ctx)
	s.engine.CloseOutbound()
	s.flushRecords(ctx)
}

// flushRecords writes whatever the engine has pending, such as an alert.
func (s *Stage) flushRecords(ctx *channel.HandlerContext) {
	out := ctx.Alloc().Get(controlBufferSize)
	_, _ = s.engine.Wrap(nil, out)
	if out.IsReadable() {
		ctx.WriteAndFlush(out)
	} else {
		out.Release()
		ctx.Flush()
	}
}

// fatal handles an engine error: the peer gets any alert the engine
// produced, and the channel is closed.
func (s *Stage) fatal(ctx *channel.HandlerContext, err error) {
	if s.closed {
		return
	}
	s.flushRecords(ctx)
	if s.handshaking() {
		var terr *eventloop.TimeoutError
		if !errors.As(err, &terr) {
			err = &HandshakeError{Cause: err}
		}
		s.failHandshake(ctx, err)
	} else {
		s.terminate(err)
		ctx.FireError(err)
	}
	ctx.Close()
}

// failHandshake fails the running handshake and fires its event.
func (s *Stage) failHandshake(ctx *channel.HandlerContext, err error) {
	p, reneg := s.current, s.renegotiating
	s.current, s.renegotiating = nil, false
	s.state.Store(int32(HandshakeFailed))
	if reneg {
		s.reneg.Store(int32(RenegotiationNone))
	}
	s.terminate(err)
	if p != nil {
		p.Reject(err)
	}
	s.initial.Reject(err)
	ctx.FireUserEvent(HandshakeCompleteEvent{Err: err, Renegotiation: reneg})
}

// abort stops the stage once the channel is going away.
func (s *Stage) abort(ctx *channel.HandlerContext, notify bool) {
	if s.closed {
		return
	}
	if notify && s.handshaking() {
		s.failHandshake(ctx, &HandshakeError{Cause: channel.ErrClosed})
		return
	}
	if s.current != nil {
		s.current.Reject(&HandshakeError{Cause: channel.ErrClosed})
		s.current = nil
	}
	s.initial.Reject(channel.ErrClosed)
	s.terminate(channel.ErrClosed)
}

// terminate fails pending writes and releases buffered input.
func (s *Stage) terminate(err error) {
	s.closed = true
	s.stopTimer()
	for s.pending.Length() != 0 {
		op := s.pending.Remove().(*channel.Operation)
		channel.Release(op.Msg)
		if op.Promise != nil {
			op.Promise.Reject(err)
		}
	}
	s.releaseCumulation()
	if c, ok := s.engine.(io.Closer); ok {
		_ = c.Close()
	}
}
