package channel

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-netchannel/buffer"
	"github.com/joeycumines/go-netchannel/eventloop"
)

// HandlerContext binds a Handler to its position in a Pipeline. It is the
// handler's only view of the chain.
//
// FireInbound, FireRead, FireReadComplete, FireUserEvent, FireError and
// Outbound continue a dispatch and must be called on the channel's loop.
// The remaining operations may be called from any goroutine.
type HandlerContext struct {
	pipeline *Pipeline
	handler  Handler
	prev     *HandlerContext
	next     *HandlerContext
	name     string
	added    bool
	removed  bool
}

func (c *HandlerContext) Name() string        { return c.name }
func (c *HandlerContext) Handler() Handler    { return c.handler }
func (c *HandlerContext) Pipeline() *Pipeline { return c.pipeline }
func (c *HandlerContext) Channel() *Channel   { return c.pipeline.ch }

// Alloc returns the arena the channel allocates from.
func (c *HandlerContext) Alloc() *buffer.Arena { return c.pipeline.ch.arena }

// Removed reports whether the handler was removed from the pipeline.
func (c *HandlerContext) Removed() bool { return c.removed }

// FireInbound passes ev to the next handler.
func (c *HandlerContext) FireInbound(ev Event) { c.next.invokeInbound(ev) }

// FireRead passes a read message to the next handler.
func (c *HandlerContext) FireRead(msg any) {
	c.next.invokeInbound(Event{Kind: EventRead, Msg: msg})
}

func (c *HandlerContext) FireReadComplete() {
	c.next.invokeInbound(Event{Kind: EventReadComplete})
}

func (c *HandlerContext) FireUserEvent(v any) {
	c.next.invokeInbound(Event{Kind: EventUser, Msg: v})
}

// FireError passes err along the error path, starting at the next handler.
func (c *HandlerContext) FireError(err error) { c.propagateError(err) }

// Outbound passes op to the previous handler.
func (c *HandlerContext) Outbound(op *Operation) { c.prev.invokeOutbound(op) }

// Write enqueues msg, starting at the previous handler. Nothing is sent
// before a flush.
func (c *HandlerContext) Write(msg any) *eventloop.Promise {
	p := c.pipeline.ch.newPromise()
	c.startOutbound(&Operation{Kind: OpWrite, Msg: msg, Promise: p})
	return p
}

func (c *HandlerContext) Flush() {
	c.startOutbound(&Operation{Kind: OpFlush})
}

func (c *HandlerContext) WriteAndFlush(msg any) *eventloop.Promise {
	p := c.Write(msg)
	c.Flush()
	return p
}

// Read requests a read, for channels without auto-read.
func (c *HandlerContext) Read() {
	c.startOutbound(&Operation{Kind: OpRead})
}

func (c *HandlerContext) Close() *eventloop.Promise {
	return c.promiseOp(OpClose)
}

func (c *HandlerContext) ShutdownOutput() *eventloop.Promise {
	return c.promiseOp(OpShutdownOutput)
}

func (c *HandlerContext) ShutdownInput() *eventloop.Promise {
	return c.promiseOp(OpShutdownInput)
}

func (c *HandlerContext) Shutdown() *eventloop.Promise {
	return c.promiseOp(OpShutdown)
}

func (c *HandlerContext) promiseOp(kind OpKind) *eventloop.Promise {
	p := c.pipeline.ch.newPromise()
	c.startOutbound(&Operation{Kind: kind, Promise: p})
	return p
}

func (c *HandlerContext) startOutbound(op *Operation) {
	ch := c.pipeline.ch
	if err := ch.loop.Execute(func() { c.prev.invokeOutbound(op) }); err != nil {
		Release(op.Msg)
		switch {
		case op.Promise == nil:
		case op.Kind == OpClose && ch.State() == StateClosed:
			// closing again is a no-op, even once the loop is gone
			ch.closePromise.Cascade(op.Promise)
		default:
			op.Promise.Reject(ErrClosed)
		}
	}
}

func (c *HandlerContext) invokeInbound(ev Event) {
	if err := c.callInbound(ev); err != nil {
		c.propagateError(err)
	}
}

func (c *HandlerContext) callInbound(ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eventloop.PanicError{Value: r}
		}
	}()
	return c.handler.HandleInbound(c, ev)
}

func (c *HandlerContext) invokeOutbound(op *Operation) {
	if err := c.callOutbound(op); err != nil {
		if op.Promise != nil {
			op.Promise.Reject(err)
		}
		c.propagateError(err)
	}
}

// propagateError continues the error path after this handler.
func (c *HandlerContext) propagateError(err error) {
	if c.next == nil {
		c.pipeline.ch.unhandledError(err)
		return
	}
	c.next.invokeError(err)
}

func (c *HandlerContext) callOutbound(op *Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eventloop.PanicError{Value: r}
		}
	}()
	return c.handler.HandleOutbound(c, op)
}

func (c *HandlerContext) invokeError(err error) {
	if err = c.callError(err); err != nil {
		c.propagateError(err)
	}
}

func (c *HandlerContext) callError(in error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(in, eventloop.PanicError{Value: r})
		}
	}()
	return c.handler.HandleError(c, in)
}

// Pipeline is the ordered chain of handlers of one channel. Inbound events
// travel from the first handler to the last, outbound operations in exactly
// the reverse order.
//
// Structural changes run on the channel's loop. Called from another
// goroutine once the channel was handed to its loop, they are submitted to
// it and awaited.
type Pipeline struct {
	ch    *Channel
	head  *HandlerContext
	tail  *HandlerContext
	names map[string]*HandlerContext
	seq   int
}

func newPipeline(ch *Channel) *Pipeline {
	p := &Pipeline{ch: ch, names: make(map[string]*HandlerContext)}
	p.head = &HandlerContext{pipeline: p, name: "head", handler: headHandler{ch: ch}, added: true}
	p.tail = &HandlerContext{pipeline: p, name: "tail", handler: tailHandler{ch: ch}, added: true}
	p.head.next = p.tail
	p.tail.prev = p.head
	return p
}

// Channel returns the channel the pipeline belongs to.
func (p *Pipeline) Channel() *Channel { return p.ch }

// run executes fn on the loop, or directly if the channel has not yet been
// handed to its loop.
func (p *Pipeline) run(fn func() error) error {
	l := p.ch.loop
	if !p.ch.bound.Load() || l.InLoop() {
		return fn()
	}
	done := make(chan error, 1)
	if err := l.Submit(func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-l.Done():
		select {
		case err := <-done:
			return err
		default:
			return eventloop.ErrLoopTerminated
		}
	}
}

// AddFirst inserts h at the head of the chain. An empty name is replaced by
// a generated one.
func (p *Pipeline) AddFirst(name string, h Handler) error {
	return p.run(func() error { return p.insert(p.head, name, h) })
}

// AddLast inserts h at the tail of the chain.
func (p *Pipeline) AddLast(name string, h Handler) error {
	return p.run(func() error { return p.insert(p.tail.prev, name, h) })
}

// AddBefore inserts h immediately before the handler named base.
func (p *Pipeline) AddBefore(base, name string, h Handler) error {
	return p.run(func() error {
		ctx, err := p.lookup(base)
		if err != nil {
			return err
		}
		return p.insert(ctx.prev, name, h)
	})
}

// AddAfter inserts h immediately after the handler named base.
func (p *Pipeline) AddAfter(base, name string, h Handler) error {
	return p.run(func() error {
		ctx, err := p.lookup(base)
		if err != nil {
			return err
		}
		return p.insert(ctx, name, h)
	})
}

// Remove removes the named handler, returning it.
func (p *Pipeline) Remove(name string) (Handler, error) {
	var h Handler
	err := p.run(func() error {
		ctx, err := p.lookup(name)
		if err != nil {
			return err
		}
		p.unlink(ctx)
		h = ctx.handler
		return nil
	})
	return h, err
}

// Get returns the named handler, or nil.
func (p *Pipeline) Get(name string) Handler {
	if ctx := p.Context(name); ctx != nil {
		return ctx.handler
	}
	return nil
}

// Context returns the context of the named handler, or nil.
func (p *Pipeline) Context(name string) *HandlerContext {
	var ctx *HandlerContext
	_ = p.run(func() error {
		ctx = p.names[name]
		return nil
	})
	return ctx
}

// Names returns the handler names in inbound order.
func (p *Pipeline) Names() []string {
	var names []string
	_ = p.run(func() error {
		for ctx := p.head.next; ctx != p.tail; ctx = ctx.next {
			names = append(names, ctx.name)
		}
		return nil
	})
	return names
}

// Len returns the number of handlers.
func (p *Pipeline) Len() int {
	var n int
	_ = p.run(func() error {
		n = len(p.names)
		return nil
	})
	return n
}

func (p *Pipeline) lookup(name string) (*HandlerContext, error) {
	ctx := p.names[name]
	if ctx == nil {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, name)
	}
	return ctx, nil
}

func (p *Pipeline) insert(prev *HandlerContext, name string, h Handler) error {
	if h == nil {
		return errors.New("channel: nil handler")
	}
	if name == "" {
		for {
			p.seq++
			name = fmt.Sprintf("%T#%d", h, p.seq)
			if _, ok := p.names[name]; !ok {
				break
			}
		}
	} else if _, ok := p.names[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	ctx := &HandlerContext{pipeline: p, handler: h, name: name}
	next := prev.next
	ctx.prev, ctx.next = prev, next
	prev.next = ctx
	next.prev = ctx
	p.names[name] = ctx
	if p.ch.registered {
		p.callAdded(ctx)
	}
	return nil
}

// unlink removes ctx from the chain. The removed context keeps its links, so
// a dispatch already passing through it continues past it.
func (p *Pipeline) unlink(ctx *HandlerContext) {
	ctx.prev.next = ctx.next
	ctx.next.prev = ctx.prev
	delete(p.names, ctx.name)
	ctx.removed = true
	if ctx.added {
		p.callRemoved(ctx)
	}
}

func (p *Pipeline) callAdded(ctx *HandlerContext) {
	ctx.added = true
	a, ok := ctx.handler.(HandlerAdder)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ctx.propagateError(eventloop.PanicError{Value: r})
		}
	}()
	a.HandlerAdded(ctx)
}

func (p *Pipeline) callRemoved(ctx *HandlerContext) {
	r, ok := ctx.handler.(HandlerRemover)
	if !ok {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			p.ch.logPanic("handler removed", v)
		}
	}()
	r.HandlerRemoved(ctx)
}

// handlersAdded notifies handlers inserted before registration.
func (p *Pipeline) handlersAdded() {
	for ctx := p.head.next; ctx != p.tail; ctx = ctx.next {
		if !ctx.added {
			p.callAdded(ctx)
		}
	}
}

// teardown removes every handler, last first.
func (p *Pipeline) teardown() {
	for ctx := p.tail.prev; ctx != p.head; ctx = p.tail.prev {
		p.unlink(ctx)
	}
}

func (p *Pipeline) fireInbound(ev Event) { p.head.invokeInbound(ev) }

func (p *Pipeline) fireError(err error) { p.head.invokeError(err) }

// FireInbound dispatches ev from the head of the pipeline.
func (p *Pipeline) FireInbound(ev Event) {
	if err := p.ch.loop.Execute(func() { p.fireInbound(ev) }); err != nil {
		Release(ev.Msg)
	}
}

// FireError dispatches err along the error path from the head.
func (p *Pipeline) FireError(err error) {
	_ = p.ch.loop.Execute(func() { p.fireError(err) })
}

// Write enqueues msg starting at the tail. Nothing is sent before a flush.
func (p *Pipeline) Write(msg any) *eventloop.Promise { return p.tail.Write(msg) }

func (p *Pipeline) Flush() { p.tail.Flush() }

func (p *Pipeline) WriteAndFlush(msg any) *eventloop.Promise { return p.tail.WriteAndFlush(msg) }

func (p *Pipeline) Read() { p.tail.Read() }

func (p *Pipeline) Close() *eventloop.Promise { return p.tail.Close() }

func (p *Pipeline) ShutdownOutput() *eventloop.Promise { return p.tail.ShutdownOutput() }

func (p *Pipeline) ShutdownInput() *eventloop.Promise { return p.tail.ShutdownInput() }

func (p *Pipeline) Shutdown() *eventloop.Promise { return p.tail.Shutdown() }

// headHandler performs operations that reach the head on the channel.
type headHandler struct {
	HandlerBase
	ch *Channel
}

func (h headHandler) HandleOutbound(_ *HandlerContext, op *Operation) error {
	h.ch.perform(op)
	return nil
}

// tailHandler releases whatever nothing consumed, and closes the channel on
// unhandled errors.
type tailHandler struct {
	ch *Channel
}

func (tailHandler) HandleInbound(_ *HandlerContext, ev Event) error {
	switch ev.Kind {
	case EventRead, EventUser:
		Release(ev.Msg)
	}
	return nil
}

func (tailHandler) HandleOutbound(ctx *HandlerContext, op *Operation) error {
	ctx.Outbound(op)
	return nil
}

func (h tailHandler) HandleError(_ *HandlerContext, err error) error {
	h.ch.unhandledError(err)
	return nil
}
