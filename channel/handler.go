package channel

// Handler participates in a Pipeline.
//
// All methods run on the channel's loop. Returning an error from
// HandleInbound or HandleOutbound enters the error path at the next handler
// in inbound order; an outbound error also rejects the operation's promise.
type Handler interface {
	// HandleInbound processes an event travelling towards the tail. Call
	// ctx.FireInbound to pass it on.
	HandleInbound(ctx *HandlerContext, ev Event) error

	// HandleOutbound processes an operation travelling towards the head.
	// Call ctx.Outbound to pass it on.
	HandleOutbound(ctx *HandlerContext, op *Operation) error

	// HandleError receives a failure travelling towards the tail. Returning
	// nil consumes it, anything else is passed to the next handler.
	HandleError(ctx *HandlerContext, err error) error
}

// HandlerAdder is implemented by handlers that need to know when they were
// added to a registered channel's pipeline.
type HandlerAdder interface {
	HandlerAdded(ctx *HandlerContext)
}

// HandlerRemover is implemented by handlers that release resources when
// removed, including when the channel closes.
type HandlerRemover interface {
	HandlerRemoved(ctx *HandlerContext)
}

// HandlerBase passes everything through. Embed it to implement only the
// methods of interest.
type HandlerBase struct{}

func (HandlerBase) HandleInbound(ctx *HandlerContext, ev Event) error {
	ctx.FireInbound(ev)
	return nil
}

func (HandlerBase) HandleOutbound(ctx *HandlerContext, op *Operation) error {
	ctx.Outbound(op)
	return nil
}

func (HandlerBase) HandleError(_ *HandlerContext, err error) error {
	return err
}

// InboundFunc adapts a function to an inbound-only Handler.
type InboundFunc func(ctx *HandlerContext, ev Event) error

func (f InboundFunc) HandleInbound(ctx *HandlerContext, ev Event) error {
	return f(ctx, ev)
}

func (f InboundFunc) HandleOutbound(ctx *HandlerContext, op *Operation) error {
	ctx.Outbound(op)
	return nil
}

func (f InboundFunc) HandleError(_ *HandlerContext, err error) error {
	return err
}

var (
	_ Handler = HandlerBase{}
	_ Handler = InboundFunc(nil)
)
