// Package channel implements non-blocking socket channels bound to an
// [eventloop.Loop], each with an ordered pipeline of handlers.
//
// A [Channel] supports independent shutdown of its input and output
// directions. Its lifecycle is
//
//	Unregistered -> Registered -> Active -> InputShutdown | OutputShutdown -> Closed
//
// and shutting down both directions closes it. State, shutdown flags and
// writability may be read from any goroutine; every mutation runs on the
// owning loop, and operations invoked elsewhere are submitted to it.
//
// Inbound events travel the [Pipeline] from head to tail, and outbound
// operations from tail to head, where the channel performs the I/O. Every
// asynchronous operation returns an [eventloop.Promise] that settles on the
// owning loop.
//
// Outbound bytes are accounted by a [WatermarkTracker]: a channel becomes
// unwritable when pending bytes reach the high watermark, and writable again
// once they drop to the low watermark.
package channel
