package channel

import (
	"github.com/eapache/queue"

	"github.com/joeycumines/go-netchannel/buffer"
	"github.com/joeycumines/go-netchannel/eventloop"
)

// pendingWrite is one message in an outboundBuffer.
type pendingWrite struct {
	msg     any
	promise *eventloop.Promise
	size    int
	written int
}

func (w *pendingWrite) remaining() int { return w.size - w.written }

// appendIovecs appends the unwritten bytes of w.
func (w *pendingWrite) appendIovecs(iov [][]byte) [][]byte {
	switch m := w.msg.(type) {
	case *buffer.Buffer:
		if b := m.Bytes(); len(b) != 0 {
			iov = append(iov, b)
		}
	case *buffer.Composite:
		iov = append(iov, m.Buffers()...)
	}
	return iov
}

func (w *pendingWrite) skip(n int) {
	switch m := w.msg.(type) {
	case *buffer.Buffer:
		_ = m.Skip(n)
	case *buffer.Composite:
		_ = m.Skip(n)
	}
	w.written += n
}

// outboundBuffer holds a channel's pending writes in two stages: written but
// not yet flushed, and flushed but not yet handed to the kernel. Entries
// complete strictly in the order they were added.
type outboundBuffer struct {
	unflushed *queue.Queue
	flushed   *queue.Queue
	watermark *WatermarkTracker
	iov       [][]byte
}

func newOutboundBuffer(w *WatermarkTracker) *outboundBuffer {
	return &outboundBuffer{
		unflushed: queue.New(),
		flushed:   queue.New(),
		watermark: w,
	}
}

// messageSize returns the readable bytes of a writable message, or false for
// unsupported types.
func messageSize(msg any) (int, bool) {
	switch m := msg.(type) {
	case *buffer.Buffer:
		return m.ReadableBytes(), true
	case *buffer.Composite:
		return m.ReadableBytes(), true
	default:
		return 0, false
	}
}

func (o *outboundBuffer) add(msg any, size int, p *eventloop.Promise) {
	o.unflushed.Add(&pendingWrite{msg: msg, promise: p, size: size})
	o.watermark.OnEnqueue(size)
}

// addFlush marks every unflushed entry as flushed.
func (o *outboundBuffer) addFlush() {
	for o.unflushed.Length() != 0 {
		o.flushed.Add(o.unflushed.Remove())
	}
}

func (o *outboundBuffer) hasFlushed() bool { return o.flushed.Length() != 0 }

func (o *outboundBuffer) isEmpty() bool {
	return o.flushed.Length() == 0 && o.unflushed.Length() == 0
}

// iovecs returns the flushed bytes, at most maxIovecs slices. The result is
// reused by the next call.
func (o *outboundBuffer) iovecs() [][]byte {
	iov := o.iov[:0]
	for i := 0; i < o.flushed.Length() && len(iov) < maxIovecs; i++ {
		iov = o.flushed.Get(i).(*pendingWrite).appendIovecs(iov)
	}
	if len(iov) > maxIovecs {
		iov = iov[:maxIovecs]
	}
	o.iov = iov
	return iov
}

// removeBytes consumes n written bytes from the flushed entries, completing
// every entry that was written in full, including empty ones.
func (o *outboundBuffer) removeBytes(n int) {
	clear(o.iov)
	o.watermark.OnFlushed(n)
	for o.flushed.Length() != 0 {
		w := o.flushed.Peek().(*pendingWrite)
		rem := w.remaining()
		if rem > n {
			w.skip(n)
			break
		}
		w.skip(rem)
		n -= rem
		o.flushed.Remove()
		Release(w.msg)
		if w.promise != nil {
			w.promise.Resolve(nil)
		}
	}
}

// failAll fails every entry with err, flushed entries first.
func (o *outboundBuffer) failAll(err error) {
	var n int
	for _, q := range [...]*queue.Queue{o.flushed, o.unflushed} {
		for q.Length() != 0 {
			w := q.Remove().(*pendingWrite)
			n += w.remaining()
			Release(w.msg)
			if w.promise != nil {
				w.promise.Reject(err)
			}
		}
	}
	clear(o.iov)
	o.watermark.OnFlushed(n)
}
