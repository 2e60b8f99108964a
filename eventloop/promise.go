package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Result is the value of a settled promise.
type Result = any

// PromiseState represents the lifecycle state of a [Promise]. A promise
// starts Pending and moves to either Resolved or Rejected, irreversibly.
type PromiseState int32

const (
	// Pending indicates the operation is still in progress.
	Pending PromiseState = iota
	// Resolved indicates the operation completed successfully.
	Resolved
	// Rejected indicates the operation failed.
	Rejected
)

func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Resolved:
		return "Resolved"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

var errNilRejection = errors.New("eventloop: promise rejected with nil error")

// Promise is a single-assignment completion notification for an
// asynchronous operation, settled at most once.
//
// Listeners run synchronously, in registration order, on the goroutine that
// settles the promise. For I/O operations that is always the owning loop, so
// listeners may touch loop-bound state directly.
type Promise struct {
	loop      *Loop
	mu        sync.Mutex
	state     PromiseState
	value     Result
	err       error
	listeners []func(*Promise)
	done      chan struct{}
}

// NewPromise returns a pending promise owned by loop, which may be nil for a
// promise unrelated to any loop.
func NewPromise(loop *Loop) *Promise {
	return &Promise{loop: loop, done: make(chan struct{})}
}

// ResolvedPromise returns a promise already resolved with v.
func ResolvedPromise(loop *Loop, v Result) *Promise {
	p := NewPromise(loop)
	p.Resolve(v)
	return p
}

// RejectedPromise returns a promise already rejected with err.
func RejectedPromise(loop *Loop, err error) *Promise {
	p := NewPromise(loop)
	p.Reject(err)
	return p
}

// Loop returns the owning loop, or nil.
func (p *Promise) Loop() *Loop { return p.loop }

// Resolve settles the promise successfully. It returns false, and has no
// effect, if the promise was already settled.
func (p *Promise) Resolve(v Result) bool {
	return p.settle(Resolved, v, nil)
}

// Reject settles the promise with err. It returns false, and has no effect,
// if the promise was already settled.
func (p *Promise) Reject(err error) bool {
	if err == nil {
		err = errNilRejection
	}
	return p.settle(Rejected, nil, err)
}

// Complete resolves with v if err is nil, and rejects otherwise.
func (p *Promise) Complete(v Result, err error) bool {
	if err != nil {
		return p.Reject(err)
	}
	return p.Resolve(v)
}

func (p *Promise) settle(state PromiseState, v Result, err error) bool {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return false
	}
	p.state = state
	p.value = v
	p.err = err
	listeners := p.listeners
	p.listeners = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range listeners {
		p.notify(fn)
	}
	return true
}

func (p *Promise) notify(fn func(*Promise)) {
	if p.loop != nil {
		p.loop.safeExecute(func() { fn(p) })
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: eventloop: promise listener panicked: %v", r)
		}
	}()
	fn(p)
}

// OnComplete registers fn to run once the promise settles. If it already
// has, fn runs immediately on the caller. It returns p.
func (p *Promise) OnComplete(fn func(*Promise)) *Promise {
	p.mu.Lock()
	if p.state == Pending {
		p.listeners = append(p.listeners, fn)
		p.mu.Unlock()
		return p
	}
	p.mu.Unlock()
	p.notify(fn)
	return p
}

// State returns the current state.
func (p *Promise) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsDone reports whether the promise has settled.
func (p *Promise) IsDone() bool { return p.State() != Pending }

// IsSuccess reports whether the promise resolved.
func (p *Promise) IsSuccess() bool { return p.State() == Resolved }

// Done returns a channel closed when the promise settles.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Result returns the resolution value and rejection error, both zero while
// pending.
func (p *Promise) Result() (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Err returns the rejection error, or nil if pending or resolved.
func (p *Promise) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// ToChannel returns a buffered channel that receives the rejection error (nil
// on success) once the promise settles.
func (p *Promise) ToChannel() <-chan error {
	ch := make(chan error, 1)
	p.OnComplete(func(p *Promise) {
		ch <- p.Err()
		close(ch)
	})
	return ch
}

// Await blocks until the promise settles or ctx is done. Cancelling ctx does
// not settle the promise.
//
// Awaiting a pending promise on its own loop goroutine would deadlock, so it
// fails immediately with ErrAwaitOnLoop.
func (p *Promise) Await(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.Result()
	default:
	}
	if p.loop != nil && p.loop.InLoop() {
		return nil, ErrAwaitOnLoop
	}
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Timeout rejects the promise with a *TimeoutError if it is still pending
// after d. The operation the promise represents is not aborted, and will be
// unable to settle the promise afterwards. It returns p.
func (p *Promise) Timeout(d time.Duration) *Promise {
	if p.IsDone() {
		return p
	}
	expire := func() {
		p.Reject(&TimeoutError{
			Cause:   ErrTimeout,
			Message: fmt.Sprintf("eventloop: operation timed out after %s", d),
		})
	}
	if p.loop == nil {
		t := time.AfterFunc(d, expire)
		p.OnComplete(func(*Promise) { t.Stop() })
		return p
	}
	cancel, err := p.loop.ScheduleTimer(d, expire)
	if err != nil {
		p.Reject(err)
		return p
	}
	p.OnComplete(func(*Promise) { cancel() })
	return p
}

// Cascade settles dst with the outcome of p, once p settles. It returns p.
func (p *Promise) Cascade(dst *Promise) *Promise {
	return p.OnComplete(func(p *Promise) {
		v, err := p.Result()
		dst.Complete(v, err)
	})
}

// All returns a promise that resolves when every input resolves, or rejects
// with the first rejection.
func All(loop *Loop, ps ...*Promise) *Promise {
	out := NewPromise(loop)
	if len(ps) == 0 {
		out.Resolve(nil)
		return out
	}
	var mu sync.Mutex
	remaining := len(ps)
	for _, p := range ps {
		p.OnComplete(func(p *Promise) {
			if err := p.Err(); err != nil {
				out.Reject(err)
				return
			}
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				out.Resolve(nil)
			}
		})
	}
	return out
}
