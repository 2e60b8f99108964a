//go:build linux || darwin

package channel

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-netchannel/eventloop"
)

// Dial connects to address on the loop picked by chooser, returning the
// channel and a promise resolved with it once the connection is active.
//
// init, which may be nil, runs on the caller before the channel is handed to
// its loop, and typically populates the pipeline. When ctx is done before
// the connection is established, the promise is rejected and the channel
// closed; a deadline produces an *eventloop.TimeoutError.
func Dial(ctx context.Context, chooser eventloop.Chooser, network, address string, init func(*Channel) error, opts ...Option) (*Channel, *eventloop.Promise, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, nil, err
	}
	sa, domain, err := resolveSockaddr(network, address)
	if err != nil {
		return nil, nil, err
	}
	fd, err := newSocket(domain)
	if err != nil {
		return nil, nil, &TransportError{Op: "socket", Err: err}
	}
	loop := chooser.Next()
	ch, err := newChannel(loop, fd, cfg, domain != unix.AF_UNIX)
	if err != nil {
		_ = unix.Close(fd)
		return nil, nil, err
	}
	ch.connectAddr = sa
	ch.remote = sockaddrToAddr(sa)
	ch.connectPromise = eventloop.NewPromise(loop)
	if init != nil {
		if err := init(ch); err != nil {
			ch.Close()
			return nil, nil, err
		}
	}

	connect := ch.connectPromise
	stop := context.AfterFunc(ctx, func() {
		_ = loop.Submit(func() {
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = &eventloop.TimeoutError{
					Cause:   errors.Join(eventloop.ErrTimeout, err),
					Message: "channel: connect to " + address + " timed out",
				}
			}
			if connect.Reject(err) {
				ch.close0(err)
			}
		})
	})
	connect.OnComplete(func(*eventloop.Promise) { stop() })

	ch.register().OnComplete(func(p *eventloop.Promise) {
		if err := p.Err(); err != nil {
			connect.Reject(err)
		}
	})
	return ch, connect, nil
}
