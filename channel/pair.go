//go:build linux || darwin

package channel

import (
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-netchannel/eventloop"
)

// NewPair returns two channels connected to each other over a Unix socket
// pair, each on a loop picked by chooser. initA and initB, which may be nil,
// run on the caller before the respective channel is handed to its loop.
//
// Both channels become active as soon as their loops register them.
func NewPair(chooser eventloop.Chooser, initA, initB func(*Channel) error, opts ...Option) (*Channel, *Channel, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, nil, err
	}
	fds, err := socketpair()
	if err != nil {
		return nil, nil, &TransportError{Op: "socketpair", Err: err}
	}
	a, err := newChannel(chooser.Next(), fds[0], cfg, false)
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := newChannel(chooser.Next(), fds[1], cfg, false)
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	for _, v := range [...]struct {
		ch   *Channel
		init func(*Channel) error
	}{{a, initA}, {b, initB}} {
		if v.init == nil {
			continue
		}
		if err := v.init(v.ch); err != nil {
			a.Close()
			b.Close()
			return nil, nil, err
		}
	}
	a.register()
	b.register()
	return a, b, nil
}
