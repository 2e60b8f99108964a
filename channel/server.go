//go:build linux || darwin

package channel

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-netchannel/eventloop"
)

// maxAcceptsPerEvent bounds the connections accepted per readiness event.
const maxAcceptsPerEvent = 64

// ServerChannel is a listening socket. Accepted connections become channels
// on loops picked by its chooser.
type ServerChannel struct { // betteralign:ignore
	loop         *eventloop.Loop
	chooser      eventloop.Chooser
	cfg          *Config
	childInit    func(*Channel) error
	addr         net.Addr
	ready        *eventloop.Promise
	closePromise *eventloop.Promise
	removeHook   func()
	unixPath     string
	fd           int
	accepted     atomic.Uint64
	closed       atomic.Bool
	polling      bool
	tcp          bool
}

var _ eventloop.Registrable = (*ServerChannel)(nil)

// Listen binds address and starts accepting connections once the listener's
// loop runs. backlog <= 0 selects the system maximum.
//
// childInit, which may be nil, runs on the listener's loop for every accepted
// channel before it is registered. An error closes the child.
func Listen(chooser eventloop.Chooser, network, address string, backlog int, childInit func(*Channel) error, opts ...Option) (*ServerChannel, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	sa, domain, err := resolveSockaddr(network, address)
	if err != nil {
		return nil, err
	}
	fd, err := newSocket(domain)
	if err != nil {
		return nil, &TransportError{Op: "socket", Err: err}
	}
	fail := func(op string, err error) (*ServerChannel, error) {
		_ = unix.Close(fd)
		return nil, &TransportError{Op: op, Err: err}
	}
	if domain != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fail("setsockopt SO_REUSEADDR", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}

	loop := chooser.Next()
	s := &ServerChannel{
		loop:         loop,
		chooser:      chooser,
		cfg:          cfg,
		childInit:    childInit,
		addr:         sockaddrToAddr(bound),
		closePromise: eventloop.NewPromise(loop),
		fd:           fd,
		tcp:          domain != unix.AF_UNIX,
	}
	if domain == unix.AF_UNIX && !strings.HasPrefix(address, "@") {
		s.unixPath = address
	}
	s.ready = loop.Register(s)
	return s, nil
}

// Addr returns the bound address.
func (s *ServerChannel) Addr() net.Addr { return s.addr }

// Loop returns the loop accepting connections.
func (s *ServerChannel) Loop() *eventloop.Loop { return s.loop }

// Accepted returns the number of connections accepted so far.
func (s *ServerChannel) Accepted() uint64 { return s.accepted.Load() }

// IsOpen reports whether the listener is open.
func (s *ServerChannel) IsOpen() bool { return !s.closed.Load() }

// Ready returns a promise settled once the listener is registered with its
// loop.
func (s *ServerChannel) Ready() *eventloop.Promise { return s.ready }

// CloseFuture returns a promise resolved once the listener has closed.
func (s *ServerChannel) CloseFuture() *eventloop.Promise { return s.closePromise }

// OnRegister implements eventloop.Registrable. It is called on the loop.
func (s *ServerChannel) OnRegister(l *eventloop.Loop) error {
	if l != s.loop {
		return errors.New("channel: registered with a foreign loop")
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := l.RegisterFD(s.fd, eventloop.EventRead, s.onEvents); err != nil {
		err = &TransportError{Op: "register", Err: err}
		s.close0()
		return err
	}
	s.polling = true
	s.removeHook = l.OnTerminate(func(error) { s.close0() })
	return nil
}

// Close stops accepting and closes the listening socket. Accepted channels
// are unaffected.
func (s *ServerChannel) Close() *eventloop.Promise {
	if err := s.loop.Execute(s.close0); err != nil {
		s.close0()
	}
	return s.closePromise
}

// ShutdownOutput fails with a *TransportError: a listener cannot half-close.
func (s *ServerChannel) ShutdownOutput() *eventloop.Promise {
	p := eventloop.NewPromise(s.loop)
	if err := s.loop.Execute(func() {
		if s.closed.Load() {
			p.Reject(ErrClosed)
			return
		}
		err := unix.Shutdown(s.fd, unix.SHUT_WR)
		if err == nil {
			err = unix.ENOTCONN
		}
		p.Reject(&TransportError{Op: "shutdown output", Err: err})
	}); err != nil {
		p.Reject(ErrClosed)
	}
	return p
}

func (s *ServerChannel) close0() {
	if s.closed.Swap(true) {
		return
	}
	if s.polling {
		_ = s.loop.UnregisterFD(s.fd)
		s.polling = false
	}
	if s.removeHook != nil {
		s.removeHook()
		s.removeHook = nil
	}
	_ = unix.Close(s.fd)
	if s.unixPath != "" {
		_ = unix.Unlink(s.unixPath)
	}
	s.closePromise.Resolve(nil)
}

func (s *ServerChannel) onEvents(eventloop.IOEvents) {
	for range maxAcceptsPerEvent {
		if s.closed.Load() {
			return
		}
		fd, sa, err := accept(s.fd)
		if err != nil {
			switch {
			case err == unix.EINTR, err == unix.ECONNABORTED:
				continue
			case isTemporary(err):
			default:
				s.logWarning("accept failed", err)
			}
			return
		}
		s.accepted.Add(1)
		s.spawn(fd, sa)
	}
}

func (s *ServerChannel) spawn(fd int, sa unix.Sockaddr) {
	ch, err := newChannel(s.chooser.Next(), fd, s.cfg, s.tcp)
	if err != nil {
		_ = unix.Close(fd)
		s.logWarning("child channel rejected", err)
		return
	}
	if addr := sockaddrToAddr(sa); addr != nil {
		ch.remote = addr
	}
	if s.childInit != nil {
		if err := s.childInit(ch); err != nil {
			s.logWarning("child channel init failed", err)
			ch.Close()
			return
		}
	}
	ch.register()
}

func (s *ServerChannel) logWarning(msg string, err error) {
	logger := s.loop.Logger()
	if logger == nil {
		log.Printf("WARNING: channel: listener %v: %s: %v", s.addr, msg, err)
		return
	}
	logger.Warning().
		Err(err).
		Str("addr", fmt.Sprint(s.addr)).
		Log(msg)
}
