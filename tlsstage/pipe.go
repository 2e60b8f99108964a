package tlsstage

import (
	"io"
	"net"
	"sync"
	"time"
)

// pipeConn is the in-memory transport under a tls.Conn. Ciphertext from the
// peer is fed in, and whatever the tls.Conn writes is collected for the
// caller to take. A single goroutine reads from it.
type pipeConn struct {
	mu      sync.Mutex
	cond    sync.Cond
	in      []byte
	out     []byte
	plain   []byte
	err     error
	reading bool
	exited  bool
	closed  bool
}

var _ net.Conn = (*pipeConn)(nil)

func newPipeConn() *pipeConn {
	c := &pipeConn{}
	c.cond.L = &c.mu
	return c
}

func (c *pipeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.in) == 0 && !c.closed {
		c.reading = true
		c.cond.Broadcast()
		c.cond.Wait()
	}
	c.reading = false
	if len(c.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *pipeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.out = append(c.out, p...)
	return len(p), nil
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// feed appends ciphertext for the reader.
func (c *pipeConn) feed(b []byte) {
	c.mu.Lock()
	c.in = append(c.in, b...)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// quiesce blocks until the reader has consumed all input and is waiting for
// more, or has exited.
func (c *pipeConn) quiesce() {
	c.mu.Lock()
	for !c.exited && !(c.reading && len(c.in) == 0) {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// exit records the reader's terminal error.
func (c *pipeConn) exit(err error) {
	c.mu.Lock()
	c.exited = true
	c.err = err
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *pipeConn) deliver(p []byte) {
	c.mu.Lock()
	c.plain = append(c.plain, p...)
	c.mu.Unlock()
}

// take moves the collected ciphertext and plaintext into dst buffers via fn.
func (c *pipeConn) take(out, plain func([]byte)) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	no, np := len(c.out), len(c.plain)
	if out != nil && no != 0 {
		out(c.out)
		c.out = c.out[:0]
	} else {
		no = 0
	}
	if plain != nil && np != 0 {
		plain(c.plain)
		c.plain = c.plain[:0]
	} else {
		np = 0
	}
	return no, np
}

func (c *pipeConn) pendingOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out) != 0
}

func (c *pipeConn) LocalAddr() net.Addr              { return pipeAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr             { return pipeAddr{} }
func (c *pipeConn) SetDeadline(time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
