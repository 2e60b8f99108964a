package tlsstage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/joeycumines/go-netchannel/buffer"
)

const stdReadSize = 16 << 10

// StdEngine adapts crypto/tls to Engine. A tls.Conn runs on its own
// goroutine over an in-memory transport, and every call waits until that
// goroutine needs more input before returning, so results are complete.
//
// crypto/tls does not renegotiate from this side, so BeginHandshake on an
// established session fails with ErrRenegotiationUnsupported.
type StdEngine struct {
	role     Role
	config   *tls.Config
	pipe     *pipeConn
	conn     *tls.Conn
	started  bool
	closeOut bool

	mu       sync.Mutex
	done     bool
	reported bool
	cipher   string
	peerEOF  bool
}

var _ Engine = (*StdEngine)(nil)

// NewStdEngine returns an engine playing role with config, which is cloned.
func NewStdEngine(role Role, config *tls.Config) *StdEngine {
	if config == nil {
		config = &tls.Config{}
	}
	return &StdEngine{role: role, config: config.Clone()}
}

func (e *StdEngine) BeginHandshake() error {
	if e.started {
		if e.handshakeDone() {
			return ErrRenegotiationUnsupported
		}
		return nil
	}
	e.started = true
	e.pipe = newPipeConn()
	if e.role == Server {
		e.conn = tls.Server(e.pipe, e.config)
	} else {
		e.conn = tls.Client(e.pipe, e.config)
	}
	go e.run()
	e.pipe.quiesce()
	return nil
}

// run performs the handshake, then reads plaintext until the connection
// ends.
func (e *StdEngine) run() {
	if err := e.conn.HandshakeContext(context.Background()); err != nil {
		e.pipe.exit(err)
		return
	}
	state := e.conn.ConnectionState()
	e.mu.Lock()
	e.done = true
	e.cipher = tls.CipherSuiteName(state.CipherSuite)
	e.mu.Unlock()

	buf := make([]byte, stdReadSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.pipe.deliver(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.mu.Lock()
				e.peerEOF = true
				e.mu.Unlock()
				err = nil
			}
			e.pipe.exit(err)
			return
		}
	}
}

func (e *StdEngine) handshakeDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// resultStatus reports Finished exactly once.
func (e *StdEngine) resultStatus() HandshakeStatus {
	pending := e.pipe.pendingOut()
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.done && !e.reported:
		e.reported = true
		return Finished
	case e.done:
		return NotHandshaking
	case pending:
		return NeedWrap
	default:
		return NeedUnwrap
	}
}

func (e *StdEngine) HandshakeStatus() HandshakeStatus {
	switch {
	case !e.started:
		return NotHandshaking
	case e.pipe.pendingOut():
		return NeedWrap
	case e.handshakeDone():
		return NotHandshaking
	default:
		return NeedUnwrap
	}
}

func (e *StdEngine) Wrap(src []byte, dst *buffer.Buffer) (Result, error) {
	if !e.started {
		return Result{}, errors.New("tlsstage: handshake not started")
	}
	var res Result
	if len(src) != 0 && e.handshakeDone() && !e.closeOut && e.failure() == nil {
		n, err := e.conn.Write(src)
		res.BytesConsumed = n
		if err != nil {
			return res, err
		}
	}
	var werr error
	res.BytesProduced, _ = e.pipe.take(func(b []byte) { _, werr = dst.Write(b) }, nil)
	if werr != nil {
		return res, werr
	}
	if e.closeOut {
		res.Status = StatusClosed
	}
	res.HandshakeStatus = e.resultStatus()
	return res, e.failure()
}

func (e *StdEngine) Unwrap(src []byte, dst *buffer.Buffer) (Result, error) {
	if !e.started {
		return Result{}, errors.New("tlsstage: handshake not started")
	}
	var res Result
	if len(src) != 0 {
		e.pipe.feed(src)
		res.BytesConsumed = len(src)
	}
	e.pipe.quiesce()
	var werr error
	_, res.BytesProduced = e.pipe.take(nil, func(b []byte) { _, werr = dst.Write(b) })
	if werr != nil {
		return res, werr
	}
	e.mu.Lock()
	eof := e.peerEOF
	e.mu.Unlock()
	switch {
	case eof:
		res.Status = StatusClosed
	case res.BytesConsumed == 0 && res.BytesProduced == 0:
		res.Status = StatusBufferUnderflow
	}
	res.HandshakeStatus = e.resultStatus()
	return res, e.failure()
}

func (e *StdEngine) failure() error {
	e.pipe.mu.Lock()
	defer e.pipe.mu.Unlock()
	return e.pipe.err
}

func (e *StdEngine) CipherSuite() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cipher
}

// SetCipherSuites restricts the TLS 1.0-1.2 suites, by their standard
// names. TLS 1.3 suites are not configurable in crypto/tls.
func (e *StdEngine) SetCipherSuites(suites []string) error {
	if e.started {
		return fmt.Errorf("%w: cipher suites are fixed once the handshake started", ErrRenegotiationUnsupported)
	}
	byName := make(map[string]uint16)
	for _, s := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
		byName[s.Name] = s.ID
	}
	ids := make([]uint16, 0, len(suites))
	for _, name := range suites {
		id, ok := byName[name]
		if !ok {
			return fmt.Errorf("tlsstage: unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	e.config.CipherSuites = ids
	return nil
}

func (e *StdEngine) CloseOutbound() {
	if e.closeOut || !e.started {
		return
	}
	e.closeOut = true
	if e.handshakeDone() {
		_ = e.conn.CloseWrite()
	}
}

// Close stops the engine's goroutine.
func (e *StdEngine) Close() error {
	if e.pipe != nil {
		return e.pipe.Close()
	}
	return nil
}
