// Package tlstest provides a deterministic tlsstage.Engine for tests.
//
// The engine speaks TLS record framing (content type, version 0x0303,
// 16-bit length) with a toy handshake: HelloRequest, ClientHello listing the
// enabled cipher suites by name, ServerHello naming the chosen suite, and
// Finished in each direction. Application data is obfuscated with a
// keystream derived from the cipher suite and a per-direction epoch that
// advances with every Finished, and carries a checksum, so records that are
// misordered across a key change are detected. Nothing here is secure.
package tlstest

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"slices"
	"strconv"
	"strings"

	"github.com/joeycumines/go-netchannel/buffer"
	"github.com/joeycumines/go-netchannel/tlsstage"
)

const (
	recordAlert       = 21
	recordHandshake   = 22
	recordApplication = 23

	msgHelloRequest = 0
	msgClientHello  = 1
	msgServerHello  = 2
	msgFinished     = 20

	alertWarning = 1
	alertFatal   = 2

	alertCloseNotify       = 0
	alertUnexpectedMessage = 10
	alertBadRecordMAC      = 20
	alertHandshakeFailure  = 40
	alertIllegalParameter  = 47

	headerLen = 5
	// MaxPlaintext is the most plaintext carried by one record.
	MaxPlaintext = 16 << 10
)

// DefaultCipherSuites are enabled when New is given none.
var DefaultCipherSuites = []string{
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
}

// AlertError is a fatal alert, sent or received.
type AlertError struct {
	Description int
	Received    bool
}

func (e *AlertError) Error() string {
	dir := "sent"
	if e.Received {
		dir = "received"
	}
	return fmt.Sprintf("tlstest: %s fatal alert %s", dir, alertName(e.Description))
}

func alertName(d int) string {
	switch d {
	case alertCloseNotify:
		return "close_notify"
	case alertUnexpectedMessage:
		return "unexpected_message"
	case alertBadRecordMAC:
		return "bad_record_mac"
	case alertHandshakeFailure:
		return "handshake_failure"
	case alertIllegalParameter:
		return "illegal_parameter"
	default:
		return strconv.Itoa(d)
	}
}

type expect int

const (
	expectNothing expect = iota
	expectClientHello
	expectServerHello
	expectFinished
)

// keystream is the obfuscation state of one direction.
type keystream struct {
	key   [sha256.Size]byte
	epoch int
}

func (k *keystream) rekey(cipher string) {
	k.epoch++
	k.key = sha256.Sum256([]byte(cipher + "/" + strconv.Itoa(k.epoch)))
}

func (k *keystream) xor(p []byte) {
	for i := range p {
		p[i] ^= k.key[i%len(k.key)]
	}
}

// Engine is a deterministic tlsstage.Engine. It is not safe for concurrent
// use.
type Engine struct {
	role        tlsstage.Role
	suites      []string
	out         []byte
	failure     error
	injected    error
	cipher      string
	next        string
	in, outKey  keystream
	expect      expect
	handshakes  int
	handshaking bool
	finishOnOut bool
	closedOut   bool
	closedIn    bool
}

var _ tlsstage.Engine = (*Engine)(nil)

// New returns an engine playing role, offering or accepting suites in
// preference order (DefaultCipherSuites if empty).
func New(role tlsstage.Role, suites ...string) *Engine {
	if len(suites) == 0 {
		suites = DefaultCipherSuites
	}
	return &Engine{role: role, suites: slices.Clone(suites)}
}

// FailNextHandshakeMessage makes the next handshake message received fail
// with err, after sending a handshake_failure alert.
func (e *Engine) FailNextHandshakeMessage(err error) { e.injected = err }

// Handshakes returns the number of completed handshakes.
func (e *Engine) Handshakes() int { return e.handshakes }

// Epochs returns the number of key changes, outbound and inbound.
func (e *Engine) Epochs() (out, in int) { return e.outKey.epoch, e.in.epoch }

func (e *Engine) established() bool { return e.cipher != "" }

func (e *Engine) BeginHandshake() error {
	switch {
	case e.failure != nil:
		return e.failure
	case e.closedOut || e.closedIn:
		return errors.New("tlstest: connection closed")
	case e.handshaking:
		return nil
	}
	e.handshaking = true
	if e.role == tlsstage.Client {
		e.queueClientHello()
		return nil
	}
	if e.established() {
		e.queueHandshake(msgHelloRequest, nil)
	}
	e.expect = expectClientHello
	return nil
}

func (e *Engine) HandshakeStatus() tlsstage.HandshakeStatus {
	switch {
	case len(e.out) != 0:
		return tlsstage.NeedWrap
	case e.handshaking:
		return tlsstage.NeedUnwrap
	default:
		return tlsstage.NotHandshaking
	}
}

func (e *Engine) CipherSuite() string { return e.cipher }

func (e *Engine) SetCipherSuites(suites []string) error {
	if len(suites) == 0 {
		return errors.New("tlstest: no cipher suites")
	}
	e.suites = slices.Clone(suites)
	return nil
}

func (e *Engine) CloseOutbound() {
	if e.closedOut {
		return
	}
	e.closedOut = true
	e.queueRecord(recordAlert, []byte{alertWarning, alertCloseNotify})
}

func (e *Engine) Wrap(src []byte, dst *buffer.Buffer) (tlsstage.Result, error) {
	var res tlsstage.Result
	if len(e.out) != 0 {
		if _, err := dst.Write(e.out); err != nil {
			return res, err
		}
		res.BytesProduced = len(e.out)
		e.out = e.out[:0]
	}
	if e.finishOnOut {
		e.finishOnOut = false
		e.complete()
		res.HandshakeStatus = tlsstage.Finished
	} else {
		res.HandshakeStatus = e.HandshakeStatus()
	}
	if e.failure != nil {
		res.Status = tlsstage.StatusClosed
		return res, e.failure
	}
	if e.closedOut {
		res.Status = tlsstage.StatusClosed
		return res, nil
	}
	if len(src) == 0 || e.outKey.epoch == 0 {
		return res, nil
	}
	for len(src) != 0 {
		n := min(len(src), MaxPlaintext)
		p := make([]byte, n+4)
		copy(p, src[:n])
		binary.BigEndian.PutUint32(p[n:], crc32.ChecksumIEEE(src[:n]))
		e.outKey.xor(p)
		before := dst.ReadableBytes()
		if err := writeRecord(dst, recordApplication, p); err != nil {
			return res, err
		}
		res.BytesProduced += dst.ReadableBytes() - before
		res.BytesConsumed += n
		src = src[n:]
	}
	return res, nil
}

func (e *Engine) Unwrap(src []byte, dst *buffer.Buffer) (tlsstage.Result, error) {
	var res tlsstage.Result
	if e.failure != nil {
		return res, e.failure
	}
	for !e.closedIn {
		if len(src) < headerLen {
			break
		}
		typ, n := src[0], int(binary.BigEndian.Uint16(src[3:5]))
		if src[1] != 3 || src[2] != 3 {
			return res, e.fail(alertIllegalParameter, fmt.Errorf("tlstest: bad record version %d.%d", src[1], src[2]))
		}
		if len(src) < headerLen+n {
			break
		}
		payload := src[headerLen : headerLen+n]
		src = src[headerLen+n:]
		res.BytesConsumed += headerLen + n

		switch typ {
		case recordApplication:
			produced, err := e.decrypt(payload, dst)
			res.BytesProduced += produced
			if err != nil {
				return res, err
			}
			continue

		case recordAlert:
			if len(payload) != 2 {
				return res, e.fail(alertIllegalParameter, errors.New("tlstest: malformed alert"))
			}
			if payload[1] == alertCloseNotify {
				e.closedIn = true
				e.handshaking = false
				break
			}
			e.failure = &AlertError{Description: int(payload[1]), Received: true}
			return res, e.failure

		case recordHandshake:
			finished, err := e.handshake(payload)
			if err != nil {
				return res, err
			}
			// the caller reacts to each handshake step
			if finished {
				res.HandshakeStatus = tlsstage.Finished
			} else {
				res.HandshakeStatus = e.HandshakeStatus()
			}
			return res, nil

		default:
			return res, e.fail(alertUnexpectedMessage, fmt.Errorf("tlstest: unknown record type %d", typ))
		}
	}
	switch {
	case e.closedIn:
		res.Status = tlsstage.StatusClosed
	case res.BytesConsumed == 0:
		res.Status = tlsstage.StatusBufferUnderflow
	}
	res.HandshakeStatus = e.HandshakeStatus()
	return res, nil
}

func (e *Engine) decrypt(payload []byte, dst *buffer.Buffer) (int, error) {
	if e.in.epoch == 0 || len(payload) < 4 {
		return 0, e.fail(alertUnexpectedMessage, errors.New("tlstest: application data before handshake"))
	}
	p := slices.Clone(payload)
	e.in.xor(p)
	n := len(p) - 4
	if crc32.ChecksumIEEE(p[:n]) != binary.BigEndian.Uint32(p[n:]) {
		return 0, e.fail(alertBadRecordMAC, errors.New("tlstest: bad record mac"))
	}
	if _, err := dst.Write(p[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// handshake processes one handshake record holding a single message,
// reporting whether it completed a handshake.
func (e *Engine) handshake(payload []byte) (bool, error) {
	if len(payload) < 3 || int(binary.BigEndian.Uint16(payload[1:3])) != len(payload)-3 {
		return false, e.fail(alertIllegalParameter, errors.New("tlstest: malformed handshake message"))
	}
	if err := e.injected; err != nil {
		e.injected = nil
		return false, e.fail(alertHandshakeFailure, err)
	}
	typ, body := payload[0], string(payload[3:])
	switch {
	case typ == msgHelloRequest && e.role == tlsstage.Client:
		if !e.handshaking {
			e.handshaking = true
			e.queueClientHello()
		}

	case typ == msgClientHello && e.role == tlsstage.Server && (e.expect == expectClientHello || !e.handshaking):
		e.handshaking = true
		offered := strings.Split(body, ",")
		i := slices.IndexFunc(offered, func(s string) bool { return slices.Contains(e.suites, s) })
		if i < 0 {
			return false, e.fail(alertHandshakeFailure, errors.New("tlstest: no cipher suite in common"))
		}
		e.next = offered[i]
		e.queueHandshake(msgServerHello, []byte(e.next))
		e.queueHandshake(msgFinished, nil)
		e.outKey.rekey(e.next)
		e.expect = expectFinished

	case typ == msgServerHello && e.expect == expectServerHello:
		if !slices.Contains(e.suites, body) {
			return false, e.fail(alertIllegalParameter, fmt.Errorf("tlstest: server chose unoffered cipher suite %q", body))
		}
		e.next = body
		e.expect = expectFinished

	case typ == msgFinished && e.expect == expectFinished:
		e.in.rekey(e.next)
		if e.role == tlsstage.Client {
			e.queueHandshake(msgFinished, nil)
			e.outKey.rekey(e.next)
			e.finishOnOut = true
			e.expect = expectNothing
			return false, nil
		}
		e.complete()
		return true, nil

	default:
		return false, e.fail(alertUnexpectedMessage, fmt.Errorf("tlstest: unexpected handshake message %d", typ))
	}
	return false, nil
}

func (e *Engine) complete() {
	e.cipher = e.next
	e.handshaking = false
	e.expect = expectNothing
	e.handshakes++
}

func (e *Engine) queueClientHello() {
	e.queueHandshake(msgClientHello, []byte(strings.Join(e.suites, ",")))
	e.expect = expectServerHello
}

func (e *Engine) queueHandshake(typ byte, body []byte) {
	p := make([]byte, 3+len(body))
	p[0] = typ
	binary.BigEndian.PutUint16(p[1:3], uint16(len(body)))
	copy(p[3:], body)
	e.queueRecord(recordHandshake, p)
}

func (e *Engine) queueRecord(typ byte, payload []byte) {
	e.out = append(e.out, typ, 3, 3, 0, 0)
	binary.BigEndian.PutUint16(e.out[len(e.out)-2:], uint16(len(payload)))
	e.out = append(e.out, payload...)
}

// fail records a fatal error, queueing the alert for the peer.
func (e *Engine) fail(desc int, err error) error {
	e.handshaking = false
	e.queueRecord(recordAlert, []byte{alertFatal, byte(desc)})
	e.failure = fmt.Errorf("%w (%w)", &AlertError{Description: desc}, err)
	return e.failure
}

func writeRecord(dst *buffer.Buffer, typ byte, payload []byte) error {
	var h [headerLen]byte
	h[0], h[1], h[2] = typ, 3, 3
	binary.BigEndian.PutUint16(h[3:], uint16(len(payload)))
	if err := dst.EnsureWritable(headerLen + len(payload)); err != nil {
		return err
	}
	_, _ = dst.Write(h[:])
	_, _ = dst.Write(payload)
	return nil
}
