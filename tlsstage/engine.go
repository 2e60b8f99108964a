package tlsstage

import (
	"github.com/joeycumines/go-netchannel/buffer"
)

type (
	// Engine is the cryptographic side of a TLS connection. Engines are not
	// safe for concurrent use; a Stage calls them from its channel's loop
	// only.
	//
	// Wrap and Unwrap append their output to dst, growing it as necessary.
	// A returned error is fatal to the connection; Unwrap reports a partial
	// record as StatusBufferUnderflow instead.
	Engine interface {
		// BeginHandshake starts the initial handshake, or renegotiates an
		// established session.
		BeginHandshake() error
		// Wrap consumes plaintext from src, producing records. With an
		// empty src it produces pending handshake or alert records only.
		Wrap(src []byte, dst *buffer.Buffer) (Result, error)
		// Unwrap consumes records from src, producing plaintext.
		Unwrap(src []byte, dst *buffer.Buffer) (Result, error)
		HandshakeStatus() HandshakeStatus
		// CipherSuite returns the suite negotiated by the last completed
		// handshake, or "" before the first.
		CipherSuite() string
		// SetCipherSuites restricts the suites offered or accepted by the
		// next handshake.
		SetCipherSuites(suites []string) error
		// CloseOutbound queues close_notify, produced by the next Wrap.
		CloseOutbound()
	}

	// Result describes one Wrap or Unwrap call.
	Result struct {
		Status          Status
		HandshakeStatus HandshakeStatus
		BytesConsumed   int
		BytesProduced   int
	}

	// Status is the outcome of a Wrap or Unwrap call.
	Status int

	// HandshakeStatus tells the caller what the engine needs next.
	HandshakeStatus int

	// Role is the side of the connection an engine plays.
	Role int
)

const (
	StatusOK Status = iota
	// StatusBufferUnderflow means src did not hold a complete record.
	StatusBufferUnderflow
	// StatusClosed means close_notify was sent (Wrap) or received (Unwrap).
	StatusClosed
)

const (
	NotHandshaking HandshakeStatus = iota
	NeedWrap
	NeedUnwrap
	// Finished is reported once, by the call that completed a handshake.
	Finished
)

const (
	Client Role = iota
	Server
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBufferUnderflow:
		return "BufferUnderflow"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

func (s HandshakeStatus) String() string {
	switch s {
	case NotHandshaking:
		return "NotHandshaking"
	case NeedWrap:
		return "NeedWrap"
	case NeedUnwrap:
		return "NeedUnwrap"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}
