package tlstest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-netchannel/buffer"
	"github.com/joeycumines/go-netchannel/tlsstage"
)

func newPool(t *testing.T) *buffer.Pool {
	t.Helper()
	p, err := buffer.NewPool(buffer.WithLeakDetection(true))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.CheckLeaks()) })
	return p
}

// transfer wraps everything src has pending and unwraps it into dst,
// returning the plaintext dst produced and the handshake statuses it
// reported.
func transfer(t *testing.T, pool *buffer.Pool, src, dst *Engine) ([]byte, []tlsstage.HandshakeStatus) {
	t.Helper()
	wire := pool.Get(64)
	defer wire.Release()
	for src.HandshakeStatus() == tlsstage.NeedWrap {
		_, err := src.Wrap(nil, wire)
		require.NoError(t, err)
	}
	return unwrapAll(t, pool, dst, wire)
}

func unwrapAll(t *testing.T, pool *buffer.Pool, dst *Engine, wire *buffer.Buffer) ([]byte, []tlsstage.HandshakeStatus) {
	t.Helper()
	plain := pool.Get(64)
	defer plain.Release()
	var statuses []tlsstage.HandshakeStatus
	for wire.IsReadable() {
		res, err := dst.Unwrap(wire.Bytes(), plain)
		require.NoError(t, err)
		require.NoError(t, wire.Skip(res.BytesConsumed))
		statuses = append(statuses, res.HandshakeStatus)
		if res.Status != tlsstage.StatusOK {
			break
		}
	}
	return bytes.Clone(plain.Bytes()), statuses
}

// handshake runs a handshake the client already began to completion.
func handshake(t *testing.T, pool *buffer.Pool, client, server *Engine) {
	t.Helper()
	_, st := transfer(t, pool, client, server) // ClientHello
	assert.Equal(t, []tlsstage.HandshakeStatus{tlsstage.NeedWrap}, st)
	_, st = transfer(t, pool, server, client) // ServerHello, Finished
	assert.Equal(t, []tlsstage.HandshakeStatus{tlsstage.NeedUnwrap, tlsstage.NeedWrap}, st)

	wire := pool.Get(64)
	defer wire.Release()
	res, err := client.Wrap(nil, wire)
	require.NoError(t, err)
	assert.Equal(t, tlsstage.Finished, res.HandshakeStatus)
	_, st = unwrapAll(t, pool, server, wire)
	assert.Equal(t, []tlsstage.HandshakeStatus{tlsstage.Finished}, st)
}

func wrapString(t *testing.T, pool *buffer.Pool, e *Engine, s string) *buffer.Buffer {
	t.Helper()
	wire := pool.Get(64)
	res, err := e.Wrap([]byte(s), wire)
	require.NoError(t, err)
	require.Equal(t, len(s), res.BytesConsumed)
	return wire
}

func TestEngine_handshakeAndData(t *testing.T) {
	pool := newPool(t)
	client, server := New(tlsstage.Client), New(tlsstage.Server)
	require.NoError(t, server.BeginHandshake())
	assert.Equal(t, tlsstage.NeedUnwrap, server.HandshakeStatus())
	require.NoError(t, client.BeginHandshake())
	assert.Equal(t, tlsstage.NeedWrap, client.HandshakeStatus())

	handshake(t, pool, client, server)
	assert.Equal(t, DefaultCipherSuites[0], client.CipherSuite())
	assert.Equal(t, DefaultCipherSuites[0], server.CipherSuite())
	assert.Equal(t, 1, client.Handshakes())
	assert.Equal(t, 1, server.Handshakes())
	assert.Equal(t, tlsstage.NotHandshaking, client.HandshakeStatus())
	assert.Equal(t, tlsstage.NotHandshaking, server.HandshakeStatus())

	wire := wrapString(t, pool, client, "hello")
	assert.NotContains(t, string(wire.Bytes()), "hello")
	plain, _ := unwrapAll(t, pool, server, wire)
	wire.Release()
	assert.Equal(t, "hello", string(plain))
}

func TestEngine_serverPreferenceFollowsClientOrder(t *testing.T) {
	pool := newPool(t)
	client := New(tlsstage.Client, "B", "A")
	server := New(tlsstage.Server, "A", "B")
	require.NoError(t, server.BeginHandshake())
	require.NoError(t, client.BeginHandshake())
	handshake(t, pool, client, server)
	assert.Equal(t, "B", client.CipherSuite())
}

func TestEngine_largeWriteSpansRecords(t *testing.T) {
	pool := newPool(t)
	client, server := New(tlsstage.Client), New(tlsstage.Server)
	require.NoError(t, server.BeginHandshake())
	require.NoError(t, client.BeginHandshake())
	handshake(t, pool, client, server)

	data := bytes.Repeat([]byte("0123456789"), MaxPlaintext/4)
	wire := pool.Get(64)
	res, err := client.Wrap(data, wire)
	require.NoError(t, err)
	assert.Equal(t, len(data), res.BytesConsumed)
	assert.Equal(t, wire.ReadableBytes(), res.BytesProduced)

	// deliver one byte short of everything first
	partial := pool.Get(64)
	_, _ = partial.Write(wire.Bytes()[:wire.ReadableBytes()-1])
	got, _ := unwrapAll(t, pool, server, partial)
	assert.Less(t, len(got), len(data))
	rest := pool.Get(64)
	_, _ = rest.Write(wire.Bytes()[wire.ReadableBytes()-1-partial.ReadableBytes():])
	more, _ := unwrapAll(t, pool, server, rest)
	partial.Release()
	rest.Release()
	wire.Release()
	assert.Equal(t, data, append(got, more...))
}

func TestEngine_underflow(t *testing.T) {
	pool := newPool(t)
	server := New(tlsstage.Server)
	require.NoError(t, server.BeginHandshake())
	dst := pool.Get(16)
	defer dst.Release()
	res, err := server.Unwrap([]byte{recordHandshake, 3, 3, 0}, dst)
	require.NoError(t, err)
	assert.Equal(t, tlsstage.StatusBufferUnderflow, res.Status)
	assert.Zero(t, res.BytesConsumed)
}

func TestEngine_renegotiation(t *testing.T) {
	for _, initiator := range []tlsstage.Role{tlsstage.Client, tlsstage.Server} {
		t.Run(initiator.String(), func(t *testing.T) {
			pool := newPool(t)
			client, server := New(tlsstage.Client), New(tlsstage.Server)
			require.NoError(t, server.BeginHandshake())
			require.NoError(t, client.BeginHandshake())
			handshake(t, pool, client, server)

			last := DefaultCipherSuites[len(DefaultCipherSuites)-1]
			if initiator == tlsstage.Client {
				require.NoError(t, client.SetCipherSuites([]string{last}))
				require.NoError(t, client.BeginHandshake())
			} else {
				require.NoError(t, server.SetCipherSuites([]string{last}))
				require.NoError(t, server.BeginHandshake())
				_, st := transfer(t, pool, server, client) // HelloRequest
				assert.Equal(t, []tlsstage.HandshakeStatus{tlsstage.NeedWrap}, st)
			}

			_, st := transfer(t, pool, client, server) // ClientHello
			assert.Equal(t, []tlsstage.HandshakeStatus{tlsstage.NeedWrap}, st)
			// application data still flows under the old keys
			wire := wrapString(t, pool, client, "before")
			_, st = transfer(t, pool, server, client) // ServerHello, Finished
			assert.Equal(t, []tlsstage.HandshakeStatus{tlsstage.NeedUnwrap, tlsstage.NeedWrap}, st)
			plain, _ := unwrapAll(t, pool, server, wire)
			wire.Release()
			assert.Equal(t, "before", string(plain))

			fin := pool.Get(64)
			res, err := client.Wrap(nil, fin)
			require.NoError(t, err)
			assert.Equal(t, tlsstage.Finished, res.HandshakeStatus)
			_, st = unwrapAll(t, pool, server, fin)
			fin.Release()
			assert.Equal(t, []tlsstage.HandshakeStatus{tlsstage.Finished}, st)

			assert.Equal(t, last, client.CipherSuite())
			assert.Equal(t, last, server.CipherSuite())
			assert.Equal(t, 2, client.Handshakes())
			assert.Equal(t, 2, server.Handshakes())
			out, in := client.Epochs()
			assert.Equal(t, 2, out)
			assert.Equal(t, 2, in)

			wire = wrapString(t, pool, server, "after")
			plain, _ = unwrapAll(t, pool, client, wire)
			wire.Release()
			assert.Equal(t, "after", string(plain))
		})
	}
}

func TestEngine_noCommonCipher(t *testing.T) {
	pool := newPool(t)
	client, server := New(tlsstage.Client, "A"), New(tlsstage.Server, "B")
	require.NoError(t, server.BeginHandshake())
	require.NoError(t, client.BeginHandshake())

	wire := pool.Get(64)
	defer wire.Release()
	_, err := client.Wrap(nil, wire)
	require.NoError(t, err)
	plain := pool.Get(16)
	defer plain.Release()
	_, err = server.Unwrap(wire.Bytes(), plain)
	var alert *AlertError
	require.ErrorAs(t, err, &alert)
	assert.Equal(t, alertHandshakeFailure, alert.Description)
	assert.False(t, alert.Received)
	assert.Equal(t, tlsstage.NeedWrap, server.HandshakeStatus())

	back := pool.Get(16)
	defer back.Release()
	_, err = server.Wrap(nil, back)
	require.Error(t, err)
	_, err = client.Unwrap(back.Bytes(), plain)
	require.ErrorAs(t, err, &alert)
	assert.True(t, alert.Received)
	assert.Contains(t, err.Error(), "handshake_failure")
}

func TestEngine_injectedFailure(t *testing.T) {
	pool := newPool(t)
	client, server := New(tlsstage.Client), New(tlsstage.Server)
	require.NoError(t, server.BeginHandshake())
	require.NoError(t, client.BeginHandshake())
	boom := errors.New("boom")
	server.FailNextHandshakeMessage(boom)

	wire := pool.Get(64)
	defer wire.Release()
	_, err := client.Wrap(nil, wire)
	require.NoError(t, err)
	plain := pool.Get(16)
	defer plain.Release()
	_, err = server.Unwrap(wire.Bytes(), plain)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, server.BeginHandshake(), boom)
}

func TestEngine_tamperedRecord(t *testing.T) {
	pool := newPool(t)
	client, server := New(tlsstage.Client), New(tlsstage.Server)
	require.NoError(t, server.BeginHandshake())
	require.NoError(t, client.BeginHandshake())
	handshake(t, pool, client, server)

	wire := wrapString(t, pool, client, "payload")
	defer wire.Release()
	wire.Bytes()[headerLen] ^= 0xff
	plain := pool.Get(16)
	defer plain.Release()
	_, err := server.Unwrap(wire.Bytes(), plain)
	var alert *AlertError
	require.ErrorAs(t, err, &alert)
	assert.Equal(t, alertBadRecordMAC, alert.Description)
}

func TestEngine_closeNotify(t *testing.T) {
	pool := newPool(t)
	client, server := New(tlsstage.Client), New(tlsstage.Server)
	require.NoError(t, server.BeginHandshake())
	require.NoError(t, client.BeginHandshake())
	handshake(t, pool, client, server)

	client.CloseOutbound()
	wire := pool.Get(64)
	defer wire.Release()
	res, err := client.Wrap([]byte("ignored"), wire)
	require.NoError(t, err)
	assert.Equal(t, tlsstage.StatusClosed, res.Status)
	assert.Zero(t, res.BytesConsumed)

	plain := pool.Get(16)
	defer plain.Release()
	res, err = server.Unwrap(wire.Bytes(), plain)
	require.NoError(t, err)
	assert.Equal(t, tlsstage.StatusClosed, res.Status)
	assert.Error(t, server.BeginHandshake())
}
