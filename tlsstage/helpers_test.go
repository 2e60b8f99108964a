//go:build linux || darwin

package tlsstage_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-netchannel/buffer"
	"github.com/joeycumines/go-netchannel/channel"
	"github.com/joeycumines/go-netchannel/eventloop"
	"github.com/joeycumines/go-netchannel/tlsstage"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
		select {
		case <-done:
		case <-ctx.Done():
			t.Error("loop did not stop")
		}
	})
	return l
}

func newLeakCheckedPool(t *testing.T) *buffer.Pool {
	t.Helper()
	p, err := buffer.NewPool(buffer.WithLeakDetection(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := p.CheckLeaks(); err != nil {
			t.Error(err)
		}
	})
	return p
}

func await(t *testing.T, p *eventloop.Promise) (eventloop.Result, error) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("promise did not settle")
	}
	return p.Result()
}

func onLoop(t *testing.T, l *eventloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, l.Submit(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop task did not run")
	}
}

// app sits after the TLS stage, recording plaintext and TLS events, and
// optionally echoing every read.
type app struct {
	channel.HandlerBase
	echo        bool
	mu          sync.Mutex
	data        bytes.Buffer
	handshakes  []tlsstage.HandshakeCompleteEvent
	closeNotify bool
	closed      chan struct{}
}

func newApp(echo bool) *app {
	return &app{echo: echo, closed: make(chan struct{})}
}

func (a *app) HandleInbound(ctx *channel.HandlerContext, ev channel.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch ev.Kind {
	case channel.EventRead:
		b := ev.Msg.(*buffer.Buffer)
		a.data.Write(b.Bytes())
		if a.echo {
			ctx.Write(b)
		} else {
			b.Release()
		}
	case channel.EventReadComplete:
		if a.echo {
			ctx.Flush()
		}
	case channel.EventUser:
		switch e := ev.Msg.(type) {
		case tlsstage.HandshakeCompleteEvent:
			a.handshakes = append(a.handshakes, e)
		case tlsstage.CloseNotifyEvent:
			a.closeNotify = true
		}
	case channel.EventClosed:
		close(a.closed)
	}
	return nil
}

func (a *app) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data.Len()
}

func (a *app) Data() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bytes.Clone(a.data.Bytes())
}

func (a *app) Handshakes() []tlsstage.HandshakeCompleteEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]tlsstage.HandshakeCompleteEvent(nil), a.handshakes...)
}

func (a *app) CloseNotify() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeNotify
}

func waitClosed(t *testing.T, a *app) {
	t.Helper()
	select {
	case <-a.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close")
	}
}

// endpoint is one side of a TLS pair.
type endpoint struct {
	ch    *channel.Channel
	stage *tlsstage.Stage
	app   *app
}

// tlsPair connects a client and a server stage over a socket pair. The
// server echoes.
func tlsPair(t *testing.T, l *eventloop.Loop, client, server tlsstage.Engine, opts ...channel.Option) (c, s endpoint) {
	t.Helper()
	c.app, s.app = newApp(false), newApp(true)
	var err error
	c.stage, err = tlsstage.New(client)
	require.NoError(t, err)
	s.stage, err = tlsstage.New(server)
	require.NoError(t, err)
	c.ch, s.ch, err = channel.NewPair(l,
		func(ch *channel.Channel) error { return addStage(ch, c.stage, c.app) },
		func(ch *channel.Channel) error { return addStage(ch, s.stage, s.app) },
		opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.ch.Close()
		s.ch.Close()
	})
	return c, s
}

func addStage(ch *channel.Channel, stage *tlsstage.Stage, a *app) error {
	if err := ch.Pipeline().AddLast("tls", stage); err != nil {
		return err
	}
	return ch.Pipeline().AddLast("app", a)
}

// selfSigned returns a server certificate for localhost and a client
// configuration trusting it.
func selfSigned(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	server = &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
	client = &tls.Config{RootCAs: roots, ServerName: "localhost"}
	return server, client
}
