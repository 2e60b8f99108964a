package channel

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/go-netchannel/buffer"
)

const (
	DefaultWriteBufferHighWaterMark = 64 * 1024
	DefaultWriteBufferLowWaterMark  = 32 * 1024
	DefaultReadBufferSize           = 2048
	DefaultMaxMessagesPerRead       = 16

	// maxIovecs bounds a single vectored write, matching the usual IOV_MAX.
	maxIovecs = 1024
	// writeSpinCount bounds write attempts per flush before yielding to the
	// loop and waiting for write readiness.
	writeSpinCount = 16
)

// defaultAllocator is shared by channels configured without WithAllocator.
var defaultAllocator = sync.OnceValue(func() *buffer.Pool {
	p, err := buffer.NewPool(buffer.WithArenas(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	return p
})

// Config is the resolved configuration of a channel. It is read-only once
// the channel exists.
type Config struct {
	// Allocator provides read buffers. Each channel allocates from the arena
	// selected by its loop's id.
	Allocator *buffer.Pool

	// Linger is applied as SO_LINGER. Negative disables it, zero resets the
	// connection on close.
	Linger time.Duration

	WriteBufferHighWaterMark int
	WriteBufferLowWaterMark  int
	ReadBufferSize           int
	MaxMessagesPerRead       int

	NoDelay  bool
	AutoRead bool
}

// Option configures a channel.
type Option interface {
	applyConfig(*Config) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyConfigFunc func(*Config) error
}

func (o *optionImpl) applyConfig(cfg *Config) error {
	return o.applyConfigFunc(cfg)
}

// WithNoDelay sets TCP_NODELAY. Enabled by default.
func WithNoDelay(enabled bool) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.NoDelay = enabled
		return nil
	}}
}

// WithLinger sets SO_LINGER, rounded down to whole seconds. A negative
// duration, the default, leaves it disabled.
func WithLinger(d time.Duration) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.Linger = d
		return nil
	}}
}

// WithWriteBufferWatermark sets the outbound byte thresholds at which the
// channel becomes unwritable (high) and writable again (low).
func WithWriteBufferWatermark(high, low int) Option {
	return &optionImpl{func(cfg *Config) error {
		if low < 0 || high < low {
			return errors.New("channel: watermarks must satisfy high >= low >= 0")
		}
		cfg.WriteBufferHighWaterMark = high
		cfg.WriteBufferLowWaterMark = low
		return nil
	}}
}

// WithAutoRead controls whether the channel reads continuously, or only after
// each call to Read. Enabled by default.
func WithAutoRead(enabled bool) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.AutoRead = enabled
		return nil
	}}
}

// WithAllocator sets the buffer pool used for reads.
func WithAllocator(p *buffer.Pool) Option {
	return &optionImpl{func(cfg *Config) error {
		if p == nil {
			return errors.New("channel: nil allocator")
		}
		cfg.Allocator = p
		return nil
	}}
}

// WithReadBufferSize sets the size of each read buffer.
func WithReadBufferSize(n int) Option {
	return &optionImpl{func(cfg *Config) error {
		if n <= 0 {
			return errors.New("channel: read buffer size must be positive")
		}
		cfg.ReadBufferSize = n
		return nil
	}}
}

// WithMaxMessagesPerRead bounds the reads performed per readiness event.
func WithMaxMessagesPerRead(n int) Option {
	return &optionImpl{func(cfg *Config) error {
		if n <= 0 {
			return errors.New("channel: max messages per read must be positive")
		}
		cfg.MaxMessagesPerRead = n
		return nil
	}}
}

// NewConfig resolves opts over the defaults.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		Linger:                   -1,
		WriteBufferHighWaterMark: DefaultWriteBufferHighWaterMark,
		WriteBufferLowWaterMark:  DefaultWriteBufferLowWaterMark,
		ReadBufferSize:           DefaultReadBufferSize,
		MaxMessagesPerRead:       DefaultMaxMessagesPerRead,
		NoDelay:                  true,
		AutoRead:                 true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyConfig(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Allocator == nil {
		cfg.Allocator = defaultAllocator()
	}
	return cfg, nil
}
