package tlsstage

import (
	"errors"
	"time"
)

type (
	// Option configures a Stage.
	Option interface {
		applyStage(c *stageConfig) error
	}

	optionImpl struct {
		applyStageFunc func(c *stageConfig) error
	}

	stageConfig struct {
		handshakeTimeout time.Duration
		startOnActive    bool
	}
)

func (o *optionImpl) applyStage(c *stageConfig) error {
	return o.applyStageFunc(c)
}

// WithHandshakeTimeout fails any handshake, initial or renegotiated, that
// has not completed within d, closing the channel. Zero, the default,
// disables the timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return &optionImpl{func(c *stageConfig) error {
		if d < 0 {
			return errors.New("tlsstage: negative handshake timeout")
		}
		c.handshakeTimeout = d
		return nil
	}}
}

// WithStartOnActive controls whether the handshake begins as soon as the
// channel is active (the default). Otherwise it begins on the first call to
// Handshake.
func WithStartOnActive(enabled bool) Option {
	return &optionImpl{func(c *stageConfig) error {
		c.startOnActive = enabled
		return nil
	}}
}

func resolveOptions(opts []Option) (*stageConfig, error) {
	c := &stageConfig{startOnActive: true}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o.applyStage(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}
