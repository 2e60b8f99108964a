package buffer

import (
	"errors"
)

type poolOptions struct {
	arenas            int
	maxCachedPerClass int
	maxCapacity       int
	leakDetection     bool
}

// PoolOption configures a Pool.
type PoolOption interface {
	applyPool(*poolOptions) error
}

type poolOptionImpl struct {
	applyPoolFunc func(*poolOptions) error
}

func (o *poolOptionImpl) applyPool(opts *poolOptions) error {
	return o.applyPoolFunc(opts)
}

// WithArenas sets the number of arenas, typically one per event loop.
func WithArenas(n int) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		if n <= 0 {
			return errors.New("buffer: arenas must be positive")
		}
		opts.arenas = n
		return nil
	}}
}

// WithMaxCachedPerClass bounds how many free entries each arena keeps per
// size class. Zero disables reuse.
func WithMaxCachedPerClass(n int) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		if n < 0 {
			return errors.New("buffer: max cached per class must not be negative")
		}
		opts.maxCachedPerClass = n
		return nil
	}}
}

// WithMaxCapacity bounds the capacity any buffer may grow to.
func WithMaxCapacity(n int) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		if n <= 0 {
			return errors.New("buffer: max capacity must be positive")
		}
		opts.maxCapacity = n
		return nil
	}}
}

// WithLeakDetection records the allocation site of every buffer so that
// Pool.CheckLeaks can report where unreleased buffers came from.
func WithLeakDetection(enabled bool) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.leakDetection = enabled
		return nil
	}}
}

func resolvePoolOptions(opts []PoolOption) (*poolOptions, error) {
	cfg := &poolOptions{
		arenas:            defaultArenas,
		maxCachedPerClass: defaultMaxCachedPerClass,
		maxCapacity:       DefaultMaxCapacity,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
