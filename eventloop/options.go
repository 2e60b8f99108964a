// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	defaultMaxPollTimeout = 10 * time.Second
	defaultTaskBudget     = 1024
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	maxPollTimeout time.Duration
	taskBudget     int
	metricsEnabled bool
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger used for fatal poll errors, recovered
// panics and lifecycle events. When unset, critical conditions are still
// reported through the standard library log package.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMaxPollTimeout caps how long a single poll may block, regardless of
// pending timers. It must be positive.
func WithMaxPollTimeout(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return errors.New("eventloop: max poll timeout must be positive")
		}
		opts.maxPollTimeout = d
		return nil
	}}
}

// WithTaskBudget bounds the number of queued tasks run between two polls, so
// that a flood of submissions cannot starve I/O readiness. It must be
// positive.
func WithTaskBudget(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("eventloop: task budget must be positive")
		}
		opts.taskBudget = n
		return nil
	}}
}

// WithMetrics enables the counters reported by Loop.Stats.
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		maxPollTimeout: defaultMaxPollTimeout,
		taskBudget:     defaultTaskBudget,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
