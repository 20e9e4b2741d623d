// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package cyclic

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// subsystemOptions holds configuration options for Subsystem creation.
type subsystemOptions struct {
	logger           *logiface.Logger[logiface.Event]
	faultHandler     func(fault *FatalDispatchFault)
	overrunLogRates  map[time.Duration]int
	initialCapacity  int
	autoReserve      bool
	invariantChecks  bool
	latencyQuantiles bool
}

// Option configures a Subsystem instance.
type Option interface {
	applySubsystem(*subsystemOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySubsystemFunc func(*subsystemOptions) error
}

func (o *optionImpl) applySubsystem(opts *subsystemOptions) error {
	return o.applySubsystemFunc(opts)
}

// WithLogger sets the structured logger. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *subsystemOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithInitialCapacity sets the number of entry slots reserved on each CPU
// when it is attached. Defaults to 8.
func WithInitialCapacity(n int) Option {
	return &optionImpl{func(opts *subsystemOptions) error {
		if n < 1 {
			return errors.New("cyclic: initial capacity must be positive")
		}
		opts.initialCapacity = n
		return nil
	}}
}

// WithAutoReserve sets whether Create grows a CPU's reserve when it is
// exhausted. Defaults to true. When disabled, Create fails with
// ErrCapacityExhausted and callers must use Subsystem.Reserve (or a
// Reserver) ahead of time.
func WithAutoReserve(enabled bool) Option {
	return &optionImpl{func(opts *subsystemOptions) error {
		opts.autoReserve = enabled
		return nil
	}}
}

// WithInvariantChecks verifies heap order and index consistency after
// every heap mutation. A violation is a fatal dispatch fault. This costs
// O(n) per mutation.
func WithInvariantChecks(enabled bool) Option {
	return &optionImpl{func(opts *subsystemOptions) error {
		opts.invariantChecks = enabled
		return nil
	}}
}

// WithFaultHandler replaces the default response to a fatal dispatch
// fault, which is to panic with the *FatalDispatchFault on the faulting
// CPU. The CPU is halted either way. The handler runs in dispatch context.
func WithFaultHandler(fn func(fault *FatalDispatchFault)) Option {
	return &optionImpl{func(opts *subsystemOptions) error {
		opts.faultHandler = fn
		return nil
	}}
}

// WithOverrunLogRates sets the per-CPU rate limits applied to overrun
// warnings, as a map of window to maximum events, see
// [github.com/joeycumines/go-catrate]. Defaults to 1 per second and 10 per
// minute. A nil or empty map disables rate limiting.
func WithOverrunLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *subsystemOptions) error {
		opts.overrunLogRates = rates
		return nil
	}}
}

// WithMetrics enables lateness quantile estimation on every CPU. Counters
// are always maintained.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *subsystemOptions) error {
		opts.latencyQuantiles = enabled
		return nil
	}}
}

// resolveOptions applies Option values to subsystemOptions.
func resolveOptions(opts []Option) (*subsystemOptions, error) {
	cfg := &subsystemOptions{
		initialCapacity: 8,
		autoReserve:     true,
		overrunLogRates: map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySubsystem(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
