package gocpu

import (
	"errors"

	"github.com/joeycumines/logiface"
)

// backendOptions holds configuration options for Backend creation.
type backendOptions struct {
	logger       *logiface.Logger[logiface.Event]
	hostCPU      func(cpu int) int
	mailboxSize  int
	mailboxBatch int
}

// Option configures a Backend instance.
type Option interface {
	applyBackend(*backendOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyBackendFunc func(*backendOptions) error
}

func (o *optionImpl) applyBackend(opts *backendOptions) error {
	return o.applyBackendFunc(opts)
}

// WithLogger sets the logger, used to report affinity failures.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithAffinity locks each CPU goroutine's OS thread to the host CPU
// returned by hostCPU (given the CPU id), on platforms that support it. A
// nil func disables pinning (the default).
func WithAffinity(hostCPU func(cpu int) int) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.hostCPU = hostCPU
		return nil
	}}
}

// WithMailbox sets the buffer size of each CPU's cross-call mailbox, and
// the maximum number of cross-calls it runs before checking its timer and
// soft interrupts again. Defaults to 64 and 16.
func WithMailbox(size, batch int) Option {
	return &optionImpl{func(opts *backendOptions) error {
		if size < 0 || batch < 1 {
			return errors.New("gocpu: invalid mailbox configuration")
		}
		opts.mailboxSize = size
		opts.mailboxBatch = batch
		return nil
	}}
}

func resolveOptions(opts []Option) (*backendOptions, error) {
	cfg := &backendOptions{
		mailboxSize:  64,
		mailboxBatch: 16,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyBackend(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
