package executor

import "time"

// Options configures per-handler execution behavior.
type Options struct {
	// Timeout is the maximum duration one execution of the handler may run
	// before its context is cancelled. Zero means no limit.
	Timeout time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout: 5 * time.Minute,
	}
}

// Option is a functional option for configuring a handler registration.
type Option func(*Options)

// WithTimeout sets the maximum execution duration for the handler.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// withOptions replaces the full option set. Used when registering a typed
// definition whose options were already assembled.
func withOptions(opts Options) Option {
	return func(o *Options) {
		*o = opts
	}
}
