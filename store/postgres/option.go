package postgres

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultTablePrefix = "unibox_"
)

// options holds PostgreSQL store configuration.
type options struct {
	timeout time.Duration
	prefix  string
	logger  *slog.Logger
}

// Option configures the PostgreSQL store.
type Option func(*options)

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		timeout: DefaultTimeout,
		prefix:  DefaultTablePrefix,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTimeout sets the per-operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTablePrefix sets the prefix for all table names.
// Default is "unibox_".
func WithTablePrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
