package capture

import (
	"time"

	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
)

// Default configuration values.
const (
	// defaultChunkSize is the default size of a single read from either side.
	defaultChunkSize = 64 * 1024
)

// options holds the configuration for a Proxy.
type options struct {
	logger          logging.Logger
	chunkSize       int
	shutdownTimeout time.Duration
	recordAll       bool
}

// Option is a function that configures Proxy options.
type Option func(*options)

// ChunkSizeOption returns an Option that sets the read size of both pumps.
func ChunkSizeOption(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// ShutdownTimeoutOption returns an Option that delays closing the listener
// after the context passed to Serve is canceled. Close bypasses the delay.
func ShutdownTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = timeout
	}
}

// RecordAllOption returns an Option that records every connection instead of
// only the first one. Each recorded connection starts with its own setup.
func RecordAllOption(all bool) Option {
	return func(o *options) {
		o.recordAll = all
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// checkOptions sets default values for Proxy options.
func checkOptions(opts *options) {
	if opts.chunkSize <= 0 {
		opts.chunkSize = defaultChunkSize
	}

	if opts.logger == nil {
		opts.logger = logging.Default()
	}
}
