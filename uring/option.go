package uring

import (
	"time"

	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
)

// Backend selects the completion mechanism behind a Ring.
type Backend int

const (
	// Auto uses io_uring and falls back to Loop when the kernel refuses it.
	Auto Backend = iota
	// Uring uses io_uring with registered buffers and files.
	Uring
	// Loop runs each submission on its own goroutine and reports completions
	// through a channel. It keeps the same completion semantics without
	// kernel support.
	Loop
)

func (b Backend) String() string {
	switch b {
	case Auto:
		return "auto"
	case Uring:
		return "uring"
	case Loop:
		return "loop"
	default:
		return "unknown"
	}
}

// ParseBackend maps a configuration name to a Backend.
func ParseBackend(name string) (Backend, bool) {
	for _, b := range []Backend{Auto, Uring, Loop} {
		if b.String() == name {
			return b, true
		}
	}
	return Auto, false
}

// Default configuration values.
const (
	// defaultEntries is the default submission queue size.
	defaultEntries = 32
	// defaultWriteSlots is the default number of writes that may be in flight.
	defaultWriteSlots = 16
)

// options holds the configuration for a Ring.
type options struct {
	logger  logging.Logger
	metrics *Metrics
	backend Backend

	entries    uint32        // submission queue size
	writeSlots int           // capacity of the in-flight write table
	sqPollIdle time.Duration // kernel poller idle time, zero disables SQPOLL
}

// Option is a function that configures Ring options.
type Option func(*options)

// BackendOption returns an Option that selects the completion mechanism.
func BackendOption(b Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// EntriesOption returns an Option that sets the submission queue size.
// io_uring rounds it up to a power of two.
func EntriesOption(n uint32) Option {
	return func(o *options) {
		o.entries = n
	}
}

// WriteSlotsOption returns an Option that bounds the number of writes in
// flight. SubmitWrite returns ErrQueueFull beyond it.
func WriteSlotsOption(n int) Option {
	return func(o *options) {
		o.writeSlots = n
	}
}

// SQPollOption returns an Option that enables a kernel-side submission poller
// which sleeps after idle. Submissions then only enter the kernel when the
// poller reports that it needs a wakeup.
func SQPollOption(idle time.Duration) Option {
	return func(o *options) {
		o.sqPollIdle = idle
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that records submissions and completions.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// checkOptions sets default values for Ring options.
func checkOptions(opts *options) {
	if opts.entries == 0 {
		opts.entries = defaultEntries
	}

	if opts.writeSlots <= 0 {
		opts.writeSlots = defaultWriteSlots
	}

	if opts.logger == nil {
		opts.logger = logging.Default()
	}
}
