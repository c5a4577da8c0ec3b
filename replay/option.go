package replay

import (
	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
)

// Environment variable and placeholder through which the target learns the
// socket path it must connect to.
const (
	SocketEnv         = "PGWM_REPLAY_SOCKET"
	SocketPlaceholder = "{socket}"
)

// options holds the configuration for a Driver or Harness.
type options struct {
	logger  logging.Logger
	metrics *Metrics

	build  string // build command line, run before the target
	target string // target command line
	dir    string // working directory of both commands
	env    []string
}

// Option is a function that configures replay options.
type Option func(*options)

// BuildOption returns an Option that sets a command line run to completion
// before the target is spawned.
func BuildOption(cmdline string) Option {
	return func(o *options) {
		o.build = cmdline
	}
}

// TargetOption returns an Option that sets the command line of the process
// under test. {socket} is replaced by the listening socket path.
func TargetOption(cmdline string) Option {
	return func(o *options) {
		o.target = cmdline
	}
}

// DirOption returns an Option that sets the working directory of the build
// and target commands.
func DirOption(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// EnvOption returns an Option that adds KEY=value pairs to the environment
// of the build and target commands.
func EnvOption(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// MetricsOption returns an Option that records latencies and phase durations.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// checkOptions sets default values for replay options.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = logging.Default()
	}
}
