package xconn

import (
	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
	"github.com/MarcusGrass/pgwm-sub001/uring"
)

// Default configuration values.
const (
	// defaultCookieSlots is the default number of replies that may be awaited at once.
	defaultCookieSlots = 64
	// defaultEventSlots is the default capacity of the event queue.
	defaultEventSlots = 256
)

// DefaultAuxFiles are the telemetry files opened by Dial, in CPU, Mem, Net,
// Bat order.
var DefaultAuxFiles = [4]string{
	"/proc/stat",
	"/proc/meminfo",
	"/proc/net/dev",
	"/sys/class/power_supply/BAT0/capacity",
}

// DefaultAuxSizes are the telemetry buffer sizes used by Dial.
var DefaultAuxSizes = [4]int{4096, 4096, 4096, 64}

// options holds the configuration for a Conn.
type options struct {
	logger logging.Logger

	authName string
	authData []byte
	noAuth   bool

	cookieSlots int
	eventSlots  int

	auxFiles [4]string
	auxSizes [4]int
	ringOpts []uring.Option
}

// Option is a function that configures Conn options.
type Option func(*options)

// AuthOption returns an Option that sets the authorization sent in the setup
// request. Dial otherwise reads it from the authority file.
func AuthOption(name string, data []byte) Option {
	return func(o *options) {
		o.authName = name
		o.authData = data
		o.noAuth = name == ""
	}
}

// CookieSlotsOption returns an Option that bounds the number of outstanding
// replies. Send returns an error beyond it.
func CookieSlotsOption(n int) Option {
	return func(o *options) {
		o.cookieSlots = n
	}
}

// EventSlotsOption returns an Option that bounds the number of queued events.
func EventSlotsOption(n int) Option {
	return func(o *options) {
		o.eventSlots = n
	}
}

// AuxFilesOption returns an Option that sets the telemetry files opened by
// Dial. A missing file is replaced by /dev/null.
func AuxFilesOption(paths [4]string) Option {
	return func(o *options) {
		o.auxFiles = paths
	}
}

// AuxSizesOption returns an Option that sets the telemetry buffer sizes used
// by Dial.
func AuxSizesOption(sizes [4]int) Option {
	return func(o *options) {
		o.auxSizes = sizes
	}
}

// RingOption returns an Option that passes opts to the Ring created by Dial.
func RingOption(opts ...uring.Option) Option {
	return func(o *options) {
		o.ringOpts = append(o.ringOpts, opts...)
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// checkOptions sets default values for Conn options.
func checkOptions(opts *options) {
	if opts.cookieSlots <= 0 {
		opts.cookieSlots = defaultCookieSlots
	}

	if opts.eventSlots <= 0 {
		opts.eventSlots = defaultEventSlots
	}

	if opts.auxFiles == [4]string{} {
		opts.auxFiles = DefaultAuxFiles
	}

	for i, n := range opts.auxSizes {
		if n <= 0 {
			opts.auxSizes[i] = DefaultAuxSizes[i]
		}
	}

	if opts.logger == nil {
		opts.logger = logging.Default()
	}
}
