// Package config loads the YAML configuration shared by the pgwm commands.
//
// Defaults are filled in before the file is read, so a file only needs the
// keys it changes. Durations are written the way time.ParseDuration reads
// them ("250ms", "2s").
package config

import (
	"slices"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/MarcusGrass/pgwm-sub001/capture"
	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
	"github.com/MarcusGrass/pgwm-sub001/replay"
	"github.com/MarcusGrass/pgwm-sub001/uring"
	"github.com/MarcusGrass/pgwm-sub001/xconn"
)

// ErrInvalid is returned when a loaded configuration cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	Log     Log     `koanf:"log"`
	Ring    Ring    `koanf:"ring"`
	X       X       `koanf:"x"`
	Replay  Replay  `koanf:"replay"`
	Capture Capture `koanf:"capture"`
}

// Log configures the text logger of every command.
type Log struct {
	Level string `koanf:"level"`
}

// Ring configures the completion ring.
type Ring struct {
	Backend    string        `koanf:"backend"`
	Entries    uint32        `koanf:"entries"`
	WriteSlots int           `koanf:"write_slots"`
	SQPollIdle time.Duration `koanf:"sqpoll_idle"`
}

// X configures the window manager's display connection.
type X struct {
	Display     string        `koanf:"display"`
	CookieSlots int           `koanf:"cookie_slots"`
	EventSlots  int           `koanf:"event_slots"`
	AuxFiles    []string      `koanf:"aux_files"`
	AuxSizes    []int         `koanf:"aux_sizes"`
	AuxInterval time.Duration `koanf:"aux_interval"`
}

// Replay configures pgwm-replay.
type Replay struct {
	Session     string   `koanf:"session"`
	Checkpoint  int      `koanf:"checkpoint"`
	Build       string   `koanf:"build"`
	Target      string   `koanf:"target"`
	Dir         string   `koanf:"dir"`
	Env         []string `koanf:"env"`
	Transport   string   `koanf:"transport"`
	Format      string   `koanf:"format"`
	MetricsAddr string   `koanf:"metrics_addr"`
}

// Capture configures pgwm-capture.
type Capture struct {
	Listen          string        `koanf:"listen"`
	Upstream        string        `koanf:"upstream"`
	Output          string        `koanf:"output"`
	RecordAll       bool          `koanf:"record_all"`
	ChunkSize       int           `koanf:"chunk_size"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: Log{Level: "info"},
		Ring: Ring{
			Backend:    uring.Auto.String(),
			Entries:    32,
			WriteSlots: 16,
		},
		X: X{
			CookieSlots: 64,
			EventSlots:  256,
			AuxFiles:    slices.Clone(xconn.DefaultAuxFiles[:]),
			AuxSizes:    slices.Clone(xconn.DefaultAuxSizes[:]),
			AuxInterval: 2 * time.Second,
		},
		Replay: Replay{
			Transport: "net",
			Format:    "text",
		},
		Capture: Capture{
			Listen: "/tmp/.X11-unix/X9",
			Output: "session.bin",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	// Lists are replaced, not merged element by element.
	cfg.X.AuxFiles, cfg.X.AuxSizes = nil, nil

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return cfg, errors.Wrapf(err, "load %s", path)
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return cfg, errors.Wrapf(err, "decode %s", path)
	}
	if cfg.X.AuxFiles == nil {
		cfg.X.AuxFiles = slices.Clone(xconn.DefaultAuxFiles[:])
	}
	if cfg.X.AuxSizes == nil {
		cfg.X.AuxSizes = slices.Clone(xconn.DefaultAuxSizes[:])
	}
	return cfg, cfg.Validate()
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if _, ok := uring.ParseBackend(c.Ring.Backend); !ok {
		return errors.Wrapf(ErrInvalid, "ring.backend %q", c.Ring.Backend)
	}
	if len(c.X.AuxFiles) != 4 {
		return errors.Wrapf(ErrInvalid, "x.aux_files needs 4 entries, has %d", len(c.X.AuxFiles))
	}
	if len(c.X.AuxSizes) != 4 {
		return errors.Wrapf(ErrInvalid, "x.aux_sizes needs 4 entries, has %d", len(c.X.AuxSizes))
	}
	for i, n := range c.X.AuxSizes {
		if n <= 0 {
			return errors.Wrapf(ErrInvalid, "x.aux_sizes[%d] = %d", i, n)
		}
	}
	if c.Replay.Checkpoint < 0 {
		return errors.Wrapf(ErrInvalid, "replay.checkpoint %d", c.Replay.Checkpoint)
	}
	switch c.Replay.Transport {
	case "net", "ring":
	default:
		return errors.Wrapf(ErrInvalid, "replay.transport %q", c.Replay.Transport)
	}
	switch c.Replay.Format {
	case "text", "json", "yaml":
	default:
		return errors.Wrapf(ErrInvalid, "replay.format %q", c.Replay.Format)
	}
	return nil
}

// RingOptions returns the ring settings as options.
func (c Config) RingOptions(logger logging.Logger, m *uring.Metrics) []uring.Option {
	backend, _ := uring.ParseBackend(c.Ring.Backend)
	opts := []uring.Option{
		uring.BackendOption(backend),
		uring.EntriesOption(c.Ring.Entries),
		uring.WriteSlotsOption(c.Ring.WriteSlots),
		uring.SQPollOption(c.Ring.SQPollIdle),
		uring.LoggerOption(logger),
	}
	if m != nil {
		opts = append(opts, uring.MetricsOption(m))
	}
	return opts
}

// XOptions returns the display connection settings as options, including the
// ring options.
func (c Config) XOptions(logger logging.Logger, m *uring.Metrics) []xconn.Option {
	var files [4]string
	var sizes [4]int
	copy(files[:], c.X.AuxFiles)
	copy(sizes[:], c.X.AuxSizes)

	return []xconn.Option{
		xconn.CookieSlotsOption(c.X.CookieSlots),
		xconn.EventSlotsOption(c.X.EventSlots),
		xconn.AuxFilesOption(files),
		xconn.AuxSizesOption(sizes),
		xconn.RingOption(c.RingOptions(logger, m)...),
		xconn.LoggerOption(logger),
	}
}

// ReplayOptions returns the harness settings as options.
func (c Config) ReplayOptions(logger logging.Logger, m *replay.Metrics) []replay.Option {
	opts := []replay.Option{
		replay.BuildOption(c.Replay.Build),
		replay.TargetOption(c.Replay.Target),
		replay.DirOption(c.Replay.Dir),
		replay.EnvOption(c.Replay.Env...),
		replay.LoggerOption(logger),
	}
	if m != nil {
		opts = append(opts, replay.MetricsOption(m))
	}
	return opts
}

// Transport returns the harness transport named by replay.transport.
func (c Config) Transport(logger logging.Logger, m *uring.Metrics) replay.TransportFunc {
	if c.Replay.Transport == "ring" {
		return replay.RingTransport(c.RingOptions(logger, m)...)
	}
	return replay.NetTransport
}

// CaptureOptions returns the proxy settings as options.
func (c Config) CaptureOptions(logger logging.Logger) []capture.Option {
	return []capture.Option{
		capture.ChunkSizeOption(c.Capture.ChunkSize),
		capture.ShutdownTimeoutOption(c.Capture.ShutdownTimeout),
		capture.RecordAllOption(c.Capture.RecordAll),
		capture.LoggerOption(logger),
	}
}
