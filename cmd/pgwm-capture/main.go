// Command pgwm-capture records an X11 session for pgwm-replay.
//
// It listens on a display socket of its own and forwards every client to the
// real server. Point the window manager at the proxy display and send the
// process SIGUSR1 once the window manager is up: the logged client count is
// the checkpoint that separates startup from steady state.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/MarcusGrass/pgwm-sub001/capture"
	"github.com/MarcusGrass/pgwm-sub001/config"
	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
	"github.com/MarcusGrass/pgwm-sub001/x11"
)

var (
	configPath = kingpin.Flag("config", "YAML configuration file").
			Short('c').
			String()
	logLevel = kingpin.Flag("log-level", "Log level (debug, info, warn, error)").
			String()
	listen = kingpin.Flag("listen", "Unix socket to accept clients on").
		String()
	upstream = kingpin.Flag("upstream", "X server socket, taken from the display when empty").
			String()
	display = kingpin.Flag("display", "Display of the real X server").
		Envar("DISPLAY").
		String()
	output = kingpin.Flag("output", "Session file to write").
		Short('o').
		String()
	recordAll = kingpin.Flag("all", "Record every connection, not only the first").
			Bool()
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	kingpin.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Default().Error("configuration", "error", err)
		return 2
	}
	applyFlags(&cfg)
	logger := logging.New(os.Stderr, cfg.Log.Level)

	if err := run(cfg, logger); err != nil {
		logger.Error("capture failed", "error", err)
		return 1
	}
	return 0
}

func applyFlags(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Log.Level, *logLevel)
	set(&cfg.Capture.Listen, *listen)
	set(&cfg.Capture.Upstream, *upstream)
	set(&cfg.X.Display, *display)
	set(&cfg.Capture.Output, *output)
	if *recordAll {
		cfg.Capture.RecordAll = true
	}
}

func run(cfg config.Config, logger logging.Logger) error {
	up := cfg.Capture.Upstream
	if up == "" {
		d, err := x11.ParseDisplay(cfg.X.Display)
		if err != nil {
			return err
		}
		up = d.Socket()
	}
	if up == cfg.Capture.Listen {
		return errors.Errorf("proxy would forward to itself at %s", up)
	}
	if err := removeStaleSocket(cfg.Capture.Listen); err != nil {
		return err
	}

	out, err := os.Create(cfg.Capture.Output)
	if err != nil {
		return errors.Wrap(err, "create session file")
	}
	defer out.Close()

	p, err := capture.New(cfg.Capture.Listen, up, out, cfg.CaptureOptions(logger)...)
	if err != nil {
		return err
	}
	defer os.Remove(cfg.Capture.Listen)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	marks := make(chan os.Signal, 1)
	signal.Notify(marks, syscall.SIGUSR1)
	defer signal.Stop(marks)
	go func() {
		for {
			select {
			case <-marks:
				logger.Info("checkpoint", "checkpoint", p.ClientCount(), "server_messages", p.ServerCount())
			case <-ctx.Done():
				return
			}
		}
	}()

	err = p.Serve(ctx)
	logger.Info("session written",
		"output", cfg.Capture.Output,
		"frames", p.Frames(),
		"client_messages", p.ClientCount(),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// removeStaleSocket deletes a socket left behind by an earlier run. Anything
// that is not a socket is left alone and reported by the listener.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return nil
	}
	return errors.Wrap(os.Remove(path), "remove stale socket")
}
