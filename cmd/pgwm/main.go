// Command pgwm is the window manager. Its display connection and telemetry
// reads share one completion ring.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/MarcusGrass/pgwm-sub001/config"
	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
	"github.com/MarcusGrass/pgwm-sub001/internal/wm"
	"github.com/MarcusGrass/pgwm-sub001/uring"
	"github.com/MarcusGrass/pgwm-sub001/xconn"
)

var (
	configPath = kingpin.Flag("config", "YAML configuration file").
			Short('c').
			String()
	logLevel = kingpin.Flag("log-level", "Log level (debug, info, warn, error)").
			String()
	display = kingpin.Flag("display", "Display to manage, or the path of an X socket").
		Envar("DISPLAY").
		String()
	backend = kingpin.Flag("backend", "Ring backend (auto, uring, loop)").
		String()
	metricsAddr = kingpin.Flag("metrics-addr", "Serve Prometheus ring metrics on this address").
			String()
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
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *display != "" {
		cfg.X.Display = *display
	}
	if *backend != "" {
		cfg.Ring.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		logging.Default().Error("configuration", "error", err)
		return 2
	}
	logger := logging.New(os.Stderr, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, logger)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("window manager stopped")
		return 0
	case errors.Is(err, wm.ErrOtherWM):
		logger.Error("other window manager running on display")
		return 1
	default:
		logger.Error("window manager failed", "error", err)
		return 1
	}
}

func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	var m *uring.Metrics
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		var err error
		if m, err = uring.NewMetrics(reg); err != nil {
			return err
		}
		srv := &http.Server{
			Addr:    *metricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close()
	}

	for restarts := 0; ; restarts++ {
		err := session(ctx, cfg, logger, m)
		if !restartable(ctx, err) || restarts == maxRestarts {
			return err
		}
		logger.Warn("restarting after fatal error", "error", err, "restart", restarts+1)
	}
}

// maxRestarts bounds how often a failed ring or connection is rebuilt.
const maxRestarts = 3

// restartable reports whether err leaves the display usable by a fresh
// connection.
func restartable(ctx context.Context, err error) bool {
	switch {
	case err == nil, ctx.Err() != nil:
		return false
	case errors.Is(err, wm.ErrOtherWM), errors.Is(err, wm.ErrNoScreen), errors.Is(err, xconn.ErrServerClosed), errors.Is(err, xconn.ErrSetupRefused):
		return false
	default:
		return true
	}
}

func session(ctx context.Context, cfg config.Config, logger logging.Logger, m *uring.Metrics) error {
	conn, err := dial(cfg.X.Display, cfg.XOptions(logger, m))
	if err != nil {
		return err
	}
	defer conn.Close()

	mgr, err := wm.New(conn, logger, cfg.X.AuxInterval)
	if err != nil {
		return err
	}
	if err := mgr.Become(); err != nil {
		return err
	}
	return mgr.Run(ctx)
}

// dial connects to a display name, or to a socket path when name is one.
func dial(name string, opts []xconn.Option) (*xconn.Conn, error) {
	if fi, err := os.Stat(name); err == nil && fi.Mode()&os.ModeSocket != 0 {
		return xconn.DialSocket(name, opts...)
	}
	return xconn.Dial(name, opts...)
}
