// Command pgwm-replay measures a window manager against a captured session.
//
// The run command binds a fresh unix socket, spawns the target on it and
// plays the recorded client side of the session to whatever connects,
// reporting the latency of every request/response round trip. The mirror
// command is a target that plays the recorded server side back, so the
// harness and transport can be measured on their own:
//
//	pgwm-replay run --session s.bin --checkpoint 652 \
//	    --target 'pgwm-replay mirror --session s.bin --checkpoint 652'
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/MarcusGrass/pgwm-sub001/config"
	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
	"github.com/MarcusGrass/pgwm-sub001/replay"
	"github.com/MarcusGrass/pgwm-sub001/uring"
)

var (
	configPath = kingpin.Flag("config", "YAML configuration file").
			Short('c').
			String()
	logLevel = kingpin.Flag("log-level", "Log level (debug, info, warn, error)").
			String()
	cpuProfile = kingpin.Flag("profile", "Write a CPU profile to the working directory").
			Bool()
	session = kingpin.Flag("session", "Captured session file").
		String()
	checkpoint = kingpin.Flag("checkpoint", "Client message count that ends the startup phase").
			Default("-1").
			Int()
	transport = kingpin.Flag("transport", "Replay transport (net, ring)").
			String()
	backend = kingpin.Flag("backend", "Ring backend (auto, uring, loop)").
		String()

	runCmd      = kingpin.Command("run", "Replay a session against a target").Default()
	target      = runCmd.Flag("target", "Target command line, {socket} is the replay socket").String()
	build       = runCmd.Flag("build", "Command line run before the target").String()
	format      = runCmd.Flag("format", "Report format (text, json, yaml)").String()
	output      = runCmd.Flag("output", "Report file, stdout if empty").Short('o').String()
	metricsAddr = runCmd.Flag("metrics-addr", "Serve Prometheus metrics on this address").String()

	mirrorCmd    = kingpin.Command("mirror", "Play the server side of a session to a replay socket")
	mirrorSocket = mirrorCmd.Flag("socket", "Replay socket to connect to").
			Envar(replay.SocketEnv).
			Required().
			String()
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cmd := kingpin.Parse()

	cfg, err := loadConfig()
	if err != nil {
		logging.Default().Error("configuration", "error", err)
		return 2
	}
	logger := logging.New(os.Stderr, cfg.Log.Level)

	if *cpuProfile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case runCmd.FullCommand():
		err = run(ctx, cfg, logger)
	case mirrorCmd.FullCommand():
		err = mirror(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error(cmd+" failed", "error", err)
		return 1
	}
	return 0
}

// loadConfig reads the configuration file and applies the flags given on
// the command line over it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Log.Level, *logLevel)
	set(&cfg.Replay.Session, *session)
	set(&cfg.Replay.Transport, *transport)
	set(&cfg.Ring.Backend, *backend)
	set(&cfg.Replay.Target, *target)
	set(&cfg.Replay.Build, *build)
	set(&cfg.Replay.Format, *format)
	set(&cfg.Replay.MetricsAddr, *metricsAddr)
	if *checkpoint >= 0 {
		cfg.Replay.Checkpoint = *checkpoint
	}

	if cfg.Replay.Session == "" {
		return cfg, errors.Wrap(config.ErrInvalid, "no session file")
	}
	return cfg, cfg.Validate()
}

func loadPlan(cfg config.Config, logger logging.Logger) (replay.Plan, error) {
	msgs, err := replay.Load(cfg.Replay.Session)
	if err != nil {
		return replay.Plan{}, err
	}
	plan, err := replay.NewPlan(msgs, cfg.Replay.Checkpoint)
	if err != nil {
		return plan, err
	}
	logger.Info("session loaded",
		"session", cfg.Replay.Session,
		"messages", len(msgs),
		"startup_ops", len(plan.Startup),
		"steady_ops", len(plan.Steady),
	)
	return plan, nil
}

func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	plan, err := loadPlan(cfg, logger)
	if err != nil {
		return err
	}

	var (
		rm *replay.Metrics
		um *uring.Metrics
	)
	if cfg.Replay.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if rm, err = replay.NewMetrics(reg); err != nil {
			return err
		}
		if um, err = uring.NewMetrics(reg); err != nil {
			return err
		}
		srv := &http.Server{
			Addr:    cfg.Replay.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.Replay.MetricsAddr)
	}

	h, err := replay.NewHarness(cfg.Transport(logger, um), cfg.ReplayOptions(logger, rm)...)
	if err != nil {
		return err
	}
	startup, steady, err := h.Run(ctx, plan)
	if err != nil {
		return err
	}

	report, err := replay.NewReport(cfg.Replay.Session, cfg.Replay.Checkpoint, startup, steady)
	if err != nil {
		return err
	}

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return errors.Wrap(err, "create report")
		}
		defer f.Close()
		out = f
	}
	return report.Render(out, cfg.Replay.Format)
}

func mirror(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	plan, err := loadPlan(cfg, logger)
	if err != nil {
		return err
	}

	startup, steady, err := replay.Mirror(ctx, *mirrorSocket, plan, cfg.Transport(logger, nil),
		replay.LoggerOption(logger))
	if err != nil {
		return err
	}
	logger.Info("mirror done",
		"startup_duration", startup.Duration,
		"steady_duration", steady.Duration,
		"bytes_in", startup.BytesIn+steady.BytesIn,
		"bytes_out", startup.BytesOut+steady.BytesOut,
	)
	return nil
}
