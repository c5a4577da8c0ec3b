package replay

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
)

// Errors returned by the Harness.
var (
	// ErrNoTarget is returned when no target command is configured.
	ErrNoTarget = errors.New("no target command")
	// ErrBuildFailed is returned when the build command fails.
	ErrBuildFailed = errors.New("build failed")
	// ErrTargetFailed is returned when the target exits unsuccessfully.
	ErrTargetFailed = errors.New("target failed")
)

// Harness replays a plan against a spawned target process. The target
// connects to a unix socket that is bound before it starts.
type Harness struct {
	logger    logging.Logger
	opts      options
	driver    *Driver
	transport TransportFunc
}

// NewHarness returns a Harness configured by opt. TargetOption is required.
func NewHarness(transport TransportFunc, opt ...Option) (*Harness, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	if strings.TrimSpace(opts.target) == "" {
		return nil, ErrNoTarget
	}
	if transport == nil {
		transport = NetTransport
	}
	return &Harness{
		logger:    opts.logger,
		opts:      opts,
		driver:    NewDriver(opt...),
		transport: transport,
	}, nil
}

// Run builds the target if configured, binds the listening socket, spawns
// the target and replays plan over the first connection it makes. It returns
// after both the replay and the target have finished.
func (h *Harness) Run(ctx context.Context, plan Plan) (startup, steady Result, err error) {
	if h.opts.build != "" {
		if err := h.build(ctx); err != nil {
			return startup, steady, err
		}
	}

	dir, err := os.MkdirTemp("", "pgwm-replay")
	if err != nil {
		return startup, steady, errors.Wrap(err, "create socket directory")
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "replay.sock")

	ln, err := net.Listen("unix", sock)
	if err != nil {
		return startup, steady, errors.Wrap(err, "listen")
	}
	var closeOnce sync.Once
	closeListener := func() { closeOnce.Do(func() { _ = ln.Close() }) }
	defer closeListener()
	h.logger.Debug("listening", "socket", sock)

	group, child := errgroup.WithContext(ctx)
	stop := context.AfterFunc(child, closeListener)
	defer stop()

	cmd, err := h.command(child, h.opts.target, sock)
	if err != nil {
		return startup, steady, err
	}
	if err := cmd.Start(); err != nil {
		return startup, steady, errors.Wrap(err, "start target")
	}
	h.logger.Info("target started", "pid", cmd.Process.Pid, "socket", sock)

	group.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "accept target connection")
		}
		closeListener()

		t, err := h.transport(conn)
		if err != nil {
			conn.Close()
			return err
		}
		defer t.Close()
		stop := context.AfterFunc(child, t.Interrupt)
		defer stop()

		startup, steady, err = h.driver.RunPlan(child, plan, t)
		return err
	})

	group.Go(func() error {
		err := cmd.Wait()
		// A target that exits without connecting must not leave Accept blocked.
		closeListener()
		if err != nil {
			return errors.Wrapf(ErrTargetFailed, "%v", err)
		}
		h.logger.Debug("target exited")
		return nil
	})

	err = group.Wait()
	return startup, steady, err
}

func (h *Harness) build(ctx context.Context) error {
	cmd, err := h.command(ctx, h.opts.build, "")
	if err != nil {
		return err
	}
	h.logger.Info("building target", "command", h.opts.build)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(ErrBuildFailed, "%v", err)
	}
	return nil
}

func (h *Harness) command(ctx context.Context, cmdline, sock string) (*exec.Cmd, error) {
	args, err := shellwords.Parse(cmdline)
	if err != nil {
		return nil, errors.Wrapf(err, "parse command %q", cmdline)
	}
	if len(args) == 0 {
		return nil, errors.Errorf("empty command %q", cmdline)
	}
	if sock != "" {
		for i, a := range args {
			args[i] = strings.ReplaceAll(a, SocketPlaceholder, sock)
		}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = h.opts.dir
	cmd.Env = append(os.Environ(), h.opts.env...)
	if sock != "" {
		cmd.Env = append(cmd.Env, SocketEnv+"="+sock)
	}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// Mirror connects to the socket at path and performs the peer side of plan:
// it reads what the client writes and writes what the server sent. It stands
// in for a real target when measuring the harness itself.
func Mirror(ctx context.Context, path string, plan Plan, transport TransportFunc, opt ...Option) (startup, steady Result, err error) {
	if transport == nil {
		transport = NetTransport
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return startup, steady, errors.Wrap(err, "dial replay socket")
	}
	t, err := transport(conn)
	if err != nil {
		conn.Close()
		return startup, steady, err
	}
	defer t.Close()
	stop := context.AfterFunc(ctx, t.Interrupt)
	defer stop()

	return NewDriver(opt...).RunPlan(ctx, plan.Invert(), t)
}
