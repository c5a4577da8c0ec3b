package xconn

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/MarcusGrass/pgwm-sub001/uring"
	"github.com/MarcusGrass/pgwm-sub001/x11"
)

// Dial connects to the local display named by display (or $DISPLAY), opens
// the telemetry files and builds a Ring around them. The returned Conn owns
// every descriptor and buffer it created.
func Dial(display string, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	d, err := x11.ParseDisplay(display)
	if err != nil {
		return nil, err
	}
	if opts.authName == "" && !opts.noAuth {
		name, data, err := x11.ReadAuthority(x11.AuthorityPath(), d.Number)
		if err != nil {
			opts.logger.Warn("connecting without authorization", "error", err)
		} else {
			opts.authName, opts.authData = name, data
		}
	}
	return dialSocket(d.Socket(), opts, opt)
}

// DialSocket connects to the X server listening on the unix socket at path,
// such as a capture proxy outside the display directory. No authority file
// is read; pass AuthOption when the server needs a cookie.
func DialSocket(path string, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return dialSocket(path, opts, opt)
}

func dialSocket(path string, opts options, opt []Option) (*Conn, error) {
	var fds []int
	cleanup := func() {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
	}

	sock, err := dialUnix(path)
	if err != nil {
		return nil, err
	}
	fds = append(fds, sock)

	for _, path := range opts.auxFiles {
		fd, err := openAux(path)
		if err != nil {
			cleanup()
			return nil, err
		}
		opts.logger.Debug("opened telemetry file", "path", path, "fd", fd)
		fds = append(fds, fd)
	}

	bufs, err := uring.NewBuffers(opts.auxSizes)
	if err != nil {
		cleanup()
		return nil, err
	}

	files := uring.Files{Socket: fds[0], CPU: fds[1], Mem: fds[2], Net: fds[3], Bat: fds[4]}
	ringOpts := append([]uring.Option{uring.LoggerOption(opts.logger)}, opts.ringOpts...)
	r, err := uring.New(files, bufs, ringOpts...)
	if err != nil {
		_ = bufs.Free()
		cleanup()
		return nil, err
	}
	opts.logger.Info("ring ready", "backend", r.Backend(), "socket", path)

	release := func() error {
		err := r.Close()
		if ferr := bufs.Free(); err == nil {
			err = ferr
		}
		cleanup()
		return err
	}

	c, err := New(r, append(opt, AuthOption(opts.authName, opts.authData))...)
	if err != nil {
		_ = release()
		return nil, err
	}
	c.closer = release
	c.interrupt = func() { _ = unix.Shutdown(sock, unix.SHUT_RDWR) }
	return c, nil
}

// dialUnix returns a blocking stream socket connected to path.
func dialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrapf(err, "connect %s", path)
	}
	return fd, nil
}

// openAux opens a telemetry file read-only, falling back to /dev/null when it
// does not exist so the registered file table stays complete.
func openAux(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err == nil {
		return fd, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return -1, errors.Wrapf(err, "open %s", path)
	}
	fd, err = unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "open null device")
	}
	return fd, nil
}
