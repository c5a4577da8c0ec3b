package uring

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type opKind uint8

const (
	opRead opKind = iota
	opWrite
)

// op is one submission against a registered file and buffer.
type op struct {
	kind opKind
	file int    // index into the registered file table
	buf  int    // index into the registered buffer table
	off  int    // offset inside the registered buffer
	n    int    // byte count
	seek bool   // read from file offset zero instead of the current position
	tag  uint64 // user data carried back on completion
}

// completion is a drained completion queue entry. Negative res is a negated
// errno.
type completion struct {
	tag uint64
	res int32
}

// backend is the completion mechanism behind a Ring. It is only called from
// the goroutine that owns the Ring.
type backend interface {
	// register installs the file and buffer tables. It is called once.
	register(files []int, bufs [][]byte) error
	// push queues an op locally. It returns ErrQueueFull when the submission
	// queue has no free entry.
	push(o op) error
	// flush dispatches every queued op.
	flush() error
	// wait blocks until at least one completion is available and appends
	// every available completion to dst.
	wait(dst []completion) ([]completion, error)
	close() error
}

func newBackend(opts *options) (backend, Backend, error) {
	switch opts.backend {
	case Uring:
		be, err := newUringBackend(opts.entries, opts.sqPollIdle)
		return be, Uring, err
	case Loop:
		return newLoopBackend(opts.entries), Loop, nil
	}

	be, err := newUringBackend(opts.entries, opts.sqPollIdle)
	if err == nil {
		return be, Uring, nil
	}
	if !fallbackAllowed(err) {
		return nil, Auto, err
	}
	opts.logger.Warn("io_uring unavailable, using loop backend", "error", err)
	return newLoopBackend(opts.entries), Loop, nil
}

// fallbackAllowed reports whether a setup error means the kernel (or a
// sandbox) refuses io_uring as a whole.
func fallbackAllowed(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return errors.Is(err, errUnsupported)
	}
	switch errno {
	case unix.ENOSYS, unix.EPERM, unix.EACCES, unix.EINVAL:
		return true
	}
	return false
}
