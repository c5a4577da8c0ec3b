package uring

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// loopBackend performs every submission on its own goroutine. Completions
// arrive in whatever order the operations finish, like a real completion queue.
type loopBackend struct {
	entries  int
	files    []int
	bufs     [][]byte
	queued   []op
	inflight int
	done     chan completion
	closed   bool
}

func newLoopBackend(entries uint32) *loopBackend {
	return &loopBackend{
		entries: int(entries),
		queued:  make([]op, 0, entries),
		done:    make(chan completion, entries),
	}
}

func (b *loopBackend) register(files []int, bufs [][]byte) error {
	b.files = files
	b.bufs = bufs
	return nil
}

func (b *loopBackend) push(o op) error {
	if len(b.queued)+b.inflight >= b.entries {
		return ErrQueueFull
	}
	b.queued = append(b.queued, o)
	return nil
}

func (b *loopBackend) flush() error {
	if b.closed {
		return ErrClosed
	}
	for _, o := range b.queued {
		b.inflight++
		go b.run(o)
	}
	b.queued = b.queued[:0]
	return nil
}

func (b *loopBackend) run(o op) {
	fd := b.files[o.file]
	p := b.bufs[o.buf][o.off : o.off+o.n]

	var (
		n   int
		err error
	)
	for {
		switch {
		case o.kind == opWrite:
			n, err = unix.Write(fd, p)
		case o.seek:
			n, err = unix.Pread(fd, p, 0)
		default:
			n, err = unix.Read(fd, p)
		}
		if err != unix.EINTR {
			break
		}
	}

	res := int32(n)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			res = -int32(errno)
		} else {
			res = -int32(unix.EIO)
		}
	}
	b.done <- completion{tag: o.tag, res: res}
}

func (b *loopBackend) wait(dst []completion) ([]completion, error) {
	if b.inflight == 0 {
		return dst, ErrNothingPending
	}
	dst = append(dst, <-b.done)
	b.inflight--
	for {
		select {
		case c := <-b.done:
			dst = append(dst, c)
			b.inflight--
		default:
			return dst, nil
		}
	}
}

func (b *loopBackend) close() error {
	b.closed = true
	return nil
}
