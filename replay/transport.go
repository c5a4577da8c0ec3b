package replay

import (
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/MarcusGrass/pgwm-sub001/uring"
)

// Transport is the byte stream an op list runs over.
type Transport interface {
	io.ReadWriter
	// Interrupt unblocks a pending read or write. It may be called from any
	// goroutine.
	Interrupt()
	Close() error
}

// TransportFunc wraps an established connection.
type TransportFunc func(conn net.Conn) (Transport, error)

type netTransport struct {
	net.Conn
}

func (t netTransport) Interrupt() {
	_ = t.Conn.Close()
}

// NetTransport runs ops directly over the connection.
func NetTransport(conn net.Conn) (Transport, error) {
	return netTransport{Conn: conn}, nil
}

type ringTransport struct {
	*uring.Stream
	ring *uring.Ring
	bufs uring.Buffers
	fd   int
	null int
	conn net.Conn
}

func (t *ringTransport) Interrupt() {
	_ = unix.Shutdown(t.fd, unix.SHUT_RDWR)
}

func (t *ringTransport) Close() error {
	t.Interrupt()
	err := t.ring.Close()
	if ferr := t.bufs.Free(); err == nil {
		err = ferr
	}
	_ = unix.Close(t.fd)
	_ = unix.Close(t.null)
	if cerr := t.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// RingTransport runs ops through a uring.Ring registered on a duplicate of
// the connection's descriptor. The telemetry slots are filled with the null
// device and never read.
func RingTransport(opts ...uring.Option) TransportFunc {
	return func(conn net.Conn) (Transport, error) {
		fc, ok := conn.(interface{ File() (*os.File, error) })
		if !ok {
			return nil, errors.Errorf("%T has no file descriptor", conn)
		}
		f, err := fc.File()
		if err != nil {
			return nil, errors.Wrap(err, "duplicate connection descriptor")
		}
		fd, err := unix.Dup(int(f.Fd()))
		f.Close()
		if err != nil {
			return nil, errors.Wrap(err, "duplicate connection descriptor")
		}
		if err := unix.SetNonblock(fd, false); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "set blocking")
		}

		null, err := unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "open null device")
		}
		bufs, err := uring.NewBuffers([4]int{1, 1, 1, 1})
		if err != nil {
			unix.Close(fd)
			unix.Close(null)
			return nil, err
		}
		files := uring.Files{Socket: fd, CPU: null, Mem: null, Net: null, Bat: null}
		r, err := uring.New(files, bufs, opts...)
		if err != nil {
			_ = bufs.Free()
			unix.Close(fd)
			unix.Close(null)
			return nil, err
		}

		return &ringTransport{
			Stream: uring.NewStream(r),
			ring:   r,
			bufs:   bufs,
			fd:     fd,
			null:   null,
			conn:   conn,
		}, nil
	}
}
