package uring

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SockBufSize is the required size of both socket buffers.
const SockBufSize = 65536

// Files are the descriptors registered with a Ring, in positional order.
type Files struct {
	Socket int
	CPU    int
	Mem    int
	Net    int
	Bat    int
}

func (f Files) table() [NumFiles]int {
	return [NumFiles]int{f.Socket, f.CPU, f.Mem, f.Net, f.Bat}
}

// Buffers are the fixed buffers registered with a Ring, indexed by Source.
type Buffers [NumSources][]byte

// NewBuffers maps the six buffers outside the Go heap: two socket buffers of
// SockBufSize bytes and one buffer per telemetry source sized by aux, in
// CPU, Mem, Net, Bat order.
func NewBuffers(aux [4]int) (Buffers, error) {
	var bufs Buffers
	sizes := [NumSources]int{SockBufSize, SockBufSize, aux[0], aux[1], aux[2], aux[3]}
	for i, size := range sizes {
		if size <= 0 {
			bufs.Free()
			return Buffers{}, errors.Wrapf(ErrInvalidRegistration, "%s buffer size %d", Source(i), size)
		}
		b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			bufs.Free()
			return Buffers{}, errors.Wrapf(err, "map %s buffer", Source(i))
		}
		bufs[i] = b
	}
	return bufs, nil
}

// Free unmaps buffers obtained from NewBuffers. It must not be called while a
// Ring still references them.
func (b *Buffers) Free() error {
	var first error
	for i, buf := range b {
		if buf == nil {
			continue
		}
		if err := unix.Munmap(buf); err != nil && first == nil {
			first = err
		}
		b[i] = nil
	}
	return first
}

func (b *Buffers) validate() error {
	for i, buf := range b {
		src := Source(i)
		switch {
		case src <= SockOut && len(buf) != SockBufSize:
			return errors.Wrapf(ErrInvalidRegistration, "%s buffer is %d bytes, want %d", src, len(buf), SockBufSize)
		case len(buf) == 0:
			return errors.Wrapf(ErrInvalidRegistration, "%s buffer is empty", src)
		}
	}
	return nil
}
