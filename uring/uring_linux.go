//go:build linux

package uring

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// io_uring ABI constants from include/uapi/linux/io_uring.h.
const (
	opReadFixed  = 4
	opWriteFixed = 5

	sqeFixedFile = 1 << 0

	setupSQPoll = 1 << 1

	featSingleMmap = 1 << 0

	enterGetEvents = 1 << 0
	enterSQWakeup  = 1 << 1

	sqNeedWakeup = 1 << 0

	registerBuffers = 0
	registerFiles   = 2

	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000
)

type sqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqringOffsets
	cqOff        cqringOffsets
}

type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	_           uint64
}

type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// uringBackend drives a kernel io_uring instance through its shared rings.
type uringBackend struct {
	fd     int
	p      params
	sqpoll bool

	sqRing []byte
	cqRing []byte
	sqeMem []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqFlags *uint32
	sqArray unsafe.Pointer
	sqes    unsafe.Pointer

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   unsafe.Pointer

	tail      uint32 // local submission tail, published on flush
	submitted uint32 // tail value last handed to the kernel
	bufs      [][]byte
}

func newUringBackend(entries uint32, sqPollIdle time.Duration) (*uringBackend, error) {
	b := &uringBackend{}
	if sqPollIdle > 0 {
		b.p.flags |= setupSQPoll
		b.p.sqThreadIdle = uint32(sqPollIdle / time.Millisecond)
		b.sqpoll = true
	}

	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&b.p)), 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "io_uring_setup")
	}
	b.fd = int(fd)

	if err := b.mapRings(); err != nil {
		_ = b.close()
		return nil, err
	}
	return b, nil
}

func (b *uringBackend) mapRings() error {
	sqSize := int(b.p.sqOff.array + b.p.sqEntries*4)
	cqSize := int(b.p.cqOff.cqes + b.p.cqEntries*uint32(unsafe.Sizeof(cqe{})))
	single := b.p.features&featSingleMmap != 0
	if single && cqSize > sqSize {
		sqSize = cqSize
	}

	var err error
	b.sqRing, err = unix.Mmap(b.fd, offSQRing, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return errors.Wrap(err, "map submission ring")
	}
	if single {
		b.cqRing = b.sqRing
	} else {
		b.cqRing, err = unix.Mmap(b.fd, offCQRing, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return errors.Wrap(err, "map completion ring")
		}
	}
	b.sqeMem, err = unix.Mmap(b.fd, offSQEs, int(b.p.sqEntries)*int(unsafe.Sizeof(sqe{})), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return errors.Wrap(err, "map submission entries")
	}

	b.sqHead = (*uint32)(unsafe.Pointer(&b.sqRing[b.p.sqOff.head]))
	b.sqTail = (*uint32)(unsafe.Pointer(&b.sqRing[b.p.sqOff.tail]))
	b.sqMask = *(*uint32)(unsafe.Pointer(&b.sqRing[b.p.sqOff.ringMask]))
	b.sqFlags = (*uint32)(unsafe.Pointer(&b.sqRing[b.p.sqOff.flags]))
	b.sqArray = unsafe.Pointer(&b.sqRing[b.p.sqOff.array])
	b.sqes = unsafe.Pointer(&b.sqeMem[0])

	b.cqHead = (*uint32)(unsafe.Pointer(&b.cqRing[b.p.cqOff.head]))
	b.cqTail = (*uint32)(unsafe.Pointer(&b.cqRing[b.p.cqOff.tail]))
	b.cqMask = *(*uint32)(unsafe.Pointer(&b.cqRing[b.p.cqOff.ringMask]))
	b.cqes = unsafe.Pointer(&b.cqRing[b.p.cqOff.cqes])

	b.tail = atomic.LoadUint32(b.sqTail)
	b.submitted = b.tail
	return nil
}

func (b *uringBackend) register(files []int, bufs [][]byte) error {
	iovs := make([]unix.Iovec, len(bufs))
	for i, buf := range bufs {
		iovs[i].Base = &buf[0]
		iovs[i].SetLen(len(buf))
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(b.fd), registerBuffers,
		uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)), 0, 0)
	if errno != 0 {
		return errors.Wrap(errno, "register buffers")
	}

	fds := make([]int32, len(files))
	for i, fd := range files {
		fds[i] = int32(fd)
	}
	_, _, errno = unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(b.fd), registerFiles,
		uintptr(unsafe.Pointer(&fds[0])), uintptr(len(fds)), 0, 0)
	if errno != 0 {
		return errors.Wrap(errno, "register files")
	}

	b.bufs = bufs
	return nil
}

func (b *uringBackend) push(o op) error {
	head := atomic.LoadUint32(b.sqHead)
	if b.tail-head >= b.p.sqEntries {
		return ErrQueueFull
	}

	idx := b.tail & b.sqMask
	e := (*sqe)(unsafe.Add(b.sqes, uintptr(idx)*unsafe.Sizeof(sqe{})))
	*e = sqe{
		fd:       int32(o.file),
		flags:    sqeFixedFile,
		addr:     uint64(uintptr(unsafe.Pointer(&b.bufs[o.buf][o.off]))),
		len:      uint32(o.n),
		userData: o.tag,
		bufIndex: uint16(o.buf),
	}
	if o.kind == opWrite {
		e.opcode = opWriteFixed
	} else {
		e.opcode = opReadFixed
	}
	if !o.seek {
		// Current position; sockets have none.
		e.off = ^uint64(0)
	}
	*(*uint32)(unsafe.Add(b.sqArray, uintptr(idx)*4)) = idx
	b.tail++
	return nil
}

func (b *uringBackend) flush() error {
	atomic.StoreUint32(b.sqTail, b.tail)

	if b.sqpoll {
		b.submitted = b.tail
		if atomic.LoadUint32(b.sqFlags)&sqNeedWakeup != 0 {
			_, err := b.enter(0, 0, enterSQWakeup)
			return err
		}
		return nil
	}

	for b.submitted != b.tail {
		n, err := b.enter(b.tail-b.submitted, 0, 0)
		if err != nil {
			return err
		}
		b.submitted += n
	}
	return nil
}

func (b *uringBackend) wait(dst []completion) ([]completion, error) {
	for {
		head := atomic.LoadUint32(b.cqHead)
		tail := atomic.LoadUint32(b.cqTail)
		if head != tail {
			for ; head != tail; head++ {
				c := (*cqe)(unsafe.Add(b.cqes, uintptr(head&b.cqMask)*unsafe.Sizeof(cqe{})))
				dst = append(dst, completion{tag: c.userData, res: c.res})
			}
			atomic.StoreUint32(b.cqHead, head)
			return dst, nil
		}

		flags := uint32(enterGetEvents)
		if b.sqpoll && atomic.LoadUint32(b.sqFlags)&sqNeedWakeup != 0 {
			flags |= enterSQWakeup
		}
		if _, err := b.enter(0, 1, flags); err != nil {
			return dst, err
		}
	}
}

// enter calls io_uring_enter, retrying on EINTR.
func (b *uringBackend) enter(toSubmit, minComplete, flags uint32) (uint32, error) {
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(b.fd),
			uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
		switch errno {
		case 0:
			return uint32(n), nil
		case unix.EINTR:
			continue
		default:
			return 0, errors.Wrap(errno, "io_uring_enter")
		}
	}
}

func (b *uringBackend) close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if b.sqeMem != nil {
		keep(unix.Munmap(b.sqeMem))
	}
	if b.cqRing != nil && (b.sqRing == nil || &b.cqRing[0] != &b.sqRing[0]) {
		keep(unix.Munmap(b.cqRing))
	}
	if b.sqRing != nil {
		keep(unix.Munmap(b.sqRing))
	}
	b.sqeMem, b.cqRing, b.sqRing = nil, nil, nil
	if b.fd > 0 {
		keep(unix.Close(b.fd))
		b.fd = -1
	}
	return first
}
