// Package uring multiplexes the X server socket and the telemetry files over
// a completion queue. Callers submit reads and writes against pre-registered
// buffers and later poll for completions, there is no readiness polling.
//
// A Ring is owned by a single goroutine. Overlapping calls from another
// goroutine are rejected with ErrConcurrentUse.
package uring

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/MarcusGrass/pgwm-sub001/internal/fixed"
	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
)

// Errors returned by Ring operations.
var (
	// ErrInvalidRegistration is returned by New for a malformed file or buffer table.
	ErrInvalidRegistration = errors.New("invalid registration")
	// ErrSourceBusy is returned when submitting a read on a source that is not inactive.
	ErrSourceBusy = errors.New("source busy")
	// ErrNotReadable is returned when submitting a read on the write source.
	ErrNotReadable = errors.New("source is not readable")
	// ErrOutOfRange is returned for a write range outside the output buffer.
	ErrOutOfRange = errors.New("write range outside output buffer")
	// ErrQueueFull is returned when the submission queue or the write table is full.
	ErrQueueFull = errors.New("queue full")
	// ErrNothingPending is returned by Poll when no submission could complete.
	ErrNothingPending = errors.New("nothing submitted")
	// ErrInconsistent is returned when a completion does not match a submission.
	ErrInconsistent = errors.New("completion does not match a submission")
	// ErrConcurrentUse is returned when a Ring is entered from two goroutines.
	ErrConcurrentUse = errors.New("ring used concurrently")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ring closed")

	errUnsupported = errors.New("io_uring unsupported on this platform")
)

// CompletionError is a negative completion result. It is fatal for the Ring.
type CompletionError struct {
	Source Source
	Res    int32
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s completion failed: res=%d (%v)", e.Source, e.Res, e.Errno())
}

// Errno returns the errno carried by the result.
func (e *CompletionError) Errno() unix.Errno {
	return unix.Errno(-e.Res)
}

func (e *CompletionError) Unwrap() error {
	return e.Errno()
}

// inflightWrite is a write that has been submitted and not fully completed.
type inflightWrite struct {
	id  uint32
	off int
	n   int
}

// noCopy may be embedded into structs which must not be copied after first use.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Ring is the completion-based multiplexer.
type Ring struct {
	_ noCopy

	busy    atomic.Bool
	be      backend
	kind    Backend
	bufs    Buffers
	logger  logging.Logger
	metrics *Metrics

	states        [NumSources]State
	writes        *fixed.List[inflightWrite]
	nextWriteID   uint32
	pendingWrites int

	cqes   []completion
	err    error // sticky fatal error
	closed bool
}

// New registers files and bufs with a fresh completion queue. Registration
// happens once; the Ring owns both tables until Close.
func New(files Files, bufs Buffers, opt ...Option) (*Ring, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	if err := bufs.validate(); err != nil {
		return nil, err
	}
	table := files.table()
	for i, fd := range table {
		if fd < 0 {
			return nil, errors.Wrapf(ErrInvalidRegistration, "file %d is %d", i, fd)
		}
	}

	be, kind, err := newBackend(&opts)
	if err != nil {
		return nil, errors.Wrap(err, "create completion queue")
	}
	bufSlices := make([][]byte, NumSources)
	for i := range bufs {
		bufSlices[i] = bufs[i]
	}
	if err := be.register(table[:], bufSlices); err != nil {
		_ = be.close()
		return nil, errors.Wrap(err, "register files and buffers")
	}

	r := newRing(be, kind, bufs, &opts)
	r.logger.Debug("ring registered", "backend", kind,
		"entries", opts.entries,
		"write_slots", opts.writeSlots,
		"sqpoll_idle", opts.sqPollIdle)
	return r, nil
}

func newRing(be backend, kind Backend, bufs Buffers, opts *options) *Ring {
	return &Ring{
		be:      be,
		kind:    kind,
		bufs:    bufs,
		logger:  opts.logger,
		metrics: opts.metrics,
		writes:  fixed.New[inflightWrite](opts.writeSlots),
		cqes:    make([]completion, 0, opts.entries*2),
	}
}

// Backend returns the completion mechanism in use.
func (r *Ring) Backend() Backend {
	return r.kind
}

func (r *Ring) enter() error {
	if !r.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	if r.closed {
		r.busy.Store(false)
		return ErrClosed
	}
	if r.err != nil {
		r.busy.Store(false)
		return r.err
	}
	return nil
}

func (r *Ring) exit() {
	r.busy.Store(false)
}

// fail poisons the Ring. Every later call returns err.
func (r *Ring) fail(err error) error {
	r.err = err
	r.logger.Error("ring failed", "error", err)
	if r.metrics != nil {
		r.metrics.failures.Inc()
	}
	return err
}

// State returns the state of a read source.
func (r *Ring) State(src Source) State {
	if !src.valid() {
		return State{}
	}
	return r.states[src]
}

// PendingWrites returns the number of submitted writes not yet completed.
func (r *Ring) PendingWrites() int {
	return r.pendingWrites
}

// OutBuf returns the registered output buffer. Ranges of it are written with
// SubmitWrite; a range must not be modified until its write completes.
func (r *Ring) OutBuf() []byte {
	return r.bufs[SockOut]
}

// SubmitRead submits a read into src's registered buffer. The source must be
// inactive; otherwise ErrSourceBusy is returned and nothing changes.
func (r *Ring) SubmitRead(src Source) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.exit()

	if !src.valid() || src == SockOut {
		return errors.Wrapf(ErrNotReadable, "%s", src)
	}
	if st := r.states[src]; st.Kind != Inactive {
		return errors.Wrapf(ErrSourceBusy, "%s is %s", src, st)
	}

	err := r.be.push(op{
		kind: opRead,
		file: src.fileIndex(),
		buf:  int(src),
		n:    len(r.bufs[src]),
		seek: src.seekable(),
		tag:  uint64(src),
	})
	if err != nil {
		return err
	}
	r.states[src] = State{Kind: Pending}
	if r.metrics != nil {
		r.metrics.submissions.WithLabelValues(src.String()).Inc()
	}

	if err := r.be.flush(); err != nil {
		return r.fail(errors.Wrap(err, "flush read"))
	}
	return nil
}

// SubmitWrite submits a write of OutBuf()[off:off+n] to the socket. Several
// writes may be in flight at once.
func (r *Ring) SubmitWrite(off, n int) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.exit()

	if off < 0 || n <= 0 || off+n > len(r.bufs[SockOut]) {
		return errors.Wrapf(ErrOutOfRange, "[%d:%d]", off, off+n)
	}
	if r.writes.Full() {
		return errors.Wrapf(ErrQueueFull, "%d writes in flight", r.writes.Len())
	}

	w := inflightWrite{id: r.nextWriteID, off: off, n: n}
	if err := r.be.push(r.writeOp(w)); err != nil {
		return err
	}
	r.nextWriteID++
	_ = r.writes.Push(w)
	r.pendingWrites++
	if r.metrics != nil {
		r.metrics.submissions.WithLabelValues(SockOut.String()).Inc()
		r.metrics.pendingWrites.Set(float64(r.pendingWrites))
	}

	if err := r.be.flush(); err != nil {
		return r.fail(errors.Wrap(err, "flush write"))
	}
	return nil
}

func (r *Ring) writeOp(w inflightWrite) op {
	return op{
		kind: opWrite,
		file: SockOut.fileIndex(),
		buf:  int(SockOut),
		off:  w.off,
		n:    w.n,
		tag:  uint64(w.id)<<8 | uint64(SockOut),
	}
}

// Poll blocks until a read completes and returns its source. Every completion
// available is processed: reads become Ready, writes are accounted. Write
// completions alone never end the wait.
func (r *Ring) Poll() (Source, error) {
	if err := r.enter(); err != nil {
		return 0, err
	}
	defer r.exit()

	for {
		if !r.readPending() && r.pendingWrites == 0 {
			return 0, ErrNothingPending
		}
		first, err := r.drain()
		if err != nil {
			return 0, err
		}
		if first >= 0 {
			return Source(first), nil
		}
	}
}

// AwaitWrites blocks until every submitted write has completed. Read
// completions observed meanwhile update their sources.
func (r *Ring) AwaitWrites() error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.exit()

	for r.pendingWrites > 0 {
		if _, err := r.drain(); err != nil {
			return err
		}
	}
	return nil
}

// TakeReady returns the bytes of a Ready source and resets it to Inactive.
// The slice aliases the registered buffer and is valid until the next
// SubmitRead on src.
func (r *Ring) TakeReady(src Source) ([]byte, bool) {
	if err := r.enter(); err != nil {
		return nil, false
	}
	defer r.exit()

	if !src.valid() || r.states[src].Kind != Ready {
		return nil, false
	}
	n := r.states[src].N
	r.states[src] = State{}
	return r.bufs[src][:n], true
}

func (r *Ring) readPending() bool {
	for i, st := range r.states {
		if Source(i) != SockOut && st.Kind == Pending {
			return true
		}
	}
	return false
}

// drain waits for completions and processes all of them. It returns the first
// read source observed, or -1.
func (r *Ring) drain() (int, error) {
	cqes, err := r.be.wait(r.cqes[:0])
	if err != nil {
		return -1, r.fail(errors.Wrap(err, "wait for completions"))
	}
	r.cqes = cqes[:0]

	first := -1
	for _, c := range cqes {
		src, err := r.complete(c)
		if err != nil {
			return -1, r.fail(err)
		}
		if src != SockOut && first < 0 {
			first = int(src)
		}
	}
	return first, nil
}

func (r *Ring) complete(c completion) (Source, error) {
	src := Source(c.tag & 0xff)
	if !src.valid() {
		return 0, errors.Wrapf(ErrInconsistent, "tag %#x", c.tag)
	}
	if r.metrics != nil {
		r.metrics.completions.WithLabelValues(src.String()).Inc()
	}
	if c.res < 0 {
		return src, &CompletionError{Source: src, Res: c.res}
	}

	if src == SockOut {
		return src, r.completeWrite(uint32(c.tag>>8), int(c.res))
	}

	if st := r.states[src]; st.Kind != Pending {
		return src, errors.Wrapf(ErrInconsistent, "%s completed while %s", src, st)
	}
	r.states[src] = State{Kind: Ready, N: int(c.res)}
	return src, nil
}

func (r *Ring) completeWrite(id uint32, n int) error {
	i := r.writes.Find(func(w inflightWrite) bool { return w.id == id })
	if i < 0 {
		return errors.Wrapf(ErrInconsistent, "unknown write %d", id)
	}
	w := r.writes.At(i)
	if n == 0 {
		return errors.Wrapf(unix.EPIPE, "write %d made no progress", id)
	}
	if n < w.n {
		// Stream sockets may accept part of a write; resubmit the rest
		// under the same id without touching the counter.
		r.writes.Remove(i)
		w.off += n
		w.n -= n
		_ = r.writes.Push(w)
		r.logger.Debug("short write resubmitted", "id", id, "remaining", w.n)
		if err := r.be.push(r.writeOp(w)); err != nil {
			return err
		}
		return r.be.flush()
	}

	r.writes.Remove(i)
	r.pendingWrites--
	if r.metrics != nil {
		r.metrics.pendingWrites.Set(float64(r.pendingWrites))
	}
	return nil
}

// Close releases the completion queue. Registered buffers and files remain
// owned by the caller.
func (r *Ring) Close() error {
	if !r.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	defer r.exit()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.pendingWrites > 0 || r.readPending() {
		r.logger.Warn("closing ring with operations in flight",
			"pending_writes", r.pendingWrites)
	}
	return r.be.close()
}
