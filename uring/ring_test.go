package uring

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// scriptedBackend hands out completions prepared by the test.
type scriptedBackend struct {
	pushed  []op
	flushes int
	script  [][]completion
	full    bool
}

func (b *scriptedBackend) register(files []int, bufs [][]byte) error { return nil }

func (b *scriptedBackend) push(o op) error {
	if b.full {
		return ErrQueueFull
	}
	b.pushed = append(b.pushed, o)
	return nil
}

func (b *scriptedBackend) flush() error {
	b.flushes++
	return nil
}

func (b *scriptedBackend) wait(dst []completion) ([]completion, error) {
	if len(b.script) == 0 {
		return dst, errors.New("script exhausted")
	}
	dst = append(dst, b.script[0]...)
	b.script = b.script[1:]
	return dst, nil
}

func (b *scriptedBackend) close() error { return nil }

func testBuffers() Buffers {
	return Buffers{
		make([]byte, SockBufSize),
		make([]byte, SockBufSize),
		make([]byte, 64),
		make([]byte, 64),
		make([]byte, 64),
		make([]byte, 64),
	}
}

func newScriptedRing(t *testing.T, opt ...Option) (*Ring, *scriptedBackend) {
	t.Helper()

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	be := &scriptedBackend{}
	return newRing(be, Loop, testBuffers(), &opts), be
}

func writeTag(id uint32) uint64 {
	return uint64(id)<<8 | uint64(SockOut)
}

func TestSubmitRead_RejectsWhilePendingOrReady(t *testing.T) {
	r, be := newScriptedRing(t)

	if err := r.SubmitRead(SockIn); err != nil {
		t.Fatalf("SubmitRead failed: %v", err)
	}
	if be.flushes != 1 {
		t.Errorf("flushes = %d, want 1", be.flushes)
	}

	err := r.SubmitRead(SockIn)
	if !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("expected ErrSourceBusy, got %v", err)
	}
	if st := r.State(SockIn); st.Kind != Pending {
		t.Errorf("state = %s, want pending", st)
	}
	if len(be.pushed) != 1 {
		t.Errorf("pushed = %d, want 1", len(be.pushed))
	}

	be.script = [][]completion{{{tag: uint64(SockIn), res: 7}}}
	src, err := r.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if src != SockIn {
		t.Errorf("Poll = %s, want sock-in", src)
	}

	err = r.SubmitRead(SockIn)
	if !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("expected ErrSourceBusy while ready, got %v", err)
	}
	if st := r.State(SockIn); st.Kind != Ready || st.N != 7 {
		t.Errorf("state = %s, want ready(7)", st)
	}

	b, ok := r.TakeReady(SockIn)
	if !ok || len(b) != 7 {
		t.Fatalf("TakeReady = %d bytes, %v", len(b), ok)
	}
	if st := r.State(SockIn); st.Kind != Inactive {
		t.Errorf("state = %s, want inactive", st)
	}
	if _, ok := r.TakeReady(SockIn); ok {
		t.Error("second TakeReady should report nothing")
	}
	if err := r.SubmitRead(SockIn); err != nil {
		t.Errorf("SubmitRead after TakeReady failed: %v", err)
	}
}

func TestSubmitRead_WriteSourceNotReadable(t *testing.T) {
	r, _ := newScriptedRing(t)

	if err := r.SubmitRead(SockOut); !errors.Is(err, ErrNotReadable) {
		t.Errorf("expected ErrNotReadable, got %v", err)
	}
	if err := r.SubmitRead(Source(42)); !errors.Is(err, ErrNotReadable) {
		t.Errorf("expected ErrNotReadable, got %v", err)
	}
}

func TestSubmitRead_QueueFullKeepsInactive(t *testing.T) {
	r, be := newScriptedRing(t)
	be.full = true

	if err := r.SubmitRead(CPU); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if st := r.State(CPU); st.Kind != Inactive {
		t.Errorf("state = %s, want inactive", st)
	}
}

func TestSubmitRead_TelemetryOp(t *testing.T) {
	r, be := newScriptedRing(t)

	if err := r.SubmitRead(Net); err != nil {
		t.Fatalf("SubmitRead failed: %v", err)
	}
	o := be.pushed[0]
	if o.kind != opRead || o.file != 3 || o.buf != int(Net) || !o.seek || o.n != 64 {
		t.Errorf("unexpected op: %+v", o)
	}
	if o.tag != uint64(Net) {
		t.Errorf("tag = %d, want %d", o.tag, Net)
	}
}

func TestSubmitWrite_CounterReachesZero(t *testing.T) {
	r, be := newScriptedRing(t)

	for i := 0; i < 4; i++ {
		if err := r.SubmitWrite(i*10, 10); err != nil {
			t.Fatalf("SubmitWrite %d failed: %v", i, err)
		}
	}
	if r.PendingWrites() != 4 {
		t.Fatalf("PendingWrites = %d, want 4", r.PendingWrites())
	}

	be.script = [][]completion{
		{{tag: writeTag(1), res: 10}, {tag: writeTag(0), res: 10}},
		{{tag: writeTag(3), res: 10}},
		{{tag: writeTag(2), res: 10}},
	}
	if err := r.AwaitWrites(); err != nil {
		t.Fatalf("AwaitWrites failed: %v", err)
	}
	if r.PendingWrites() != 0 {
		t.Errorf("PendingWrites = %d, want 0", r.PendingWrites())
	}

	// Nothing is scripted: a second wait would fail.
	if err := r.AwaitWrites(); err != nil {
		t.Errorf("AwaitWrites should return immediately, got %v", err)
	}
}

func TestSubmitWrite_OutOfRange(t *testing.T) {
	r, _ := newScriptedRing(t)

	for _, rng := range [][2]int{{-1, 4}, {0, 0}, {SockBufSize - 2, 4}} {
		if err := r.SubmitWrite(rng[0], rng[1]); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("SubmitWrite(%d, %d): expected ErrOutOfRange, got %v", rng[0], rng[1], err)
		}
	}
	if r.PendingWrites() != 0 {
		t.Errorf("PendingWrites = %d, want 0", r.PendingWrites())
	}
}

func TestSubmitWrite_TableFull(t *testing.T) {
	r, _ := newScriptedRing(t, WriteSlotsOption(2))

	_ = r.SubmitWrite(0, 1)
	_ = r.SubmitWrite(1, 1)
	if err := r.SubmitWrite(2, 1); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if r.PendingWrites() != 2 {
		t.Errorf("PendingWrites = %d, want 2", r.PendingWrites())
	}
}

func TestSubmitWrite_ShortWriteResubmitted(t *testing.T) {
	r, be := newScriptedRing(t)

	if err := r.SubmitWrite(100, 50); err != nil {
		t.Fatalf("SubmitWrite failed: %v", err)
	}
	be.script = [][]completion{
		{{tag: writeTag(0), res: 20}},
		{{tag: writeTag(0), res: 30}},
	}
	if err := r.AwaitWrites(); err != nil {
		t.Fatalf("AwaitWrites failed: %v", err)
	}

	if len(be.pushed) != 2 {
		t.Fatalf("pushed = %d ops, want 2", len(be.pushed))
	}
	if o := be.pushed[1]; o.off != 120 || o.n != 30 || o.tag != writeTag(0) {
		t.Errorf("resubmitted op = %+v", o)
	}
	if r.PendingWrites() != 0 {
		t.Errorf("PendingWrites = %d, want 0", r.PendingWrites())
	}
}

func TestPoll_ReturnsFirstReadAndAppliesAll(t *testing.T) {
	r, be := newScriptedRing(t)

	_ = r.SubmitWrite(0, 8)
	_ = r.SubmitRead(CPU)
	_ = r.SubmitRead(SockIn)

	be.script = [][]completion{
		{{tag: writeTag(0), res: 8}},
		{{tag: uint64(SockIn), res: 3}, {tag: uint64(CPU), res: 12}},
	}
	src, err := r.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if src != SockIn {
		t.Errorf("Poll = %s, want sock-in", src)
	}
	if st := r.State(CPU); st.Kind != Ready || st.N != 12 {
		t.Errorf("cpu state = %s, want ready(12)", st)
	}
	if r.PendingWrites() != 0 {
		t.Errorf("PendingWrites = %d, want 0", r.PendingWrites())
	}
}

func TestAwaitWrites_UpdatesReadSources(t *testing.T) {
	r, be := newScriptedRing(t)

	_ = r.SubmitRead(Bat)
	_ = r.SubmitWrite(0, 4)
	be.script = [][]completion{
		{{tag: uint64(Bat), res: 2}},
		{{tag: writeTag(0), res: 4}},
	}
	if err := r.AwaitWrites(); err != nil {
		t.Fatalf("AwaitWrites failed: %v", err)
	}
	if st := r.State(Bat); st.Kind != Ready || st.N != 2 {
		t.Errorf("bat state = %s, want ready(2)", st)
	}
}

func TestPoll_NegativeResultPoisonsRing(t *testing.T) {
	r, be := newScriptedRing(t)

	_ = r.SubmitRead(SockIn)
	be.script = [][]completion{{{tag: uint64(SockIn), res: -int32(unix.ECONNRESET)}}}

	_, err := r.Poll()
	var cerr *CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompletionError, got %v", err)
	}
	if cerr.Source != SockIn || cerr.Errno() != unix.ECONNRESET {
		t.Errorf("unexpected completion error: %v", cerr)
	}

	if err := r.SubmitRead(CPU); !errors.As(err, &cerr) {
		t.Errorf("poisoned ring should keep failing, got %v", err)
	}
}

func TestPoll_Inconsistent(t *testing.T) {
	r, be := newScriptedRing(t)

	_ = r.SubmitRead(SockIn)
	be.script = [][]completion{{{tag: uint64(Mem), res: 1}}}

	if _, err := r.Poll(); !errors.Is(err, ErrInconsistent) {
		t.Errorf("expected ErrInconsistent, got %v", err)
	}
}

func TestPoll_UnknownTag(t *testing.T) {
	r, be := newScriptedRing(t)

	_ = r.SubmitRead(SockIn)
	be.script = [][]completion{{{tag: 0x7f, res: 1}}}

	if _, err := r.Poll(); !errors.Is(err, ErrInconsistent) {
		t.Errorf("expected ErrInconsistent, got %v", err)
	}
}

func TestPoll_NothingPending(t *testing.T) {
	r, _ := newScriptedRing(t)

	if _, err := r.Poll(); err != ErrNothingPending {
		t.Errorf("expected ErrNothingPending, got %v", err)
	}
}

func TestRing_ConcurrentUse(t *testing.T) {
	r, _ := newScriptedRing(t)
	r.busy.Store(true)

	if err := r.SubmitRead(SockIn); err != ErrConcurrentUse {
		t.Errorf("expected ErrConcurrentUse, got %v", err)
	}
	if st := r.State(SockIn); st.Kind != Inactive {
		t.Errorf("state = %s, want inactive", st)
	}
}

func TestRing_Closed(t *testing.T) {
	r, _ := newScriptedRing(t)

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := r.SubmitRead(SockIn); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestNew_InvalidRegistration(t *testing.T) {
	files := Files{Socket: 3, CPU: 4, Mem: 5, Net: 6, Bat: 7}

	bufs := testBuffers()
	bufs[SockIn] = make([]byte, 1024)
	if _, err := New(files, bufs, BackendOption(Loop)); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("expected ErrInvalidRegistration for short socket buffer, got %v", err)
	}

	bufs = testBuffers()
	bufs[Mem] = nil
	if _, err := New(files, bufs, BackendOption(Loop)); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("expected ErrInvalidRegistration for empty buffer, got %v", err)
	}

	files.Bat = -1
	if _, err := New(files, testBuffers(), BackendOption(Loop)); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("expected ErrInvalidRegistration for negative fd, got %v", err)
	}
}

func TestNewBuffers(t *testing.T) {
	bufs, err := NewBuffers([4]int{128, 256, 512, 16})
	if err != nil {
		t.Fatalf("NewBuffers failed: %v", err)
	}
	defer bufs.Free()

	want := [NumSources]int{SockBufSize, SockBufSize, 128, 256, 512, 16}
	for i, b := range bufs {
		if len(b) != want[i] {
			t.Errorf("%s buffer = %d bytes, want %d", Source(i), len(b), want[i])
		}
	}
	bufs[SockOut][0] = 1

	if _, err := NewBuffers([4]int{128, 0, 1, 1}); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("expected ErrInvalidRegistration, got %v", err)
	}
}

// testFiles returns a connected socket pair and four telemetry files. The
// ring side of the socket is the first descriptor.
func testFiles(t *testing.T) (Files, int) {
	t.Helper()

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Shutdown(pair[0], unix.SHUT_RDWR)
		_ = unix.Close(pair[0])
		_ = unix.Close(pair[1])
	})

	aux := make([]int, 4)
	for i, content := range []string{"cpu  10 20 30", "MemTotal: 1024 kB", "eth0: 1 2", "87"} {
		f, err := os.CreateTemp(t.TempDir(), "telemetry")
		if err != nil {
			t.Fatalf("create telemetry file: %v", err)
		}
		if _, err := f.WriteString(content); err != nil {
			t.Fatalf("write telemetry file: %v", err)
		}
		t.Cleanup(func() { f.Close() })
		aux[i] = int(f.Fd())
	}

	return Files{Socket: pair[0], CPU: aux[0], Mem: aux[1], Net: aux[2], Bat: aux[3]}, pair[1]
}

func newLoopRing(t *testing.T, opt ...Option) (*Ring, int) {
	t.Helper()

	files, peer := testFiles(t)
	r, err := New(files, testBuffers(), append([]Option{BackendOption(Loop)}, opt...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, peer
}

func TestLoop_SocketReadWrite(t *testing.T) {
	r, peer := newLoopRing(t)

	if err := r.SubmitRead(SockIn); err != nil {
		t.Fatalf("SubmitRead failed: %v", err)
	}
	if _, err := unix.Write(peer, []byte("hello")); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}

	src, err := r.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if src != SockIn {
		t.Fatalf("Poll = %s, want sock-in", src)
	}
	b, ok := r.TakeReady(SockIn)
	if !ok || string(b) != "hello" {
		t.Errorf("TakeReady = %q, %v", b, ok)
	}

	n := copy(r.OutBuf(), "world")
	if err := r.SubmitWrite(0, n); err != nil {
		t.Fatalf("SubmitWrite failed: %v", err)
	}
	if err := r.AwaitWrites(); err != nil {
		t.Fatalf("AwaitWrites failed: %v", err)
	}
	if r.PendingWrites() != 0 {
		t.Errorf("PendingWrites = %d, want 0", r.PendingWrites())
	}

	got := make([]byte, 5)
	if _, err := unix.Read(peer, got); err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("peer got %q, want world", got)
	}
}

func TestLoop_TelemetryRereadFromStart(t *testing.T) {
	r, _ := newLoopRing(t)

	for i := 0; i < 2; i++ {
		if err := r.SubmitRead(Bat); err != nil {
			t.Fatalf("SubmitRead %d failed: %v", i, err)
		}
		src, err := r.Poll()
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if src != Bat {
			t.Fatalf("Poll = %s, want bat", src)
		}
		b, _ := r.TakeReady(Bat)
		if string(b) != "87" {
			t.Errorf("read %d = %q, want 87", i, b)
		}
	}
}

func TestLoop_PeerClosedReadsZero(t *testing.T) {
	r, peer := newLoopRing(t)

	_ = r.SubmitRead(SockIn)
	_ = unix.Shutdown(peer, unix.SHUT_WR)

	if _, err := r.Poll(); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	b, ok := r.TakeReady(SockIn)
	if !ok || len(b) != 0 {
		t.Errorf("TakeReady = %q, %v; want empty ready", b, ok)
	}
}

func TestLoop_DirectoryReadFails(t *testing.T) {
	files, _ := testFiles(t)
	dir, err := os.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	defer dir.Close()
	files.CPU = int(dir.Fd())

	r, err := New(files, testBuffers(), BackendOption(Loop))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Close()

	_ = r.SubmitRead(CPU)
	_, err = r.Poll()

	var cerr *CompletionError
	if !errors.As(err, &cerr) || cerr.Source != CPU {
		t.Fatalf("expected cpu CompletionError, got %v", err)
	}
	if cerr.Errno() != unix.EISDIR {
		t.Errorf("errno = %v, want EISDIR", cerr.Errno())
	}
}
