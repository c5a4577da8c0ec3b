//go:build linux

package uring

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newUringRing(t *testing.T, opt ...Option) (*Ring, int) {
	t.Helper()

	files, peer := testFiles(t)
	bufs, err := NewBuffers([4]int{64, 64, 64, 64})
	if err != nil {
		t.Fatalf("NewBuffers failed: %v", err)
	}
	r, err := New(files, bufs, append([]Option{BackendOption(Uring)}, opt...)...)
	if err != nil {
		bufs.Free()
		if fallbackAllowed(err) {
			t.Skipf("io_uring unavailable: %v", err)
		}
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		bufs.Free()
	})
	return r, peer
}

func TestUring_SocketAndTelemetry(t *testing.T) {
	r, peer := newUringRing(t)
	if r.Backend() != Uring {
		t.Fatalf("backend = %s, want uring", r.Backend())
	}

	if err := r.SubmitRead(CPU); err != nil {
		t.Fatalf("SubmitRead cpu failed: %v", err)
	}
	if src, err := r.Poll(); err != nil || src != CPU {
		t.Fatalf("Poll = %s, %v", src, err)
	}
	if b, _ := r.TakeReady(CPU); string(b) != "cpu  10 20 30" {
		t.Errorf("cpu read = %q", b)
	}

	if err := r.SubmitRead(SockIn); err != nil {
		t.Fatalf("SubmitRead sock-in failed: %v", err)
	}
	if _, err := unix.Write(peer, []byte("ping")); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
	if src, err := r.Poll(); err != nil || src != SockIn {
		t.Fatalf("Poll = %s, %v", src, err)
	}
	if b, _ := r.TakeReady(SockIn); string(b) != "ping" {
		t.Errorf("sock-in read = %q", b)
	}

	n := copy(r.OutBuf(), "pong")
	if err := r.SubmitWrite(0, n); err != nil {
		t.Fatalf("SubmitWrite failed: %v", err)
	}
	if err := r.AwaitWrites(); err != nil {
		t.Fatalf("AwaitWrites failed: %v", err)
	}
	got := make([]byte, 4)
	if _, err := unix.Read(peer, got); err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	if string(got) != "pong" {
		t.Errorf("peer got %q, want pong", got)
	}
}

func TestUring_SQPollWakeup(t *testing.T) {
	r, peer := newUringRing(t, SQPollOption(time.Millisecond))
	be := r.be.(*uringBackend)
	if !be.sqpoll {
		t.Fatal("ring was not set up with a submission poller")
	}

	// Let the poller go idle so the next submission has to wake it.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadUint32(be.sqFlags)&sqNeedWakeup == 0 {
		if time.Now().After(deadline) {
			t.Fatal("submission poller never went idle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := unix.Write(peer, []byte("hello")); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
	if err := r.SubmitRead(SockIn); err != nil {
		t.Fatalf("SubmitRead failed: %v", err)
	}
	if src, err := r.Poll(); err != nil || src != SockIn {
		t.Fatalf("Poll = %s, %v", src, err)
	}
	if b, _ := r.TakeReady(SockIn); string(b) != "hello" {
		t.Errorf("sock-in read = %q", b)
	}

	// A write after another idle period goes through the same wakeup.
	time.Sleep(20 * time.Millisecond)
	n := copy(r.OutBuf(), "bye")
	if err := r.SubmitWrite(0, n); err != nil {
		t.Fatalf("SubmitWrite failed: %v", err)
	}
	if err := r.AwaitWrites(); err != nil {
		t.Fatalf("AwaitWrites failed: %v", err)
	}
	got := make([]byte, 3)
	if _, err := unix.Read(peer, got); err != nil || string(got) != "bye" {
		t.Errorf("peer read = %q, %v", got, err)
	}
}

func TestAutoBackend(t *testing.T) {
	files, _ := testFiles(t)
	r, err := New(files, testBuffers())
	if err != nil {
		// Registering heap buffers may be refused where io_uring works.
		t.Skipf("auto backend: %v", err)
	}
	defer r.Close()

	if b := r.Backend(); b != Uring && b != Loop {
		t.Errorf("backend = %s", b)
	}
}
