package xconn

import (
	"os"
	"testing"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/MarcusGrass/pgwm-sub001/internal/fixed"
	"github.com/MarcusGrass/pgwm-sub001/uring"
	"github.com/MarcusGrass/pgwm-sub001/wire"
	"github.com/MarcusGrass/pgwm-sub001/x11"
)

const (
	testRoot   = 0x100
	testIDBase = 0x200000
)

// fakeServer is the X server end of a socket pair.
type fakeServer struct {
	t     *testing.T
	f     *os.File
	split *x11.Splitter
	queue []wire.Message
}

func (s *fakeServer) next() wire.Message {
	buf := make([]byte, 4096)
	for len(s.queue) == 0 {
		n, err := s.f.Read(buf)
		if err != nil {
			s.t.Errorf("server read failed: %v", err)
			return wire.Message{}
		}
		msgs, err := s.split.Feed(buf[:n])
		if err != nil {
			s.t.Errorf("server split failed: %v", err)
			return wire.Message{}
		}
		s.queue = append(s.queue, msgs...)
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m
}

func (s *fakeServer) send(frames ...[]byte) {
	for _, b := range frames {
		if _, err := s.f.Write(b); err != nil {
			s.t.Errorf("server write failed: %v", err)
		}
	}
}

func setupReply() []byte {
	b := make([]byte, 80)
	b[0] = x11.SetupSuccess
	xgb.Put16(b[2:], x11.ProtocolMajor)
	xgb.Put16(b[6:], (80-8)/4)
	xgb.Put32(b[12:], testIDBase)
	xgb.Put32(b[16:], 0x1fffff)
	b[28] = 1 // one screen
	xgb.Put32(b[40:], testRoot)
	xgb.Put16(b[60:], 1920)
	xgb.Put16(b[62:], 1080)
	return b
}

func reply(seq uint16, value uint32) []byte {
	b := make([]byte, 32)
	b[0] = x11.ResponseReply
	xgb.Put16(b[2:], seq)
	xgb.Put32(b[8:], value)
	return b
}

func xerror(seq uint16, code uint8, major uint8) []byte {
	b := make([]byte, 32)
	b[0] = x11.ResponseError
	b[1] = code
	xgb.Put16(b[2:], seq)
	b[10] = major
	return b
}

func mapRequest(seq uint16, parent, window uint32) []byte {
	b := make([]byte, 32)
	b[0] = xproto.MapRequest
	xgb.Put16(b[2:], seq)
	xgb.Put32(b[4:], parent)
	xgb.Put32(b[8:], window)
	return b
}

func newTestRing(t *testing.T) (*uring.Ring, *os.File) {
	t.Helper()

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	peer := os.NewFile(uintptr(pair[1]), "server")
	null, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open null device: %v", err)
	}
	nfd := int(null.Fd())

	bufs := uring.Buffers{
		make([]byte, uring.SockBufSize),
		make([]byte, uring.SockBufSize),
		make([]byte, 16),
		make([]byte, 16),
		make([]byte, 16),
		make([]byte, 16),
	}
	files := uring.Files{Socket: pair[0], CPU: nfd, Mem: nfd, Net: nfd, Bat: nfd}
	r, err := uring.New(files, bufs, uring.BackendOption(uring.Loop))
	if err != nil {
		t.Fatalf("uring.New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Shutdown(pair[0], unix.SHUT_RDWR)
		r.Close()
		unix.Close(pair[0])
		peer.Close()
		null.Close()
	})
	return r, peer
}

// connect runs the handshake against a fake server answering with setup and
// then hands the server to script.
func connect(t *testing.T, setup []byte, script func(s *fakeServer), opt ...Option) (*Conn, error) {
	t.Helper()

	r, peer := newTestRing(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s := &fakeServer{t: t, f: peer, split: x11.NewSplitter(true)}
		if m := s.next(); m.Kind != wire.ClientSetup {
			t.Errorf("first message = %s, want client setup", m.Kind)
			return
		}
		s.send(setup)
		if script != nil {
			script(s)
		}
	}()
	t.Cleanup(func() { <-done })

	return New(r, append([]Option{AuthOption("", nil)}, opt...)...)
}

func mustConnect(t *testing.T, script func(s *fakeServer), opt ...Option) *Conn {
	t.Helper()

	c, err := connect(t, setupReply(), script, opt...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNew_Setup(t *testing.T) {
	c := mustConnect(t, nil)

	if c.Setup().ResourceIdBase != testIDBase {
		t.Errorf("ResourceIdBase = %#x, want %#x", c.Setup().ResourceIdBase, testIDBase)
	}
	screen := c.DefaultScreen()
	if screen == nil {
		t.Fatal("no default screen")
	}
	if screen.Root != testRoot || screen.WidthInPixels != 1920 {
		t.Errorf("screen = root %#x width %d", screen.Root, screen.WidthInPixels)
	}
}

func TestNew_SetupSharesReadWithEvent(t *testing.T) {
	setup := append(setupReply(), mapRequest(0, testRoot, 0x400001)...)
	c, err := connect(t, setup, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ev, err := c.PollEvent()
	if err != nil {
		t.Fatalf("PollEvent failed: %v", err)
	}
	if mr, ok := ev.(xproto.MapRequestEvent); !ok || mr.Window != 0x400001 {
		t.Errorf("event = %v, want map request for 0x400001", ev)
	}
}

func TestNew_SetupRefused(t *testing.T) {
	refused := make([]byte, 16)
	refused[0] = x11.SetupFailed
	refused[1] = 8
	xgb.Put16(refused[6:], 2)
	copy(refused[8:], "no entry")

	_, err := connect(t, refused, nil)
	if !errors.Is(err, ErrSetupRefused) {
		t.Fatalf("expected ErrSetupRefused, got %v", err)
	}
}

func TestReply(t *testing.T) {
	c := mustConnect(t, func(s *fakeServer) {
		m := s.next()
		if m.EventCode != x11.OpInternAtom || m.Sequence != 1 {
			t.Errorf("request = %s", m)
		}
		s.send(reply(1, 42))
	})

	ck, err := c.Send(x11.InternAtom(false, "WM_STATE"), true)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if ck.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", ck.Sequence)
	}
	data, err := c.Reply(ck)
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if atom := xgb.Get32(data[8:]); atom != 42 {
		t.Errorf("atom = %d, want 42", atom)
	}

	if _, err := c.Reply(ck); !errors.Is(err, ErrUnknownCookie) {
		t.Errorf("expected ErrUnknownCookie for collected cookie, got %v", err)
	}
}

func TestReply_EventsQueuedMeanwhile(t *testing.T) {
	c := mustConnect(t, func(s *fakeServer) {
		s.next() // MapWindow
		s.next() // GetInputFocus
		s.send(mapRequest(1, testRoot, 0x400001), reply(2, 0))
	})

	if _, err := c.Send(x11.MapWindow(0x400000), false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ck, err := c.Send(x11.GetInputFocus(), true)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := c.Reply(ck); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	ev, err := c.PollEvent()
	if err != nil {
		t.Fatalf("PollEvent failed: %v", err)
	}
	mr, ok := ev.(xproto.MapRequestEvent)
	if !ok {
		t.Fatalf("event = %T, want xproto.MapRequestEvent", ev)
	}
	if mr.Window != 0x400001 || mr.Parent != testRoot {
		t.Errorf("map request = %+v", mr)
	}

	if ev, err := c.PollEvent(); ev != nil || err != nil {
		t.Errorf("empty queue = %v, %v", ev, err)
	}
}

func TestReply_Error(t *testing.T) {
	c := mustConnect(t, func(s *fakeServer) {
		s.next()
		s.send(xerror(1, xproto.BadAtom, x11.OpInternAtom))
	})

	ck, _ := c.Send(x11.InternAtom(true, "NOPE"), true)
	_, err := c.Reply(ck)

	var xerr *XError
	if !errors.As(err, &xerr) {
		t.Fatalf("expected XError, got %v", err)
	}
	if xerr.Code != xproto.BadAtom || xerr.Sequence != 1 || xerr.Err == nil {
		t.Errorf("error = %+v", xerr)
	}
}

func TestCheck(t *testing.T) {
	c := mustConnect(t, func(s *fakeServer) {
		s.next() // ChangeWindowAttributes
		s.next() // MapWindow
		s.next() // GetInputFocus
		s.send(xerror(1, xproto.BadAccess, x11.OpChangeWindowAttributes), reply(3, 0))
	})

	redirect, _ := c.Send(x11.ChangeWindowAttributes(testRoot, xproto.CwEventMask,
		[]uint32{xproto.EventMaskSubstructureRedirect}), false)
	if _, err := c.Send(x11.MapWindow(7), false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	err := c.Check(redirect)
	var xerr *XError
	if !errors.As(err, &xerr) || xerr.Code != xproto.BadAccess {
		t.Fatalf("expected BadAccess, got %v", err)
	}

	// The error was consumed by Check and is not delivered as an event.
	if ev, err := c.PollEvent(); ev != nil || err != nil {
		t.Errorf("queue = %v, %v", ev, err)
	}
}

func TestCheck_WithReply(t *testing.T) {
	c := mustConnect(t, func(s *fakeServer) {
		s.next() // InternAtom
		s.next() // GetInputFocus
		s.send(xerror(1, xproto.BadAtom, x11.OpInternAtom), reply(2, 0))
	}, CookieSlotsOption(2))

	ck, err := c.Send(x11.InternAtom(true, "NOPE"), true)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	err = c.Check(ck)
	var xerr *XError
	if !errors.As(err, &xerr) || xerr.Code != xproto.BadAtom {
		t.Fatalf("expected BadAtom, got %v", err)
	}
	if _, err := c.Reply(ck); !errors.Is(err, ErrUnknownCookie) {
		t.Errorf("cookie should be released, got %v", err)
	}
}

func TestSend_CookieCapacity(t *testing.T) {
	c := mustConnect(t, nil, CookieSlotsOption(1))

	if _, err := c.Send(x11.GetInputFocus(), true); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := c.Send(x11.GetInputFocus(), true); !errors.Is(err, fixed.ErrCapacity) {
		t.Errorf("expected fixed.ErrCapacity, got %v", err)
	}
	// Requests without a reply do not take a slot.
	if _, err := c.Send(x11.MapWindow(1), false); err != nil {
		t.Errorf("Send without reply failed: %v", err)
	}
}

func TestSend_TooLarge(t *testing.T) {
	c := mustConnect(t, nil)

	if _, err := c.Send(make([]byte, uring.SockBufSize+4), false); !errors.Is(err, ErrRequestTooLarge) {
		t.Errorf("expected ErrRequestTooLarge, got %v", err)
	}
}

func TestReply_NoReply(t *testing.T) {
	c := mustConnect(t, nil)

	ck, _ := c.Send(x11.MapWindow(1), false)
	if _, err := c.Reply(ck); err != ErrNoReply {
		t.Errorf("expected ErrNoReply, got %v", err)
	}
}

func TestNextEvent_ServerClosed(t *testing.T) {
	c := mustConnect(t, func(s *fakeServer) {
		_ = unix.Shutdown(int(s.f.Fd()), unix.SHUT_WR)
	})

	_, err := c.NextEvent()
	if !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
	if _, err := c.Send(x11.MapWindow(1), false); !errors.Is(err, ErrServerClosed) {
		t.Errorf("connection should stay failed, got %v", err)
	}
}

func TestEventOverflow(t *testing.T) {
	c := mustConnect(t, func(s *fakeServer) {
		s.next() // MapWindow, so the events cannot arrive with the setup
		s.send(mapRequest(1, testRoot, 1), mapRequest(1, testRoot, 2), mapRequest(1, testRoot, 3))
	}, EventSlotsOption(2))

	if _, err := c.Send(x11.MapWindow(1), false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = c.receive()
	}
	if !errors.Is(err, ErrEventOverflow) {
		t.Errorf("expected ErrEventOverflow, got %v", err)
	}
}

func TestWait_Aux(t *testing.T) {
	c := mustConnect(t, nil)

	if err := c.RefreshAux(uring.CPU); err != nil {
		t.Fatalf("RefreshAux failed: %v", err)
	}
	// A second refresh while the read is outstanding is a no-op.
	if err := c.RefreshAux(uring.CPU); err != nil {
		t.Fatalf("second RefreshAux failed: %v", err)
	}

	src, err := c.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if src != uring.CPU {
		t.Fatalf("Wait = %s, want cpu", src)
	}
	b, ok := c.Aux(uring.CPU)
	if !ok || len(b) != 0 {
		t.Errorf("Aux = %q, %v; want empty read of the null device", b, ok)
	}
	if _, ok := c.Aux(uring.SockIn); ok {
		t.Error("Aux must not hand out socket bytes")
	}
}
