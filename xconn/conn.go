// Package xconn is an X11 client connection whose socket traffic runs
// through a uring.Ring. Requests are appended to the ring's output buffer and
// written in batches; replies, errors and events are cut from the input
// buffer and matched to outstanding cookies by sequence number.
//
// Like the Ring it owns, a Conn is used from a single goroutine.
package xconn

import (
	"fmt"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/pkg/errors"

	"github.com/MarcusGrass/pgwm-sub001/internal/fixed"
	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
	"github.com/MarcusGrass/pgwm-sub001/uring"
	"github.com/MarcusGrass/pgwm-sub001/wire"
	"github.com/MarcusGrass/pgwm-sub001/x11"
)

// Errors returned by connection operations.
var (
	// ErrSetupRefused is returned when the server rejects the connection setup.
	ErrSetupRefused = errors.New("connection setup refused")
	// ErrRequestTooLarge is returned for a request that cannot fit the output buffer.
	ErrRequestTooLarge = errors.New("request larger than output buffer")
	// ErrNoReply is returned by Reply for a cookie of a request without a reply.
	ErrNoReply = errors.New("request has no reply")
	// ErrUnknownCookie is returned by Reply for a cookie that is not outstanding.
	ErrUnknownCookie = errors.New("cookie not outstanding")
	// ErrUnexpectedReply is returned when the server replies to a sequence nobody awaits.
	ErrUnexpectedReply = errors.New("reply for unknown sequence")
	// ErrEventOverflow is returned when the event queue is full.
	ErrEventOverflow = errors.New("event queue overflow")
	// ErrServerClosed is returned when the server closes the connection.
	ErrServerClosed = errors.New("server closed connection")
)

// XError is an X protocol error sent by the server.
type XError struct {
	Sequence uint16
	Code     uint8
	Err      xgb.Error // nil for unknown error codes
}

func (e *XError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("x error %d (sequence %d)", e.Code, e.Sequence)
}

// Cookie identifies a sent request.
type Cookie struct {
	Sequence uint16
	reply    bool
}

// pendingReply is an outstanding reply and, once received, its outcome.
type pendingReply struct {
	seq  uint16
	done bool
	data []byte
	err  *XError
}

// Conn is an X11 connection driven by a Ring.
type Conn struct {
	ring   *uring.Ring
	logger logging.Logger
	opts   options

	setup *xproto.SetupInfo
	split *x11.Splitter

	seq     uint16 // sequence of the last request sent
	out     int    // bytes appended to the output buffer and not yet written
	pending *fixed.List[pendingReply]
	events  *fixed.List[[]byte]

	closer    func() error
	interrupt func()
	err       error
}

// New performs the connection setup over r, whose socket must be freshly
// connected to an X server. The Conn does not take ownership of r.
func New(r *uring.Ring, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	c := &Conn{
		ring:    r,
		logger:  opts.logger,
		opts:    opts,
		split:   x11.NewSplitter(false),
		pending: fixed.New[pendingReply](opts.cookieSlots),
		events:  fixed.New[[]byte](opts.eventSlots),
	}
	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake() error {
	req := x11.EncodeSetup(c.opts.authName, c.opts.authData)
	if err := c.appendOut(req); err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return errors.Wrap(err, "send setup")
	}

	// The setup reply may share a read with the first events.
	var msgs []wire.Message
	for len(msgs) == 0 {
		b, err := c.readSock()
		if err != nil {
			return errors.Wrap(err, "read setup")
		}
		if msgs, err = c.split.Feed(b); err != nil {
			return err
		}
	}
	msg := msgs[0]
	if msg.Kind != wire.ServerSetup {
		return errors.Wrapf(ErrUnexpectedReply, "%s instead of setup reply", msg.Kind)
	}

	if msg.EventCode != x11.SetupSuccess {
		return errors.Wrapf(ErrSetupRefused, "status %d: %s", msg.EventCode, x11.SetupFailure(msg.Payload))
	}
	c.setup = new(xproto.SetupInfo)
	xproto.SetupInfoRead(msg.Payload, c.setup)
	c.logger.Info("connected to X server",
		"vendor", c.setup.Vendor,
		"release", c.setup.ReleaseNumber,
		"screens", len(c.setup.Roots))

	for _, m := range msgs[1:] {
		if err := c.dispatch(m); err != nil {
			return c.fail(err)
		}
	}
	return nil
}

// Setup returns the server setup information.
func (c *Conn) Setup() *xproto.SetupInfo {
	return c.setup
}

// DefaultScreen returns the first screen, or nil if the server has none.
func (c *Conn) DefaultScreen() *xproto.ScreenInfo {
	if len(c.setup.Roots) == 0 {
		return nil
	}
	return &c.setup.Roots[0]
}

// Ring returns the underlying ring.
func (c *Conn) Ring() *uring.Ring {
	return c.ring
}

// Send queues req, a complete encoded request, and returns its cookie.
// Requests are written by Flush, or when the output buffer fills up. A
// request with a reply occupies a cookie slot until Reply collects it.
func (c *Conn) Send(req []byte, wantReply bool) (Cookie, error) {
	if c.err != nil {
		return Cookie{}, c.err
	}
	if wantReply && c.pending.Full() {
		return Cookie{}, errors.Wrapf(fixed.ErrCapacity, "%d replies outstanding", c.pending.Len())
	}
	if err := c.appendOut(req); err != nil {
		return Cookie{}, err
	}

	c.seq++
	ck := Cookie{Sequence: c.seq, reply: wantReply}
	if wantReply {
		_ = c.pending.Push(pendingReply{seq: c.seq})
	}
	return ck, nil
}

func (c *Conn) appendOut(req []byte) error {
	out := c.ring.OutBuf()
	if len(req) > len(out) {
		return errors.Wrapf(ErrRequestTooLarge, "%d bytes", len(req))
	}
	if c.out+len(req) > len(out) {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	c.out += copy(out[c.out:], req)
	return nil
}

// Flush writes every queued request and waits for the writes to complete.
func (c *Conn) Flush() error {
	if c.err != nil {
		return c.err
	}
	if c.out == 0 {
		return nil
	}
	if err := c.ring.SubmitWrite(0, c.out); err != nil {
		return c.fail(errors.Wrap(err, "submit requests"))
	}
	if err := c.ring.AwaitWrites(); err != nil {
		return c.fail(errors.Wrap(err, "write requests"))
	}
	c.out = 0
	return nil
}

// Reply waits for the reply to ck. An X error for the request is returned as
// *XError.
func (c *Conn) Reply(ck Cookie) ([]byte, error) {
	if !ck.reply {
		return nil, ErrNoReply
	}
	match := func(p pendingReply) bool { return p.seq == ck.Sequence }
	if c.pending.Find(match) < 0 {
		return nil, errors.Wrapf(ErrUnknownCookie, "sequence %d", ck.Sequence)
	}
	if err := c.Flush(); err != nil {
		return nil, err
	}

	for {
		i := c.pending.Find(match)
		if p := c.pending.At(i); p.done {
			c.pending.Remove(i)
			if p.err != nil {
				return nil, p.err
			}
			return p.data, nil
		}
		if err := c.receive(); err != nil {
			return nil, err
		}
	}
}

// Check waits until the request behind ck has been processed and returns the
// X error it caused, if any. It costs one round trip. For a request with a
// reply, the reply is discarded and its cookie released.
func (c *Conn) Check(ck Cookie) error {
	sync, err := c.Send(x11.GetInputFocus(), true)
	if err != nil {
		return err
	}
	if _, err := c.Reply(sync); err != nil {
		return err
	}

	if ck.reply {
		i := c.pending.Find(func(p pendingReply) bool { return p.seq == ck.Sequence && p.done })
		if i < 0 {
			return errors.Wrapf(ErrUnknownCookie, "sequence %d", ck.Sequence)
		}
		if p := c.pending.Remove(i); p.err != nil {
			return p.err
		}
		return nil
	}

	i := c.events.Find(func(b []byte) bool {
		return b[0] == x11.ResponseError && xgb.Get16(b[2:]) == ck.Sequence
	})
	if i < 0 {
		return nil
	}
	return decodeError(c.events.Remove(i))
}

// PollEvent returns the next queued event without reading from the socket.
// It returns (nil, nil) when the queue is empty. An X error for a request
// without a reply is returned as *XError.
func (c *Conn) PollEvent() (xgb.Event, error) {
	b, ok := c.events.PopFront()
	if !ok {
		return nil, nil
	}
	if b[0] == x11.ResponseError {
		return nil, decodeError(b)
	}
	return decodeEvent(b), nil
}

// NextEvent waits for an event.
func (c *Conn) NextEvent() (xgb.Event, error) {
	for c.events.Len() == 0 {
		if err := c.Flush(); err != nil {
			return nil, err
		}
		if err := c.receive(); err != nil {
			return nil, err
		}
	}
	return c.PollEvent()
}

// Wait flushes queued requests and blocks until the socket or a telemetry
// source has data. Socket data is consumed and queued; the returned source
// tells the caller where to look. Queued events make it return SockIn at once.
func (c *Conn) Wait() (uring.Source, error) {
	if c.events.Len() > 0 {
		return uring.SockIn, nil
	}
	if err := c.Flush(); err != nil {
		return 0, err
	}
	if err := c.submitSock(); err != nil {
		return 0, err
	}

	src, err := c.ring.Poll()
	if err != nil {
		return 0, c.fail(err)
	}
	if b, ok := c.ring.TakeReady(uring.SockIn); ok {
		return uring.SockIn, c.consume(b)
	}
	return src, nil
}

// RefreshAux submits a read of a telemetry source unless one is already
// outstanding or its last result has not been taken.
func (c *Conn) RefreshAux(src uring.Source) error {
	if c.ring.State(src).Kind != uring.Inactive {
		return nil
	}
	return c.ring.SubmitRead(src)
}

// Aux returns the bytes of a completed telemetry read.
func (c *Conn) Aux(src uring.Source) ([]byte, bool) {
	if src == uring.SockIn {
		return nil, false
	}
	return c.ring.TakeReady(src)
}

// Interrupt shuts the socket down so that a blocked Wait returns. It is the
// only method that may be called from another goroutine, and it does
// nothing on a Conn built with New.
func (c *Conn) Interrupt() {
	if c.interrupt != nil {
		c.interrupt()
	}
}

// Close releases resources acquired by Dial. A Conn built with New leaves its
// Ring to the caller.
func (c *Conn) Close() error {
	if c.closer == nil {
		return nil
	}
	closer := c.closer
	c.closer = nil
	return closer()
}

func (c *Conn) fail(err error) error {
	if c.err == nil {
		c.err = err
		c.logger.Error("connection failed", "error", err)
	}
	return err
}

func (c *Conn) submitSock() error {
	if c.ring.State(uring.SockIn).Kind != uring.Inactive {
		return nil
	}
	if err := c.ring.SubmitRead(uring.SockIn); err != nil {
		return c.fail(errors.Wrap(err, "submit socket read"))
	}
	return nil
}

// readSock blocks until the socket read completes and returns its bytes.
func (c *Conn) readSock() ([]byte, error) {
	if err := c.submitSock(); err != nil {
		return nil, err
	}
	for {
		if b, ok := c.ring.TakeReady(uring.SockIn); ok {
			if len(b) == 0 {
				return nil, c.fail(errors.Wrap(ErrServerClosed, "read"))
			}
			return b, nil
		}
		if _, err := c.ring.Poll(); err != nil {
			return nil, c.fail(err)
		}
	}
}

// receive reads once from the socket and dispatches what it completes.
func (c *Conn) receive() error {
	if c.err != nil {
		return c.err
	}
	b, err := c.readSock()
	if err != nil {
		return err
	}
	return c.consume(b)
}

func (c *Conn) consume(b []byte) error {
	if len(b) == 0 {
		return c.fail(errors.Wrap(ErrServerClosed, "read"))
	}
	msgs, err := c.split.Feed(b)
	if err != nil {
		return c.fail(err)
	}
	for _, m := range msgs {
		if err := c.dispatch(m); err != nil {
			return c.fail(err)
		}
	}
	return nil
}

func (c *Conn) dispatch(m wire.Message) error {
	switch m.EventCode {
	case x11.ResponseReply, x11.ResponseError:
		i := c.pending.Find(func(p pendingReply) bool { return p.seq == m.Sequence && !p.done })
		if i >= 0 {
			p := c.pending.Remove(i)
			p.done = true
			if m.EventCode == x11.ResponseReply {
				p.data = m.Payload
			} else {
				p.err = decodeError(m.Payload)
			}
			return c.pending.Push(p)
		}
		if m.EventCode == x11.ResponseReply {
			return errors.Wrapf(ErrUnexpectedReply, "sequence %d", m.Sequence)
		}
	}

	if err := c.events.Push(m.Payload); err != nil {
		return errors.Wrapf(ErrEventOverflow, "%d events queued", c.events.Len())
	}
	return nil
}

func decodeError(b []byte) *XError {
	e := &XError{Code: b[1], Sequence: xgb.Get16(b[2:])}
	if fn, ok := xgb.NewErrorFuncs[int(e.Code)]; ok {
		e.Err = fn(b)
	}
	return e
}

// RawEvent is an event without a registered decoder.
type RawEvent []byte

// Bytes returns the event as sent by the server.
func (e RawEvent) Bytes() []byte { return e }

func (e RawEvent) String() string {
	return fmt.Sprintf("RawEvent{Code=%d, Len=%d}", e[0]&0x7f, len(e))
}

func decodeEvent(b []byte) xgb.Event {
	if fn, ok := xgb.NewEventFuncs[int(b[0]&0x7f)]; ok {
		return fn(b)
	}
	return RawEvent(b)
}
