package x11

import (
	"github.com/BurntSushi/xgb"

	"github.com/MarcusGrass/pgwm-sub001/wire"
)

// Splitter cuts one direction of a connection into complete messages. The
// first message of either direction is the setup exchange.
type Splitter struct {
	client bool
	setup  bool // setup message already emitted
	seq    uint16
	buf    []byte
}

// NewSplitter returns a Splitter for the client-to-server direction if client
// is true, otherwise for the server-to-client direction.
func NewSplitter(client bool) *Splitter {
	return &Splitter{client: client}
}

// Buffered returns the number of bytes held back waiting for the rest of a
// message.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Feed appends b to the stream and returns every message it completes. The
// returned payloads are copies and stay valid after the next Feed.
//
// Client requests are numbered from 1 in the order they were sent, with the
// major opcode as event code. Server messages carry the sequence number from
// their header and their first byte as event code.
func (s *Splitter) Feed(b []byte) ([]wire.Message, error) {
	s.buf = append(s.buf, b...)

	var msgs []wire.Message
	off := 0
	for {
		rest := s.buf[off:]
		n, err := s.next(rest)
		if err != nil {
			return msgs, err
		}
		if n == 0 || n > len(rest) {
			break
		}
		msgs = append(msgs, s.message(rest[:n]))
		off += n
	}

	s.buf = append(s.buf[:0], s.buf[off:]...)
	return msgs, nil
}

func (s *Splitter) next(b []byte) (int, error) {
	switch {
	case !s.setup && s.client:
		return ClientSetupLen(b)
	case !s.setup:
		return ServerSetupLen(b), nil
	case s.client:
		return RequestLen(b)
	default:
		return ServerMessageLen(b), nil
	}
}

func (s *Splitter) message(frame []byte) wire.Message {
	payload := append([]byte(nil), frame...)

	if !s.setup {
		s.setup = true
		if s.client {
			return wire.Message{Metadata: wire.Metadata{Kind: wire.ClientSetup}, Payload: payload}
		}
		return wire.Message{Metadata: wire.Metadata{Kind: wire.ServerSetup, EventCode: frame[0]}, Payload: payload}
	}

	if s.client {
		s.seq++
		return wire.Message{
			Metadata: wire.Metadata{Kind: wire.ClientMessage, Sequence: s.seq, EventCode: frame[0]},
			Payload:  payload,
		}
	}
	return wire.Message{
		Metadata: wire.Metadata{Kind: wire.ServerMessage, Sequence: xgb.Get16(frame[2:]), EventCode: frame[0]},
		Payload:  payload,
	}
}
