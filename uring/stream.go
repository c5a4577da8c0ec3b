package uring

import (
	"io"

	"github.com/pkg/errors"
)

// Stream adapts a Ring's socket sources to io.ReadWriter with blocking
// read and write-all semantics. Completions of telemetry sources observed
// while waiting stay Ready for their owner.
type Stream struct {
	r       *Ring
	pending []byte
}

// NewStream returns a Stream over r. The Stream and any other user of r must
// run on the same goroutine.
func NewStream(r *Ring) *Stream {
	return &Stream{r: r}
}

// Read returns bytes from the socket, submitting a read when nothing is
// buffered. A zero-length completion is reported as io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.pending) == 0 {
		b, err := s.fill()
		if err != nil {
			return 0, err
		}
		s.pending = b
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Stream) fill() ([]byte, error) {
	if s.r.State(SockIn).Kind == Inactive {
		if err := s.r.SubmitRead(SockIn); err != nil {
			return nil, err
		}
	}
	for {
		if b, ok := s.r.TakeReady(SockIn); ok {
			if len(b) == 0 {
				return nil, io.EOF
			}
			return b, nil
		}
		if _, err := s.r.Poll(); err != nil {
			return nil, err
		}
	}
}

// Write copies p through the output buffer and waits for every chunk to be
// written.
func (s *Stream) Write(p []byte) (int, error) {
	out := s.r.OutBuf()
	written := 0
	for written < len(p) {
		n := copy(out, p[written:])
		if err := s.r.SubmitWrite(0, n); err != nil {
			return written, errors.Wrap(err, "submit write")
		}
		if err := s.r.AwaitWrites(); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}
