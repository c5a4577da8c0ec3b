package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Errors returned by DecodeAll and Validate. All decode errors are fatal for
// the buffer being decoded, there is no resynchronization.
var (
	// ErrMissingStart is returned when a frame does not begin with the start token.
	ErrMissingStart = errors.New("frame does not begin with start token")
	// ErrUnknownKind is returned when the kind token is not one of the four known tokens.
	ErrUnknownKind = errors.New("unknown message kind token")
	// ErrTruncated is returned when a frame has no end token or its metadata is cut short.
	ErrTruncated = errors.New("truncated frame")
	// ErrEndTokenInPayload is returned by Validate when a payload cannot be framed.
	ErrEndTokenInPayload = errors.New("payload contains end token")
)

// Encode frames payload with meta. The payload must not contain the end token,
// see Validate, and meta.Kind must be one of the four kinds; Encode panics on
// any other kind.
func Encode(meta Metadata, payload []byte) []byte {
	return AppendEncode(make([]byte, 0, Overhead+len(payload)), meta, payload)
}

// AppendEncode appends the framed message to dst and returns the extended slice.
func AppendEncode(dst []byte, meta Metadata, payload []byte) []byte {
	dst = append(dst, startToken[:]...)
	dst = append(dst, kindTokens[meta.Kind][:]...)
	dst = binary.LittleEndian.AppendUint16(dst, meta.Sequence)
	dst = append(dst, meta.EventCode)
	dst = append(dst, payload...)
	return append(dst, endToken[:]...)
}

// Validate reports whether payload can be framed without being cut short on
// decode.
func Validate(payload []byte) error {
	if bytes.Contains(payload, endToken[:]) {
		return ErrEndTokenInPayload
	}
	return nil
}

// DecodeAll reconstructs every message in b. The whole buffer must consist of
// complete frames with no gaps. Returned payloads alias b.
func DecodeAll(b []byte) ([]Message, error) {
	var msgs []Message
	off := 0
	for off < len(b) {
		msg, n, err := decodeOne(b[off:])
		if err != nil {
			return msgs, errors.Wrapf(err, "decode message %d at offset %d", len(msgs), off)
		}
		msgs = append(msgs, msg)
		off += n
	}
	return msgs, nil
}

// decodeOne decodes the frame at the start of b and returns it with the number
// of bytes it occupied.
func decodeOne(b []byte) (Message, int, error) {
	if len(b) < TokenLen || !bytes.Equal(b[:TokenLen], startToken[:]) {
		return Message{}, 0, ErrMissingStart
	}
	if len(b) < TokenLen+MetadataLen {
		return Message{}, 0, ErrTruncated
	}
	meta := b[TokenLen : TokenLen+MetadataLen]
	kind, ok := kindFromToken(meta[:TokenLen])
	if !ok {
		return Message{}, 0, errors.Wrapf(ErrUnknownKind, "%q", meta[:TokenLen])
	}

	body := b[TokenLen+MetadataLen:]
	end := bytes.Index(body, endToken[:])
	if end < 0 {
		return Message{}, 0, ErrTruncated
	}

	msg := Message{
		Metadata: Metadata{
			Kind:      kind,
			Sequence:  binary.LittleEndian.Uint16(meta[TokenLen:]),
			EventCode: meta[TokenLen+2],
		},
		Payload: body[:end:end],
	}
	return msg, TokenLen + MetadataLen + end + TokenLen, nil
}

// Writer frames messages onto an underlying stream.
type Writer struct {
	w   io.Writer
	buf []byte
	n   int
}

// NewWriter returns a Writer emitting frames to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage frames payload and writes it in a single call to the
// underlying writer. An invalid kind is rejected with ErrUnknownKind.
func (w *Writer) WriteMessage(meta Metadata, payload []byte) error {
	if !meta.Kind.Valid() {
		return errors.Wrapf(ErrUnknownKind, "%s", meta.Kind)
	}
	w.buf = AppendEncode(w.buf[:0], meta, payload)
	if _, err := w.w.Write(w.buf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	w.n++
	return nil
}

// Count returns the number of frames written so far.
func (w *Writer) Count() int {
	return w.n
}
