// Package x11 frames the X11 byte stream. It knows just enough of the core
// protocol to find message boundaries in both directions, encode the
// connection setup and build the handful of requests the window manager
// sends. Only little-endian connections are handled.
package x11

import (
	"github.com/BurntSushi/xgb"
	"github.com/pkg/errors"
)

const (
	// ClientSetupHeaderLen is the fixed part of the client setup request.
	ClientSetupHeaderLen = 12
	// ServerSetupHeaderLen is the fixed part of every server setup reply.
	ServerSetupHeaderLen = 8
	// RequestHeaderLen is the fixed part of a request.
	RequestHeaderLen = 4
	// ResponseLen is the size of errors, events and the fixed part of replies.
	ResponseLen = 32

	// ByteOrderLSB is the byte order flag of a little-endian client.
	ByteOrderLSB = 'l'

	// ResponseError marks an error in the first byte of a server message.
	ResponseError = 0
	// ResponseReply marks a reply in the first byte of a server message.
	ResponseReply = 1
	// GenericEvent is the event code of the variable-length event form.
	GenericEvent = 35
)

var (
	// ErrByteOrder is returned for a setup request that is not little-endian.
	ErrByteOrder = errors.New("unsupported byte order")
	// ErrBadLength is returned for a request whose length field is impossible.
	ErrBadLength = errors.New("invalid request length")
)

// ClientSetupLen returns the total length of the client setup request
// starting at b, or 0 if b does not yet hold its header.
func ClientSetupLen(b []byte) (int, error) {
	if len(b) < ClientSetupHeaderLen {
		return 0, nil
	}
	if b[0] != ByteOrderLSB {
		return 0, errors.Wrapf(ErrByteOrder, "%#x", b[0])
	}
	nameLen := int(xgb.Get16(b[6:]))
	dataLen := int(xgb.Get16(b[8:]))
	return ClientSetupHeaderLen + xgb.Pad(nameLen) + xgb.Pad(dataLen), nil
}

// ServerSetupLen returns the total length of the server setup reply starting
// at b, or 0 if b does not yet hold its header.
func ServerSetupLen(b []byte) int {
	if len(b) < ServerSetupHeaderLen {
		return 0
	}
	return ServerSetupHeaderLen + 4*int(xgb.Get16(b[6:]))
}

// RequestLen returns the total length of the request starting at b, or 0 if
// b does not yet hold enough of it. A zero length field is the BIG-REQUESTS
// form with the length in the following four bytes.
func RequestLen(b []byte) (int, error) {
	if len(b) < RequestHeaderLen {
		return 0, nil
	}
	if units := xgb.Get16(b[2:]); units != 0 {
		return 4 * int(units), nil
	}
	if len(b) < 8 {
		return 0, nil
	}
	units := xgb.Get32(b[4:])
	if units < 2 {
		return 0, errors.Wrapf(ErrBadLength, "big request of %d units", units)
	}
	return 4 * int(units), nil
}

// ServerMessageLen returns the total length of the error, reply or event
// starting at b, or 0 if b does not yet hold its fixed part.
func ServerMessageLen(b []byte) int {
	if len(b) < ResponseLen {
		return 0
	}
	switch b[0] & 0x7f {
	case ResponseReply, GenericEvent:
		return ResponseLen + 4*int(xgb.Get32(b[4:]))
	default:
		return ResponseLen
	}
}
