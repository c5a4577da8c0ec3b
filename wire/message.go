// Package wire implements the token-framed message format used for captured
// X11 sessions. Every frame is delimited by a fixed start and end token and
// carries an 11 byte metadata block between the start token and the payload.
// The payload length is not stored, it is recovered by locating the end token.
package wire

import "fmt"

// Token and metadata sizes in bytes.
const (
	TokenLen    = 8
	MetadataLen = TokenLen + 2 + 1
	// Overhead is the number of framing bytes added to every payload.
	Overhead = TokenLen + MetadataLen + TokenLen
)

var (
	startToken = [TokenLen]byte{'_', '_', '_', '_', 'M', 'S', 'G', 'S'}
	endToken   = [TokenLen]byte{'_', '_', '_', '_', 'M', 'S', 'G', 'E'}
)

// Kind identifies the direction and phase of a message.
type Kind uint8

const (
	// ClientSetup is the connection setup sent by the client. There is exactly
	// one per session.
	ClientSetup Kind = iota
	// ServerSetup is the server's answer to ClientSetup.
	ServerSetup
	// ClientMessage is any post-setup request sent by the client.
	ClientMessage
	// ServerMessage is any post-setup reply, event or error sent by the server.
	ServerMessage
)

var kindTokens = [...][TokenLen]byte{
	ClientSetup:   {'C', 'L', '_', '_', '_', '_', 'S', 'E'},
	ServerSetup:   {'S', 'E', '_', '_', '_', '_', 'S', 'E'},
	ClientMessage: {'C', 'L', '_', '_', '_', '_', 'M', 'E'},
	ServerMessage: {'S', 'E', '_', '_', '_', '_', 'M', 'E'},
}

func (k Kind) String() string {
	switch k {
	case ClientSetup:
		return "client-setup"
	case ServerSetup:
		return "server-setup"
	case ClientMessage:
		return "client-message"
	case ServerMessage:
		return "server-message"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the four message kinds.
func (k Kind) Valid() bool {
	return k <= ServerMessage
}

// FromClient reports whether messages of this kind travel from the client to
// the server.
func (k Kind) FromClient() bool {
	return k == ClientSetup || k == ClientMessage
}

func kindFromToken(tok []byte) (Kind, bool) {
	for k, t := range kindTokens {
		if string(tok) == string(t[:]) {
			return Kind(k), true
		}
	}
	return 0, false
}

// Metadata is the fixed-size header of a message. Sequence and EventCode are
// caller defined and may be zero.
type Metadata struct {
	Kind      Kind
	Sequence  uint16
	EventCode uint8
}

// Message is a single decoded frame.
type Message struct {
	Metadata
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("Message{Kind=%s, Seq=%d, Code=%d, Len=%d}",
		m.Kind, m.Sequence, m.EventCode, len(m.Payload))
}
