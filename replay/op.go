// Package replay drives a recorded X11 session against a live peer and
// measures how long it takes. A session is split at a checkpoint into a
// startup prefix and a steady-state suffix, and each part is coalesced into
// alternating writes and reads along direction changes.
package replay

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/MarcusGrass/pgwm-sub001/wire"
)

// ErrCheckpoint is returned by Split when the session has fewer client
// messages than the checkpoint.
var ErrCheckpoint = errors.New("checkpoint not reached")

// OpKind is the direction of an Op as seen by the side replaying the client.
type OpKind uint8

const (
	// Write sends Data to the peer.
	Write OpKind = iota
	// Read receives len(Data) bytes from the peer.
	Read
)

func (k OpKind) String() string {
	switch k {
	case Write:
		return "write"
	case Read:
		return "read"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Op is one coalesced transfer. Data holds the recorded bytes for both kinds;
// a Read only uses its length.
type Op struct {
	Kind OpKind
	Data []byte
}

// Len returns the number of bytes the op transfers.
func (o Op) Len() int {
	return len(o.Data)
}

func (o Op) String() string {
	return fmt.Sprintf("%s(%d)", o.Kind, len(o.Data))
}

// Load reads and decodes a captured session file.
func Load(path string) ([]wire.Message, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	msgs, err := wire.DecodeAll(b)
	if err != nil {
		return nil, errors.Wrapf(err, "decode session %s", path)
	}
	return msgs, nil
}

// Split cuts msgs after the message carrying the checkpoint-th client
// message. A checkpoint of zero leaves the startup slice empty.
func Split(msgs []wire.Message, checkpoint int) (startup, steady []wire.Message, err error) {
	if checkpoint <= 0 {
		return nil, msgs, nil
	}
	seen := 0
	for i, m := range msgs {
		if !m.Kind.FromClient() {
			continue
		}
		seen++
		if seen == checkpoint {
			return msgs[:i+1], msgs[i+1:], nil
		}
	}
	return nil, nil, errors.Wrapf(ErrCheckpoint, "%d client messages, checkpoint %d", seen, checkpoint)
}

// Coalesce merges runs of same-direction messages: client runs become one
// Write of the concatenated payloads, server runs one Read of their total
// length. Consecutive ops always differ in kind.
func Coalesce(msgs []wire.Message) []Op {
	var ops []Op
	for _, m := range msgs {
		kind := Read
		if m.Kind.FromClient() {
			kind = Write
		}
		if n := len(ops); n > 0 && ops[n-1].Kind == kind {
			ops[n-1].Data = append(ops[n-1].Data, m.Payload...)
			continue
		}
		ops = append(ops, Op{Kind: kind, Data: append([]byte(nil), m.Payload...)})
	}
	return ops
}

// Invert returns the ops as the peer performs them: every Write becomes a
// Read and every Read a Write of the same bytes.
func Invert(ops []Op) []Op {
	inv := make([]Op, len(ops))
	for i, o := range ops {
		inv[i] = o
		if o.Kind == Write {
			inv[i].Kind = Read
		} else {
			inv[i].Kind = Write
		}
	}
	return inv
}

// Plan is a session prepared for replay.
type Plan struct {
	Startup []Op
	Steady  []Op
}

// NewPlan splits msgs at checkpoint and coalesces both parts.
func NewPlan(msgs []wire.Message, checkpoint int) (Plan, error) {
	startup, steady, err := Split(msgs, checkpoint)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Startup: Coalesce(startup), Steady: Coalesce(steady)}, nil
}

// Invert returns the plan as the peer performs it.
func (p Plan) Invert() Plan {
	return Plan{Startup: Invert(p.Startup), Steady: Invert(p.Steady)}
}
