package uring

import "fmt"

// Source identifies one registered endpoint. The value doubles as the index of
// the source's registered buffer and as the tag carried by its submissions.
type Source uint8

const (
	// SockIn reads from the X server socket.
	SockIn Source = iota
	// SockOut writes to the X server socket. It is the only write source.
	SockOut
	// CPU reads the cpu telemetry file.
	CPU
	// Mem reads the memory telemetry file.
	Mem
	// Net reads the network telemetry file.
	Net
	// Bat reads the battery telemetry file.
	Bat

	// NumSources is the number of sources and registered buffers.
	NumSources = int(Bat) + 1
	// NumFiles is the number of registered file descriptors. Both socket
	// sources share one descriptor.
	NumFiles = NumSources - 1
)

func (s Source) String() string {
	switch s {
	case SockIn:
		return "sock-in"
	case SockOut:
		return "sock-out"
	case CPU:
		return "cpu"
	case Mem:
		return "mem"
	case Net:
		return "net"
	case Bat:
		return "bat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s Source) valid() bool {
	return int(s) < NumSources
}

// fileIndex maps a source to its index in the registered file table.
func (s Source) fileIndex() int {
	if s <= SockOut {
		return 0
	}
	return int(s) - 1
}

// seekable sources are plain files re-read from offset zero on every read.
func (s Source) seekable() bool {
	return s > SockOut
}

// StateKind is the phase of a read source.
type StateKind uint8

const (
	// Inactive means nothing is submitted.
	Inactive StateKind = iota
	// Pending means a read is submitted and has not completed.
	Pending
	// Ready means a read completed and its bytes have not been taken.
	Ready
)

func (k StateKind) String() string {
	switch k {
	case Inactive:
		return "inactive"
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// State is the state of a read source. N is only meaningful when Kind is Ready.
type State struct {
	Kind StateKind
	N    int
}

func (s State) String() string {
	if s.Kind == Ready {
		return fmt.Sprintf("ready(%d)", s.N)
	}
	return s.Kind.String()
}
