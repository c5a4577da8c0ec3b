package x11

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/xgb"
	"github.com/pkg/errors"
)

// Protocol version sent in the setup request.
const (
	ProtocolMajor = 11
	ProtocolMinor = 0
)

// Setup reply status codes.
const (
	SetupFailed       = 0
	SetupSuccess      = 1
	SetupAuthenticate = 2
)

// AuthCookie is the only authorization protocol this package reads from an
// authority file.
const AuthCookie = "MIT-MAGIC-COOKIE-1"

// SocketDir holds the local X server sockets.
const SocketDir = "/tmp/.X11-unix"

var (
	// ErrDisplay is returned for a display name that is not a local display.
	ErrDisplay = errors.New("unsupported display name")
	// ErrNoAuthority is returned when no usable authority entry exists.
	ErrNoAuthority = errors.New("no authority entry for display")
)

// EncodeSetup builds a little-endian client setup request.
func EncodeSetup(authName string, authData []byte) []byte {
	b := make([]byte, ClientSetupHeaderLen+xgb.Pad(len(authName))+xgb.Pad(len(authData)))
	b[0] = ByteOrderLSB
	xgb.Put16(b[2:], ProtocolMajor)
	xgb.Put16(b[4:], ProtocolMinor)
	xgb.Put16(b[6:], uint16(len(authName)))
	xgb.Put16(b[8:], uint16(len(authData)))
	off := ClientSetupHeaderLen
	copy(b[off:], authName)
	off += xgb.Pad(len(authName))
	copy(b[off:], authData)
	return b
}

// SetupFailure returns the reason carried by a failed or authenticate setup
// reply.
func SetupFailure(reply []byte) string {
	if len(reply) < ServerSetupHeaderLen {
		return ""
	}
	n := int(reply[1])
	if reply[0] == SetupAuthenticate {
		// The authenticate form carries no length byte, the reason fills the body.
		return strings.TrimRight(string(reply[ServerSetupHeaderLen:]), "\x00")
	}
	if ServerSetupHeaderLen+n > len(reply) {
		n = len(reply) - ServerSetupHeaderLen
	}
	return string(reply[ServerSetupHeaderLen : ServerSetupHeaderLen+n])
}

// Display is a parsed local display name.
type Display struct {
	Number int
	Screen int
}

// Socket returns the path of the display's unix socket.
func (d Display) Socket() string {
	return filepath.Join(SocketDir, "X"+strconv.Itoa(d.Number))
}

// ParseDisplay parses ":N", ":N.S" and "unix:N[.S]". An empty name is taken
// from $DISPLAY.
func ParseDisplay(name string) (Display, error) {
	if name == "" {
		name = os.Getenv("DISPLAY")
	}
	host, rest, ok := strings.Cut(name, ":")
	if !ok || (host != "" && host != "unix") {
		return Display{}, errors.Wrapf(ErrDisplay, "%q", name)
	}

	num, screen, hasScreen := strings.Cut(rest, ".")
	var d Display
	var err error
	if d.Number, err = strconv.Atoi(num); err != nil || d.Number < 0 {
		return Display{}, errors.Wrapf(ErrDisplay, "%q", name)
	}
	if hasScreen {
		if d.Screen, err = strconv.Atoi(screen); err != nil || d.Screen < 0 {
			return Display{}, errors.Wrapf(ErrDisplay, "%q", name)
		}
	}
	return d, nil
}

// AuthorityPath returns $XAUTHORITY, or ~/.Xauthority when it is unset.
func AuthorityPath() string {
	if p := os.Getenv("XAUTHORITY"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".Xauthority")
}

// Authority families that identify the local machine.
const (
	familyLocal    = 256
	familyWildcard = 65535
)

// ReadAuthority returns the cookie for display from the authority file at
// path. Local entries must name this host.
func ReadAuthority(path string, display int) (name string, data []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, errors.Wrap(err, "open authority file")
	}
	defer f.Close()

	host, err := os.Hostname()
	if err != nil {
		return "", nil, errors.Wrap(err, "hostname")
	}
	return readAuthority(bufio.NewReader(f), host, strconv.Itoa(display))
}

func readAuthority(r io.Reader, host, display string) (string, []byte, error) {
	for {
		var family uint16
		if err := binary.Read(r, binary.BigEndian, &family); err != nil {
			if err == io.EOF {
				return "", nil, ErrNoAuthority
			}
			return "", nil, errors.Wrap(err, "read authority family")
		}

		var fields [4][]byte
		for i := range fields {
			b, err := readCounted(r)
			if err != nil {
				return "", nil, errors.Wrap(err, "read authority entry")
			}
			fields[i] = b
		}
		addr, num, name, data := fields[0], fields[1], fields[2], fields[3]

		if family == familyLocal && string(addr) != host {
			continue
		}
		if family != familyLocal && family != familyWildcard {
			continue
		}
		if len(num) > 0 && string(num) != display {
			continue
		}
		if string(name) != AuthCookie {
			continue
		}
		return string(name), data, nil
	}
}

func readCounted(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
