package x11

import (
	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

// Major opcodes of the core requests built by this package.
const (
	OpChangeWindowAttributes = 2
	OpMapWindow              = 8
	OpConfigureWindow        = 12
	OpInternAtom             = 16
	OpGetInputFocus          = 43
)

func header(b []byte, opcode, data byte) {
	b[0] = opcode
	b[1] = data
	xgb.Put16(b[2:], uint16(len(b)/4))
}

// InternAtom requests the atom for name. It has a reply.
func InternAtom(onlyIfExists bool, name string) []byte {
	b := make([]byte, 8+xgb.Pad(len(name)))
	var only byte
	if onlyIfExists {
		only = 1
	}
	header(b, OpInternAtom, only)
	xgb.Put16(b[4:], uint16(len(name)))
	copy(b[8:], name)
	return b
}

// GetInputFocus requests the focused window. It has a reply and is the usual
// round trip to flush out errors of earlier requests.
func GetInputFocus() []byte {
	b := make([]byte, 4)
	header(b, OpGetInputFocus, 0)
	return b
}

// MapWindow maps w.
func MapWindow(w xproto.Window) []byte {
	b := make([]byte, 8)
	header(b, OpMapWindow, 0)
	xgb.Put32(b[4:], uint32(w))
	return b
}

// ChangeWindowAttributes sets the attributes in mask on w. values are in
// mask bit order.
func ChangeWindowAttributes(w xproto.Window, mask uint32, values []uint32) []byte {
	b := make([]byte, 12+4*len(values))
	header(b, OpChangeWindowAttributes, 0)
	xgb.Put32(b[4:], uint32(w))
	xgb.Put32(b[8:], mask)
	for i, v := range values {
		xgb.Put32(b[12+4*i:], v)
	}
	return b
}

// ConfigureWindow changes the geometry fields in mask on w. values are in
// mask bit order.
func ConfigureWindow(w xproto.Window, mask uint16, values []uint32) []byte {
	b := make([]byte, 12+4*len(values))
	header(b, OpConfigureWindow, 0)
	xgb.Put32(b[4:], uint32(w))
	xgb.Put16(b[8:], mask)
	for i, v := range values {
		xgb.Put32(b[12+4*i:], v)
	}
	return b
}

// ConfigureValues lists the fields of a ConfigureRequest in mask bit order, so
// the request can be granted unchanged.
func ConfigureValues(ev xproto.ConfigureRequestEvent) []uint32 {
	values := make([]uint32, 0, 7)

	if ev.ValueMask&xproto.ConfigWindowX != 0 {
		values = append(values, uint32(ev.X))
	}
	if ev.ValueMask&xproto.ConfigWindowY != 0 {
		values = append(values, uint32(ev.Y))
	}
	if ev.ValueMask&xproto.ConfigWindowWidth != 0 {
		values = append(values, uint32(ev.Width))
	}
	if ev.ValueMask&xproto.ConfigWindowHeight != 0 {
		values = append(values, uint32(ev.Height))
	}
	if ev.ValueMask&xproto.ConfigWindowBorderWidth != 0 {
		values = append(values, uint32(ev.BorderWidth))
	}
	if ev.ValueMask&xproto.ConfigWindowSibling != 0 {
		values = append(values, uint32(ev.Sibling))
	}
	if ev.ValueMask&xproto.ConfigWindowStackMode != 0 {
		values = append(values, uint32(ev.StackMode))
	}

	return values
}
