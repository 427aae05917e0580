package commands

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

var (
	// ErrInvalidUtf8 is generated when a string-carrying payload fails UTF-8
	// validation
	ErrInvalidUtf8 = errors.New("commands: payload is not valid utf-8")

	// ErrShortPayload is generated when a payload is shorter than its fixed
	// fields require
	ErrShortPayload = errors.New("commands: payload too short")

	// ErrPayloadTooSmall is generated when a reply does not fit the
	// dispatcher's payload capacity
	ErrPayloadTooSmall = errors.New("commands: reply exceeds payload capacity")

	// ErrInvalidProperty is generated when a GetInfo property tag is not
	// assigned
	ErrInvalidProperty = errors.New("commands: invalid getinfo property")

	// byteOrder is the wire order of every multi-byte lane
	byteOrder = binary.LittleEndian
)

// checkUtf8 validates b and returns it as a string.
func checkUtf8(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", ErrInvalidUtf8
	}
	return string(b), nil
}

// fit errors unless b fits within limit bytes.
func fit(b []byte, limit int) ([]byte, error) {
	if len(b) > limit {
		return nil, ErrPayloadTooSmall
	}
	return b, nil
}

// SupportedIdsAck lists the command ids the responder implements.
type SupportedIdsAck struct {
	Ids []ID
}

// Marshal encodes the id list as little-endian u16s.
func (a SupportedIdsAck) Marshal(limit int) ([]byte, error) {
	b := make([]byte, 2*len(a.Ids))
	for i, id := range a.Ids {
		byteOrder.PutUint16(b[2*i:], uint16(id))
	}
	return fit(b, limit)
}

// ParseSupportedIdsAck decodes a little-endian u16 id list.
func ParseSupportedIdsAck(b []byte) (SupportedIdsAck, error) {
	if len(b)%2 != 0 {
		return SupportedIdsAck{}, ErrShortPayload
	}
	a := SupportedIdsAck{Ids: make([]ID, len(b)/2)}
	for i := range a.Ids {
		a.Ids[i] = ID(byteOrder.Uint16(b[2*i:]))
	}
	return a, nil
}

// GetInfoCmd requests one property.
type GetInfoCmd struct {
	Property Property
}

// Marshal encodes the property tag.
func (c GetInfoCmd) Marshal(limit int) ([]byte, error) {
	return fit([]byte{byte(c.Property)}, limit)
}

// ParseGetInfoCmd decodes the property tag.
func ParseGetInfoCmd(b []byte) (GetInfoCmd, error) {
	if len(b) < 1 {
		return GetInfoCmd{}, ErrShortPayload
	}
	p := Property(b[0])
	if p > PropHostSoftwareName {
		return GetInfoCmd{}, ErrInvalidProperty
	}
	return GetInfoCmd{Property: p}, nil
}

// GetInfoAck answers a GetInfo request.  Exactly one of Number, Os and Str
// is meaningful, selected by the property tag.
type GetInfoAck struct {
	Property Property

	// Number is set for the version-number properties
	Number uint16

	// Os is set for the OsType property
	Os byte

	// Str is set for every string property
	Str string
}

// Marshal encodes tag plus the property-selected lane.  The string lane has
// one byte less capacity than the raw payload because of the tag.
func (a GetInfoAck) Marshal(limit int) ([]byte, error) {
	switch {
	case numberProperty(a.Property):
		b := make([]byte, 3)
		b[0] = byte(a.Property)
		byteOrder.PutUint16(b[1:], a.Number)
		return fit(b, limit)
	case osProperty(a.Property):
		return fit([]byte{byte(a.Property), a.Os}, limit)
	default:
		return fit(append([]byte{byte(a.Property)}, a.Str...), limit)
	}
}

// ParseGetInfoAck decodes a GetInfo ack.
func ParseGetInfoAck(b []byte) (GetInfoAck, error) {
	if len(b) < 1 {
		return GetInfoAck{}, ErrShortPayload
	}
	a := GetInfoAck{Property: Property(b[0])}
	rest := b[1:]
	switch {
	case numberProperty(a.Property):
		if len(rest) < 2 {
			return GetInfoAck{}, ErrShortPayload
		}
		a.Number = byteOrder.Uint16(rest)
	case osProperty(a.Property):
		if len(rest) < 1 {
			return GetInfoAck{}, ErrShortPayload
		}
		a.Os = rest[0]
	default:
		s, err := checkUtf8(rest)
		if err != nil {
			return GetInfoAck{}, err
		}
		a.Str = s
	}
	return a, nil
}

// GetInfoNak reports the rejected property tag.
type GetInfoNak struct {
	Property Property
}

// Marshal encodes the rejected property tag.
func (n GetInfoNak) Marshal(limit int) ([]byte, error) {
	return fit([]byte{byte(n.Property)}, limit)
}

// TestPacket echoes its payload.
type TestPacket struct {
	Data []byte
}

// Marshal returns the payload unchanged.
func (t TestPacket) Marshal(limit int) ([]byte, error) {
	return fit(t.Data, limit)
}

// ParseTestPacket wraps the raw payload.
func ParseTestPacket(b []byte) (TestPacket, error) {
	return TestPacket{Data: b}, nil
}

// FlashModeAck reports the scancode that re-enters normal mode.
type FlashModeAck struct {
	Scancode uint16
}

// Marshal encodes the scancode.
func (a FlashModeAck) Marshal(limit int) ([]byte, error) {
	b := make([]byte, 2)
	byteOrder.PutUint16(b, a.Scancode)
	return fit(b, limit)
}

// ParseFlashModeAck decodes the scancode.
func ParseFlashModeAck(b []byte) (FlashModeAck, error) {
	if len(b) < 2 {
		return FlashModeAck{}, ErrShortPayload
	}
	return FlashModeAck{Scancode: byteOrder.Uint16(b)}, nil
}

// FlashModeNak carries the refusal reason.
type FlashModeNak struct {
	Error FlashModeError
}

// Marshal encodes the reason byte.
func (n FlashModeNak) Marshal(limit int) ([]byte, error) {
	return fit([]byte{byte(n.Error)}, limit)
}

// ParseFlashModeNak decodes the reason byte.
func ParseFlashModeNak(b []byte) (FlashModeNak, error) {
	if len(b) < 1 {
		return FlashModeNak{}, ErrShortPayload
	}
	return FlashModeNak{Error: FlashModeError(b[0])}, nil
}

// UnicodeText is a UTF-8 string to be typed by the receiver.
type UnicodeText struct {
	Text string
}

// Marshal encodes the string.
func (u UnicodeText) Marshal(limit int) ([]byte, error) {
	return fit([]byte(u.Text), limit)
}

// ParseUnicodeText decodes and validates the string.
func ParseUnicodeText(b []byte) (UnicodeText, error) {
	s, err := checkUtf8(b)
	return UnicodeText{Text: s}, err
}

// UnicodeState is the UTF-8 set of symbols currently held.
type UnicodeState struct {
	Symbols string
}

// Marshal encodes the symbol set.
func (u UnicodeState) Marshal(limit int) ([]byte, error) {
	return fit([]byte(u.Symbols), limit)
}

// ParseUnicodeState decodes and validates the symbol set.
func ParseUnicodeState(b []byte) (UnicodeState, error) {
	s, err := checkUtf8(b)
	return UnicodeState{Symbols: s}, err
}

// SleepModeNak carries the refusal reason.
type SleepModeNak struct {
	Error SleepModeError
}

// Marshal encodes the reason byte.
func (n SleepModeNak) Marshal(limit int) ([]byte, error) {
	return fit([]byte{byte(n.Error)}, limit)
}

// ParseSleepModeNak decodes the reason byte.
func ParseSleepModeNak(b []byte) (SleepModeNak, error) {
	if len(b) < 1 {
		return SleepModeNak{}, ErrShortPayload
	}
	return SleepModeNak{Error: SleepModeError(b[0])}, nil
}

// PixelSetting controls the pixel processing pipeline.  The command and
// argument sub-fields are passed through untouched; ranges beyond the
// assigned ones are the device's to interpret.
type PixelSetting struct {
	Command  uint16
	Argument uint16
}

// Marshal encodes the two u16 lanes.
func (p PixelSetting) Marshal(limit int) ([]byte, error) {
	b := make([]byte, 4)
	byteOrder.PutUint16(b, p.Command)
	byteOrder.PutUint16(b[2:], p.Argument)
	return fit(b, limit)
}

// ParsePixelSetting decodes the two u16 lanes.
func ParsePixelSetting(b []byte) (PixelSetting, error) {
	if len(b) < 4 {
		return PixelSetting{}, ErrShortPayload
	}
	return PixelSetting{
		Command:  byteOrder.Uint16(b),
		Argument: byteOrder.Uint16(b[2:]),
	}, nil
}

// DirectSet writes raw pixel data starting at an address.
type DirectSet struct {
	StartAddress uint16
	Data         []byte
}

// Marshal encodes the start address followed by the data; the data lane has
// two bytes less capacity than the raw payload.
func (d DirectSet) Marshal(limit int) ([]byte, error) {
	b := make([]byte, 2+len(d.Data))
	byteOrder.PutUint16(b, d.StartAddress)
	copy(b[2:], d.Data)
	return fit(b, limit)
}

// ParseDirectSet decodes the start address and data.
func ParseDirectSet(b []byte) (DirectSet, error) {
	if len(b) < 2 {
		return DirectSet{}, ErrShortPayload
	}
	return DirectSet{StartAddress: byteOrder.Uint16(b), Data: b[2:]}, nil
}

// OpenUrl asks the host to open a URL with the default handler.
type OpenUrl struct {
	Url string
}

// Marshal encodes the URL.
func (o OpenUrl) Marshal(limit int) ([]byte, error) {
	return fit([]byte(o.Url), limit)
}

// ParseOpenUrl decodes and validates the URL string.
func ParseOpenUrl(b []byte) (OpenUrl, error) {
	s, err := checkUtf8(b)
	return OpenUrl{Url: s}, err
}

// TerminalCmd is a command line to execute on the receiver's terminal.
type TerminalCmd struct {
	Command string
}

// Marshal encodes the command line.
func (t TerminalCmd) Marshal(limit int) ([]byte, error) {
	return fit([]byte(t.Command), limit)
}

// ParseTerminalCmd decodes and validates the command line.
func ParseTerminalCmd(b []byte) (TerminalCmd, error) {
	s, err := checkUtf8(b)
	return TerminalCmd{Command: s}, err
}

// TerminalOut is terminal output from a device.
type TerminalOut struct {
	Output string
}

// Marshal encodes the output.
func (t TerminalOut) Marshal(limit int) ([]byte, error) {
	return fit([]byte(t.Output), limit)
}

// ParseTerminalOut decodes and validates the output.
func ParseTerminalOut(b []byte) (TerminalOut, error) {
	s, err := checkUtf8(b)
	return TerminalOut{Output: s}, err
}

// ManufacturingTest starts a manufacturing test.  The upper byte of Command
// is sometimes a test-mode selector and sometimes part of a column index,
// depending on the assigned range; unassigned values pass through untouched.
type ManufacturingTest struct {
	Command  uint16
	Argument uint16
}

// Marshal encodes the two u16 lanes.
func (m ManufacturingTest) Marshal(limit int) ([]byte, error) {
	b := make([]byte, 4)
	byteOrder.PutUint16(b, m.Command)
	byteOrder.PutUint16(b[2:], m.Argument)
	return fit(b, limit)
}

// ParseManufacturingTest decodes the two u16 lanes.
func ParseManufacturingTest(b []byte) (ManufacturingTest, error) {
	if len(b) < 4 {
		return ManufacturingTest{}, ErrShortPayload
	}
	return ManufacturingTest{
		Command:  byteOrder.Uint16(b),
		Argument: byteOrder.Uint16(b[2:]),
	}, nil
}

// ManufacturingResult reports test data back from a device.  The data lane
// has four bytes less capacity than the raw payload.
type ManufacturingResult struct {
	Command  uint16
	Argument uint16
	Data     []byte
}

// Marshal encodes the two u16 lanes followed by the data.
func (m ManufacturingResult) Marshal(limit int) ([]byte, error) {
	b := make([]byte, 4+len(m.Data))
	byteOrder.PutUint16(b, m.Command)
	byteOrder.PutUint16(b[2:], m.Argument)
	copy(b[4:], m.Data)
	return fit(b, limit)
}

// ParseManufacturingResult decodes the lanes and data.
func ParseManufacturingResult(b []byte) (ManufacturingResult, error) {
	if len(b) < 4 {
		return ManufacturingResult{}, ErrShortPayload
	}
	return ManufacturingResult{
		Command:  byteOrder.Uint16(b),
		Argument: byteOrder.Uint16(b[2:]),
		Data:     b[4:],
	}, nil
}
