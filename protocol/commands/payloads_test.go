package commands_test

import (
	"bytes"
	"testing"

	"github.com/hid-io/hidiod/protocol/commands"
)

// GetInfo acks select their lane by property: u16 for versions, a tag byte
// for the OS, UTF-8 for everything else.
func TestGetInfoAckLanes(t *testing.T) {
	num, err := commands.GetInfoAck{Property: commands.PropMinorVersion, Number: 0x0201}.Marshal(64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(num, []byte{0x02, 0x01, 0x02}) {
		t.Errorf("number lane % X", num)
	}

	osAck, err := commands.GetInfoAck{Property: commands.PropOsType, Os: 0x02}.Marshal(64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(osAck, []byte{0x0B, 0x02}) {
		t.Errorf("os lane % X", osAck)
	}

	str, err := commands.GetInfoAck{Property: commands.PropDeviceName, Str: "kbd"}.Marshal(64)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := commands.ParseGetInfoAck(str)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Str != "kbd" || parsed.Property != commands.PropDeviceName {
		t.Errorf("string lane %+v", parsed)
	}
}

// The string lane respects the one-byte tag overhead: a string of exactly
// limit-1 bytes fits, one more does not.
func TestGetInfoAckStringCapacity(t *testing.T) {
	sizes := commands.NewSizes(8)
	ok := commands.GetInfoAck{Property: commands.PropDeviceName, Str: "1234567"}
	if _, err := ok.Marshal(sizes.Full); err != nil {
		t.Errorf("string of %d bytes should fit H=%d: %v", sizes.Sub1, sizes.Full, err)
	}
	over := commands.GetInfoAck{Property: commands.PropDeviceName, Str: "12345678"}
	if _, err := over.Marshal(sizes.Full); err != commands.ErrPayloadTooSmall {
		t.Errorf("got %v, want ErrPayloadTooSmall", err)
	}
}

func TestDirectSetWire(t *testing.T) {
	raw, err := commands.DirectSet{StartAddress: 0x1234, Data: []byte{0xAA, 0xBB}}.Marshal(64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte{0x34, 0x12, 0xAA, 0xBB}) {
		t.Errorf("wire % X", raw)
	}
	back, err := commands.ParseDirectSet(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.StartAddress != 0x1234 || !bytes.Equal(back.Data, []byte{0xAA, 0xBB}) {
		t.Errorf("parsed %+v", back)
	}
}

func TestManufacturingResultWire(t *testing.T) {
	raw, err := commands.ManufacturingResult{Command: 1, Argument: 0x0302, Data: []byte{9}}.Marshal(64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte{0x01, 0x00, 0x02, 0x03, 0x09}) {
		t.Errorf("wire % X", raw)
	}
	back, err := commands.ParseManufacturingResult(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.Command != 1 || back.Argument != 0x0302 || !bytes.Equal(back.Data, []byte{9}) {
		t.Errorf("parsed %+v", back)
	}
}

func TestUnicodeTextRejectsInvalidUtf8(t *testing.T) {
	if _, err := commands.ParseUnicodeText([]byte{0xFF, 0xFE}); err != commands.ErrInvalidUtf8 {
		t.Errorf("got %v, want ErrInvalidUtf8", err)
	}
}

func TestSupportedIdsAckRejectsOddLength(t *testing.T) {
	if _, err := commands.ParseSupportedIdsAck([]byte{0x01}); err != commands.ErrShortPayload {
		t.Errorf("got %v, want ErrShortPayload", err)
	}
}

func TestSupportedIdsAckWire(t *testing.T) {
	ack := commands.SupportedIdsAck{Ids: []commands.ID{commands.IdGetInfo, commands.IdFlashMode}}
	raw, err := ack.Marshal(64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte{0x01, 0x00, 0x16, 0x00}) {
		t.Errorf("wire % X", raw)
	}
	back, err := commands.ParseSupportedIdsAck(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Ids) != 2 || back.Ids[1] != commands.IdFlashMode {
		t.Errorf("parsed %v", back.Ids)
	}
}
