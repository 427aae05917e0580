package commands_test

import (
	"bytes"
	"testing"

	"github.com/hid-io/hidiod/protocol"
	"github.com/hid-io/hidiod/protocol/commands"
)

// fakeDevice implements a keyboard-ish command surface for dispatch tests.
type fakeDevice struct {
	disp *commands.Dispatcher

	flashAllowed bool
	noacked      [][]byte
	acksSeen     []commands.ID
}

func (f *fakeDevice) HandleSupportedIds() (commands.SupportedIdsAck, error) {
	return commands.SupportedIdsAck{Ids: f.disp.Supported()}, nil
}

func (f *fakeDevice) HandleGetInfo(c commands.GetInfoCmd) (commands.GetInfoAck, error) {
	switch c.Property {
	case commands.PropMajorVersion:
		return commands.GetInfoAck{Property: c.Property, Number: 12}, nil
	case commands.PropDeviceName:
		return commands.GetInfoAck{Property: c.Property, Str: "Test Keyboard"}, nil
	}
	return commands.GetInfoAck{}, commands.NakGetInfo(c.Property)
}

func (f *fakeDevice) HandleTestPacket(t commands.TestPacket) (commands.TestPacket, error) {
	return t, nil
}

func (f *fakeDevice) HandleTestPacketNoAck(t commands.TestPacket) {
	f.noacked = append(f.noacked, t.Data)
}

func (f *fakeDevice) HandleFlashMode() (commands.FlashModeAck, error) {
	if !f.flashAllowed {
		return commands.FlashModeAck{}, commands.NakFlashMode(commands.FlashModeDisabled)
	}
	return commands.FlashModeAck{Scancode: 0x0029}, nil
}

func (f *fakeDevice) HandleAck(id commands.ID, data []byte) {
	f.acksSeen = append(f.acksSeen, id)
}

func newFakeDevice(h int) *fakeDevice {
	f := &fakeDevice{}
	f.disp = commands.NewDispatcher(f, h)
	return f
}

func dataPacket(id commands.ID, payload []byte) protocol.PacketBuffer {
	return protocol.PacketBuffer{
		Ptype:  protocol.TypeData,
		Id:     uint32(id),
		MaxLen: 64,
		Data:   payload,
		Done:   true,
	}
}

// Round-trip TestPacket: Data id=0002 payload 48 49 is echoed as an ack with
// the same id and payload.
func TestDispatchTestPacketEcho(t *testing.T) {
	f := newFakeDevice(64)
	reply, err := f.disp.Dispatch(dataPacket(commands.IdTestPacket, []byte{0x48, 0x49}))
	if err != nil {
		t.Fatal(err)
	}
	if reply == nil {
		t.Fatal("expected a reply")
	}
	if reply.Ptype != protocol.TypeAck {
		t.Errorf("ptype %v", reply.Ptype)
	}
	if reply.Id != uint32(commands.IdTestPacket) {
		t.Errorf("reply id %#x does not mirror the request", reply.Id)
	}
	if !bytes.Equal(reply.Data, []byte{0x48, 0x49}) {
		t.Errorf("echo % X", reply.Data)
	}
}

// Unsupported id: Data id=0099 gets an empty nak and IdNotSupported.
func TestDispatchUnsupportedId(t *testing.T) {
	f := newFakeDevice(64)
	reply, err := f.disp.Dispatch(dataPacket(commands.ID(0x99), nil))
	if err != commands.ErrIdNotSupported {
		t.Fatalf("got %v, want ErrIdNotSupported", err)
	}
	if reply == nil || reply.Ptype != protocol.TypeNak {
		t.Fatal("expected an empty nak reply")
	}
	if reply.Id != 0x99 || len(reply.Data) != 0 {
		t.Errorf("nak id:%#x len:%d", reply.Id, len(reply.Data))
	}
}

// GetInfo MajorVersion: Data id=0001 payload 01 acks 01 0C 00 (major=12).
func TestDispatchGetInfoMajorVersion(t *testing.T) {
	f := newFakeDevice(64)
	reply, err := f.disp.Dispatch(dataPacket(commands.IdGetInfo, []byte{0x01}))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply.Data, []byte{0x01, 0x0C, 0x00}) {
		t.Errorf("ack payload % X, want 01 0C 00", reply.Data)
	}
}

// A fire-and-forget NaData reaches the no-ack hook and never produces a
// reply.
func TestDispatchNaDataNeverReplies(t *testing.T) {
	f := newFakeDevice(64)
	pkt := dataPacket(commands.IdTestPacket, []byte{0xAB})
	pkt.Ptype = protocol.TypeNaData
	reply, err := f.disp.Dispatch(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if reply != nil {
		t.Fatal("NaData must not generate a reply")
	}
	if len(f.noacked) != 1 || !bytes.Equal(f.noacked[0], []byte{0xAB}) {
		t.Errorf("no-ack hook saw %v", f.noacked)
	}
}

// A hook refusing with a typed nak propagates its payload.
func TestDispatchTypedNak(t *testing.T) {
	f := newFakeDevice(64)
	reply, err := f.disp.Dispatch(dataPacket(commands.IdFlashMode, nil))
	if err == nil {
		t.Fatal("expected the nak cause as a diagnostic error")
	}
	if reply.Ptype != protocol.TypeNak {
		t.Fatalf("ptype %v", reply.Ptype)
	}
	if !bytes.Equal(reply.Data, []byte{byte(commands.FlashModeDisabled)}) {
		t.Errorf("nak payload % X", reply.Data)
	}

	f.flashAllowed = true
	reply, err = f.disp.Dispatch(dataPacket(commands.IdFlashMode, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply.Data, []byte{0x29, 0x00}) {
		t.Errorf("ack scancode % X", reply.Data)
	}
}

// A reply too large for H is replaced with a payload-too-small nak.
func TestDispatchReplyExceedsCapacity(t *testing.T) {
	f := newFakeDevice(4)
	reply, err := f.disp.Dispatch(dataPacket(commands.IdTestPacket, []byte("too long for four")))
	if err != commands.ErrPayloadTooSmall {
		t.Fatalf("got %v, want ErrPayloadTooSmall", err)
	}
	if reply.Ptype != protocol.TypeNak || len(reply.Data) != 0 {
		t.Errorf("expected empty nak, got %v len:%d", reply.Ptype, len(reply.Data))
	}
}

// Acks route to the observer hook and never produce replies.
func TestDispatchAckObserver(t *testing.T) {
	f := newFakeDevice(64)
	pkt := dataPacket(commands.IdTestPacket, nil)
	pkt.Ptype = protocol.TypeAck
	reply, err := f.disp.Dispatch(pkt)
	if err != nil || reply != nil {
		t.Fatalf("reply:%v err:%v", reply, err)
	}
	if len(f.acksSeen) != 1 || f.acksSeen[0] != commands.IdTestPacket {
		t.Errorf("observer saw %v", f.acksSeen)
	}
}

// Supported reflects exactly the hooks the implementation declares.
func TestDispatchSupported(t *testing.T) {
	f := newFakeDevice(64)
	want := []commands.ID{
		commands.IdSupportedIds,
		commands.IdGetInfo,
		commands.IdTestPacket,
		commands.IdFlashMode,
	}
	got := f.disp.Supported()
	if len(got) != len(want) {
		t.Fatalf("supported %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("supported %v, want %v", got, want)
		}
	}
	if f.disp.SupportedId(commands.IdSleepMode) {
		t.Error("SleepMode is not implemented and must not be advertised")
	}
}

// Decode failures on typed arguments nak rather than crash.
func TestDispatchDecodeFailure(t *testing.T) {
	f := newFakeDevice(64)
	reply, err := f.disp.Dispatch(dataPacket(commands.IdGetInfo, nil))
	if err != commands.ErrShortPayload {
		t.Fatalf("got %v, want ErrShortPayload", err)
	}
	if reply.Ptype != protocol.TypeNak {
		t.Errorf("ptype %v", reply.Ptype)
	}
}
