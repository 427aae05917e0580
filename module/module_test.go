package module_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hid-io/hidiod/mailbox"
	"github.com/hid-io/hidiod/module"
	"github.com/hid-io/hidiod/module/displayserver"
	"github.com/hid-io/hidiod/protocol"
	"github.com/hid-io/hidiod/protocol/commands"
)

type fixture struct {
	mb      *mailbox.Mailbox
	mod     *module.Module
	display *displayserver.Null
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mb: mailbox.New(), display: displayserver.NewNull()}
	mod, err := module.New(f.mb, f.display, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.mod = mod
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.wg.Add(1)
	go func() { defer f.wg.Done(); mod.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		f.mb.DropAll()
		f.wg.Wait()
	})
	return f
}

// ask publishes a Data request to the module and returns the reply.
func (f *fixture) ask(t *testing.T, id commands.ID, payload []byte) mailbox.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := f.mb.SendAndAwaitAck(ctx, mailbox.Message{
		Src: mailbox.ApiClient(99),
		Dst: mailbox.Module,
		Data: protocol.PacketBuffer{
			Ptype: protocol.TypeData, Id: uint32(id), MaxLen: 64, Data: payload, Done: true,
		},
	}, 5)
	if err != nil {
		if e, ok := err.(*mailbox.NakReceivedError); ok {
			return e.Msg
		}
		t.Fatalf("ask %s: %v", id, err)
	}
	return reply
}

func TestDaemonNodeRegistered(t *testing.T) {
	f := newFixture(t)
	nodes := f.mb.Registry.List()
	if len(nodes) != 1 || nodes[0].Type != mailbox.NodeHidIoDaemon {
		t.Fatalf("registry %v", nodes)
	}
	if nodes[0].Uid != f.mod.Uid() {
		t.Errorf("daemon uid mismatch")
	}
}

func TestGetInfoMajorVersion(t *testing.T) {
	f := newFixture(t)
	reply := f.ask(t, commands.IdGetInfo, []byte{byte(commands.PropMajorVersion)})
	if reply.Data.Ptype != protocol.TypeAck {
		t.Fatalf("ptype %v", reply.Data.Ptype)
	}
	ack, err := commands.ParseGetInfoAck(reply.Data.Data)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Property != commands.PropMajorVersion {
		t.Errorf("property %v", ack.Property)
	}
}

func TestGetInfoDeviceOnlyPropertyNaks(t *testing.T) {
	f := newFixture(t)
	reply := f.ask(t, commands.IdGetInfo, []byte{byte(commands.PropDeviceMcu)})
	if reply.Data.Ptype != protocol.TypeNak {
		t.Fatalf("ptype %v, want Nak", reply.Data.Ptype)
	}
	if !bytes.Equal(reply.Data.Data, []byte{byte(commands.PropDeviceMcu)}) {
		t.Errorf("nak payload % X", reply.Data.Data)
	}
}

func TestTestPacketEcho(t *testing.T) {
	f := newFixture(t)
	reply := f.ask(t, commands.IdTestPacket, []byte{0x48, 0x49})
	if reply.Data.Ptype != protocol.TypeAck || !bytes.Equal(reply.Data.Data, []byte{0x48, 0x49}) {
		t.Errorf("reply %v % X", reply.Data.Ptype, reply.Data.Data)
	}
}

// An id nobody supports is nak'd by the secondary loop.
func TestNakLoopAnswersUnsupported(t *testing.T) {
	f := newFixture(t)
	reply := f.ask(t, commands.ID(0x99), nil)
	if reply.Data.Ptype != protocol.TypeNak {
		t.Fatalf("ptype %v, want Nak", reply.Data.Ptype)
	}
	if len(reply.Data.Data) != 0 {
		t.Errorf("nak payload % X, want empty", reply.Data.Data)
	}
}

func TestUnicodeTextReachesDisplayServer(t *testing.T) {
	f := newFixture(t)
	reply := f.ask(t, commands.IdUnicodeText, []byte("héllo"))
	if reply.Data.Ptype != protocol.TypeAck {
		t.Fatalf("ptype %v", reply.Data.Ptype)
	}
	typed := f.display.Typed()
	if len(typed) != 1 || typed[0] != "héllo" {
		t.Errorf("display saw %v", typed)
	}
}

func TestUnicodeStateReachesDisplayServer(t *testing.T) {
	f := newFixture(t)
	reply := f.ask(t, commands.IdUnicodeState, []byte("abc"))
	if reply.Data.Ptype != protocol.TypeAck {
		t.Fatalf("ptype %v", reply.Data.Ptype)
	}
	if f.display.Held() != "abc" {
		t.Errorf("held %q", f.display.Held())
	}
}

// Without a display server the unicode ids are not advertised and fall to
// the nak loop.
func TestHeadlessHostDropsUnicodeIds(t *testing.T) {
	mb := mailbox.New()
	mod, err := module.New(mb, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range mod.Supported() {
		if id == commands.IdUnicodeText || id == commands.IdUnicodeState {
			t.Fatalf("headless module advertises %s", id)
		}
	}
}

func TestSupportedIdsAnswer(t *testing.T) {
	f := newFixture(t)
	reply := f.ask(t, commands.IdSupportedIds, nil)
	ack, err := commands.ParseSupportedIdsAck(reply.Data.Data)
	if err != nil {
		t.Fatal(err)
	}
	found := map[commands.ID]bool{}
	for _, id := range ack.Ids {
		found[id] = true
	}
	for _, want := range []commands.ID{commands.IdSupportedIds, commands.IdGetInfo, commands.IdTestPacket, commands.IdUnicodeText} {
		if !found[want] {
			t.Errorf("missing %s in %v", want, ack.Ids)
		}
	}
}
