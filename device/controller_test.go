package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hid-io/hidiod/device"
	"github.com/hid-io/hidiod/mailbox"
	"github.com/hid-io/hidiod/protocol"
)

// mockTransport is an in-memory polling transport: the test plays the
// device side by queueing inbound chunks and inspecting outbound writes.
type mockTransport struct {
	mu     sync.Mutex
	in     [][]byte
	out    [][]byte
	rdErr  error
	wrErr  error
	closed bool
}

func (m *mockTransport) queue(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in = append(m.in, b)
}

func (m *mockTransport) writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.out))
	copy(out, m.out)
	return out
}

func (m *mockTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rdErr != nil {
		return 0, m.rdErr
	}
	if len(m.in) == 0 {
		return 0, nil // idle poll
	}
	n := copy(p, m.in[0])
	m.in = m.in[1:]
	return n, nil
}

func (m *mockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wrErr != nil {
		return 0, m.wrErr
	}
	b := make([]byte, len(p))
	copy(b, p)
	m.out = append(m.out, b)
	return len(p), nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func newTestController(t *testing.T, mb *mailbox.Mailbox) (*device.Controller, *mockTransport, uint64) {
	t.Helper()
	uid, err := mb.Registry.AssignUid("test-kb", "mock")
	if err != nil {
		t.Fatal(err)
	}
	err = mb.Registry.Register(mailbox.Endpoint{Uid: uid, Type: mailbox.NodeUsbKeyboard, Created: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	transport := &mockTransport{}
	ep := device.NewEndpoint(transport, 64)
	return device.NewController(mb, uid, ep, 0), transport, uid
}

func encode(t *testing.T, p protocol.PacketBuffer) []byte {
	t.Helper()
	raw, err := protocol.EncodeBuffer(p)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// The first iteration announces with a sync and moves to Syncing.
func TestControllerInitialSync(t *testing.T) {
	mb := mailbox.New()
	ctl, transport, _ := newTestController(t, mb)

	if _, err := ctl.Process(); err != nil {
		t.Fatal(err)
	}
	if ctl.State() != device.StateSyncing {
		t.Errorf("state %v, want Syncing", ctl.State())
	}
	w := transport.writes()
	if len(w) != 1 || w[0][0]>>5 != byte(protocol.TypeSync) {
		t.Fatalf("expected one sync write, got %v", w)
	}
}

// A decoded packet is published as src=DeviceHidio{uid}, dst=All, and the
// controller enters Connected.
func TestControllerPublishesDecoded(t *testing.T) {
	mb := mailbox.New()
	ctl, transport, uid := newTestController(t, mb)
	sub := mb.Subscribe()
	defer sub.Close()

	transport.queue(encode(t, protocol.PacketBuffer{
		Ptype: protocol.TypeData, Id: 0x02, MaxLen: 64, Data: []byte{0x48, 0x49}, Done: true,
	}))
	if _, err := ctl.Process(); err != nil {
		t.Fatal(err)
	}
	if ctl.State() != device.StateConnected {
		t.Errorf("state %v, want Connected", ctl.State())
	}

	select {
	case msg := <-sub.C:
		if msg.Src != mailbox.DeviceHidio(uid) || msg.Dst != mailbox.All {
			t.Errorf("addressing %+v", msg)
		}
		if msg.Data.Id != 0x02 || string(msg.Data.Data) != "\x48\x49" {
			t.Errorf("payload %+v", msg.Data)
		}
	default:
		t.Fatal("nothing published")
	}
}

// Mailbox traffic addressed to the endpoint is re-chunked and written out;
// traffic for other endpoints is not.
func TestControllerWritesAddressedTraffic(t *testing.T) {
	mb := mailbox.New()
	ctl, transport, uid := newTestController(t, mb)
	if _, err := ctl.Process(); err != nil { // initial sync
		t.Fatal(err)
	}

	mb.Publish(mailbox.Message{
		Src: mailbox.Module,
		Dst: mailbox.DeviceHidio(uid),
		Data: protocol.PacketBuffer{
			Ptype: protocol.TypeAck, Id: 0x02, MaxLen: 64, Data: []byte{0xAA}, Done: true,
		},
	})
	mb.Publish(mailbox.Message{
		Src: mailbox.Module,
		Dst: mailbox.DeviceHidio(uid + 100),
		Data: protocol.PacketBuffer{
			Ptype: protocol.TypeAck, Id: 0x03, MaxLen: 64, Done: true,
		},
	})
	if _, err := ctl.Process(); err != nil {
		t.Fatal(err)
	}

	w := transport.writes()
	if len(w) != 2 { // initial sync + one addressed packet
		t.Fatalf("wrote %d packets, want 2", len(w))
	}
	got, err := protocol.DecodeFull(w[1], 1024)
	if err != nil {
		t.Fatal(err)
	}
	if got.Ptype != protocol.TypeAck || got.Id != 0x02 {
		t.Errorf("wrote %v id:%#x", got.Ptype, got.Id)
	}
}

// Scenario: a stray sync mid-assembly clears the buffer; a following fresh
// packet is handled normally.
func TestControllerSyncRecovery(t *testing.T) {
	mb := mailbox.New()
	ctl, transport, _ := newTestController(t, mb)
	sub := mb.Subscribe()
	defer sub.Close()

	// head fragment of a 3-fragment transfer (cont=1), then a stray sync
	long := encode(t, protocol.PacketBuffer{
		Ptype: protocol.TypeData, Id: 0x02, MaxLen: 10,
		Data: []byte("0123456789abcdefghij"), Done: true,
	})
	transport.queue(long[:10])
	transport.queue(encode(t, protocol.PacketBuffer{Ptype: protocol.TypeSync, Done: true}))
	transport.queue(encode(t, protocol.PacketBuffer{
		Ptype: protocol.TypeData, Id: 0x02, MaxLen: 64, Data: []byte{0xAA}, Done: true,
	}))

	for i := 0; i < 4; i++ {
		if _, err := ctl.Process(); err != nil {
			t.Fatal(err)
		}
	}

	var published []mailbox.Message
	for {
		select {
		case msg := <-sub.C:
			if msg.Data.Ptype == protocol.TypeData {
				published = append(published, msg)
			}
			continue
		default:
		}
		break
	}
	if len(published) != 1 {
		t.Fatalf("published %d data packets, want only the fresh one", len(published))
	}
	if len(published[0].Data.Data) != 1 || published[0].Data.Data[0] != 0xAA {
		t.Errorf("published % X", published[0].Data.Data)
	}
}

// A transport read error tears the endpoint down: unregistered, and
// subscriptions watching the uid end.
func TestControllerDisconnectCleanup(t *testing.T) {
	mb := mailbox.New()
	ctl, transport, uid := newTestController(t, mb)

	clientUid, err := mb.Registry.AssignUid("client", "")
	if err != nil {
		t.Fatal(err)
	}
	err = mb.Registry.Register(mailbox.Endpoint{Uid: clientUid, Type: mailbox.NodeHidIoApi, Created: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	watch := mb.SubscribeFor(clientUid)
	watch.BindTo(uid)
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for {
			if _, ok := watch.Next(context.Background()); !ok {
				return
			}
		}
	}()

	transport.mu.Lock()
	transport.rdErr = errors.New("device gone")
	transport.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctl.Run(ctx)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("watching subscription did not end after disconnect")
	}
	if _, live := mb.Registry.Get(uid); live {
		t.Error("endpoint still registered after disconnect")
	}
	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	if !closed {
		t.Error("transport not closed on teardown")
	}
}

// A codec error clears the reassembly buffer but keeps the endpoint.
func TestControllerKeepsEndpointOnCodecError(t *testing.T) {
	mb := mailbox.New()
	ctl, transport, uid := newTestController(t, mb)
	sub := mb.Subscribe()
	defer sub.Close()

	transport.queue([]byte{0xE0}) // invalid ptype tag
	if _, err := ctl.Process(); err != nil {
		t.Fatalf("codec corruption must not kill the endpoint: %v", err)
	}
	if _, live := mb.Registry.Get(uid); !live {
		t.Fatal("endpoint unregistered on codec error")
	}

	transport.queue(encode(t, protocol.PacketBuffer{
		Ptype: protocol.TypeData, Id: 0x02, MaxLen: 64, Data: []byte{0x01}, Done: true,
	}))
	if _, err := ctl.Process(); err != nil {
		t.Fatal(err)
	}
	found := false
	for {
		select {
		case msg := <-sub.C:
			if msg.Data.Ptype == protocol.TypeData && msg.Src == mailbox.DeviceHidio(uid) {
				found = true
			}
			continue
		default:
		}
		break
	}
	if !found {
		t.Error("endpoint did not recover after codec error")
	}
}
