package vhid_test

import (
	"testing"

	"github.com/hid-io/hidiod/device/vhid"
	"github.com/hid-io/hidiod/mailbox"
)

// stubBackend records created devices.
type stubBackend struct {
	created []vhid.Params
}

type stubHandle struct {
	closed bool
}

func (h *stubHandle) WriteReport(report []byte) error { return nil }
func (h *stubHandle) ReadEvent() ([]byte, error)      { return nil, nil }
func (h *stubHandle) Close() error                    { h.closed = true; return nil }

func (b *stubBackend) CreateDevice(p vhid.Params) (vhid.Handle, error) {
	b.created = append(b.created, p)
	return &stubHandle{}, nil
}

func TestManufacturerRegistersByClass(t *testing.T) {
	mb := mailbox.New()
	backend := &stubBackend{}
	m := vhid.NewManufacturer(mb, backend)

	uid, handle, err := m.Create(vhid.Params{
		Name:   "hidio vkbd",
		Phys:   "hidio/0",
		Uniq:   "vkbd-1",
		Vendor: 0x308F,
		Class:  vhid.ClassKeyboard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(backend.created) != 1 {
		t.Fatalf("backend created %d devices", len(backend.created))
	}
	node, ok := mb.Registry.Get(uid)
	if !ok {
		t.Fatal("device not registered")
	}
	if node.Type != mailbox.NodeHidKeyboard {
		t.Errorf("node type %v, want HidKeyboard", node.Type)
	}
	if node.Uhid == nil || node.Uhid.Name != "hidio vkbd" {
		t.Errorf("uhid info %+v", node.Uhid)
	}

	if err := m.Destroy(uid, handle); err != nil {
		t.Fatal(err)
	}
	if _, live := mb.Registry.Get(uid); live {
		t.Error("device still registered after destroy")
	}
	if !handle.(*stubHandle).closed {
		t.Error("handle not closed on destroy")
	}
}

// Re-creating the same synthetic identity after destroy reuses its uid.
func TestManufacturerUidStableAcrossRecreate(t *testing.T) {
	mb := mailbox.New()
	m := vhid.NewManufacturer(mb, &stubBackend{})
	p := vhid.Params{Name: "vkbd", Phys: "hidio/0", Uniq: "u1", Class: vhid.ClassKeyboard}

	uid1, h1, err := m.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(uid1, h1); err != nil {
		t.Fatal(err)
	}
	uid2, _, err := m.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if uid1 != uid2 {
		t.Errorf("recreate minted uid %d, want reuse of %d", uid2, uid1)
	}
}
