/*Package vhid is the seam between the daemon and the OS virtual-HID
facility.

The daemon manufactures synthetic keyboards, mice and joysticks so that
HID-IO traffic (unicode injection fallbacks, macro playback) can surface as
ordinary input devices.  The OS backend (uhid on linux, and equivalents
elsewhere) lives behind the Backend interface; the core only creates
devices, writes reports, and registers the result as endpoints.
*/
package vhid

import (
	"io"
	"time"

	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/hid-io/hidiod/mailbox"
)

var log = logging.MustGetLogger("vhid")

// DeviceClass selects the emulated device class.
type DeviceClass int

// Emulated classes.
const (
	ClassKeyboard DeviceClass = iota
	ClassMouse
	ClassJoystick
)

func (c DeviceClass) String() string {
	switch c {
	case ClassKeyboard:
		return "keyboard"
	case ClassMouse:
		return "mouse"
	case ClassJoystick:
		return "joystick"
	}
	return "unknown"
}

// nodeType maps an emulated class to its endpoint type.
func (c DeviceClass) nodeType() mailbox.NodeType {
	switch c {
	case ClassKeyboard:
		return mailbox.NodeHidKeyboard
	case ClassMouse:
		return mailbox.NodeHidMouse
	case ClassJoystick:
		return mailbox.NodeHidJoystick
	}
	return mailbox.NodeUnknown
}

// Params describes the synthetic device to create.
type Params struct {
	Name    string
	Phys    string
	Uniq    string
	Bus     uint16
	Vendor  uint32
	Product uint32
	Version uint32
	Country uint32

	Class      DeviceClass
	Descriptor []byte
}

// Handle is one created synthetic device: write reports out, read events
// back, close to destroy.
type Handle interface {
	io.Closer

	// WriteReport pushes one input report to the OS
	WriteReport(report []byte) error

	// ReadEvent blocks for the next OS event (output report, open/close)
	ReadEvent() ([]byte, error)
}

// Backend is the OS virtual-HID capability.
type Backend interface {
	CreateDevice(p Params) (Handle, error)
}

// Manufacturer creates synthetic devices through a backend and accounts for
// them in the registry.
type Manufacturer struct {
	mb      *mailbox.Mailbox
	backend Backend
}

// NewManufacturer wires a backend to the registry.
func NewManufacturer(mb *mailbox.Mailbox, backend Backend) *Manufacturer {
	return &Manufacturer{mb: mb, backend: backend}
}

// Create builds the device and registers it; the returned uid addresses it
// on the mailbox, and Destroy tears both halves down.
func (m *Manufacturer) Create(p Params) (uint64, Handle, error) {
	info := mailbox.UhidInfo{
		Name:    p.Name,
		Phys:    p.Phys,
		Uniq:    p.Uniq,
		Bus:     p.Bus,
		Vendor:  p.Vendor,
		Product: p.Product,
		Version: p.Version,
		Country: p.Country,
	}
	uid, err := m.mb.Registry.AssignUid(info.Key(), p.Phys)
	if err != nil {
		return 0, nil, err
	}
	handle, err := m.backend.CreateDevice(p)
	if err != nil {
		return 0, nil, errors.Wrap(err, "creating synthetic device")
	}
	err = m.mb.Registry.Register(mailbox.Endpoint{
		Uid:     uid,
		Type:    p.Class.nodeType(),
		Name:    p.Name,
		Serial:  p.Uniq,
		Path:    p.Phys,
		Created: time.Now(),
		Uhid:    &info,
	})
	if err != nil {
		handle.Close()
		return 0, nil, err
	}
	log.Noticef("synthetic %s created uid:%d %s", p.Class, uid, p.Name)
	return uid, handle, nil
}

// Destroy unregisters the uid (cancelling dependent subscriptions) and
// closes the device.
func (m *Manufacturer) Destroy(uid uint64, handle Handle) error {
	m.mb.Unregister(uid)
	return handle.Close()
}
