package mailbox

import (
	"fmt"
	"time"

	"github.com/snksoft/crc"
)

// NodeType classifies a registered endpoint.
type NodeType int

// Endpoint classes.  HidKeyboard/HidMouse/HidJoystick are synthetic devices
// manufactured by the daemon; UsbKeyboard/BleKeyboard are physical HID-IO
// peripherals; HidIoApi is an authenticated RPC client.
const (
	NodeUnknown NodeType = iota
	NodeHidIoDaemon
	NodeHidIoApi
	NodeUsbKeyboard
	NodeBleKeyboard
	NodeHidKeyboard
	NodeHidMouse
	NodeHidJoystick
)

func (t NodeType) String() string {
	switch t {
	case NodeHidIoDaemon:
		return "HidIoDaemon"
	case NodeHidIoApi:
		return "HidIoApi"
	case NodeUsbKeyboard:
		return "UsbKeyboard"
	case NodeBleKeyboard:
		return "BleKeyboard"
	case NodeHidKeyboard:
		return "HidKeyboard"
	case NodeHidMouse:
		return "HidMouse"
	case NodeHidJoystick:
		return "HidJoystick"
	}
	return "Unknown"
}

// HidApiInfo describes a raw-HID backed endpoint.
type HidApiInfo struct {
	Path         string
	VendorId     uint16
	ProductId    uint16
	SerialNumber string
	Manufacturer string
	Product      string
	UsagePage    uint16
	Usage        uint16
	Interface    int
}

// Key builds the stable device key.  The path is deliberately excluded so a
// re-plugged device maps back to its previous uid.
func (h HidApiInfo) Key() string {
	return fmt.Sprintf("vendor:%04x product:%04x serial:%s manufacturer:%s product:%s usage_page:%04x usage:%04x interface:%d",
		h.VendorId, h.ProductId, h.SerialNumber, h.Manufacturer, h.Product,
		h.UsagePage, h.Usage, h.Interface)
}

// EvdevInfo describes an input-capture backed endpoint.
type EvdevInfo struct {
	Name          string
	Phys          string
	Uniq          string
	VendorId      uint16
	ProductId     uint16
	BusType       uint16
	Version       uint16
	DriverVersion int32
}

// Key builds the stable device key, excluding physical location.
func (e EvdevInfo) Key() string {
	return fmt.Sprintf("vid:%04x pid:%04x name:%s uniq:%s bus:%d version:%d driver_version:%d",
		e.VendorId, e.ProductId, e.Name, e.Uniq, e.BusType, e.Version, e.DriverVersion)
}

// UhidInfo describes a synthetic HID endpoint created by the daemon.
type UhidInfo struct {
	Name    string
	Phys    string
	Uniq    string
	Bus     uint16
	Vendor  uint32
	Product uint32
	Version uint32
	Country uint32
}

// Key builds the stable device key for a synthetic device.
func (u UhidInfo) Key() string {
	return fmt.Sprintf("vendor:%04x product:%04x name:%s uniq:%s bus:%d version:%d country:%d",
		u.Vendor, u.Product, u.Name, u.Uniq, u.Bus, u.Version, u.Country)
}

// Endpoint is a registered mailbox participant.  It is immutable after
// registration apart from the metadata-update contract on the registry.
type Endpoint struct {
	Uid     uint64    `json:"uid"`
	Type    NodeType  `json:"type"`
	Name    string    `json:"name"`
	Serial  string    `json:"serial"`
	Path    string    `json:"path"`
	Created time.Time `json:"created"`

	// exactly one info block is set for device endpoints; none for the
	// daemon and api nodes
	HidApi *HidApiInfo `json:"hidapi,omitempty"`
	Evdev  *EvdevInfo  `json:"evdev,omitempty"`
	Uhid   *UhidInfo   `json:"uhid,omitempty"`
}

// Key returns the stable identity string used for uid reuse across
// reconnects.  Endpoints without an info block (daemon, api clients) key on
// their name and serial.
func (e Endpoint) Key() string {
	switch {
	case e.HidApi != nil:
		return e.HidApi.Key()
	case e.Evdev != nil:
		return e.Evdev.Key()
	case e.Uhid != nil:
		return e.Uhid.Key()
	}
	return fmt.Sprintf("type:%s name:%s serial:%s", e.Type, e.Name, e.Serial)
}

var fingerprintTable = crc.NewTable(crc.XMODEM)

// Fingerprint condenses the endpoint key into four hex digits for logs and
// node listings.
func (e Endpoint) Fingerprint() string {
	return fmt.Sprintf("%04X", fingerprintTable.CalculateCRC([]byte(e.Key())))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("[%s %s] uid:%d name:%s serial:%s path:%s",
		e.Type, e.Fingerprint(), e.Uid, e.Name, e.Serial, e.Path)
}
