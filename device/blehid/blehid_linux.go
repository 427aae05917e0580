//go:build linux

/*Package blehid attaches HID-IO controllers to BLE peripherals.

A HID-IO capable keyboard advertises the vendor GATT service; its rx
characteristic notifies inbound packet chunks and the tx characteristic
accepts outbound writes.  The watcher connects to advertisers one at a time
and hands the characteristic pair to a controller as an ordinary transport.
*/
package blehid

import (
	"context"
	"time"

	"github.com/currantlabs/ble"
	"github.com/currantlabs/ble/linux"
	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/hid-io/hidiod"
	"github.com/hid-io/hidiod/device"
	"github.com/hid-io/hidiod/mailbox"
)

var log = logging.MustGetLogger("blehid")

// Vendor GATT identifiers of the HID-IO BLE interface.
var (
	serviceUUID = ble.MustParse("1C170000-2B1A-47B4-A076-85D7D3E20CF9")
	rxCharUUID  = ble.MustParse("1C170001-2B1A-47B4-A076-85D7D3E20CF9")
	txCharUUID  = ble.MustParse("1C170002-2B1A-47B4-A076-85D7D3E20CF9")
)

// packetLen is the serialized packet budget; BLE notifications carry at
// most the negotiated MTU, and 64 keeps parity with the USB report size.
const packetLen = 64

// readTimeout is the poll interval of the transport read.
const readTimeout = 10 * time.Millisecond

// Watcher owns the HCI device and the connect loop.
type Watcher struct {
	mb   *mailbox.Mailbox
	sync time.Duration
}

// NewWatcher builds the watcher; Run does the work.
func NewWatcher(mb *mailbox.Mailbox, cfg hidiod.DeviceConfig) *Watcher {
	return &Watcher{
		mb:   mb,
		sync: time.Duration(cfg.SyncIntervalS) * time.Second,
	}
}

// Run connects to HID-IO advertisers until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	dev, err := linux.NewDevice()
	if err != nil {
		log.Errorf("no hci device, ble watcher disabled: %v", err)
		return
	}
	ble.SetDefaultDevice(dev)
	defer dev.Stop()

	for ctx.Err() == nil {
		if err := w.connectOne(ctx); err != nil && ctx.Err() == nil {
			log.Debugf("ble connect: %v", err)
			time.Sleep(2 * time.Second)
		}
	}
}

// connectOne waits for the next HID-IO advertiser and services it until it
// drops.
func (w *Watcher) connectOne(ctx context.Context) error {
	cln, err := ble.Connect(ctx, func(a ble.Advertisement) bool {
		for _, u := range a.Services() {
			if u.Equal(serviceUUID) {
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}

	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		cln.CancelConnection()
		return errors.Wrap(err, "discovering profile")
	}
	var rx, tx *ble.Characteristic
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(serviceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			switch {
			case c.UUID.Equal(rxCharUUID):
				rx = c
			case c.UUID.Equal(txCharUUID):
				tx = c
			}
		}
	}
	if rx == nil || tx == nil {
		cln.CancelConnection()
		return errors.New("peer lacks the hid-io characteristics")
	}

	addr := cln.Address().String()
	name := cln.Name()
	info := mailbox.HidApiInfo{
		Path:         "ble:" + addr,
		SerialNumber: addr,
		Product:      name,
		UsagePage:    0xFF1C,
		Usage:        0x1100,
	}
	uid, err := w.mb.Registry.AssignUid(info.Key(), info.Path)
	if err != nil {
		cln.CancelConnection()
		return err
	}

	transport := newBleTransport(cln, tx)
	if err := cln.Subscribe(rx, false, transport.notified); err != nil {
		cln.CancelConnection()
		return errors.Wrap(err, "subscribing to rx characteristic")
	}

	err = w.mb.Registry.Register(mailbox.Endpoint{
		Uid:     uid,
		Type:    mailbox.NodeBleKeyboard,
		Name:    name,
		Serial:  addr,
		Path:    info.Path,
		Created: time.Now(),
		HidApi:  &info,
	})
	if err != nil {
		cln.CancelConnection()
		return err
	}

	ep := device.NewEndpoint(transport, packetLen)
	ctl := device.NewController(w.mb, uid, ep, w.sync)
	log.Noticef("ble device attached uid:%d %s (%s)", uid, name, addr)
	ctl.Run(ctx) // one BLE link at a time; block until it drops
	return nil
}

// bleTransport adapts the characteristic pair to the polling
// ReadWriteCloser the controller expects.
type bleTransport struct {
	cln  ble.Client
	tx   *ble.Characteristic
	rxCh chan []byte
	rest []byte
}

func newBleTransport(cln ble.Client, tx *ble.Characteristic) *bleTransport {
	return &bleTransport{cln: cln, tx: tx, rxCh: make(chan []byte, 64)}
}

// notified queues one inbound notification.
func (t *bleTransport) notified(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case t.rxCh <- buf:
	default:
		log.Warningf("rx queue overrun, dropping notification")
	}
}

// Read hands out queued notification bytes, polling at the transport
// cadence when idle.
func (t *bleTransport) Read(p []byte) (int, error) {
	if len(t.rest) == 0 {
		select {
		case chunk, ok := <-t.rxCh:
			if !ok {
				return 0, errors.New("ble link closed")
			}
			t.rest = chunk
		case <-t.cln.Disconnected():
			return 0, errors.New("ble peer disconnected")
		case <-time.After(readTimeout):
			return 0, nil
		}
	}
	n := copy(p, t.rest)
	t.rest = t.rest[n:]
	return n, nil
}

// Write pushes one transmission unit to the tx characteristic.
func (t *bleTransport) Write(p []byte) (int, error) {
	if err := t.cln.WriteCharacteristic(t.tx, p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close drops the BLE connection.
func (t *bleTransport) Close() error {
	return t.cln.CancelConnection()
}
