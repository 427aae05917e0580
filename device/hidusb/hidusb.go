/*Package hidusb enumerates USB raw-HID endpoints and attaches HID-IO
controllers to them.

The watcher rescans the bus on a rate-limited interval.  A usable device
exposes a HID-class interface with an interrupt IN/OUT endpoint pair — the
shape every HID-IO firmware presents for its vendor usage page interface —
and, when the configuration lists vendor/product matches, one of those.
Reconnect of the same physical device is idempotent: the registry hands back
AlreadyConnected and the watcher moves on.
*/
package hidusb

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/gousb"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hid-io/hidiod"
	"github.com/hid-io/hidiod/device"
	"github.com/hid-io/hidiod/mailbox"
)

var log = logging.MustGetLogger("hidusb")

// HidIoUsagePage is the vendor usage page HID-IO firmware advertises; it
// lives in the report descriptor, which libusb does not parse, so the
// watcher approximates membership with the interrupt-pair shape plus the
// configured matches.
const HidIoUsagePage = 0xFF1C

// reportLen is the transmission unit of a full-speed HID-IO interface.
const reportLen = 64

// readTimeout is the poll interval of the transport read.
const readTimeout = 10 * time.Millisecond

// Watcher owns the libusb context and the scan loop.
type Watcher struct {
	mb  *mailbox.Mailbox
	cfg hidiod.DeviceConfig

	usb     *gousb.Context
	limiter *rate.Limiter
	sync    time.Duration
}

// NewWatcher builds the watcher; Run does the work.
func NewWatcher(mb *mailbox.Mailbox, cfg hidiod.DeviceConfig) *Watcher {
	interval := time.Duration(cfg.ScanIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		mb:      mb,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		sync:    time.Duration(cfg.SyncIntervalS) * time.Second,
	}
}

// Run scans until ctx ends.  Scan failures back off rather than abort: USB
// stacks hiccup during replug storms.
func (w *Watcher) Run(ctx context.Context) {
	w.usb = gousb.NewContext()
	defer w.usb.Close()

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		op := func() error { return w.scan(ctx) }
		err := backoff.Retry(op, backoff.WithContext(&backoff.ExponentialBackOff{
			InitialInterval:     100 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         2 * time.Second,
			MaxElapsedTime:      10 * time.Second,
			Clock:               backoff.SystemClock}, ctx))
		if err != nil {
			log.Errorf("bus scan failing: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// match applies the configured vendor/product allowlist.
func (w *Watcher) match(desc *gousb.DeviceDesc) bool {
	if len(w.cfg.USBMatches) == 0 {
		return true
	}
	for _, m := range w.cfg.USBMatches {
		if (m.Vendor == 0 || gousb.ID(m.Vendor) == desc.Vendor) &&
			(m.Product == 0 || gousb.ID(m.Product) == desc.Product) {
			return true
		}
	}
	return false
}

// rawHidInterface locates a HID-class interface carrying an interrupt
// IN/OUT endpoint pair.
func rawHidInterface(desc *gousb.DeviceDesc) (cfgNum, intfNum, inEp, outEp int, ok bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != gousb.ClassHID {
					continue
				}
				in, out := -1, -1
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeInterrupt {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						in = ep.Number
					} else {
						out = ep.Number
					}
				}
				if in >= 0 && out >= 0 {
					return cfg.Number, intf.Number, in, out, true
				}
			}
		}
	}
	return 0, 0, 0, 0, false
}

// scan walks the bus once and spawns controllers for new devices.
func (w *Watcher) scan(ctx context.Context) error {
	devs, err := w.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if !w.match(desc) {
			return false
		}
		_, _, _, _, ok := rawHidInterface(desc)
		return ok
	})
	// OpenDevices returns the devices it could open even on error; broken
	// descriptors on unrelated devices must not starve the good ones
	if err != nil {
		log.Debugf("partial enumeration: %v", err)
	}
	for _, dev := range devs {
		if err := w.attach(ctx, dev); err != nil {
			if err != mailbox.ErrAlreadyConnected {
				log.Warningf("attach %s: %v", dev.String(), err)
			}
			dev.Close()
		}
	}
	return nil
}

// attach registers one opened device and starts its controller.  On any
// error the caller closes the device handle.
func (w *Watcher) attach(ctx context.Context, dev *gousb.Device) error {
	desc := dev.Desc
	path := fmt.Sprintf("usb:%d:%d", desc.Bus, desc.Address)

	manufacturer, _ := dev.Manufacturer()
	product, _ := dev.Product()
	serial, _ := dev.SerialNumber()

	cfgNum, intfNum, inEp, outEp, ok := rawHidInterface(desc)
	if !ok {
		return errors.New("raw hid interface vanished")
	}

	info := mailbox.HidApiInfo{
		Path:         path,
		VendorId:     uint16(desc.Vendor),
		ProductId:    uint16(desc.Product),
		SerialNumber: serial,
		Manufacturer: manufacturer,
		Product:      product,
		UsagePage:    HidIoUsagePage,
		Usage:        0x1100,
		Interface:    intfNum,
	}
	uid, err := w.mb.Registry.AssignUid(info.Key(), path)
	if err != nil {
		return err // AlreadyConnected: this device is being serviced
	}

	if err := dev.SetAutoDetach(true); err != nil {
		return errors.Wrap(err, "detaching kernel driver")
	}
	usbCfg, err := dev.Config(cfgNum)
	if err != nil {
		return errors.Wrap(err, "claiming config")
	}
	intf, err := usbCfg.Interface(intfNum, 0)
	if err != nil {
		usbCfg.Close()
		return errors.Wrap(err, "claiming interface")
	}
	in, err := intf.InEndpoint(inEp)
	if err != nil {
		intf.Close()
		usbCfg.Close()
		return errors.Wrap(err, "opening in endpoint")
	}
	out, err := intf.OutEndpoint(outEp)
	if err != nil {
		intf.Close()
		usbCfg.Close()
		return errors.Wrap(err, "opening out endpoint")
	}

	err = w.mb.Registry.Register(mailbox.Endpoint{
		Uid:     uid,
		Type:    mailbox.NodeUsbKeyboard,
		Name:    product,
		Serial:  serial,
		Path:    path,
		Created: time.Now(),
		HidApi:  &info,
	})
	if err != nil {
		intf.Close()
		usbCfg.Close()
		return err
	}

	transport := &usbTransport{
		dev: dev,
		cfg: usbCfg,
		in:  in,
		out: out,
		ifc: intf,
	}
	ep := device.NewEndpoint(transport, reportLen)
	ctl := device.NewController(w.mb, uid, ep, w.sync)
	log.Noticef("usb device attached uid:%d %s %s (%s)", uid, manufacturer, product, path)
	go ctl.Run(ctx)
	return nil
}

// usbTransport adapts a claimed interrupt endpoint pair to the polling
// ReadWriteCloser the controller expects.
type usbTransport struct {
	dev *gousb.Device
	cfg *gousb.Config
	ifc *gousb.Interface
	in  *gousb.InEndpoint
	out *gousb.OutEndpoint
}

// Read polls the IN endpoint; an empty return with a timeout-class error
// means the link was idle.
func (t *usbTransport) Read(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	return t.in.ReadContext(ctx, p)
}

// Write pushes one transmission unit to the OUT endpoint.
func (t *usbTransport) Write(p []byte) (int, error) {
	return t.out.Write(p)
}

// Close releases the interface, config and device handle.
func (t *usbTransport) Close() error {
	t.ifc.Close()
	t.cfg.Close()
	return t.dev.Close()
}
