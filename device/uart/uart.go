/*Package uart attaches HID-IO controllers to serial-attached endpoints.

Development boards and UART bridges speak the same packet format as the USB
interrupt pipe, just over a byte stream — the incremental decoder does not
care where the chunk boundaries fall.  Ports are listed in the configuration
rather than discovered; a port that cannot be opened is retried with backoff
so the daemon can start before the adapter is plugged.
*/
package uart

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/op/go-logging"
	"github.com/tarm/serial"

	"github.com/hid-io/hidiod"
	"github.com/hid-io/hidiod/device"
	"github.com/hid-io/hidiod/mailbox"
)

var log = logging.MustGetLogger("uart")

// defaultBaud is used when a port config omits the rate.
const defaultBaud = 115200

// packetLen is the serialized packet budget over a byte stream; there is no
// report boundary, so the full-speed report size is kept for symmetry with
// the same firmware's USB interface.
const packetLen = 64

// readTimeout is the poll interval of the port read.
const readTimeout = 10 * time.Millisecond

// Watcher opens the configured ports and keeps them attached.
type Watcher struct {
	mb    *mailbox.Mailbox
	ports []hidiod.UARTSetup
	sync  time.Duration
}

// NewWatcher builds the watcher over the configured port list.
func NewWatcher(mb *mailbox.Mailbox, cfg hidiod.DeviceConfig) *Watcher {
	return &Watcher{
		mb:    mb,
		ports: cfg.UARTs,
		sync:  time.Duration(cfg.SyncIntervalS) * time.Second,
	}
}

// Run services every configured port until ctx ends.  Each port gets its
// own goroutine that re-opens after disconnects.
func (w *Watcher) Run(ctx context.Context) {
	for _, p := range w.ports {
		go w.servicePort(ctx, p)
	}
	<-ctx.Done()
}

// servicePort opens, attaches, and re-opens one port for the life of ctx.
func (w *Watcher) servicePort(ctx context.Context, setup hidiod.UARTSetup) {
	baud := setup.Baud
	if baud <= 0 {
		baud = defaultBaud
	}
	for ctx.Err() == nil {
		var port *serial.Port
		op := func() error {
			var err error
			port, err = serial.OpenPort(&serial.Config{
				Name:        setup.Port,
				Baud:        baud,
				ReadTimeout: readTimeout,
			})
			return err
		}
		err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(2*time.Second), ctx))
		if err != nil {
			return
		}

		uid, err := w.attach(ctx, setup.Port, baud, port)
		if err != nil {
			if err != mailbox.ErrAlreadyConnected {
				log.Warningf("attach %s: %v", setup.Port, err)
			}
			port.Close()
			time.Sleep(2 * time.Second)
			continue
		}
		// wait for the controller to release the uid before re-opening
		for ctx.Err() == nil {
			if _, live := w.mb.Registry.Get(uid); !live {
				break
			}
			time.Sleep(time.Second)
		}
	}
}

// attach registers the port and starts its controller, returning the uid it
// runs under.
func (w *Watcher) attach(ctx context.Context, name string, baud int, port *serial.Port) (uint64, error) {
	info := mailbox.HidApiInfo{
		Path:      name,
		Product:   fmt.Sprintf("uart %s @%d", name, baud),
		UsagePage: 0xFF1C,
		Usage:     0x1100,
	}
	uid, err := w.mb.Registry.AssignUid(info.Key(), name)
	if err != nil {
		return 0, err
	}
	err = w.mb.Registry.Register(mailbox.Endpoint{
		Uid:     uid,
		Type:    mailbox.NodeUsbKeyboard,
		Name:    info.Product,
		Path:    name,
		Created: time.Now(),
		HidApi:  &info,
	})
	if err != nil {
		return 0, err
	}
	ep := device.NewEndpoint(&portTransport{port}, packetLen)
	ctl := device.NewController(w.mb, uid, ep, w.sync)
	log.Noticef("uart device attached uid:%d %s", uid, name)
	go ctl.Run(ctx)
	return uid, nil
}

// portTransport smooths over the serial library's timeout convention: a
// zero-byte read with io.EOF is an idle poll, not a dead port.
type portTransport struct {
	*serial.Port
}

func (p *portTransport) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}
