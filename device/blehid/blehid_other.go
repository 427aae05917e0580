//go:build !linux

package blehid

import (
	"context"

	"github.com/op/go-logging"

	"github.com/hid-io/hidiod"
	"github.com/hid-io/hidiod/mailbox"
)

var log = logging.MustGetLogger("blehid")

// Watcher is inert off linux; the BLE central requires an HCI socket.
type Watcher struct{}

// NewWatcher builds the inert watcher.
func NewWatcher(mb *mailbox.Mailbox, cfg hidiod.DeviceConfig) *Watcher {
	return &Watcher{}
}

// Run logs and returns.
func (w *Watcher) Run(ctx context.Context) {
	log.Warningf("ble watcher is linux-only on this build")
}
