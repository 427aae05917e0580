/*Package module hosts the daemon's built-in HID-IO endpoints.

The façade registers a single daemon node and answers the command ids the
daemon itself serves: introspection (SupportedIds, GetInfo, TestPacket), the
URL opener, unicode injection via the display-server seam, and the terminal
output relay.  A secondary loop naks any request no registered handler
supports, so clients get a bounded-latency failure instead of silence.
*/
package module

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/hid-io/hidiod"
	"github.com/hid-io/hidiod/mailbox"
	"github.com/hid-io/hidiod/module/displayserver"
	"github.com/hid-io/hidiod/protocol"
	"github.com/hid-io/hidiod/protocol/commands"
)

var log = logging.MustGetLogger("module")

// payloadCapacity is H for the daemon-side dispatcher.  The daemon is not a
// 64-byte-report device; it can assemble full continuation chains.
const payloadCapacity = 1024

// Module is the daemon node façade.
type Module struct {
	mb      *mailbox.Mailbox
	uid     uint64
	disp    *commands.Dispatcher
	display displayserver.DisplayServer

	// openUrl is swappable for tests
	openUrl func(string) error

	// extraSupported are ids served by other daemon components (api
	// wrappers, capture devices); the nak loop must not nak them
	extraSupported map[commands.ID]bool

	// subscriptions are taken at construction so no request published
	// after New can be missed by the loops
	handlerSub *mailbox.Subscription
	nakSub     *mailbox.Subscription
}

// New registers the daemon endpoint and builds its dispatcher.  display may
// be nil on hosts without unicode support; the unicode ids are then not
// advertised.  extra lists command ids supported elsewhere in the daemon.
func New(mb *mailbox.Mailbox, display displayserver.DisplayServer, extra []commands.ID) (*Module, error) {
	uid, err := mb.Registry.AssignUid("hidiod:daemon", "")
	if err != nil {
		return nil, err
	}
	m := &Module{
		mb:             mb,
		uid:            uid,
		display:        display,
		openUrl:        openUrl,
		extraSupported: make(map[commands.ID]bool),
	}
	for _, id := range extra {
		m.extraSupported[id] = true
	}

	var impl interface{} = handlers{m}
	if display != nil {
		impl = unicodeHandlers{handlers{m}}
	}
	m.disp = commands.NewDispatcher(impl, payloadCapacity)

	err = mb.Registry.Register(mailbox.Endpoint{
		Uid:     uid,
		Type:    mailbox.NodeHidIoDaemon,
		Name:    "HID-IO Core Daemon",
		Serial:  hidiod.InstanceID,
		Created: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	m.handlerSub = mb.Subscribe()
	m.nakSub = mb.Subscribe()
	return m, nil
}

// Uid reports the daemon node's uid.
func (m *Module) Uid() uint64 { return m.uid }

// Supported reports the command ids the daemon node answers.
func (m *Module) Supported() []commands.ID { return m.disp.Supported() }

// Run services the handler and nak loops until ctx ends or the mailbox
// shuts down.
func (m *Module) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.handlerLoop(ctx) }()
	go func() { defer wg.Done(); m.nakLoop(ctx) }()
	wg.Wait()
	m.mb.Unregister(m.uid)
	log.Infof("module façade exited")
}

// handlerLoop dispatches requests addressed to the daemon node.
func (m *Module) handlerLoop(ctx context.Context) {
	sub := m.handlerSub
	defer sub.Close()
	for {
		msg, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if msg.Dst.Kind != mailbox.AddrModule && msg.Dst.Kind != mailbox.AddrAll {
			continue
		}
		if !m.disp.SupportedId(commands.ID(msg.Data.Id)) {
			continue // the nak loop owns unsupported ids
		}
		reply, err := m.disp.Dispatch(msg.Data)
		if err != nil {
			log.Warningf("dispatch id:%s: %v", commands.ID(msg.Data.Id), err)
		}
		if reply != nil {
			src := msg.Dst
			if src.Kind == mailbox.AddrAll {
				src = mailbox.Module
			}
			m.mb.Publish(mailbox.Message{Src: src, Dst: msg.Src, Data: *reply})
		}
	}
}

// nakLoop answers requests that no registered handler supports with an
// empty nak so clients fail fast instead of waiting out a sync timeout.
func (m *Module) nakLoop(ctx context.Context) {
	sub := m.nakSub
	defer sub.Close()
	for {
		msg, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if msg.Dst.Kind != mailbox.AddrModule && msg.Dst.Kind != mailbox.AddrAll {
			continue
		}
		if msg.Src.Kind == mailbox.AddrModule {
			continue
		}
		if msg.Data.Ptype != protocol.TypeData || !msg.Data.Done {
			continue
		}
		id := commands.ID(msg.Data.Id)
		if m.disp.SupportedId(id) || m.extraSupported[id] {
			continue
		}
		log.Debugf("naking unsupported id:%s from %v", id, msg.Src)
		src := msg.Dst
		if src.Kind == mailbox.AddrAll {
			src = mailbox.Module // All is never a source
		}
		m.mb.Publish(mailbox.Message{
			Src: src,
			Dst: msg.Src,
			Data: protocol.PacketBuffer{
				Ptype:  protocol.TypeNak,
				Id:     msg.Data.Id,
				MaxLen: protocol.DefaultMaxLen,
				Done:   true,
			},
		})
	}
}

// handlers implements the daemon node's always-available hooks.
type handlers struct {
	m *Module
}

// HandleSupportedIds lists every id the daemon node answers.
func (h handlers) HandleSupportedIds() (commands.SupportedIdsAck, error) {
	return commands.SupportedIdsAck{Ids: h.m.disp.Supported()}, nil
}

// HandleGetInfo answers the daemon-relevant properties and naks the
// device-only ones.
func (h handlers) HandleGetInfo(c commands.GetInfoCmd) (commands.GetInfoAck, error) {
	v := hidiod.SemVersion()
	ack := commands.GetInfoAck{Property: c.Property}
	switch c.Property {
	case commands.PropMajorVersion:
		ack.Number = uint16(v.Major)
	case commands.PropMinorVersion:
		ack.Number = uint16(v.Minor)
	case commands.PropPatchVersion:
		ack.Number = uint16(v.Patch)
	case commands.PropOsType:
		ack.Os = hidiod.HostOsType()
	case commands.PropOsVersion:
		ack.Str = runtime.GOOS + " " + runtime.GOARCH
	case commands.PropHostSoftwareName:
		ack.Str = hidiod.HostSoftwareName + " " + hidiod.Version
	default:
		return commands.GetInfoAck{}, commands.NakGetInfo(c.Property)
	}
	return ack, nil
}

// HandleTestPacket echoes the payload.
func (h handlers) HandleTestPacket(t commands.TestPacket) (commands.TestPacket, error) {
	return t, nil
}

// HandleOpenUrl opens the URL with the host's default handler.
func (h handlers) HandleOpenUrl(o commands.OpenUrl) error {
	log.Infof("opening url: %s", o.Url)
	return h.m.openUrl(o.Url)
}

// HandleTerminalOut acknowledges device terminal output; subscribers observe
// the broadcast directly off the mailbox.
func (h handlers) HandleTerminalOut(t commands.TerminalOut) error {
	return nil
}

// HandleTerminalOutNoAck drops fire-and-forget terminal output; subscribers
// observe the broadcast directly off the mailbox.
func (h handlers) HandleTerminalOutNoAck(t commands.TerminalOut) {}

// unicodeHandlers adds the display-server backed hooks; it is only used when
// a backend is present, so the unicode ids vanish from SupportedIds on
// headless hosts.
type unicodeHandlers struct {
	handlers
}

// HandleUnicodeText injects the string via the display server.
func (u unicodeHandlers) HandleUnicodeText(t commands.UnicodeText) error {
	return u.m.display.TypeString(t.Text)
}

// HandleUnicodeState sets the held-symbol set via the display server.
func (u unicodeHandlers) HandleUnicodeState(s commands.UnicodeState) error {
	return u.m.display.SetHeld(s.Symbols)
}

// openUrl shells out to the host's URL handler.
func openUrl(url string) error {
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		return exec.Command("xdg-open", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	}
	return fmt.Errorf("module: no url handler for %s", runtime.GOOS)
}
