package device

import (
	"context"
	"time"

	"github.com/hid-io/hidiod/mailbox"
	"github.com/hid-io/hidiod/protocol"
)

// State is the controller lifecycle state.
type State int

// Controller states.  The only terminal state is Disconnected; it triggers
// endpoint unregistration.
const (
	StateInitialized State = iota
	StateSyncing
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateSyncing:
		return "Syncing"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	}
	return "Unknown"
}

const (
	// pollInterval paces the processing loop when the link is idle
	pollInterval = 10 * time.Millisecond

	// DefaultSyncIdle is the idle threshold after which a keep-alive sync is
	// emitted
	DefaultSyncIdle = 5 * time.Second

	// syncFailLimit is the number of consecutive failed keep-alive attempts
	// tolerated before the endpoint is declared gone
	syncFailLimit = 3
)

// Controller runs the HID-IO state machine for one live transport and
// bridges it to the mailbox.
type Controller struct {
	mb  *mailbox.Mailbox
	uid uint64
	ep  *Endpoint

	recv      protocol.PacketBuffer
	sub       *mailbox.Subscription
	state     State
	lastSync  time.Time
	syncIdle  time.Duration
	syncFails int
}

// NewController wires ep (registered under uid) to the mailbox.  syncIdle
// of zero selects DefaultSyncIdle.
func NewController(mb *mailbox.Mailbox, uid uint64, ep *Endpoint, syncIdle time.Duration) *Controller {
	if syncIdle <= 0 {
		syncIdle = DefaultSyncIdle
	}
	return &Controller{
		mb:       mb,
		uid:      uid,
		ep:       ep,
		recv:     ep.NewBuffer(),
		sub:      mb.Subscribe(),
		syncIdle: syncIdle,
		lastSync: time.Now(),
	}
}

// Uid reports the endpoint uid this controller services.
func (c *Controller) Uid() uint64 { return c.uid }

// State reports the lifecycle state.
func (c *Controller) State() State { return c.state }

/*Process runs one iteration of the state machine: receive, keep-alive,
transmit.  It returns the number of I/O events (for idle pacing) and a
non-nil error exactly when the endpoint must be torn down.
*/
func (c *Controller) Process() (int, error) {
	events := 0

	// first contact: announce ourselves and reset the peer's reassembly
	if c.state == StateInitialized {
		if err := c.ep.SendSync(); err != nil {
			c.state = StateDisconnected
			return 0, err
		}
		c.state = StateSyncing
		c.lastSync = time.Now()
	}

	n, err := c.ep.RecvChunk(&c.recv)
	switch {
	case err == nil:
	case err == protocol.ErrInvalidPacketType, err == protocol.ErrInvalidIdWidth,
		err == protocol.ErrShortHeader, err == protocol.ErrPayloadTooLarge,
		err == protocol.ErrContinuationMismatch:
		// transient corruption: drop the partial assembly, keep the endpoint
		log.Errorf("uid:%d codec error: %v", c.uid, err)
		c.recv = c.ep.NewBuffer()
		return events + 1, nil
	default:
		c.state = StateDisconnected
		return events, err
	}
	if n > 0 {
		events++
		c.lastSync = time.Now()
		c.syncFails = 0
		c.state = StateConnected
	}

	if c.recv.Done {
		if c.recv.Ptype == protocol.TypeSync {
			// peer reset; nothing to publish
			c.recv = c.ep.NewBuffer()
		} else {
			c.mb.Publish(mailbox.Message{
				Src:  mailbox.DeviceHidio(c.uid),
				Dst:  mailbox.All,
				Data: c.recv,
			})
			c.recv = c.ep.NewBuffer()
		}
	}

	if time.Since(c.lastSync) >= c.syncIdle {
		events++
		if err := c.ep.SendSync(); err != nil {
			c.syncFails++
			log.Warningf("uid:%d keep-alive failed (%d/%d): %v", c.uid, c.syncFails, syncFailLimit, err)
			if c.syncFails >= syncFailLimit {
				c.state = StateDisconnected
				return events, err
			}
		} else {
			c.syncFails = 0
		}
		c.recv = c.ep.NewBuffer()
		c.ep.ResetRecv()
		c.lastSync = time.Now()
		return events, nil
	}

	// drain queued mailbox traffic addressed to this endpoint
	for {
		select {
		case msg, ok := <-c.sub.C:
			if !ok {
				c.state = StateDisconnected
				return events, mailbox.ErrSubscriptionClosed
			}
			if msg.Dst.Kind == mailbox.AddrDropAllSubscriptions {
				c.state = StateDisconnected
				return events, mailbox.ErrSubscriptionClosed
			}
			if msg.Dst != mailbox.DeviceHidio(c.uid) {
				continue
			}
			events++
			if err := c.ep.SendPacket(msg.Data); err != nil {
				c.state = StateDisconnected
				return events, err
			}
			if msg.Data.Ptype == protocol.TypeSync {
				c.recv = c.ep.NewBuffer()
				c.ep.ResetRecv()
			}
		default:
			return events, nil
		}
	}
}

/*Run drives Process until the context ends or the endpoint dies, then
unregisters the uid (cancelling dependent subscriptions) and closes the
transport.  It is the controller task; one goroutine per live device.
*/
func (c *Controller) Run(ctx context.Context) {
	defer func() {
		c.state = StateDisconnected
		c.sub.Close()
		c.ep.Close()
		c.mb.Unregister(c.uid)
		log.Infof("uid:%d controller exited", c.uid)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		events, err := c.Process()
		if err != nil {
			if err != mailbox.ErrSubscriptionClosed {
				log.Errorf("uid:%d disconnecting: %v", c.uid, err)
			}
			return
		}
		if events == 0 {
			time.Sleep(pollInterval)
		}
	}
}
