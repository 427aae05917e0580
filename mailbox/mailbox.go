/*Package mailbox implements the HID-IO message bus and endpoint registry.

The mailbox is best thought of as a broadcast packet switcher: every
publisher's message is delivered to every subscriber's queue, and each
subscriber filters for the addresses and command ids it cares about.  This is
less efficient than direct channels but keeps the wiring trivial — adding a
module is subscribing.

The registry rides inside the mailbox (components already hold a mailbox
reference, and disconnect cleanup needs both halves), providing uid
assignment keyed on stable device identity and subscription teardown on
unregister.
*/
package mailbox

import (
	"context"
	"errors"
	"sync"

	"github.com/op/go-logging"

	"github.com/hid-io/hidiod/protocol"
	"github.com/hid-io/hidiod/protocol/commands"
)

var log = logging.MustGetLogger("mailbox")

// ChannelSlots is each subscriber's queue depth.  A subscriber further
// behind than this is considered broken, not slow, and is dropped.
const ChannelSlots = 100

var (
	// ErrTooManySyncs is generated when an ack-await sees more sync packets
	// than its tolerance; it is the protocol's timeout signal
	ErrTooManySyncs = errors.New("mailbox: too many sync packets while waiting for ack")

	// ErrSubscriptionClosed is generated when a wait ends because the
	// subscription was torn down
	ErrSubscriptionClosed = errors.New("mailbox: subscription closed")
)

// NakReceivedError carries the nak message that ended an ack-await.
type NakReceivedError struct {
	Msg Message
}

func (e *NakReceivedError) Error() string {
	return "mailbox: nak received"
}

// AddressKind discriminates the Address union.
type AddressKind int

// Address kinds.  AddrAll is a broadcast destination, never a source.  The
// two drop kinds are sentinels that terminate receive loops.
const (
	AddrApiClient AddressKind = iota
	AddrDeviceHidio
	AddrDeviceRawHid
	AddrModule
	AddrAll
	AddrDropAllSubscriptions
	AddrCancelOneSubscription
)

// Address identifies a message source or destination.  Values are
// comparable with ==.
type Address struct {
	Kind AddressKind
	Uid  uint64
	Sid  uint64
}

// ApiClient addresses the RPC client node with the given uid.
func ApiClient(uid uint64) Address {
	return Address{Kind: AddrApiClient, Uid: uid}
}

// DeviceHidio addresses a HID-IO speaking device endpoint.
func DeviceHidio(uid uint64) Address {
	return Address{Kind: AddrDeviceHidio, Uid: uid}
}

// DeviceRawHid addresses a raw (non-HID-IO) capture endpoint.
func DeviceRawHid(uid uint64) Address {
	return Address{Kind: AddrDeviceRawHid, Uid: uid}
}

// Module addresses the built-in module façade.
var Module = Address{Kind: AddrModule}

// All is the broadcast destination.
var All = Address{Kind: AddrAll}

// Message is the unit of mailbox traffic.
type Message struct {
	Src  Address
	Dst  Address
	Data protocol.PacketBuffer
}

// Mailbox is the process-wide bus.  It is safe for concurrent use and is
// shared by reference; tests construct an isolated instance.
type Mailbox struct {
	// Registry is the endpoint registry owned by this mailbox
	Registry *Registry

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty mailbox with its registry.
func New() *Mailbox {
	return &Mailbox{
		Registry: newRegistry(),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscription is an owned receiver of mailbox traffic.  Close it to stop
// receiving; the mailbox closes it from its side when the queue overruns or
// a matching drop sentinel is consumed via Next.
type Subscription struct {
	// C carries every published message in publish order (per publisher)
	C chan Message

	// uid/sid bind the subscription to its owning endpoint; zero means
	// unbound (internal loops)
	uid, sid uint64

	mb   *Mailbox
	once sync.Once
}

// Subscribe returns an unbound subscription (internal loops, ack-awaits).
func (m *Mailbox) Subscribe() *Subscription {
	return m.subscribe(0, 0)
}

// SubscribeFor returns a subscription bound to the owning endpoint uid.  The
// issued sid is owner-local and monotonic; the binding is recorded so that
// unregistering the uid tears the subscription down.
func (m *Mailbox) SubscribeFor(uid uint64) *Subscription {
	sid := m.Registry.nextSid(uid)
	return m.subscribe(uid, sid)
}

func (m *Mailbox) subscribe(uid, sid uint64) *Subscription {
	s := &Subscription{
		C:   make(chan Message, ChannelSlots),
		uid: uid,
		sid: sid,
		mb:  m,
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s
}

// Uid reports the owning endpoint uid (zero when unbound).
func (s *Subscription) Uid() uint64 { return s.uid }

// Sid reports the subscription id (zero when unbound).
func (s *Subscription) Sid() uint64 { return s.sid }

// BindTo records that this subscription references the watched uid, so
// unregistering that endpoint cancels it.  Only bound subscriptions (from
// SubscribeFor) can watch.
func (s *Subscription) BindTo(watched uint64) {
	if s.uid == 0 {
		return
	}
	s.mb.Registry.bindWatch(watched, SubRef{Uid: s.uid, Sid: s.sid})
}

// Close detaches the subscription.  Safe to call more than once and
// concurrently with Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mb.mu.Lock()
		delete(s.mb.subs, s)
		s.mb.mu.Unlock()
		s.mb.Registry.forgetSid(s.uid, s.sid)
		if s.uid != 0 {
			s.mb.Registry.forgetWatch(SubRef{Uid: s.uid, Sid: s.sid})
		}
		close(s.C)
	})
}

// Next receives the next message, consuming drop sentinels: a matching
// cancel (or a drop-all) closes the subscription and reports ok=false.
// Cancellation of ctx also reports ok=false without closing.
func (s *Subscription) Next(ctx context.Context) (Message, bool) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, false
		case msg, ok := <-s.C:
			if !ok {
				return Message{}, false
			}
			switch msg.Dst.Kind {
			case AddrDropAllSubscriptions:
				s.Close()
				return Message{}, false
			case AddrCancelOneSubscription:
				if msg.Dst.Uid == s.uid && msg.Dst.Sid == s.sid {
					s.Close()
					return Message{}, false
				}
			default:
				return msg, true
			}
		}
	}
}

/*Publish delivers msg to every subscriber's queue.

It never blocks the publisher: a subscriber whose queue is full is dropped on
the spot and its (uid, sid) binding surfaced to the registry for cleanup.
Within a single publisher goroutine, subscribers observe messages in publish
order.
*/
func (m *Mailbox) Publish(msg Message) {
	var over []*Subscription
	m.mu.RLock()
	for s := range m.subs {
		select {
		case s.C <- msg:
		default:
			over = append(over, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range over {
		log.Warningf("dropping overrun subscriber uid:%d sid:%d", s.uid, s.sid)
		s.Close()
	}
}

// SendCommand publishes a Data packet carrying id and data.
func (m *Mailbox) SendCommand(src, dst Address, id commands.ID, data []byte) {
	m.Publish(Message{
		Src: src,
		Dst: dst,
		Data: protocol.PacketBuffer{
			Ptype:  protocol.TypeData,
			Id:     uint32(id),
			MaxLen: protocol.DefaultMaxLen,
			Data:   data,
			Done:   true,
		},
	})
}

// SendNoAck publishes a fire-and-forget NaData packet carrying id and data.
func (m *Mailbox) SendNoAck(src, dst Address, id commands.ID, data []byte) {
	m.Publish(Message{
		Src: src,
		Dst: dst,
		Data: protocol.PacketBuffer{
			Ptype:  protocol.TypeNaData,
			Id:     uint32(id),
			MaxLen: protocol.DefaultMaxLen,
			Data:   data,
			Done:   true,
		},
	})
}

// Ack publishes a reply to msg with the roles reversed and the same id.
func (m *Mailbox) Ack(msg Message, data []byte) {
	m.reply(msg, protocol.TypeAck, data)
}

// Nak publishes a rejection of msg with the roles reversed and the same id.
func (m *Mailbox) Nak(msg Message, data []byte) {
	m.reply(msg, protocol.TypeNak, data)
}

func (m *Mailbox) reply(msg Message, ptype protocol.PacketType, data []byte) {
	m.Publish(Message{
		Src: msg.Dst,
		Dst: msg.Src,
		Data: protocol.PacketBuffer{
			Ptype:  ptype,
			Id:     msg.Data.Id,
			MaxLen: protocol.DefaultMaxLen,
			Data:   data,
			Done:   true,
		},
	})
}

/*SendAndAwaitAck publishes msg and waits for its ack or nak.

Correlation is by (source == msg.Dst, id == msg.Data.Id) — the protocol has
no nonces, so callers must not issue overlapping requests with the same
(dst, id) pair.  Sync packets from the awaited source count toward
maxSyncTolerance; syncs are only emitted on idle links, so exceeding the
tolerance is the protocol's timeout.  Unrelated data packets are ignored.
*/
func (m *Mailbox) SendAndAwaitAck(ctx context.Context, msg Message, maxSyncTolerance int) (Message, error) {
	sub := m.Subscribe()
	defer sub.Close()
	m.Publish(msg)

	syncs := 0
	for {
		reply, ok := sub.Next(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return Message{}, err
			}
			return Message{}, ErrSubscriptionClosed
		}
		if reply.Src != msg.Dst {
			continue
		}
		switch reply.Data.Ptype {
		case protocol.TypeSync:
			// syncs signify an idle link; tolerate a few before timing out
			syncs++
			if syncs > maxSyncTolerance {
				return Message{}, ErrTooManySyncs
			}
		case protocol.TypeAck:
			if reply.Data.Id == msg.Data.Id {
				return reply, nil
			}
		case protocol.TypeNak:
			if reply.Data.Id == msg.Data.Id {
				return reply, &NakReceivedError{Msg: reply}
			}
		}
	}
}

// DropSubscriber publishes the cancel sentinel for one (uid, sid) binding.
func (m *Mailbox) DropSubscriber(uid, sid uint64) {
	m.Publish(Message{
		Src: Address{Kind: AddrDropAllSubscriptions},
		Dst: Address{Kind: AddrCancelOneSubscription, Uid: uid, Sid: sid},
	})
}

// DropAll publishes the shutdown sentinel terminating every receive loop.
func (m *Mailbox) DropAll() {
	m.Publish(Message{
		Src: Address{Kind: AddrDropAllSubscriptions},
		Dst: Address{Kind: AddrDropAllSubscriptions},
	})
}

// Unregister removes uid from the registry and cancels every subscription
// that it owns or that watches it.
func (m *Mailbox) Unregister(uid uint64) {
	for _, ref := range m.Registry.unregister(uid) {
		m.DropSubscriber(ref.Uid, ref.Sid)
	}
}
