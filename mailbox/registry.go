package mailbox

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrAlreadyConnected is generated when a uid is requested for a device
	// key whose uid is still registered on the same path; the caller treats
	// it as an idempotent-reconnect suppression, not a failure
	ErrAlreadyConnected = errors.New("registry: device already connected")

	// ErrUidInUse is generated when registering an endpoint whose uid is
	// already present
	ErrUidInUse = errors.New("registry: uid already registered")
)

/*Registry tracks every live endpoint and the uid history of every device key.

Two maps under a reader-biased lock: key → all uids ever assigned for that
key (oldest first) and uid → endpoint.  Uids are never recycled across
different keys, only across same-key reconnects, so a uid observed by an API
client always denotes the same physical object.
*/
type Registry struct {
	mu      sync.RWMutex
	lookup  map[string][]uint64
	nodes   map[uint64]Endpoint
	lastUid uint64
	version uint64

	// subscription side table: owner uid → live sids, plus the per-owner
	// sid counter
	sids    map[uint64][]uint64
	sidNext map[uint64]uint64

	// watch bindings: watched uid → subscriptions that reference it and
	// must be cancelled when it unregisters
	watch map[uint64][]SubRef
}

// SubRef names one subscription by its (owner uid, sid) identity.
type SubRef struct {
	Uid uint64
	Sid uint64
}

func newRegistry() *Registry {
	return &Registry{
		lookup:  make(map[string][]uint64),
		nodes:   make(map[uint64]Endpoint),
		sids:    make(map[uint64][]uint64),
		sidNext: make(map[uint64]uint64),
		watch:   make(map[uint64][]SubRef),
	}
}

/*AssignUid locates a uid for the device key.

If any uid previously assigned to key is still registered on the same path,
ErrAlreadyConnected is returned — the device is already being serviced and
the detecting watcher should skip it.  Otherwise the oldest assigned uid not
currently registered is reused, or a fresh uid is minted and recorded.
*/
func (r *Registry) AssignUid(key, path string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uids := r.lookup[key]
	for _, uid := range uids {
		if node, live := r.nodes[uid]; live && node.Path == path {
			return 0, ErrAlreadyConnected
		}
	}
	for _, uid := range uids {
		if _, live := r.nodes[uid]; !live {
			return uid, nil
		}
	}
	r.lastUid++
	uid := r.lastUid
	r.lookup[key] = append(r.lookup[key], uid)
	return uid, nil
}

// Register inserts the endpoint.  The uid must have come from AssignUid and
// must not be live.
func (r *Registry) Register(e Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[e.Uid]; ok {
		return ErrUidInUse
	}
	r.nodes[e.Uid] = e
	r.version++
	log.Infof("registered endpoint %s", e)
	return nil
}

// UpdateMeta replaces the presentation metadata (name, serial) of a live
// endpoint.  This is the only mutation allowed after registration.
func (r *Registry) UpdateMeta(uid uint64, name, serial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[uid]
	if !ok {
		return false
	}
	e.Name = name
	e.Serial = serial
	r.nodes[uid] = e
	r.version++
	return true
}

// unregister removes the uid and returns every subscription that must be
// cancelled: those owned by the uid and those watching it.
func (r *Registry) unregister(uid uint64) []SubRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.nodes[uid]; ok {
		log.Infof("unregistered endpoint %s", e)
	}
	delete(r.nodes, uid)
	var refs []SubRef
	for _, sid := range r.sids[uid] {
		refs = append(refs, SubRef{Uid: uid, Sid: sid})
	}
	delete(r.sids, uid)
	refs = append(refs, r.watch[uid]...)
	delete(r.watch, uid)
	r.version++
	return refs
}

// bindWatch records that the subscription (owner, sid) references watched
// and must be cancelled when watched unregisters.
func (r *Registry) bindWatch(watched uint64, ref SubRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watch[watched] = append(r.watch[watched], ref)
}

// forgetWatch drops every watch binding held by the subscription.
func (r *Registry) forgetWatch(ref SubRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for watched, refs := range r.watch {
		kept := refs[:0]
		for _, w := range refs {
			if w != ref {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(r.watch, watched)
		} else {
			r.watch[watched] = kept
		}
	}
}

// Get returns the live endpoint for uid.
func (r *Registry) Get(uid uint64) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[uid]
	return e, ok
}

// List snapshots the live endpoints sorted by uid.  Callers must not retain
// the snapshot across registry mutations.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Uid < out[j].Uid })
	return out
}

// Version increments on every registration change; pollers use it to detect
// node-list updates cheaply.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// nextSid issues the next owner-local subscription id and records the
// binding.
func (r *Registry) nextSid(uid uint64) uint64 {
	if uid == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sidNext[uid]++
	sid := r.sidNext[uid]
	r.sids[uid] = append(r.sids[uid], sid)
	return sid
}

// forgetSid drops one (uid, sid) binding from the side table.
func (r *Registry) forgetSid(uid, sid uint64) {
	if uid == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.sids[uid]
	for i, s := range live {
		if s == sid {
			r.sids[uid] = append(live[:i], live[i+1:]...)
			break
		}
	}
}
