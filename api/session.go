package api

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	uuid "github.com/satori/go.uuid"

	"github.com/hid-io/hidiod/mailbox"
)

// Session is one authenticated client.
type Session struct {
	// Token is the bearer credential issued at handshake
	Token string `json:"token"`

	// Uid is the client's endpoint uid in the registry
	Uid uint64 `json:"uid"`

	// Level is the authority granted by the presented key
	Level AuthLevel `json:"level"`

	// Name is the client-declared presentation name
	Name string `json:"name"`
}

// Sessions is the bounded table of authenticated clients.  Eviction (LRU
// past the configured capacity) unregisters the client's endpoint, which in
// turn cancels its subscriptions — a stale client cannot pin daemon
// resources.
type Sessions struct {
	mb    *mailbox.Mailbox
	cache *lru.Cache
}

// NewSessions builds a table bounded at max live sessions.
func NewSessions(mb *mailbox.Mailbox, max int) (*Sessions, error) {
	s := &Sessions{mb: mb}
	cache, err := lru.NewWithEvict(max, func(_, value interface{}) {
		sess := value.(*Session)
		log.Noticef("session evicted: %s uid:%d", sess.Name, sess.Uid)
		mb.Unregister(sess.Uid)
	})
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// Add registers a freshly authenticated client as a HidIoApi endpoint and
// issues its token.
func (s *Sessions) Add(name string, level AuthLevel) (*Session, error) {
	token := uuid.NewV4().String()
	uid, err := s.mb.Registry.AssignUid("hidiod:api:"+token, "")
	if err != nil {
		return nil, err
	}
	sess := &Session{Token: token, Uid: uid, Level: level, Name: name}
	err = s.mb.Registry.Register(mailbox.Endpoint{
		Uid:     uid,
		Type:    mailbox.NodeHidIoApi,
		Name:    name,
		Serial:  token,
		Created: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	s.cache.Add(token, sess)
	return sess, nil
}

// Get looks a session up by token, refreshing its recency.
func (s *Sessions) Get(token string) (*Session, bool) {
	v, ok := s.cache.Get(token)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove ends a session; the eviction hook performs the unregistration.
func (s *Sessions) Remove(token string) {
	s.cache.Remove(token)
}

// Purge ends every session (daemon shutdown).
func (s *Sessions) Purge() {
	s.cache.Purge()
}
