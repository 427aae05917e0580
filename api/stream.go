package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"goji.io/pat"

	"github.com/hid-io/hidiod/mailbox"
	"github.com/hid-io/hidiod/protocol"
	"github.com/hid-io/hidiod/protocol/commands"
)

// nodeListPollInterval paces the node-list change detector.
const nodeListPollInterval = 250 * time.Millisecond

// streamWriter emits newline-delimited JSON and flushes per line so clients
// see events as they happen.
type streamWriter struct {
	w   http.ResponseWriter
	f   http.Flusher
	enc *json.Encoder
}

func newStreamWriter(w http.ResponseWriter) (*streamWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &streamWriter{w: w, f: f, enc: json.NewEncoder(w)}, true
}

// send writes one event line; a false return means the client went away.
func (s *streamWriter) send(v interface{}) bool {
	if err := s.enc.Encode(v); err != nil {
		return false
	}
	s.f.Flush()
	return true
}

// handleNodesWatch streams the node list: one snapshot immediately, then a
// fresh one whenever the registry version moves.
func (s *Server) handleNodesWatch(w http.ResponseWriter, r *http.Request, _ *Session) {
	sw, ok := newStreamWriter(w)
	if !ok {
		return
	}
	last := s.mb.Registry.Version()
	if !sw.send(s.nodeList()) {
		return
	}
	ticker := time.NewTicker(nodeListPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			v := s.mb.Registry.Version()
			if v == last {
				continue
			}
			last = v
			if !sw.send(s.nodeList()) {
				return
			}
		}
	}
}

// signalEvent is one streamed mailbox observation.
type signalEvent struct {
	SrcUid  uint64 `json:"srcUid,omitempty"`
	SrcKind string `json:"srcKind,omitempty"`
	Id      uint32 `json:"id"`
	Name    string `json:"name"`
	Ptype   string `json:"ptype"`
	Data    []byte `json:"data,omitempty"`
	Text    string `json:"text,omitempty"`
}

func eventFrom(msg mailbox.Message) signalEvent {
	ev := signalEvent{
		SrcUid: msg.Src.Uid,
		Id:     msg.Data.Id,
		Name:   commands.ID(msg.Data.Id).String(),
		Ptype:  msg.Data.Ptype.String(),
		Data:   msg.Data.Data,
	}
	switch msg.Src.Kind {
	case mailbox.AddrDeviceHidio:
		ev.SrcKind = "device"
	case mailbox.AddrDeviceRawHid:
		ev.SrcKind = "rawhid"
	case mailbox.AddrModule:
		ev.SrcKind = "module"
	case mailbox.AddrApiClient:
		ev.SrcKind = "api"
	}
	switch commands.ID(msg.Data.Id) {
	case commands.IdTerminalOut, commands.IdTerminalCmd, commands.IdUnicodeText, commands.IdUnicodeState:
		if t, err := commands.ParseTerminalOut(msg.Data.Data); err == nil {
			ev.Text = t.Output
		}
	}
	return ev
}

// keyboardSignalIds are the device-originated command ids surfaced on a
// per-keyboard signal subscription.
var keyboardSignalIds = map[commands.ID]bool{
	commands.IdTerminalOut:         true,
	commands.IdManufacturingResult: true,
	commands.IdUnicodeText:         true,
	commands.IdUnicodeState:        true,
}

// handleNodeSignals streams a device's signal packets to the client.  The
// subscription is bound to the session uid, so eviction or disconnect tears
// it down; the stream ends cleanly when the watched device unplugs.
func (s *Server) handleNodeSignals(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, err := strconv.ParseUint(pat.Param(r, "uid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad uid")
		return
	}
	if _, ok := s.mb.Registry.Get(uid); !ok {
		writeError(w, http.StatusNotFound, "no such node")
		return
	}
	sw, ok := newStreamWriter(w)
	if !ok {
		return
	}
	sub := s.mb.SubscribeFor(sess.Uid)
	defer sub.Close()
	sub.BindTo(uid) // device unplug ends the stream cleanly
	src := mailbox.DeviceHidio(uid)
	for {
		msg, ok := sub.Next(r.Context())
		if !ok {
			return
		}
		if msg.Src != src {
			continue
		}
		if msg.Data.Ptype != protocol.TypeData && msg.Data.Ptype != protocol.TypeNaData {
			continue
		}
		if !keyboardSignalIds[commands.ID(msg.Data.Id)] {
			continue
		}
		if !sw.send(eventFrom(msg)) {
			return
		}
	}
}

// handleDaemonSignals streams packets originated by the daemon module node.
func (s *Server) handleDaemonSignals(w http.ResponseWriter, r *http.Request, sess *Session) {
	sw, ok := newStreamWriter(w)
	if !ok {
		return
	}
	sub := s.mb.SubscribeFor(sess.Uid)
	defer sub.Close()
	for {
		msg, ok := sub.Next(r.Context())
		if !ok {
			return
		}
		if msg.Src.Kind != mailbox.AddrModule {
			continue
		}
		if !sw.send(eventFrom(msg)) {
			return
		}
	}
}

// handleRawWatch streams every mailbox message (Debug level only).
func (s *Server) handleRawWatch(w http.ResponseWriter, r *http.Request, sess *Session) {
	sw, ok := newStreamWriter(w)
	if !ok {
		return
	}
	sub := s.mb.SubscribeFor(sess.Uid)
	defer sub.Close()
	for {
		msg, ok := sub.Next(r.Context())
		if !ok {
			return
		}
		if !sw.send(eventFrom(msg)) {
			return
		}
	}
}
