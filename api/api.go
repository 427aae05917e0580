/*Package api exposes the mailbox and endpoint registry to external clients.

The surface is HTTP/JSON over a local TLS socket with a certificate minted at
daemon start.  Authority comes from two filesystem shared secrets: the
world-readable basic key grants read-only enumeration, the user-only auth key
grants device command issuance (and, when the daemon runs with api.debug, raw
packet inspection).  An authenticated client becomes a HidIoApi endpoint; its
subscriptions are tagged with the client uid so that disconnect or session
eviction tears them down.

Routes (all JSON, streams are newline-delimited JSON):

	GET  /v1/key                          key file locations (pre-auth)
	POST /v1/basic                        handshake with the basic key
	POST /v1/auth                         handshake with the auth key
	GET  /v1/nodes                        list endpoints          (Basic)
	GET  /v1/nodes/watch                  stream node-list changes(Basic)
	POST /v1/nodes/:uid/<command>         device command wrappers (Secure)
	GET  /v1/nodes/:uid/signals           stream device signals   (Secure)
	GET  /v1/daemon/signals               stream daemon signals   (Secure)
	GET  /v1/watch                        stream every packet     (Debug)
	DELETE /v1/session                    end the session
*/
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"goji.io"
	"goji.io/pat"

	"github.com/hid-io/hidiod/mailbox"
)

var log = logging.MustGetLogger("api")

// Server is the RPC bridge.
type Server struct {
	mb       *mailbox.Mailbox
	keys     *Keyring
	sessions *Sessions
	cmd      *Commander

	addr  string
	debug bool

	listener net.Listener
	httpSrv  *http.Server
}

// NewServer builds the bridge.  debug controls whether the auth key grants
// the Debug level (raw watcher) or stops at Secure.
func NewServer(mb *mailbox.Mailbox, addr string, maxSessions int, debug bool) (*Server, error) {
	keys, err := NewKeyring()
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessions(mb, maxSessions)
	if err != nil {
		return nil, err
	}
	cmd, err := NewCommander(mb)
	if err != nil {
		return nil, err
	}
	return &Server{
		mb:       mb,
		keys:     keys,
		sessions: sessions,
		cmd:      cmd,
		addr:     addr,
		debug:    debug,
	}, nil
}

// Keys exposes the keyring (the status listener and tests read the paths).
func (s *Server) Keys() *Keyring { return s.keys }

// Addr reports the bound listen address once Serve has started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// mux assembles the route table.
func (s *Server) mux() *goji.Mux {
	root := goji.NewMux()
	root.HandleFunc(pat.Get("/v1/key"), s.handleKey)
	root.HandleFunc(pat.Post("/v1/basic"), s.handleBasic)
	root.HandleFunc(pat.Post("/v1/auth"), s.handleAuth)

	root.HandleFunc(pat.Get("/v1/nodes"), s.requireLevel(LevelBasic, s.handleNodes))
	root.HandleFunc(pat.Get("/v1/nodes/watch"), s.requireLevel(LevelBasic, s.handleNodesWatch))

	root.HandleFunc(pat.Post("/v1/nodes/:uid/flash-mode"), s.requireLevel(LevelSecure, s.handleFlashMode))
	root.HandleFunc(pat.Post("/v1/nodes/:uid/sleep-mode"), s.requireLevel(LevelSecure, s.handleSleepMode))
	root.HandleFunc(pat.Post("/v1/nodes/:uid/supported-ids"), s.requireLevel(LevelSecure, s.handleSupportedIds))
	root.HandleFunc(pat.Post("/v1/nodes/:uid/test-packet"), s.requireLevel(LevelSecure, s.handleTestPacket))
	root.HandleFunc(pat.Post("/v1/nodes/:uid/manufacturing-test"), s.requireLevel(LevelSecure, s.handleManufacturingTest))
	root.HandleFunc(pat.Post("/v1/nodes/:uid/pixel-set"), s.requireLevel(LevelSecure, s.handlePixelSet))
	root.HandleFunc(pat.Post("/v1/nodes/:uid/pixel-setting"), s.requireLevel(LevelSecure, s.handlePixelSetting))
	root.HandleFunc(pat.Post("/v1/nodes/:uid/info"), s.requireLevel(LevelSecure, s.handleInfo))
	root.HandleFunc(pat.Post("/v1/nodes/:uid/cli-command"), s.requireLevel(LevelSecure, s.handleCliCommand))
	root.HandleFunc(pat.Get("/v1/nodes/:uid/signals"), s.requireLevel(LevelSecure, s.handleNodeSignals))

	root.HandleFunc(pat.Get("/v1/daemon/signals"), s.requireLevel(LevelSecure, s.handleDaemonSignals))
	root.HandleFunc(pat.Get("/v1/watch"), s.requireLevel(LevelDebug, s.handleRawWatch))

	root.HandleFunc(pat.Delete("/v1/session"), s.requireLevel(LevelBasic, s.handleLogout))
	return root
}

// Serve binds the TLS listener and blocks until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	cert, err := selfSignedCert()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, "binding api listener")
	}
	s.listener = tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	s.httpSrv = &http.Server{
		Handler: s.mux(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		s.httpSrv.Close()
		s.sessions.Purge()
		s.keys.Close()
	}()

	log.Noticef("api listening at %s", s.Addr())
	log.Noticef("basic key: %s", s.keys.BasicKeyPath)
	log.Noticef("auth key:  %s", s.keys.AuthKeyPath)
	err = s.httpSrv.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// apiError is the uniform error body.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// session resolves the bearer token of a request.
func (s *Server) session(r *http.Request) (*Session, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return nil, false
	}
	return s.sessions.Get(h[len(prefix):])
}

// requireLevel gates a handler behind an authorization level.  Violations
// are answered directly; no mailbox traffic is generated.
func (s *Server) requireLevel(level AuthLevel, h func(http.ResponseWriter, *http.Request, *Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if sess.Level < level {
			writeError(w, http.StatusForbidden, "insufficient authorization level: "+sess.Level.String())
			return
		}
		h(w, r, sess)
	}
}

// uidParam parses the :uid path segment and checks the endpoint exists.
func (s *Server) uidParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	uid, err := strconv.ParseUint(pat.Param(r, "uid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad uid")
		return 0, false
	}
	if _, ok := s.mb.Registry.Get(uid); !ok {
		writeError(w, http.StatusNotFound, "no such node")
		return 0, false
	}
	return uid, true
}

// keyReply is the pre-auth key location response.
type keyReply struct {
	BasicKeyPath string `json:"basicKeyPath"`
	AuthKeyPath  string `json:"authKeyPath"`
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, keyReply{
		BasicKeyPath: s.keys.BasicKeyPath,
		AuthKeyPath:  s.keys.AuthKeyPath,
	})
}

// handshakeRequest is the body of /v1/basic and /v1/auth.
type handshakeRequest struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

func (s *Server) handleBasic(w http.ResponseWriter, r *http.Request) {
	s.handshake(w, r, func(key string) (AuthLevel, bool) {
		return LevelBasic, s.keys.CheckBasic(key)
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	s.handshake(w, r, func(key string) (AuthLevel, bool) {
		level := LevelSecure
		if s.debug {
			level = LevelDebug
		}
		return level, s.keys.CheckAuth(key)
	})
}

func (s *Server) handshake(w http.ResponseWriter, r *http.Request, check func(string) (AuthLevel, bool)) {
	var req handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad handshake body")
		return
	}
	if req.Name == "" {
		req.Name = "unnamed client"
	}
	level, ok := check(req.Key)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication denied")
		return
	}
	sess, err := s.sessions.Add(req.Name, level)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Noticef("connection authed: %s (%s) uid:%d", sess.Name, sess.Level, sess.Uid)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess *Session) {
	s.sessions.Remove(sess.Token)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request, _ *Session) {
	writeJSON(w, http.StatusOK, s.nodeList())
}

// nodeView is the client-facing projection of an Endpoint.
type nodeView struct {
	Uid         uint64 `json:"uid"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Serial      string `json:"serial"`
	Path        string `json:"path,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Created     string `json:"created"`
}

func (s *Server) nodeList() []nodeView {
	nodes := s.mb.Registry.List()
	out := make([]nodeView, len(nodes))
	for i, n := range nodes {
		out[i] = nodeView{
			Uid:         n.Uid,
			Type:        n.Type.String(),
			Name:        n.Name,
			Serial:      n.Serial,
			Path:        n.Path,
			Fingerprint: n.Fingerprint(),
			Created:     n.Created.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}
	return out
}

// commandBody carries the optional arguments of the device command wrappers.
type commandBody struct {
	Data    []byte `json:"data,omitempty"`
	Command uint16 `json:"command"`
	Arg     uint16 `json:"arg"`
	Address uint16 `json:"address"`
	Line    string `json:"line"`
}

// decodeBody tolerates an empty body for argument-less commands.
func decodeBody(r *http.Request) (commandBody, error) {
	var b commandBody
	err := json.NewDecoder(r.Body).Decode(&b)
	if err != nil && err.Error() == "EOF" {
		return b, nil
	}
	return b, err
}

// runCommand adapts a commander call into an HTTP response, translating
// naks and sync timeouts to distinct statuses.
func runCommand(w http.ResponseWriter, result interface{}, err error) {
	switch {
	case err == nil:
		if result == nil {
			result = struct{}{}
		}
		writeJSON(w, http.StatusOK, result)
	case err == mailbox.ErrTooManySyncs:
		writeError(w, http.StatusGatewayTimeout, "device did not answer before sync timeout")
	default:
		var nak *mailbox.NakReceivedError
		if errors.As(err, &nak) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": "nak",
				"data":  nak.Msg.Data.Data,
			})
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleFlashMode(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, ok := s.uidParam(w, r)
	if !ok {
		return
	}
	ack, err := s.cmd.FlashMode(r.Context(), mailbox.ApiClient(sess.Uid), uid)
	runCommand(w, map[string]uint16{"scancode": ack.Scancode}, err)
}

func (s *Server) handleSleepMode(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, ok := s.uidParam(w, r)
	if !ok {
		return
	}
	runCommand(w, nil, s.cmd.SleepMode(r.Context(), mailbox.ApiClient(sess.Uid), uid))
}

func (s *Server) handleSupportedIds(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, ok := s.uidParam(w, r)
	if !ok {
		return
	}
	ids, err := s.cmd.SupportedIds(r.Context(), mailbox.ApiClient(sess.Uid), uid)
	runCommand(w, map[string]interface{}{"ids": ids}, err)
}

func (s *Server) handleTestPacket(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, ok := s.uidParam(w, r)
	if !ok {
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	echo, err := s.cmd.TestPacket(r.Context(), mailbox.ApiClient(sess.Uid), uid, body.Data)
	runCommand(w, map[string]interface{}{"data": echo}, err)
}

func (s *Server) handleManufacturingTest(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, ok := s.uidParam(w, r)
	if !ok {
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	runCommand(w, nil, s.cmd.ManufacturingTest(r.Context(), mailbox.ApiClient(sess.Uid), uid, body.Command, body.Arg))
}

func (s *Server) handlePixelSet(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, ok := s.uidParam(w, r)
	if !ok {
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	runCommand(w, nil, s.cmd.PixelSet(r.Context(), mailbox.ApiClient(sess.Uid), uid, body.Address, body.Data))
}

func (s *Server) handlePixelSetting(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, ok := s.uidParam(w, r)
	if !ok {
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	runCommand(w, nil, s.cmd.PixelSetting(r.Context(), mailbox.ApiClient(sess.Uid), uid, body.Command, body.Arg))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, ok := s.uidParam(w, r)
	if !ok {
		return
	}
	info, err := s.cmd.Info(r.Context(), mailbox.ApiClient(sess.Uid), uid)
	runCommand(w, info, err)
}

func (s *Server) handleCliCommand(w http.ResponseWriter, r *http.Request, sess *Session) {
	uid, ok := s.uidParam(w, r)
	if !ok {
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	runCommand(w, nil, s.cmd.CliCommand(r.Context(), mailbox.ApiClient(sess.Uid), uid, body.Line))
}
