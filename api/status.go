package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/hid-io/hidiod"
	"github.com/hid-io/hidiod/mailbox"
)

// StatusServer is an optional plaintext localhost listener for humans and
// monitoring scripts: a JSON summary of the daemon and its nodes, no
// authentication, no command surface.  Off unless configured.
type StatusServer struct {
	mb      *mailbox.Mailbox
	addr    string
	started time.Time
}

// NewStatusServer builds the status listener for addr.
func NewStatusServer(mb *mailbox.Mailbox, addr string) *StatusServer {
	return &StatusServer{mb: mb, addr: addr, started: time.Now()}
}

// statusSummary is the / response body.
type statusSummary struct {
	Version    string `json:"version"`
	InstanceID string `json:"instanceId"`
	UptimeS    int64  `json:"uptimeS"`
	NodeCount  int    `json:"nodeCount"`
}

// Serve blocks until ctx ends.
func (s *StatusServer) Serve(ctx context.Context) error {
	root := chi.NewRouter()
	root.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusSummary{
			Version:    hidiod.Version,
			InstanceID: hidiod.InstanceID,
			UptimeS:    int64(time.Since(s.started).Seconds()),
			NodeCount:  len(s.mb.Registry.List()),
		})
	})
	root.Get("/nodes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.mb.Registry.List())
	})

	srv := &http.Server{Addr: s.addr, Handler: root}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Noticef("status listening at %s", s.addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
