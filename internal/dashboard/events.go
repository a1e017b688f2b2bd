package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/estatedash/internal/guard"
	"github.com/wolfeidau/estatedash/internal/session"
)

const keepAliveInterval = 25 * time.Second

// SessionStatus is the JSON view of a session snapshot.
type SessionStatus struct {
	IsSettled       bool              `json:"isSettled"`
	IsAuthenticated bool              `json:"isAuthenticated"`
	IsRefreshing    bool              `json:"isRefreshing"`
	Identity        *session.Identity `json:"identity"`

	// LoginURL is where a signed out page should go, keeping the reason.
	LoginURL string `json:"loginURL,omitempty"`
}

func (s *Server) statusOf(snap session.Snapshot) SessionStatus {
	status := SessionStatus{
		IsSettled:       snap.Settled(),
		IsAuthenticated: snap.Authenticated(),
		IsRefreshing:    snap.Refreshing,
		Identity:        snap.Identity,
	}
	if decision := guard.Decide(snap, s.sess.Config().LoginPath); decision.Action == guard.Redirect {
		status.LoginURL = decision.Location
	}
	return status
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sess.CheckLocal(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.statusOf(snap)); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("failed to write session status")
	}
}

// sessionEvents streams every published snapshot as a server-sent event.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	snapshots, cancel := s.sess.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	logger := zerolog.Ctx(r.Context())

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}

		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			data, err := json.Marshal(s.statusOf(snap))
			if err != nil {
				logger.Error().Err(err).Msg("failed to encode session event")
				return
			}
			if _, err := fmt.Fprintf(w, "event: session\ndata: %s\n\n", data); err != nil {
				return
			}
		}

		if err := rc.Flush(); err != nil {
			logger.Debug().Err(err).Msg("session events stream closed")
			return
		}
	}
}
