package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-live-bridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is satisfied by the message store.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readyPingTimeout = 2 * time.Second

type ReadyHandler struct {
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	// Database is nil when messages are only logged.
	Database Pinger
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Draining     bool     `json:"draining"`
		LiveSessions int      `json:"live_sessions"`
		Database     string   `json:"database"`
		Issues       []string `json:"issues,omitempty"`
	}

	resp := readyResp{
		Draining:     h.Lifecycle.IsDraining(),
		LiveSessions: h.LiveSessions.Count(),
		Database:     "disabled",
	}
	if resp.Draining {
		resp.Issues = append(resp.Issues, "draining")
	}
	if h.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
		err := h.Database.Ping(ctx)
		cancel()
		if err != nil {
			resp.Database = "unreachable"
			resp.Issues = append(resp.Issues, "database ping failed")
		} else {
			resp.Database = "ok"
		}
	}

	resp.OK = len(resp.Issues) == 0
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
