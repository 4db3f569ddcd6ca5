package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/mw"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/store"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/builtins"
)

// Dependencies are the process-wide collaborators shared by all sessions.
type Dependencies struct {
	Connector realtime.Connector
	// Store is nil when no database is configured.
	Store       *store.Store
	Leads       builtins.LeadSink
	RemoteTools []tools.Tool
}

type Server struct {
	cfg    config.Config
	logger *zap.Logger
	mux    *http.ServeMux
	deps   Dependencies

	httpClient   *http.Client
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
}

func New(cfg config.Config, logger *zap.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := &http.Client{
		Timeout: cfg.ListingsTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		mux:          http.NewServeMux(),
		deps:         deps,
		httpClient:   httpClient,
		lifecycle:    &lifecycle.Lifecycle{},
		liveSessions: sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	ready := handlers.ReadyHandler{Lifecycle: s.lifecycle, LiveSessions: s.liveSessions}
	live := handlers.LiveHandler{
		Config:       s.cfg,
		Connector:    s.deps.Connector,
		Leads:        s.deps.Leads,
		RemoteTools:  s.deps.RemoteTools,
		HTTPClient:   s.httpClient,
		Logger:       s.logger,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
	}
	if s.deps.Store != nil {
		ready.Database = s.deps.Store
		live.Saver = s.deps.Store
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", ready)
	s.mux.Handle("/v1/live", live)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := mw.RequestIDFrom(r.Context())
		mw.WriteError(w, http.StatusNotFound, "not_found", "route not found", reqID)
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes /readyz fail and /v1/live refuse new sessions.
func (s *Server) SetDraining() {
	s.lifecycle.BeginDrain(time.Now())
}

func (s *Server) WarnLiveSessionsDraining() int {
	n := s.liveSessions.WarnAll("server_draining", "server is shutting down; finish the current exchange")
	s.logger.Info("warned live sessions", zap.Int("sessions", n))
	return n
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	n := s.liveSessions.CancelAll()
	s.logger.Warn("cancelled live sessions", zap.Int("sessions", n))
	return n
}

func (s *Server) LiveSessionCount() int {
	return s.liveSessions.Count()
}
