package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/accumulator"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/bridge"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/session"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/mw"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/store"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/adapters/listings"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/builtins"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/units"
)

const upstreamConnectTimeout = 30 * time.Second

// LiveHandler handles /v1/live websocket sessions. Each connection gets its
// own upstream session, tool set and accumulator.
type LiveHandler struct {
	Config    config.Config
	Connector realtime.Connector
	// Saver receives flushed messages; nil logs them instead.
	Saver accumulator.Saver
	Leads builtins.LeadSink
	// RemoteTools are shared across sessions (MCP).
	RemoteTools  []tools.Tool
	HTTPClient   *http.Client
	Logger       *zap.Logger
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker

	NewSessionID func() string
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		mw.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", reqID)
		return
	}
	if h.Lifecycle.IsDraining() {
		mw.WriteError(w, http.StatusServiceUnavailable, "draining", "gateway is draining", reqID)
		return
	}
	if !mw.OriginAllowed(h.Config.CORSAllowedOrigins, r) {
		mw.WriteError(w, http.StatusForbidden, "forbidden_origin", "origin is not allowed", reqID)
		return
	}
	logger := h.logger()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		logger.Debug("websocket upgrade failed", zap.String("request_id", reqID), zap.Error(err))
		return
	}

	sessionID := h.newSessionID()
	logger = logger.With(zap.String("session_id", sessionID), zap.String("request_id", reqID))

	engine := tools.NewEngine(h.sessionTools(sessionID, logger), logger)
	connectCtx, cancel := context.WithTimeout(r.Context(), upstreamConnectTimeout)
	b, err := bridge.Open(connectCtx, bridge.Dependencies{
		Connector: h.Connector,
		Model:     h.Config.Model,
		Config:    h.Config.ConnectConfig(),
		Engine:    engine,
		SessionID: sessionID,
		Logger:    logger,
	})
	cancel()
	if err != nil {
		logger.Error("upstream connect failed", zap.Error(err))
		closeWithReason(conn, websocket.CloseInternalServerErr, "upstream unavailable")
		return
	}

	acc := accumulator.New(accumulator.Config{
		SessionID:   sessionID,
		IdleTimeout: h.Config.AccumulatorIdleTimeout,
		Saver:       h.saver(logger),
		Logger:      logger,
	})

	s, err := session.New(session.Dependencies{
		Conn:        conn,
		Bridge:      b,
		Accumulator: acc,
		Logger:      logger,
		SessionID:   sessionID,
		Config: session.Config{
			HandlerTimeout:          h.Config.HandlerTimeout,
			PingInterval:            h.Config.WSPingInterval,
			WriteTimeout:            h.Config.WSWriteTimeout,
			ReadIdleTimeout:         h.Config.WSReadIdleTimeout,
			TeardownTimeout:         h.Config.TeardownTimeout,
			MaxMessageBytes:         h.Config.WSMaxMessageBytes,
			MaxAudioChunksPerSecond: h.Config.MaxAudioChunksPerSecond,
			MaxAudioBytesPerSecond:  h.Config.MaxAudioBytesPerSecond,
			AudioBurstSeconds:       h.Config.AudioBurstSeconds,
		},
	})
	if err != nil {
		logger.Error("failed to initialize live session", zap.Error(err))
		acc.Close(context.Background())
		_ = b.Close()
		closeWithReason(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	release := h.LiveSessions.Register(sessionID, s)
	defer release()

	if err := s.Run(); err != nil {
		var upstreamErr *bridge.UpstreamError
		var transportErr *session.TransportError
		switch {
		case errors.As(err, &upstreamErr):
			logger.Warn("live session ended by upstream failure", zap.String("op", upstreamErr.Op), zap.Error(err))
		case errors.As(err, &transportErr):
			logger.Info("live session ended by transport failure", zap.String("op", transportErr.Op), zap.Error(err))
		default:
			logger.Warn("live session ended with error", zap.Error(err))
		}
	}
}

// sessionTools builds the registry one session dispatches against. The
// listings client and units searcher hold per-session caches. Remote tools
// register first so a local tool of the same name replaces them.
func (h LiveHandler) sessionTools(sessionID string, logger *zap.Logger) *tools.Registry {
	listingsClient := listings.NewClient(listings.Options{
		BaseURL:    h.Config.ListingsBaseURL,
		HTTPClient: h.listingsHTTPClient(),
		CacheTTL:   h.Config.ListingsCacheTTL,
	})
	searcher := units.NewSearcher(listingsClient, h.Config.ListingsProjectID, logger)

	all := append([]tools.Tool{}, h.RemoteTools...)
	all = append(all, searcher.Tools()...)
	all = append(all, builtins.FinalizeResponse())
	if h.Leads != nil {
		all = append(all, builtins.LeadTool{SessionID: sessionID, Sink: h.Leads, Logger: logger}.Tool())
	}
	return tools.NewRegistry(all...)
}

func (h LiveHandler) listingsHTTPClient() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return &http.Client{Timeout: h.Config.ListingsTimeout}
}

func (h LiveHandler) saver(logger *zap.Logger) accumulator.Saver {
	if h.Saver != nil {
		return h.Saver
	}
	return store.LogStore{Logger: logger}
}

func (h LiveHandler) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.NewNop()
}

func (h LiveHandler) newSessionID() string {
	if h.NewSessionID != nil {
		return h.NewSessionID()
	}
	return uuid.NewString()
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
