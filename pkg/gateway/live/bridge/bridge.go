// Package bridge owns one upstream realtime session and translates its
// event stream into typed outbound messages, resolving tool calls on the way.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools"
)

type State int32

const (
	StateConnecting State = iota
	StateConfiguring
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConfiguring:
		return "CONFIGURING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	ErrNotActive        = errors.New("bridge: session is not active")
	ErrStreamConsumed   = errors.New("bridge: message stream already consumed")
	errConnectorMissing = errors.New("connector is required")
)

// UpstreamError is a failure of the upstream realtime session. It ends the
// session.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Dependencies struct {
	Connector realtime.Connector
	Model     string
	Config    realtime.ConnectConfig
	Engine    *tools.Engine
	SessionID string
	Logger    *zap.Logger
}

type Bridge struct {
	engine    *tools.Engine
	dialect   string
	sessionID string
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	upstream  realtime.Session
	cancelled map[string]struct{}

	// sendMu serializes writes to the upstream session. Client input and
	// tool responses are sent from different goroutines.
	sendMu sync.Mutex

	streamTaken atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// Open connects the upstream session. It returns an *UpstreamError if the
// connect fails.
func Open(ctx context.Context, deps Dependencies) (*Bridge, error) {
	if deps.Connector == nil {
		return nil, &UpstreamError{Op: "connect", Err: errConnectorMissing}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := deps.Engine
	if engine == nil {
		engine = tools.NewEngine(tools.NewRegistry(), logger)
	}
	b := &Bridge{
		engine:    engine,
		dialect:   strings.TrimSpace(deps.Config.Dialect),
		sessionID: deps.SessionID,
		logger:    logger,
		state:     StateConnecting,
		cancelled: make(map[string]struct{}),
	}

	cfg := deps.Config
	if len(cfg.Tools) == 0 {
		cfg.Tools = engine.Registry.Declarations()
	}

	b.setState(StateConfiguring)
	upstream, err := deps.Connector.Connect(ctx, deps.Model, cfg)
	if err != nil {
		b.setState(StateClosed)
		return nil, &UpstreamError{Op: "connect", Err: err}
	}

	b.mu.Lock()
	b.upstream = upstream
	b.state = StateActive
	b.mu.Unlock()

	logger.Info("upstream session active",
		zap.String("session_id", deps.SessionID),
		zap.String("model", deps.Model),
		zap.Int("tools", len(cfg.Tools)),
	)
	return b, nil
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Bridge) active() (realtime.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive || b.upstream == nil {
		return nil, ErrNotActive
	}
	return b.upstream, nil
}

// SendText forwards a complete user turn.
func (b *Bridge) SendText(ctx context.Context, text string) error {
	up, err := b.active()
	if err != nil {
		return err
	}
	b.sendMu.Lock()
	err = up.SendText(ctx, text, true)
	b.sendMu.Unlock()
	if err != nil {
		return &UpstreamError{Op: "send text", Err: err}
	}
	return nil
}

// SendAudio forwards one PCM16 chunk as realtime input.
func (b *Bridge) SendAudio(ctx context.Context, pcm []byte) error {
	up, err := b.active()
	if err != nil {
		return err
	}
	b.sendMu.Lock()
	err = up.SendAudio(ctx, pcm)
	b.sendMu.Unlock()
	if err != nil {
		return &UpstreamError{Op: "send audio", Err: err}
	}
	return nil
}

// SendAudioStreamEnd tells the upstream VAD the microphone stream paused.
func (b *Bridge) SendAudioStreamEnd(ctx context.Context) error {
	up, err := b.active()
	if err != nil {
		return err
	}
	b.sendMu.Lock()
	err = up.SendAudioStreamEnd(ctx)
	b.sendMu.Unlock()
	if err != nil {
		return &UpstreamError{Op: "send audio stream end", Err: err}
	}
	return nil
}

// Close moves the bridge to CLOSED and closes the upstream session exactly
// once. It is safe to call from any goroutine and any number of times.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		up := b.upstream
		if b.state != StateClosed {
			b.state = StateClosing
		}
		b.mu.Unlock()

		if up != nil {
			if err := up.Close(); err != nil {
				b.closeErr = &UpstreamError{Op: "close", Err: err}
				b.logger.Warn("upstream close failed", zap.String("session_id", b.sessionID), zap.Error(err))
			}
		}
		b.setState(StateClosed)
	})
	return b.closeErr
}

func (b *Bridge) sendToolResponses(ctx context.Context, up realtime.Session, responses []realtime.ToolResponse) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return up.SendToolResponses(ctx, responses)
}

// IsCancelled reports whether the tool call id was cancelled upstream.
func (b *Bridge) IsCancelled(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.cancelled[id]
	return ok
}

// markCancelled records ids and returns the ones not seen before.
func (b *Bridge) markCancelled(ids []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := b.cancelled[id]; ok {
			continue
		}
		b.cancelled[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}
