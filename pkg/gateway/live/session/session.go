// Package session runs one live client connection: it forwards client frames
// to the bridge and frames bridge messages back to the client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-live-bridge/pkg/core/audio"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/accumulator"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/bridge"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/protocol"
)

const (
	DefaultHandlerTimeout    = 30 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultReadIdleTimeout   = 30 * time.Second
	DefaultTeardownTimeout   = 15 * time.Second
	DefaultOutboundQueueSize = 128

	priorityQueueSize = 8
)

// Conn is the client connection. *websocket.Conn satisfies it.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, data []byte, err error)
	SetReadLimit(limit int64)
}

type Config struct {
	HandlerTimeout    time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	TeardownTimeout   time.Duration
	MaxMessageBytes   int64
	OutboundQueueSize int

	// Client audio limits; zero disables.
	MaxAudioChunksPerSecond int
	MaxAudioBytesPerSecond  int64
	AudioBurstSeconds       int
}

type Dependencies struct {
	Conn        Conn
	Bridge      *bridge.Bridge
	Accumulator *accumulator.Accumulator
	Logger      *zap.Logger
	SessionID   string
	Config      Config
	Now         func() time.Time
}

type handlerFunc func(ctx context.Context, msg bridge.Message) error

type LiveSession struct {
	conn      Conn
	bridge    *bridge.Bridge
	acc       *accumulator.Accumulator
	logger    *zap.Logger
	sessionID string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	audioLimiter     *audioInputLimiter

	// wrapHandler lets tests intercept handlers.
	wrapHandler func(bridge.MessageType, handlerFunc) handlerFunc

	teardownOnce sync.Once
}

type inboundFrame struct {
	data []byte
	err  error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = DefaultReadIdleTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:             deps.Conn,
		bridge:           deps.Bridge,
		acc:              deps.Accumulator,
		logger:           deps.Logger.With(zap.String("session_id", deps.SessionID)),
		sessionID:        deps.SessionID,
		cfg:              cfg,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, priorityQueueSize),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		audioLimiter:     newAudioInputLimiter(deps.Now, cfg.MaxAudioChunksPerSecond, cfg.MaxAudioBytesPerSecond, cfg.AudioBurstSeconds),
	}, nil
}

// Run drives the session until the client leaves, the upstream stream ends
// or either side fails. Teardown runs on every path. A client close or an
// upstream end of stream returns nil.
func (s *LiveSession) Run() (err error) {
	defer s.teardown()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	readCh := make(chan inboundFrame, 16)
	go s.readLoop(readCh)

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      gctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		return w.Run()
	})
	g.Go(func() error { return s.receiveLoop(gctx, readCh) })
	g.Go(func() error { return s.sendLoop(gctx) })

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errClientClosed), errors.Is(err, errUpstreamEnded):
		s.logger.Info("live session ended")
		return nil
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		s.logger.Info("live session cancelled")
		return nil
	default:
		s.logger.Warn("live session failed", zap.Error(err))
		return err
	}
}

// Cancel stops both loops; Run then tears the session down.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Warn sends a best-effort notice frame to the client.
func (s *LiveSession) Warn(code, message string) error {
	if s == nil {
		return nil
	}
	frame := protocol.Delta("warning", map[string]any{"code": code, "message": message}, s.sessionID, s.now())
	return s.enqueuePriority(frame)
}

// teardown cancels the loops, flushes the accumulator, closes the bridge and
// then the connection. Only the first call has any effect.
func (s *LiveSession) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()
		if s.acc != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
			s.acc.Close(ctx)
			cancel()
		}
		if err := s.bridge.Close(); err != nil {
			s.logger.Warn("bridge close failed", zap.Error(err))
		}
		if err := s.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("connection close", zap.Error(err))
		}
	})
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// receiveLoop forwards client frames to the bridge. When the client is idle
// for ReadIdleTimeout a ping frame is queued instead of failing.
func (s *LiveSession) receiveLoop(ctx context.Context, in <-chan inboundFrame) error {
	idle := time.NewTimer(s.cfg.ReadIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			if err := s.enqueuePriority(protocol.Ping(s.sessionID, s.now())); err != nil {
				s.logger.Debug("keepalive dropped", zap.Error(err))
			}
			idle.Reset(s.cfg.ReadIdleTimeout)
		case frame, ok := <-in:
			if !ok {
				return errClientClosed
			}
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return errClientClosed
				}
				return &TransportError{Op: "read", Err: frame.err}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.ReadIdleTimeout)
			if err := s.forward(ctx, frame.data); err != nil {
				return err
			}
		}
	}
}

// forward sends one decoded client frame upstream: text, then audio, then
// the stream end flag.
func (s *LiveSession) forward(ctx context.Context, data []byte) error {
	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		s.logger.Warn("dropping client frame", zap.Error(err))
		return nil
	}
	if frame.Interrupted {
		s.logger.Info("client reported interruption")
	}
	if frame.Text != nil {
		if err := s.upstreamErr(s.bridge.SendText(ctx, *frame.Text)); err != nil {
			return err
		}
	}
	if frame.Audio != nil {
		pcm, err := frame.DecodeAudio()
		if err != nil {
			s.logger.Warn("dropping client audio", zap.Error(err))
		} else if !s.audioLimiter.Allow(len(pcm)) {
			s.logger.Warn("client audio over rate limit, dropping chunk", zap.Int("bytes", len(pcm)))
		} else if len(pcm) > 0 {
			if err := s.upstreamErr(s.bridge.SendAudio(ctx, pcm)); err != nil {
				return err
			}
		}
	}
	if frame.AudioStreamEnd {
		if err := s.upstreamErr(s.bridge.SendAudioStreamEnd(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (s *LiveSession) upstreamErr(err error) error {
	if errors.Is(err, bridge.ErrNotActive) {
		return errUpstreamEnded
	}
	return err
}

func (s *LiveSession) sendLoop(ctx context.Context) error {
	if err := s.enqueuePriority(protocol.Connected(s.sessionID, s.now())); err != nil {
		return err
	}

	stream := s.bridge.Messages(ctx)
	defer stream.Close()

	for {
		msg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return errUpstreamEnded
		}
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

// dispatch runs the handler for msg under HandlerTimeout. A timeout drops
// only that message.
func (s *LiveSession) dispatch(ctx context.Context, msg bridge.Message) error {
	h := s.handlerFor(msg.Type)
	if h == nil {
		s.logger.Warn("no handler for message", zap.Stringer("type", msg.Type))
		return nil
	}
	if s.wrapHandler != nil {
		h = s.wrapHandler(msg.Type, h)
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h(hctx, msg) }()

	select {
	case err := <-done:
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			s.dropped(msg)
		default:
			s.logger.Error("handler failed", zap.Stringer("type", msg.Type), zap.Error(err))
		}
		return nil
	case <-hctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.dropped(msg)
		return nil
	}
}

func (s *LiveSession) dropped(msg bridge.Message) {
	err := &HandlerTimeoutError{Type: msg.Type, Timeout: s.cfg.HandlerTimeout}
	s.logger.Warn("dropping message", zap.Stringer("type", msg.Type), zap.Error(err))
}

func (s *LiveSession) handlerFor(t bridge.MessageType) handlerFunc {
	switch t {
	case bridge.TypeText, bridge.TypeInputTranscription, bridge.TypeOutputTranscription:
		return s.handleTextual
	case bridge.TypeAudio:
		return s.handleAudio
	case bridge.TypeInterruption:
		return s.handleInterruption
	case bridge.TypeToolCallResponse, bridge.TypeToolCallCancelled:
		return s.handleToolEvent
	case bridge.TypeTurnComplete:
		return s.handleTurnComplete
	default:
		return nil
	}
}

func (s *LiveSession) handleTextual(ctx context.Context, msg bridge.Message) error {
	if s.acc != nil {
		s.acc.AddPiece(msg.Type, msg.Data)
	}
	return s.enqueue(ctx, protocol.Delta(msg.Type.String(), msg.Data, s.sessionID, s.now()))
}

func (s *LiveSession) handleAudio(ctx context.Context, msg bridge.Message) error {
	pcm, ok := msg.Data.([]byte)
	if !ok {
		s.logger.Warn("audio message without bytes")
		return nil
	}
	if s.acc != nil {
		s.acc.AddPiece(msg.Type, pcm)
	}
	return s.enqueue(ctx, protocol.AudioDelta(msg.Type.String(), audio.EncodePCM16Mono24k(pcm), s.sessionID, s.now()))
}

func (s *LiveSession) handleInterruption(ctx context.Context, msg bridge.Message) error {
	s.logger.Info("upstream interruption")
	return s.enqueue(ctx, protocol.Delta(msg.Type.String(), msg.Data, s.sessionID, s.now()))
}

func (s *LiveSession) handleToolEvent(ctx context.Context, msg bridge.Message) error {
	return s.enqueue(ctx, protocol.Delta(msg.Type.String(), msg.Data, s.sessionID, s.now()))
}

// handleTurnComplete closes the accumulation window so the next turn is
// saved separately. Nothing is sent to the client.
func (s *LiveSession) handleTurnComplete(ctx context.Context, _ bridge.Message) error {
	if s.acc != nil {
		s.acc.Flush(ctx)
	}
	return nil
}

// enqueue blocks until the writer has room or ctx ends.
func (s *LiveSession) enqueue(ctx context.Context, frame protocol.ServerFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Type, err)
	}
	select {
	case s.outboundNormal <- outboundFrame{kind: frame.Type, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *LiveSession) enqueuePriority(frame protocol.ServerFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Type, err)
	}
	select {
	case s.outboundPriority <- outboundFrame{kind: frame.Type, payload: payload}:
		return nil
	default:
		return fmt.Errorf("priority queue full, dropping %s", frame.Type)
	}
}
