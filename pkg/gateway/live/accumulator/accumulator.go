// Package accumulator reassembles streamed deltas into whole messages and
// hands them to a Saver once the stream goes idle.
package accumulator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/pkg/core/audio"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/bridge"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	DefaultIdleTimeout  = 2 * time.Second
	DefaultSaveTimeout  = 10 * time.Second
	DefaultSaveAttempts = 3
	DefaultRetryBackoff = time.Second
)

// Saver is the persistence collaborator.
type Saver interface {
	SaveMessage(ctx context.Context, sessionID, direction, contentType, text string, audio []byte) error
}

type Config struct {
	SessionID    string
	IdleTimeout  time.Duration
	Saver        Saver
	Logger       *zap.Logger
	Now          func() time.Time
	SaveTimeout  time.Duration
	SaveAttempts int
	RetryBackoff time.Duration
}

// Message is one flushed accumulation window.
type Message struct {
	SessionID           string
	Text                string
	Audio               []byte
	OutputTranscription string
	InputTranscription  string
	StartedAt           time.Time
}

func (m Message) empty() bool {
	return m.Text == "" && len(m.Audio) == 0 && m.OutputTranscription == "" && m.InputTranscription == ""
}

type Accumulator struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	open      bool
	startedAt time.Time
	text      strings.Builder
	audio     bytes.Buffer
	outText   strings.Builder
	inText    strings.Builder
	timer     *time.Timer
	gen       uint64
	closed    bool

	// bg bounds saves that outlive their caller; Close cancels it once its
	// own context ends.
	bg        context.Context
	stopBG    context.CancelFunc
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config) *Accumulator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = DefaultSaveTimeout
	}
	if cfg.SaveAttempts <= 0 {
		cfg.SaveAttempts = DefaultSaveAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bg, stopBG := context.WithCancel(context.Background())
	return &Accumulator{cfg: cfg, logger: logger, bg: bg, stopBG: stopBG}
}

// AddPiece appends data to the buffer for kind and re-arms the idle timer.
// Kinds that are not persisted are ignored. It reports whether the piece
// was accepted.
func (a *Accumulator) AddPiece(kind bridge.MessageType, data any) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}

	switch kind {
	case bridge.TypeText:
		s, ok := data.(string)
		if !ok {
			return false
		}
		a.start()
		a.text.WriteString(s)
	case bridge.TypeOutputTranscription:
		s, ok := data.(string)
		if !ok {
			return false
		}
		a.start()
		a.outText.WriteString(s)
	case bridge.TypeInputTranscription:
		s, ok := data.(string)
		if !ok {
			return false
		}
		a.start()
		a.inText.WriteString(s)
	case bridge.TypeAudio:
		b, ok := data.([]byte)
		if !ok {
			return false
		}
		a.start()
		a.audio.Write(b)
	default:
		return false
	}
	a.rearm()
	return true
}

func (a *Accumulator) start() {
	if a.open {
		return
	}
	a.open = true
	a.startedAt = a.cfg.Now()
}

func (a *Accumulator) rearm() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.cfg.IdleTimeout, func() { a.onIdle(gen) })
}

func (a *Accumulator) onIdle(gen uint64) {
	a.mu.Lock()
	if a.closed || gen != a.gen {
		a.mu.Unlock()
		return
	}
	msg := a.take()
	a.inflight.Add(1)
	a.mu.Unlock()

	defer a.inflight.Done()
	a.save(a.bg, msg)
}

// take snapshots and resets the buffers. Callers hold a.mu.
func (a *Accumulator) take() Message {
	msg := Message{
		SessionID:           a.cfg.SessionID,
		Text:                a.text.String(),
		Audio:               bytes.Clone(a.audio.Bytes()),
		OutputTranscription: a.outText.String(),
		InputTranscription:  a.inText.String(),
		StartedAt:           a.startedAt,
	}
	a.open = false
	a.startedAt = time.Time{}
	a.text.Reset()
	a.audio.Reset()
	a.outText.Reset()
	a.inText.Reset()
	return msg
}

// Flush ends the current window and saves it. Pieces added afterwards start
// a new window. It is a no-op after Close.
func (a *Accumulator) Flush(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	msg := a.take()
	a.inflight.Add(1)
	a.mu.Unlock()

	defer a.inflight.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.bg, cancel)
	defer stop()
	a.save(ctx, msg)
}

// Close stops the idle timer, waits for in-flight saves and flushes the
// remainder synchronously. If ctx ends first the in-flight saves are
// cancelled. Only the first call has any effect.
func (a *Accumulator) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		defer a.stopBG()

		a.mu.Lock()
		a.closed = true
		if a.timer != nil {
			a.timer.Stop()
		}
		a.gen++
		msg := a.take()
		a.mu.Unlock()

		a.waitInflight(ctx)
		a.save(ctx, msg)
	})
}

func (a *Accumulator) waitInflight(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("abandoning in-flight message saves", zap.String("session_id", a.cfg.SessionID), zap.Error(ctx.Err()))
		a.stopBG()
		<-done
	}
}

type record struct {
	direction   string
	contentType string
	text        string
	audio       []byte
}

func (m Message) records() []record {
	var out []record
	if m.InputTranscription != "" {
		out = append(out, record{DirectionIncoming, bridge.TypeInputTranscription.String(), m.InputTranscription, nil})
	}
	if m.Text != "" {
		out = append(out, record{DirectionOutgoing, bridge.TypeText.String(), m.Text, nil})
	}
	if m.OutputTranscription != "" {
		out = append(out, record{DirectionOutgoing, bridge.TypeOutputTranscription.String(), m.OutputTranscription, nil})
	}
	if len(m.Audio) > 0 {
		out = append(out, record{DirectionOutgoing, bridge.TypeAudio.String(), "", audio.EncodePCM16Mono24k(m.Audio)})
	}
	return out
}

func (a *Accumulator) save(ctx context.Context, msg Message) {
	if msg.empty() || a.cfg.Saver == nil {
		return
	}
	for _, r := range msg.records() {
		if err := a.saveWithRetry(ctx, r); err != nil {
			a.logger.Error("failed to save message after retries",
				zap.String("session_id", a.cfg.SessionID),
				zap.String("content_type", r.contentType),
				zap.Error(err),
			)
			continue
		}
		a.logger.Debug("message saved",
			zap.String("session_id", a.cfg.SessionID),
			zap.String("content_type", r.contentType),
			zap.Int("text_len", len(r.text)),
			zap.Int("audio_bytes", len(r.audio)),
		)
	}
}

func (a *Accumulator) saveWithRetry(ctx context.Context, r record) error {
	backoff := retry.WithMaxRetries(uint64(a.cfg.SaveAttempts-1), retry.NewConstant(a.cfg.RetryBackoff))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.SaveTimeout)
		defer cancel()
		err := a.cfg.Saver.SaveMessage(callCtx, a.cfg.SessionID, r.direction, r.contentType, r.text, r.audio)
		if err == nil {
			return nil
		}
		a.logger.Warn("message save attempt failed",
			zap.String("session_id", a.cfg.SessionID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(fmt.Errorf("save %s: %w", r.contentType, err))
	})
}
