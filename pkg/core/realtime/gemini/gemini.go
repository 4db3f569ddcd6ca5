// Package gemini adapts the Gemini Live API to realtime.Session.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
)

const DefaultModel = "gemini-live-2.5-flash-preview"

// liveConn is the subset of *genai.Session used by the adapter.
type liveConn interface {
	SendClientContent(input genai.LiveClientContentInput) error
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type Connector struct {
	client *genai.Client
	logger *zap.Logger
}

// NewConnector builds a Gemini API client for live sessions.
func NewConnector(ctx context.Context, apiKey string, httpClient *http.Client, logger *zap.Logger) (*Connector, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Connector{client: client, logger: logger}, nil
}

func (c *Connector) Connect(ctx context.Context, model string, cfg realtime.ConnectConfig) (realtime.Session, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("gemini connector is not configured")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if strings.TrimSpace(cfg.VoiceName) == "" {
		c.logger.Warn("voice name not configured, using provider default voice")
	}
	conn, err := c.client.Live.Connect(ctx, model, buildLiveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	return newSession(conn), nil
}

type receiveResult struct {
	msg *genai.LiveServerMessage
	err error
}

// Session pumps the blocking genai receive into a channel so Receive can
// honor context cancellation. Sends are serialized: the genai session
// writes to a single websocket that allows one writer at a time.
type Session struct {
	conn    liveConn
	writeMu sync.Mutex

	pumpOnce  sync.Once
	closeOnce sync.Once
	results   chan receiveResult
	done      chan struct{}
	closeErr  error
}

func newSession(conn liveConn) *Session {
	return &Session{
		conn:    conn,
		results: make(chan receiveResult, 1),
		done:    make(chan struct{}),
	}
}

func (s *Session) SendText(ctx context.Context, text string, turnComplete bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in := genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(turnComplete),
	}
	return s.write(func() error { return s.conn.SendClientContent(in) })
}

func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in := genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: "audio/pcm;rate=24000"},
	}
	return s.write(func() error { return s.conn.SendRealtimeInput(in) })
}

func (s *Session) SendAudioStreamEnd(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(func() error {
		return s.conn.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
	})
}

func (s *Session) SendToolResponses(ctx context.Context, responses []realtime.ToolResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		out = append(out, &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response})
	}
	return s.write(func() error {
		return s.conn.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: out})
	})
}

func (s *Session) write(send func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return send()
}

func (s *Session) Receive(ctx context.Context) (realtime.Event, error) {
	s.pumpOnce.Do(func() { go s.pump() })
	select {
	case <-ctx.Done():
		return realtime.Event{}, ctx.Err()
	case <-s.done:
		return realtime.Event{}, io.EOF
	case r, ok := <-s.results:
		if !ok {
			return realtime.Event{}, io.EOF
		}
		if r.err != nil {
			return realtime.Event{}, r.err
		}
		return translateMessage(r.msg), nil
	}
}

func (s *Session) pump() {
	defer close(s.results)
	for {
		msg, err := s.conn.Receive()
		if err != nil && isNormalClose(err) {
			err = io.EOF
		}
		select {
		case s.results <- receiveResult{msg: msg, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "close 1000") || strings.Contains(msg, "use of closed network connection")
}

func translateMessage(msg *genai.LiveServerMessage) realtime.Event {
	var ev realtime.Event
	if msg == nil {
		return ev
	}
	if sc := msg.ServerContent; sc != nil {
		ev.Interrupted = sc.Interrupted
		ev.TurnComplete = sc.TurnComplete
		if sc.InputTranscription != nil {
			ev.InputTranscription = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			ev.OutputTranscription = sc.OutputTranscription.Text
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					ev.ModelTurnParts = append(ev.ModelTurnParts, realtime.Part{Text: part.Text})
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					ev.ModelTurnParts = append(ev.ModelTurnParts, realtime.Part{Audio: part.InlineData.Data})
				}
			}
		}
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			ev.ToolCalls = append(ev.ToolCalls, realtime.ToolCall{ID: fc.ID, Name: fc.Name, Args: args})
		}
	}
	if cancel := msg.ToolCallCancellation; cancel != nil && len(cancel.IDs) > 0 {
		ev.ToolCallCancellation = append([]string(nil), cancel.IDs...)
	}
	return ev
}
