package gemini

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
)

type fakeLiveConn struct {
	mu       sync.Mutex
	content  []genai.LiveClientContentInput
	realtime []genai.LiveRealtimeInput
	tools    []genai.LiveToolResponseInput
	closes   int

	incoming chan *genai.LiveServerMessage
	closed   chan struct{}
	once     sync.Once

	// sendDelay widens each send so overlapping writers are observable.
	sendDelay time.Duration
	writers   atomic.Int32
	overlaps  atomic.Int32
}

// enter marks a send in progress outside f.mu, so concurrent writers are
// counted rather than hidden behind the fake's own lock.
func (f *fakeLiveConn) enter() func() {
	if f.writers.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	return func() { f.writers.Add(-1) }
}

func newFakeLiveConn() *fakeLiveConn {
	return &fakeLiveConn{
		incoming: make(chan *genai.LiveServerMessage, 8),
		closed:   make(chan struct{}),
	}
}

func (f *fakeLiveConn) SendClientContent(in genai.LiveClientContentInput) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = append(f.content, in)
	return nil
}

func (f *fakeLiveConn) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = append(f.realtime, in)
	return nil
}

func (f *fakeLiveConn) SendToolResponse(in genai.LiveToolResponseInput) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, in)
	return nil
}

func (f *fakeLiveConn) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg, ok := <-f.incoming:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-f.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (f *fakeLiveConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.once.Do(func() { close(f.closed) })
	return nil
}

func TestSession_SendTextMarksTurnComplete(t *testing.T) {
	conn := newFakeLiveConn()
	s := newSession(conn)

	if err := s.SendText(context.Background(), "hello", true); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(conn.content) != 1 {
		t.Fatalf("content sends=%d", len(conn.content))
	}
	in := conn.content[0]
	if in.TurnComplete == nil || !*in.TurnComplete {
		t.Fatalf("turn complete=%v", in.TurnComplete)
	}
	if len(in.Turns) != 1 || in.Turns[0].Parts[0].Text != "hello" {
		t.Fatalf("turns=%+v", in.Turns)
	}
}

func TestSession_AudioAndStreamEndUseRealtimeInput(t *testing.T) {
	conn := newFakeLiveConn()
	s := newSession(conn)
	ctx := context.Background()

	if err := s.SendAudio(ctx, []byte{1, 2}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := s.SendAudioStreamEnd(ctx); err != nil {
		t.Fatalf("SendAudioStreamEnd: %v", err)
	}
	if len(conn.realtime) != 2 {
		t.Fatalf("realtime sends=%d", len(conn.realtime))
	}
	if conn.realtime[0].Audio == nil || string(conn.realtime[0].Audio.Data) != "\x01\x02" {
		t.Fatalf("audio=%+v", conn.realtime[0].Audio)
	}
	if !conn.realtime[1].AudioStreamEnd {
		t.Fatalf("expected audio stream end")
	}
}

func TestSession_SendToolResponsesBatches(t *testing.T) {
	conn := newFakeLiveConn()
	s := newSession(conn)

	err := s.SendToolResponses(context.Background(), []realtime.ToolResponse{
		{ID: "a", Name: "x", Response: map[string]any{"ok": true}},
		{ID: "b", Name: "y", Response: map[string]any{"ok": false}},
	})
	if err != nil {
		t.Fatalf("SendToolResponses: %v", err)
	}
	if len(conn.tools) != 1 || len(conn.tools[0].FunctionResponses) != 2 {
		t.Fatalf("tools=%+v", conn.tools)
	}
	if conn.tools[0].FunctionResponses[1].ID != "b" {
		t.Fatalf("order not preserved")
	}
}

func TestSession_ConcurrentSendsAreSerialized(t *testing.T) {
	conn := newFakeLiveConn()
	conn.sendDelay = 100 * time.Microsecond
	s := newSession(conn)
	ctx := context.Background()

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = s.SendAudio(ctx, []byte{1, 0})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = s.SendToolResponses(ctx, []realtime.ToolResponse{{ID: "c", Name: "x", Response: map[string]any{"ok": true}}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = s.SendText(ctx, "hi", true)
		}
	}()
	wg.Wait()

	if n := conn.overlaps.Load(); n != 0 {
		t.Fatalf("overlapping sends=%d", n)
	}
	if len(conn.realtime) != rounds || len(conn.tools) != rounds || len(conn.content) != rounds {
		t.Fatalf("sends realtime=%d tools=%d content=%d", len(conn.realtime), len(conn.tools), len(conn.content))
	}
}

// wsLiveConn writes every send straight to one gorilla connection without a
// lock of its own, the way the genai session does.
type wsLiveConn struct {
	ws *websocket.Conn
}

func (c wsLiveConn) SendClientContent(in genai.LiveClientContentInput) error {
	return c.ws.WriteJSON(map[string]any{"clientContent": in})
}

func (c wsLiveConn) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	return c.ws.WriteJSON(map[string]any{"realtimeInput": in})
}

func (c wsLiveConn) SendToolResponse(in genai.LiveToolResponseInput) error {
	return c.ws.WriteJSON(map[string]any{"toolResponse": in})
}

func (c wsLiveConn) Receive() (*genai.LiveServerMessage, error) {
	_, _, err := c.ws.ReadMessage()
	return nil, err
}

func (c wsLiveConn) Close() error { return c.ws.Close() }

func TestSession_ConcurrentSendsOverOneWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := newSession(wsLiveConn{ws: ws})
	defer s.Close()
	ctx := context.Background()

	chunk := make([]byte, 64<<10)
	const rounds = 200
	errs := make(chan error, 2*rounds)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			errs <- s.SendAudio(ctx, chunk)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			errs <- s.SendToolResponses(ctx, []realtime.ToolResponse{{ID: "c", Name: "x", Response: map[string]any{"ok": true}}})
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	}
}

func TestSession_ReceiveTranslatesMessages(t *testing.T) {
	conn := newFakeLiveConn()
	s := newSession(conn)
	defer s.Close()

	conn.incoming <- &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{Text: "hi"},
				{InlineData: &genai.Blob{Data: []byte{7, 8}, MIMEType: "audio/pcm"}},
			}},
			OutputTranscription: &genai.Transcription{Text: "hi there"},
		},
	}
	conn.incoming <- &genai.LiveServerMessage{
		ToolCall: &genai.LiveServerToolCall{FunctionCalls: []*genai.FunctionCall{{ID: "c1", Name: "lookup"}}},
	}
	conn.incoming <- &genai.LiveServerMessage{
		ToolCallCancellation: &genai.LiveServerToolCallCancellation{IDs: []string{"c1"}},
	}
	close(conn.incoming)

	ctx := context.Background()
	ev, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(ev.ModelTurnParts) != 2 || ev.ModelTurnParts[0].Text != "hi" || string(ev.ModelTurnParts[1].Audio) != "\x07\x08" {
		t.Fatalf("parts=%+v", ev.ModelTurnParts)
	}
	if ev.OutputTranscription != "hi there" {
		t.Fatalf("output transcription=%q", ev.OutputTranscription)
	}

	ev, err = s.Receive(ctx)
	if err != nil || len(ev.ToolCalls) != 1 || ev.ToolCalls[0].ID != "c1" || ev.ToolCalls[0].Args == nil {
		t.Fatalf("tool call ev=%+v err=%v", ev, err)
	}

	ev, err = s.Receive(ctx)
	if err != nil || len(ev.ToolCallCancellation) != 1 {
		t.Fatalf("cancellation ev=%+v err=%v", ev, err)
	}

	if _, err := s.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want EOF", err)
	}
}

func TestSession_ReceiveHonorsContext(t *testing.T) {
	conn := newFakeLiveConn()
	s := newSession(conn)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestSession_CloseIsIdempotentAndUnblocksReceive(t *testing.T) {
	conn := newFakeLiveConn()
	s := newSession(conn)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	_ = s.Close()
	_ = s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("err=%v, want EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock")
	}
	if conn.closes != 1 {
		t.Fatalf("closes=%d, want 1", conn.closes)
	}
}

func TestBuildLiveConfig(t *testing.T) {
	cfg := buildLiveConfig(realtime.ConnectConfig{
		SystemPrompt:        "be helpful",
		VoiceName:           "Puck",
		EnableTranscription: true,
		VAD: realtime.VADConfig{
			StartSensitivity:  realtime.SensitivityHigh,
			EndSensitivity:    realtime.SensitivityLow,
			PrefixPaddingMS:   20,
			SilenceDurationMS: 500,
		},
		Tools: []realtime.FunctionDeclaration{{
			Name: "lookup",
			Parameters: &realtime.Schema{
				Type:       "object",
				Properties: map[string]*realtime.Schema{"q": {Type: "string"}},
				Required:   []string{"q"},
			},
		}},
	})

	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("modalities=%v", cfg.ResponseModalities)
	}
	if cfg.SpeechConfig == nil || cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Fatalf("speech=%+v", cfg.SpeechConfig)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Fatalf("transcription not enabled")
	}
	aad := cfg.RealtimeInputConfig.AutomaticActivityDetection
	if aad.StartOfSpeechSensitivity != genai.StartSensitivityHigh || aad.EndOfSpeechSensitivity != genai.EndSensitivityLow {
		t.Fatalf("sensitivity=%v/%v", aad.StartOfSpeechSensitivity, aad.EndOfSpeechSensitivity)
	}
	if *aad.PrefixPaddingMs != 20 || *aad.SilenceDurationMs != 500 {
		t.Fatalf("padding/silence=%d/%d", *aad.PrefixPaddingMs, *aad.SilenceDurationMs)
	}
	decl := cfg.Tools[0].FunctionDeclarations[0]
	if decl.Parameters.Type != genai.TypeObject || decl.Parameters.Properties["q"].Type != genai.TypeString {
		t.Fatalf("schema=%+v", decl.Parameters)
	}
}

func TestBuildLiveConfig_NoVADWhenUnset(t *testing.T) {
	cfg := buildLiveConfig(realtime.ConnectConfig{})
	if cfg.RealtimeInputConfig != nil || cfg.SpeechConfig != nil || cfg.InputAudioTranscription != nil {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
