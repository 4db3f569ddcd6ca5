package accumulator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vango-go/vai-live-bridge/pkg/core/audio"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/bridge"
)

type savedMessage struct {
	sessionID   string
	direction   string
	contentType string
	text        string
	audio       []byte
}

type fakeSaver struct {
	mu       sync.Mutex
	saved    []savedMessage
	failures int
	calls    int
	notify   chan struct{}
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{notify: make(chan struct{}, 16)}
}

func (f *fakeSaver) SaveMessage(_ context.Context, sessionID, direction, contentType, text string, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("db unavailable")
	}
	f.saved = append(f.saved, savedMessage{sessionID, direction, contentType, text, audio})
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSaver) snapshot() []savedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedMessage(nil), f.saved...)
}

func TestAccumulator_IdleFlushConcatenatesInOrder(t *testing.T) {
	saver := newFakeSaver()
	a := New(Config{SessionID: "s1", IdleTimeout: 20 * time.Millisecond, Saver: saver})
	defer a.Close(context.Background())

	a.AddPiece(bridge.TypeText, "Hel")
	a.AddPiece(bridge.TypeAudio, []byte{1, 2})
	a.AddPiece(bridge.TypeText, "lo")
	a.AddPiece(bridge.TypeAudio, []byte{3, 4})
	a.AddPiece(bridge.TypeOutputTranscription, "hello")

	select {
	case <-saver.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("idle flush did not happen")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(saver.snapshot()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := saver.snapshot()
	if len(got) != 3 {
		t.Fatalf("saved=%+v", got)
	}
	if got[0].contentType != "text" || got[0].text != "Hello" || got[0].direction != DirectionOutgoing {
		t.Fatalf("text=%+v", got[0])
	}
	if got[1].contentType != "output_transcription" || got[1].text != "hello" {
		t.Fatalf("transcription=%+v", got[1])
	}
	pcm, format, err := audio.DecodeWAV(got[2].audio)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if string(pcm) != string([]byte{1, 2, 3, 4}) || format.SampleRate != 24000 {
		t.Fatalf("pcm=%v format=%+v", pcm, format)
	}
}

func TestAccumulator_PieceResetsTimer(t *testing.T) {
	saver := newFakeSaver()
	a := New(Config{SessionID: "s1", IdleTimeout: 60 * time.Millisecond, Saver: saver})
	defer a.Close(context.Background())

	for i := 0; i < 4; i++ {
		a.AddPiece(bridge.TypeText, "x")
		time.Sleep(20 * time.Millisecond)
	}
	if n := len(saver.snapshot()); n != 0 {
		t.Fatalf("flushed early: %d", n)
	}
	select {
	case <-saver.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("idle flush did not happen")
	}
	if got := saver.snapshot(); len(got) != 1 || got[0].text != "xxxx" {
		t.Fatalf("saved=%+v", got)
	}
}

func TestAccumulator_CloseFlushesExactlyOnce(t *testing.T) {
	saver := newFakeSaver()
	a := New(Config{SessionID: "s1", IdleTimeout: time.Hour, Saver: saver})

	a.AddPiece(bridge.TypeInputTranscription, "what is available")
	a.AddPiece(bridge.TypeText, "partial")
	a.Close(context.Background())
	a.Close(context.Background())

	got := saver.snapshot()
	if len(got) != 2 {
		t.Fatalf("saved=%+v", got)
	}
	if got[0].direction != DirectionIncoming || got[0].contentType != "input_transcription" {
		t.Fatalf("incoming=%+v", got[0])
	}
	if got[1].text != "partial" {
		t.Fatalf("outgoing=%+v", got[1])
	}
	if a.AddPiece(bridge.TypeText, "late") {
		t.Fatal("piece accepted after close")
	}
}

func TestAccumulator_EmptyCloseSavesNothing(t *testing.T) {
	saver := newFakeSaver()
	a := New(Config{SessionID: "s1", Saver: saver})
	a.Close(context.Background())
	if saver.calls != 0 {
		t.Fatalf("calls=%d", saver.calls)
	}
}

func TestAccumulator_IgnoresUnpersistedKinds(t *testing.T) {
	a := New(Config{SessionID: "s1", IdleTimeout: time.Hour})
	defer a.Close(context.Background())
	if a.AddPiece(bridge.TypeInterruption, nil) {
		t.Fatal("interruption accepted")
	}
	if a.AddPiece(bridge.TypeAudio, "not bytes") {
		t.Fatal("string audio accepted")
	}
}

func TestAccumulator_RetriesThenSucceeds(t *testing.T) {
	saver := newFakeSaver()
	saver.failures = 2
	a := New(Config{SessionID: "s1", IdleTimeout: time.Hour, Saver: saver, RetryBackoff: time.Millisecond})
	a.AddPiece(bridge.TypeText, "hi")
	a.Close(context.Background())

	if saver.calls != 3 || len(saver.snapshot()) != 1 {
		t.Fatalf("calls=%d saved=%d", saver.calls, len(saver.snapshot()))
	}
}

func TestAccumulator_RetryExhaustionLoggedNotFatal(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	saver := newFakeSaver()
	saver.failures = 10
	a := New(Config{SessionID: "s1", IdleTimeout: time.Hour, Saver: saver, RetryBackoff: time.Millisecond, Logger: zap.New(core)})
	a.AddPiece(bridge.TypeText, "hi")
	a.Close(context.Background())

	if saver.calls != DefaultSaveAttempts {
		t.Fatalf("calls=%d", saver.calls)
	}
	if logs.FilterMessage("failed to save message after retries").Len() != 1 {
		t.Fatalf("logs=%v", logs.All())
	}
}

func TestAccumulator_StartedAtFromFirstPiece(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(Config{SessionID: "s1", IdleTimeout: time.Hour, Now: func() time.Time { return at }})
	a.AddPiece(bridge.TypeText, "a")

	a.mu.Lock()
	msg := a.take()
	a.mu.Unlock()
	if !msg.StartedAt.Equal(at) || msg.SessionID != "s1" {
		t.Fatalf("msg=%+v", msg)
	}
	a.Close(context.Background())
}

func TestAccumulator_FlushSeparatesTurns(t *testing.T) {
	saver := newFakeSaver()
	a := New(Config{SessionID: "s1", IdleTimeout: time.Hour, Saver: saver})

	a.AddPiece(bridge.TypeText, "first ")
	a.AddPiece(bridge.TypeText, "turn")
	a.Flush(context.Background())
	a.AddPiece(bridge.TypeInputTranscription, "and then")
	a.AddPiece(bridge.TypeText, "second turn")
	a.Close(context.Background())

	got := saver.snapshot()
	if len(got) != 3 {
		t.Fatalf("saved=%+v", got)
	}
	if got[0].text != "first turn" {
		t.Fatalf("first=%+v", got[0])
	}
	if got[1].direction != DirectionIncoming || got[1].text != "and then" {
		t.Fatalf("incoming=%+v", got[1])
	}
	if got[2].text != "second turn" {
		t.Fatalf("second=%+v", got[2])
	}
}

func TestAccumulator_FlushAfterCloseIsNoop(t *testing.T) {
	saver := newFakeSaver()
	a := New(Config{SessionID: "s1", IdleTimeout: time.Hour, Saver: saver})
	a.Close(context.Background())
	a.AddPiece(bridge.TypeText, "late")
	a.Flush(context.Background())
	if saver.calls != 0 {
		t.Fatalf("calls=%d", saver.calls)
	}
}

type blockingSaver struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingSaver) SaveMessage(ctx context.Context, _, _, _, _ string, _ []byte) error {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func TestAccumulator_CloseBoundedByContext(t *testing.T) {
	saver := &blockingSaver{entered: make(chan struct{})}
	a := New(Config{
		SessionID:    "s1",
		IdleTimeout:  10 * time.Millisecond,
		Saver:        saver,
		SaveTimeout:  time.Hour,
		RetryBackoff: time.Hour,
	})
	a.AddPiece(bridge.TypeText, "stuck")

	select {
	case <-saver.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("idle save did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.Close(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited past its context")
	}
}
