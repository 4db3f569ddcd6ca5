// Package realtimetest provides an in-memory realtime.Session for tests.
package realtimetest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
)

type TextCall struct {
	Text         string
	TurnComplete bool
}

type result struct {
	ev  realtime.Event
	err error
}

// Session records every call and replays events pushed by the test.
type Session struct {
	// SendToolErr is returned from SendToolResponses when set.
	SendToolErr error
	// CloseErr is returned from Close when set.
	CloseErr error
	// SendDelay is slept inside every send so overlapping callers show up
	// in Overlaps.
	SendDelay time.Duration

	writers  atomic.Int32
	overlaps atomic.Int32

	mu          sync.Mutex
	texts       []TextCall
	audio       [][]byte
	streamEnds  int
	toolBatches [][]realtime.ToolResponse
	closes      int
	ops         []string

	events    chan result
	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func NewSession() *Session {
	return &Session{
		events: make(chan result, 64),
		done:   make(chan struct{}),
	}
}

// Push queues an event for Receive.
func (s *Session) Push(ev realtime.Event) {
	s.events <- result{ev: ev}
}

// Fail queues a receive error.
func (s *Session) Fail(err error) {
	s.events <- result{err: err}
}

// End makes Receive return io.EOF once queued events are drained.
func (s *Session) End() {
	s.endOnce.Do(func() { close(s.events) })
}

// enter counts concurrent senders outside s.mu.
func (s *Session) enter() func() {
	if s.writers.Add(1) > 1 {
		s.overlaps.Add(1)
	}
	if s.SendDelay > 0 {
		time.Sleep(s.SendDelay)
	}
	return func() { s.writers.Add(-1) }
}

// Overlaps reports how many sends started while another was in progress.
// A real upstream connection allows one writer at a time.
func (s *Session) Overlaps() int {
	return int(s.overlaps.Load())
}

func (s *Session) record(op string) {
	s.ops = append(s.ops, op)
}

func (s *Session) SendText(_ context.Context, text string, turnComplete bool) error {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, TextCall{Text: text, TurnComplete: turnComplete})
	s.record("text")
	return nil
}

func (s *Session) SendAudio(_ context.Context, pcm []byte) error {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	s.record("audio")
	return nil
}

func (s *Session) SendAudioStreamEnd(context.Context) error {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamEnds++
	s.record("audio_stream_end")
	return nil
}

func (s *Session) SendToolResponses(_ context.Context, responses []realtime.ToolResponse) error {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolBatches = append(s.toolBatches, append([]realtime.ToolResponse(nil), responses...))
	s.record("tool_responses")
	return s.SendToolErr
}

func (s *Session) Receive(ctx context.Context) (realtime.Event, error) {
	select {
	case <-ctx.Done():
		return realtime.Event{}, ctx.Err()
	case <-s.done:
		return realtime.Event{}, io.EOF
	case r, ok := <-s.events:
		if !ok {
			return realtime.Event{}, io.EOF
		}
		return r.ev, r.err
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.record("close")
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return s.CloseErr
}

func (s *Session) Texts() []TextCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TextCall(nil), s.texts...)
}

func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

func (s *Session) StreamEnds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamEnds
}

func (s *Session) ToolBatches() [][]realtime.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]realtime.ToolResponse(nil), s.toolBatches...)
}

func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Ops returns the names of all calls in order.
func (s *Session) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Connector hands out Session and records the handshake.
type Connector struct {
	Session *Session
	Err     error

	mu     sync.Mutex
	model  string
	config realtime.ConnectConfig
	calls  int
}

func (c *Connector) Connect(_ context.Context, model string, cfg realtime.ConnectConfig) (realtime.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.model = model
	c.config = cfg
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Session, nil
}

func (c *Connector) Last() (string, realtime.ConnectConfig, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model, c.config, c.calls
}
