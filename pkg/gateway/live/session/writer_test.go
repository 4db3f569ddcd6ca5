package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSConn struct {
	mu       sync.Mutex
	writes   []recordedWrite
	writeErr error
	closed   bool
}

func (f *fakeWSConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not readable")
}

func (f *fakeWSConn) SetReadLimit(int64) {}

func (f *fakeWSConn) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	normal <- outboundFrame{kind: "text-delta", payload: []byte(`{"type":"text-delta"}`)}
	priority <- outboundFrame{kind: "connected", payload: []byte(`{"type":"connected"}`)}
	close(priority)
	close(normal)

	ws := &fakeWSConn{}
	w := outboundWriter{
		ws:       ws,
		ctx:      context.Background(),
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%+v", writes)
	}
	if writes[0].data != `{"type":"connected"}` || writes[1].data != `{"type":"text-delta"}` {
		t.Fatalf("order=%+v", writes)
	}
	if writes[0].messageType != websocket.TextMessage {
		t.Fatalf("messageType=%d", writes[0].messageType)
	}
}

func TestOutboundWriter_WriteFailureIsTransportError(t *testing.T) {
	normal := make(chan outboundFrame, 1)
	normal <- outboundFrame{kind: "text-delta", payload: []byte(`{}`)}

	ws := &fakeWSConn{writeErr: errors.New("broken pipe")}
	w := outboundWriter{
		ws:     ws,
		ctx:    context.Background(),
		cfg:    Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		normal: normal,
	}
	err := w.Run()
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "write" {
		t.Fatalf("err=%v", err)
	}
}

func TestOutboundWriter_ShutdownDrainsThenSendsClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	normal := make(chan outboundFrame, 2)
	normal <- outboundFrame{kind: "text-delta", payload: []byte(`{"n":1}`)}
	normal <- outboundFrame{kind: "text-delta", payload: []byte(`{"n":2}`)}
	cancel()

	ws := &fakeWSConn{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: make(chan outboundFrame),
		normal:   normal,
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 3 {
		t.Fatalf("writes=%+v", writes)
	}
	if writes[2].messageType != websocket.CloseMessage {
		t.Fatalf("last write=%+v", writes[2])
	}
	if ws.closed {
		t.Fatal("writer must leave closing the connection to teardown")
	}
}

func TestOutboundWriter_Pings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := &fakeWSConn{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: 10 * time.Millisecond, WriteTimeout: time.Second},
		priority: make(chan outboundFrame),
		normal:   make(chan outboundFrame),
	}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		pinged := false
		for _, wr := range ws.snapshot() {
			if wr.messageType == websocket.PingMessage {
				pinged = true
			}
		}
		if pinged {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no ping written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}
