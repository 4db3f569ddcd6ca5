package bridge

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
)

// MessageStream iterates the upstream event stream. It is single-use and
// not safe for concurrent Next calls.
type MessageStream struct {
	b      *Bridge
	ctx    context.Context
	cancel context.CancelFunc

	pending  []Message
	deferred *realtime.Event
	err      error

	closeOnce sync.Once
}

// Messages returns the bridge's message stream. Only the first call gets a
// live stream; later calls get one that fails with ErrStreamConsumed.
func (b *Bridge) Messages(ctx context.Context) *MessageStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &MessageStream{b: b, ctx: ctx, cancel: cancel}
	if !b.streamTaken.CompareAndSwap(false, true) {
		s.err = ErrStreamConsumed
	}
	return s
}

// Next returns the next message. It returns io.EOF once the upstream stream
// ends and an *UpstreamError if it fails.
func (s *MessageStream) Next() (Message, error) {
	for {
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			return msg, nil
		}
		if s.deferred != nil {
			ev := s.deferred
			s.deferred = nil
			cancelled := s.b.cancellations(ev.ToolCallCancellation)
			s.pending = append(s.pending, s.b.resolveToolCalls(s.ctx, ev.ToolCalls)...)
			s.pending = append(s.pending, cancelled...)
			if ev.TurnComplete {
				s.pending = append(s.pending, turnComplete())
			}
			continue
		}
		if s.err != nil {
			return Message{}, s.err
		}

		up, err := s.b.active()
		if err != nil {
			s.err = io.EOF
			continue
		}
		ev, err := up.Receive(s.ctx)
		if err != nil {
			s.err = s.classify(err)
			continue
		}
		s.translate(ev)
	}
}

func (s *MessageStream) classify(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case s.ctx.Err() != nil:
		return s.ctx.Err()
	case s.b.State() >= StateClosing:
		return io.EOF
	default:
		return &UpstreamError{Op: "receive", Err: err}
	}
}

// Close releases the stream. It does not close the bridge.
func (s *MessageStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.err == nil {
			s.err = io.EOF
		}
		s.pending = nil
		s.deferred = nil
	})
	return nil
}

// translate queues content messages for ev. Tool calls and cancellations are
// deferred until the content ahead of them has been consumed.
func (s *MessageStream) translate(ev realtime.Event) {
	if ev.Interrupted {
		s.pending = append(s.pending, Message{
			Type:     TypeInterruption,
			Data:     map[string]any{"interrupted": true},
			Metadata: map[string]any{"source": "server_vad"},
		})
		if ev.TurnComplete {
			s.pending = append(s.pending, turnComplete())
		}
		return
	}
	if ev.InputTranscription != "" {
		s.pending = append(s.pending, Message{Type: TypeInputTranscription, Data: ev.InputTranscription})
	}
	if ev.OutputTranscription != "" {
		s.pending = append(s.pending, Message{Type: TypeOutputTranscription, Data: ev.OutputTranscription})
	}
	for _, part := range ev.ModelTurnParts {
		switch {
		case part.Text != "":
			s.pending = append(s.pending, Message{Type: TypeText, Data: part.Text})
		case len(part.Audio) > 0:
			s.pending = append(s.pending, Message{Type: TypeAudio, Data: part.Audio})
		}
	}
	if len(ev.ToolCalls) > 0 || len(ev.ToolCallCancellation) > 0 {
		s.deferred = &realtime.Event{
			ToolCalls:            ev.ToolCalls,
			ToolCallCancellation: ev.ToolCallCancellation,
			TurnComplete:         ev.TurnComplete,
		}
		return
	}
	if ev.TurnComplete {
		s.pending = append(s.pending, turnComplete())
	}
}

func turnComplete() Message {
	return Message{Type: TypeTurnComplete}
}

// resolveToolCalls skips cancelled calls, resolves the rest, sends all
// responses upstream as one batch and returns one message per response.
func (b *Bridge) resolveToolCalls(ctx context.Context, calls []realtime.ToolCall) []Message {
	if len(calls) == 0 {
		return nil
	}
	responses := make([]realtime.ToolResponse, 0, len(calls))
	for _, call := range calls {
		if b.IsCancelled(call.ID) {
			b.logger.Info("skipping cancelled tool call",
				zap.String("session_id", b.sessionID),
				zap.String("tool", call.Name),
				zap.String("call_id", call.ID),
			)
			continue
		}
		result := b.engine.Resolve(ctx, call.Name, b.withDialect(call.Args))
		responses = append(responses, realtime.ToolResponse{ID: call.ID, Name: call.Name, Response: result})
	}
	if len(responses) == 0 {
		return nil
	}

	if up, err := b.active(); err != nil {
		b.logger.Warn("tool responses not sent", zap.String("session_id", b.sessionID), zap.Error(err))
	} else if err := b.sendToolResponses(ctx, up, responses); err != nil {
		b.logger.Error("tool response send failed",
			zap.String("session_id", b.sessionID),
			zap.Int("count", len(responses)),
			zap.Error(err),
		)
	}

	out := make([]Message, 0, len(responses))
	for _, r := range responses {
		out = append(out, Message{
			Type: TypeToolCallResponse,
			Data: ToolCallResult{ID: r.ID, Name: r.Name, Response: r.Response},
		})
	}
	return out
}

func (b *Bridge) cancellations(ids []string) []Message {
	if len(ids) == 0 {
		return nil
	}
	fresh := b.markCancelled(ids)
	if len(fresh) == 0 {
		return nil
	}
	b.logger.Info("tool calls cancelled", zap.String("session_id", b.sessionID), zap.Strings("call_ids", fresh))
	return []Message{{
		Type:     TypeToolCallCancelled,
		Data:     fresh,
		Metadata: map[string]any{"reason": "interruption"},
	}}
}

// withDialect copies args and adds the session dialect when the model did
// not pass one.
func (b *Bridge) withDialect(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+2)
	for k, v := range args {
		out[k] = v
	}
	if b.dialect == "" {
		return out
	}
	if _, ok := out["dialect"]; !ok {
		out["dialect"] = b.dialect
	}
	if _, ok := out["original_dialect"]; !ok {
		out["original_dialect"] = b.dialect
	}
	return out
}
