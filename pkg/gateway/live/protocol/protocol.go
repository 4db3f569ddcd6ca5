// Package protocol defines the JSON frames exchanged with live clients.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TypeConnected = "connected"
	TypePing      = "ping"

	deltaSuffix = "-delta"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientFrame is one inbound client frame. Fields are independent; any
// combination may be set.
type ClientFrame struct {
	Text           *string `json:"text,omitempty"`
	Audio          *string `json:"audio,omitempty"`
	AudioStreamEnd bool    `json:"audio_stream_end,omitempty"`
	Interrupted    bool    `json:"interrupted,omitempty"`
}

// Empty reports whether the frame carries nothing to forward.
func (f ClientFrame) Empty() bool {
	return f.Text == nil && f.Audio == nil && !f.AudioStreamEnd && !f.Interrupted
}

func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ClientFrame{}, badRequest("invalid json frame", "")
	}
	return frame, nil
}

// DecodeAudio returns the PCM16 bytes carried in the frame's audio field.
func (f ClientFrame) DecodeAudio() ([]byte, error) {
	if f.Audio == nil {
		return nil, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*f.Audio))
	if err != nil {
		return nil, badRequest("audio must be base64 encoded pcm16", "audio")
	}
	return pcm, nil
}

// ServerFrame is one outbound frame.
type ServerFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

func timestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}

// DeltaType returns the frame type for a message kind, e.g. "text-delta".
func DeltaType(kind string) string {
	return kind + deltaSuffix
}

func Delta(kind string, data any, sessionID string, now time.Time) ServerFrame {
	return ServerFrame{Type: DeltaType(kind), Data: data, SessionID: sessionID, Timestamp: timestamp(now)}
}

func Connected(sessionID string, now time.Time) ServerFrame {
	return ServerFrame{
		Type:      TypeConnected,
		Data:      map[string]any{"session_id": sessionID},
		SessionID: sessionID,
		Timestamp: timestamp(now),
	}
}

func Ping(sessionID string, now time.Time) ServerFrame {
	return ServerFrame{Type: TypePing, SessionID: sessionID, Timestamp: timestamp(now)}
}

// AudioDelta frames a WAV payload as base64.
func AudioDelta(kind string, wav []byte, sessionID string, now time.Time) ServerFrame {
	return Delta(kind, base64.StdEncoding.EncodeToString(wav), sessionID, now)
}
