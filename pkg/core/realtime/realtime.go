// Package realtime defines the upstream realtime inference session consumed
// by the live bridge. Provider adapters live in subpackages.
package realtime

import (
	"context"
	"strings"
)

// Sensitivity is a VAD sensitivity level.
type Sensitivity string

const (
	SensitivityUnset Sensitivity = ""
	SensitivityLow   Sensitivity = "low"
	SensitivityHigh  Sensitivity = "high"
)

// ParseSensitivity accepts "low" or "high" case-insensitively. Anything else is unset.
func ParseSensitivity(raw string) Sensitivity {
	switch Sensitivity(strings.ToLower(strings.TrimSpace(raw))) {
	case SensitivityLow:
		return SensitivityLow
	case SensitivityHigh:
		return SensitivityHigh
	default:
		return SensitivityUnset
	}
}

// VADConfig is passed through to the provider's activity detector.
type VADConfig struct {
	StartSensitivity  Sensitivity
	EndSensitivity    Sensitivity
	PrefixPaddingMS   int
	SilenceDurationMS int
}

func (v VADConfig) IsZero() bool {
	return v == VADConfig{}
}

// FunctionDeclaration advertises a callable tool to the provider.
type FunctionDeclaration struct {
	Name        string
	Description string
	Parameters  *Schema
}

// Schema is a small JSON-schema subset for tool parameters.
type Schema struct {
	Type        string
	Description string
	Properties  map[string]*Schema
	Required    []string
	Items       *Schema
}

// ConnectConfig is the configuration object sent with the upstream handshake.
type ConnectConfig struct {
	SystemPrompt        string
	VoiceName           string
	LanguageCode        string
	Dialect             string
	EnableTranscription bool
	VAD                 VADConfig
	Tools               []FunctionDeclaration
}

// ToolCall is an upstream request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResponse answers a ToolCall with the same identifier.
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Part is one model-turn content part. Exactly one of Text or Audio is set.
type Part struct {
	Text  string
	Audio []byte
}

// Event is one message from the upstream stream. All fields are optional.
type Event struct {
	Interrupted          bool
	InputTranscription   string
	OutputTranscription  string
	ModelTurnParts       []Part
	ToolCalls            []ToolCall
	ToolCallCancellation []string
	TurnComplete         bool
}

// Session is a live upstream session handle.
//
// Receive blocks until the next event arrives and returns io.EOF once the
// upstream stream has ended. Close must be safe to call while Receive is
// blocked and must unblock it.
type Session interface {
	SendText(ctx context.Context, text string, turnComplete bool) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendAudioStreamEnd(ctx context.Context) error
	SendToolResponses(ctx context.Context, responses []ToolResponse) error
	Receive(ctx context.Context) (Event, error)
	Close() error
}

// Connector opens upstream sessions.
type Connector interface {
	Connect(ctx context.Context, model string, cfg ConnectConfig) (Session, error)
}
