package bridge

import "fmt"

// MessageType is the closed set of outbound message kinds.
type MessageType int

const (
	TypeText MessageType = iota + 1
	TypeAudio
	TypeInputTranscription
	TypeOutputTranscription
	TypeInterruption
	TypeToolCallResponse
	TypeToolCallCancelled
	TypeTurnComplete
)

// AllMessageTypes lists every MessageType in declaration order.
var AllMessageTypes = []MessageType{
	TypeText,
	TypeAudio,
	TypeInputTranscription,
	TypeOutputTranscription,
	TypeInterruption,
	TypeToolCallResponse,
	TypeToolCallCancelled,
	TypeTurnComplete,
}

// String returns the wire kind used in "<kind>-delta" frames.
func (t MessageType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeAudio:
		return "audio"
	case TypeInputTranscription:
		return "input_transcription"
	case TypeOutputTranscription:
		return "output_transcription"
	case TypeInterruption:
		return "interruption"
	case TypeToolCallResponse:
		return "tool_call_response"
	case TypeToolCallCancelled:
		return "tool_call_cancelled"
	case TypeTurnComplete:
		return "turn_complete"
	default:
		return fmt.Sprintf("message_type(%d)", int(t))
	}
}

// Message is one outbound unit produced while iterating the upstream stream.
//
// Data holds a string for text and transcriptions, PCM16 bytes for audio,
// a ToolCallResult for tool responses and the id list for cancellations.
// TypeTurnComplete carries no data and marks the end of a model turn; it is
// not framed to the client.
type Message struct {
	Type     MessageType
	Data     any
	Metadata map[string]any
}

// ToolCallResult is the payload of a TypeToolCallResponse message.
type ToolCallResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}
