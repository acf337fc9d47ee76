package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/audiorelay/pkg/tool"
)

// Server event types the bridge acts on.
const (
	typeTranscriptDelta = "response.audio_transcript.delta"
	typeTranscriptDone  = "response.audio_transcript.done"
	typeToolCallDone    = "response.function_call_arguments.done"
	typeError           = "error"
)

// EventKind classifies a server event.
type EventKind int

const (
	KindOther EventKind = iota
	KindTranscriptDelta
	KindTranscriptDone
	KindToolCallDone
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindTranscriptDelta:
		return "transcript_delta"
	case KindTranscriptDone:
		return "transcript_done"
	case KindToolCallDone:
		return "tool_call_done"
	case KindError:
		return "error"
	default:
		return "other"
	}
}

// ErrorDetail is the payload of an "error" event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a decoded server event. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	// Type is the raw "type" field.
	Type string

	Delta      string
	Transcript string

	Name      string
	Arguments string
	CallID    string

	Error *ErrorDetail
}

type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta"`
	Transcript *string      `json:"transcript"`
	Name       string       `json:"name"`
	Arguments  string       `json:"arguments"`
	CallID     string       `json:"call_id"`
	Error      *ErrorDetail `json:"error"`
}

// ParseEvent decodes one data channel message.
func ParseEvent(raw []byte) (Event, error) {
	var se serverEvent
	if err := json.Unmarshal(raw, &se); err != nil {
		return Event{}, fmt.Errorf("realtime: parse event: %w", err)
	}
	ev := Event{Type: se.Type}
	switch se.Type {
	case typeTranscriptDelta:
		ev.Kind = KindTranscriptDelta
		ev.Delta = se.Delta
	case typeTranscriptDone:
		ev.Kind = KindTranscriptDone
		if se.Transcript != nil {
			ev.Transcript = *se.Transcript
		}
	case typeToolCallDone:
		ev.Kind = KindToolCallDone
		ev.Name = se.Name
		ev.Arguments = se.Arguments
		ev.CallID = se.CallID
	case typeError:
		ev.Kind = KindError
		ev.Error = se.Error
		if ev.Error == nil {
			ev.Error = &ErrorDetail{}
		}
	}
	return ev, nil
}

// ── client events ──

type toolSchema struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionFields `json:"session"`
}

type sessionFields struct {
	Instructions string       `json:"instructions,omitempty"`
	Modalities   []string     `json:"modalities,omitempty"`
	Voice        string       `json:"voice,omitempty"`
	Tools        []toolSchema `json:"tools"`
	ToolChoice   string       `json:"tool_choice,omitempty"`
}

func newSessionUpdate(cfg SessionConfig, defs []tool.Definition) sessionUpdate {
	tools := make([]toolSchema, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, toolSchema{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	u := sessionUpdate{
		Type: "session.update",
		Session: sessionFields{
			Instructions: cfg.Instructions,
			Modalities:   cfg.Modalities,
			Voice:        cfg.Voice,
			Tools:        tools,
		},
	}
	if len(tools) > 0 {
		u.Session.ToolChoice = "auto"
	}
	return u
}

type functionCallOutput struct {
	Type string             `json:"type"`
	Item functionOutputItem `json:"item"`
}

type functionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func newFunctionCallOutput(callID, output string) functionCallOutput {
	return functionCallOutput{
		Type: "conversation.item.create",
		Item: functionOutputItem{Type: "function_call_output", CallID: callID, Output: output},
	}
}

type responseCreate struct {
	Type string `json:"type"`
}
