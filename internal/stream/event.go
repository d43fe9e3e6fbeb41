package stream

import (
	"encoding/json"
	"fmt"
)

const (
	EventDelta    = "delta"
	EventThinking = "thinking"
	EventDone     = "done"
)

// Event is the tagged variant written to the transport during generation.
// Exactly one payload field is set, selected by Type.
type Event struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	SessionID uint   `json:"sessionId,omitempty"`
}

func Delta(text string) Event {
	return Event{Type: EventDelta, Text: text}
}

func Thinking(text string) Event {
	return Event{Type: EventThinking, Thinking: text}
}

func Done(sessionID uint) Event {
	return Event{Type: EventDone, SessionID: sessionID}
}

// SSE renders the event as one server-sent-events frame.
func (e Event) SSE() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal stream event failed: %w", err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
