package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// EventSentinel marks a structured event line in otherwise free-form agent
// output. The remainder of the line must be a JSON object with "type" and
// "payload" fields.
const EventSentinel = "WEBSOCKET_EVENT:"

// Stream identifies which pipe a line of agent output was read from.
type Stream string

const (
	StreamStdout Stream = TypeStdout
	StreamStderr Stream = TypeStderr
)

// DecodeLine classifies one line of agent output as either a structured
// event (sentinel-prefixed, valid JSON) or opaque text. Opaque text becomes
// a stdout/stderr event carrying the line verbatim. A sentinel line whose
// remainder fails to parse also falls back to opaque text rather than
// dropping the output. Empty lines are suppressed: ok is false and the
// caller must not forward anything.
//
// Callers must forward decoded events in the order lines were read; the
// decoder itself is stateless.
func DecodeLine(stream Stream, line string) (*Event, bool) {
	if line == "" {
		return nil, false
	}

	if stream == StreamStdout && strings.HasPrefix(line, EventSentinel) {
		if ev, ok := decodeStructured(line[len(EventSentinel):]); ok {
			return ev, true
		}
		// Fall through: malformed event lines are still agent output.
	}

	ev, _ := NewEvent(string(stream), StreamPayload{Data: line})
	return ev, true
}

func decodeStructured(raw string) (*Event, bool) {
	var decoded struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, false
	}
	if decoded.Type == "" || decoded.Payload == nil {
		return nil, false
	}
	return &Event{
		Type:      decoded.Type,
		Payload:   decoded.Payload,
		Timestamp: time.Now().UTC(),
	}, true
}
