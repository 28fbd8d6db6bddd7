package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server frame types.
var validClientTypes = map[string]bool{
	TypeAuth:  true,
	TypeRun:   true,
	TypeStop:  true,
	TypeStdin: true,
}

// ParseClientFrame validates a raw JSON frame from a client.
// Returns the parsed Frame and any validation error.
func ParseClientFrame(raw []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if frame.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[frame.Type] {
		return nil, fmt.Errorf("unknown frame type: %s", frame.Type)
	}

	switch frame.Type {
	case TypeAuth:
		if frame.Token == "" {
			return nil, fmt.Errorf("missing required field 'token' in %s frame", frame.Type)
		}

	case TypeRun:
		if frame.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field in %s frame", frame.Type)
		}
		var p RunParams
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", frame.Type, err)
		}
		if err := ValidateRunParams(&p); err != nil {
			return nil, err
		}

	case TypeStdin:
		if frame.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field in %s frame", frame.Type)
		}
		var p StdinPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", frame.Type, err)
		}
		if p.Data == "" {
			return nil, fmt.Errorf("missing required field 'data' in %s payload", frame.Type)
		}
	}

	return &frame, nil
}

// ValidateRunParams checks the structural requirements for a run request.
// Business semantics (model names, mode values) are passed through to the
// agent untouched; only the shape is enforced here.
func ValidateRunParams(p *RunParams) error {
	if p.Task == "" {
		return fmt.Errorf("missing required field 'task' in run payload")
	}
	return nil
}

// NewErrorEvent creates an error event ready to send to the client.
func NewErrorEvent(message string) *Event {
	ev, _ := NewEvent(TypeError, MessagePayload{Message: message})
	return ev
}

// NewStatusEvent creates a status event ready to send to the client.
func NewStatusEvent(message string) *Event {
	ev, _ := NewEvent(TypeStatus, MessagePayload{Message: message})
	return ev
}
