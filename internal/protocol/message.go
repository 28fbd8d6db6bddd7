package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the envelope for all server→client messages. Type is open-ended:
// besides the lifecycle types the relay emits itself, any structured event
// decoded from agent output is forwarded with its type and payload untouched.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates a server-originated event with the current timestamp.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Event{
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Lifecycle event types emitted by the relay itself. Decoded agent events
// carry whatever type the agent wrote; the relay does not interpret them.
const (
	TypeAuthSuccess = "auth_success"
	TypeStatus      = "status"
	TypeWarning     = "warning"
	TypeError       = "error"
	TypeStdout      = "stdout"
	TypeStderr      = "stderr"
	TypeEnd         = "end"
)

// Client → Server frame types.
const (
	TypeAuth  = "auth"
	TypeRun   = "run"
	TypeStop  = "stop"
	TypeStdin = "stdin"
)

// Frame is the envelope for all client→server messages. Token is only set
// on auth frames.
type Frame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RunParams describes one agent invocation. Supplied by the client with a
// run frame (or embedded in an auth frame to queue an auto-run) and
// validated before spawn.
type RunParams struct {
	Task        string `json:"task"`
	Mode        string `json:"mode,omitempty"`
	Model       string `json:"model,omitempty"`
	Source      string `json:"source,omitempty"`
	WorkDir     string `json:"workDir,omitempty"`
	AutoApprove bool   `json:"autoApprove,omitempty"`
}

// Server → Client payloads.

type MessagePayload struct {
	Message string `json:"message"`
}

type StreamPayload struct {
	Data string `json:"data"`
}

type EndPayload struct {
	ExitCode int `json:"exitCode"`
}

type WorkspacePayload struct {
	Message   string `json:"message"`
	FileCount int    `json:"fileCount"`
}

// Client → Server payloads.

type StdinPayload struct {
	Data string `json:"data"`
}
