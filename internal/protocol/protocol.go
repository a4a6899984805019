package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command is a single engine action to execute. Immutable once enqueued.
type Command struct {
	RequestID string            `json:"request_id"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params,omitempty"`
}

// Response carries the engine's result for a prior Command. TimedOut is set
// only on relay-synthesized timeout responses; it never travels the wire, so
// an engine response cannot impersonate a timeout.
type Response struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	TimedOut  bool            `json:"-"`
}

// TimeoutResponse builds the synthetic response returned when no engine
// answer arrived within the deadline.
func TimeoutResponse(requestID string) Response {
	return Response{RequestID: requestID, Success: false, Error: "request timed out", TimedOut: true}
}

// CancelledResponse builds the synthetic response returned when the waiting
// caller went away before the engine answered.
func CancelledResponse(requestID string) Response {
	return Response{RequestID: requestID, Success: false, Error: "request cancelled"}
}

// FrameType discriminates websocket frames on the engine channel.
type FrameType string

const (
	FrameIdentify  FrameType = "identify"
	FrameCommand   FrameType = "command"
	FrameResponse  FrameType = "response"
	FrameHeartbeat FrameType = "heartbeat"
	FrameEvent     FrameType = "event"
)

// Frame is the envelope for all websocket traffic.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame wraps payload into a Frame.
func NewFrame(t FrameType, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Frame{Type: t, Payload: data}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	return json.Unmarshal(f.Payload, v)
}

// IdentifyPayload is the first frame an engine client sends after connecting.
type IdentifyPayload struct {
	ProjectID     string   `json:"project_id"`
	ProjectName   string   `json:"project_name"`
	EngineVersion string   `json:"engine_version,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// Event is a dashboard notification.
type Event struct {
	Type    string         `json:"type"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Dashboard event types.
const (
	EventProjectConnected    = "project_connected"
	EventProjectDisconnected = "project_disconnected"
	EventResponseReceived    = "response_received"
	EventBackendUpdateNotice = "backend_update_notice"
)
