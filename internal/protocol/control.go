package protocol

import (
	"encoding/json"
	"fmt"
)

// SnapshotCommon carries the request fields shared by the queued and running
// projections of a command on the control plane.
type SnapshotCommon struct {
	ID             string         `json:"id"`
	Client         string         `json:"client"`
	Target         string         `json:"target"`
	Peer           string         `json:"peer"`
	Intent         string         `json:"intent"`
	Mode           CommandMode    `json:"mode"`
	RawCommand     string         `json:"raw_command"`
	Pipeline       []CommandStage `json:"pipeline"`
	Cwd            string         `json:"cwd,omitempty"`
	TimeoutMS      uint64         `json:"timeout_ms,omitempty"`
	MaxOutputBytes uint64         `json:"max_output_bytes,omitempty"`
	ReceivedAtMS   uint64         `json:"received_at_ms"`
}

// RequestSnapshot is the queued-phase projection of a request.
type RequestSnapshot struct {
	SnapshotCommon
}

// RunningSnapshot is the running-phase projection of a request.
type RunningSnapshot struct {
	SnapshotCommon
	QueuedForSecs uint64 `json:"queued_for_secs"`
	StartedAtMS   uint64 `json:"started_at_ms"`
}

// ResultSnapshot is the finished-phase projection of a request.
type ResultSnapshot struct {
	ID            string         `json:"id"`
	Status        CommandStatus  `json:"status"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Error         string         `json:"error,omitempty"`
	Intent        string         `json:"intent"`
	Mode          CommandMode    `json:"mode"`
	RawCommand    string         `json:"raw_command"`
	Pipeline      []CommandStage `json:"pipeline"`
	Cwd           string         `json:"cwd,omitempty"`
	Peer          string         `json:"peer"`
	QueuedForSecs uint64         `json:"queued_for_secs"`
	FinishedAtMS  uint64         `json:"finished_at_ms"`
	Stdout        string         `json:"stdout,omitempty"`
	Stderr        string         `json:"stderr,omitempty"`
}

// ServiceSnapshot is an atomic read of a broker's queue, running set, and
// bounded history. History is ordered newest-first; LastResult mirrors
// history[0] when history is non-empty.
type ServiceSnapshot struct {
	Queue      []RequestSnapshot `json:"queue"`
	Running    []RunningSnapshot `json:"running"`
	History    []ResultSnapshot  `json:"history"`
	LastResult *ResultSnapshot   `json:"last_result"`
}

// Service event type tags.
const (
	EventQueueUpdated       = "queue_updated"
	EventRunningUpdated     = "running_updated"
	EventResultUpdated      = "result_updated"
	EventConnectionsChanged = "connections_changed"
)

// ServiceEvent is one incremental state-change notification pushed to
// control subscribers. Exactly one payload field is populated, selected by
// Type; ConnectionsChanged carries none.
type ServiceEvent struct {
	Type    string          `json:"type"`
	Queue   []RequestSnapshot `json:"-"`
	Running []RunningSnapshot `json:"-"`
	Result  *ResultSnapshot   `json:"-"`
}

type serviceEventWire struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the event as {"type": ..., "payload": ...} matching
// the control-plane contract.
func (e ServiceEvent) MarshalJSON() ([]byte, error) {
	wire := serviceEventWire{Type: e.Type}
	var payload any
	switch e.Type {
	case EventQueueUpdated:
		queue := e.Queue
		if queue == nil {
			queue = []RequestSnapshot{}
		}
		payload = queue
	case EventRunningUpdated:
		running := e.Running
		if running == nil {
			running = []RunningSnapshot{}
		}
		payload = running
	case EventResultUpdated:
		payload = e.Result
	case EventConnectionsChanged:
		payload = nil
	default:
		return nil, fmt.Errorf("unknown service event type %q", e.Type)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		wire.Payload = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the tagged payload form.
func (e *ServiceEvent) UnmarshalJSON(data []byte) error {
	var wire serviceEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = ServiceEvent{Type: wire.Type}
	switch wire.Type {
	case EventQueueUpdated:
		if len(wire.Payload) > 0 {
			return json.Unmarshal(wire.Payload, &e.Queue)
		}
	case EventRunningUpdated:
		if len(wire.Payload) > 0 {
			return json.Unmarshal(wire.Payload, &e.Running)
		}
	case EventResultUpdated:
		if len(wire.Payload) > 0 {
			e.Result = &ResultSnapshot{}
			return json.Unmarshal(wire.Payload, e.Result)
		}
	case EventConnectionsChanged:
	default:
		return fmt.Errorf("unknown service event type %q", wire.Type)
	}
	return nil
}

// Control request/response type tags.
const (
	ControlSnapshot  = "snapshot"
	ControlApprove   = "approve"
	ControlDeny      = "deny"
	ControlCancel    = "cancel"
	ControlSubscribe = "subscribe"
	ControlAck       = "ack"
	ControlError     = "error"
	ControlEvent     = "event"
)

// ControlRequest is one console-to-broker control frame. ID is set for
// approve/deny/cancel and empty otherwise.
type ControlRequest struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ControlResponse is one broker-to-console control frame. Exactly one of
// Snapshot, Message, or Event is meaningful, selected by Type; error frames
// reuse Message.
type ControlResponse struct {
	Type     string           `json:"type"`
	Snapshot *ServiceSnapshot `json:"snapshot,omitempty"`
	Message  string           `json:"message,omitempty"`
	Event    *ServiceEvent    `json:"event,omitempty"`
}

// AckResponse builds an ack control frame.
func AckResponse(message string) ControlResponse {
	return ControlResponse{Type: ControlAck, Message: message}
}

// ErrorControlResponse builds an error control frame.
func ErrorControlResponse(message string) ControlResponse {
	return ControlResponse{Type: ControlError, Message: message}
}
