package broker

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/octovalve/octovalve/internal/protocol"
)

// RequestRecord is the on-disk {id}.request.json document, written for
// every accepted request before execution begins.
type RequestRecord struct {
	ID             string                  `json:"id"`
	Client         string                  `json:"client"`
	Target         string                  `json:"target"`
	Peer           string                  `json:"peer"`
	ReceivedAtMS   uint64                  `json:"received_at_ms"`
	Intent         string                  `json:"intent"`
	Mode           protocol.CommandMode    `json:"mode"`
	Command        string                  `json:"command"`
	RawCommand     string                  `json:"raw_command"`
	Cwd            string                  `json:"cwd,omitempty"`
	Env            map[string]string       `json:"env,omitempty"`
	TimeoutMS      uint64                  `json:"timeout_ms,omitempty"`
	MaxOutputBytes uint64                  `json:"max_output_bytes,omitempty"`
	Pipeline       []protocol.CommandStage `json:"pipeline"`
}

// ResultRecord is the on-disk {id}.result.json document, written when a
// request reaches a terminal status.
type ResultRecord struct {
	ID         string                 `json:"id"`
	Status     protocol.CommandStatus `json:"status"`
	ExitCode   *int                   `json:"exit_code"`
	Error      string                 `json:"error,omitempty"`
	DurationMS uint64                 `json:"duration_ms"`
}

func requestRecord(pending *PendingRequest) RequestRecord {
	request := pending.Request
	return RequestRecord{
		ID:             request.ID,
		Client:         request.Client,
		Target:         request.Target,
		Peer:           pending.Peer,
		ReceivedAtMS:   uint64(pending.ReceivedAt.UnixMilli()),
		Intent:         request.Intent,
		Mode:           request.Mode,
		Command:        request.RawCommand,
		RawCommand:     request.RawCommand,
		Cwd:            request.Cwd,
		Env:            request.Env,
		TimeoutMS:      request.TimeoutMS,
		MaxOutputBytes: request.MaxOutputBytes,
		Pipeline:       request.Pipeline,
	}
}

// writeRequestRecord persists the accepted request. Best effort: a failed
// audit write is a warning, never a request failure.
func writeRequestRecord(outputDir string, pending *PendingRequest) {
	record := requestRecord(pending)
	path := filepath.Join(outputDir, record.ID+".request.json")
	payload, err := json.MarshalIndent(record, "", "  ")
	if err == nil {
		err = os.WriteFile(path, payload, 0o644)
	}
	if err != nil {
		slog.Warn("failed to write request record", "id", record.ID, "error", err)
	}
}

// writeResultRecord persists the terminal disposition. Best effort.
func writeResultRecord(outputDir string, response protocol.CommandResponse, duration time.Duration) {
	record := ResultRecord{
		ID:         response.ID,
		Status:     response.Status,
		ExitCode:   response.ExitCode,
		Error:      response.Error,
		DurationMS: uint64(duration.Milliseconds()),
	}
	path := filepath.Join(outputDir, record.ID+".result.json")
	payload, err := json.MarshalIndent(record, "", "  ")
	if err == nil {
		err = os.WriteFile(path, payload, 0o644)
	}
	if err != nil {
		slog.Warn("failed to write result record", "id", record.ID, "error", err)
	}
}
