package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCommandResponseInvariants(t *testing.T) {
	completed := CompletedResponse("r1", 0, "hi\n", "")
	if completed.ExitCode == nil || *completed.ExitCode != 0 {
		t.Fatal("completed response must carry an exit code")
	}
	if completed.Error != "" {
		t.Fatal("completed response must not carry an error")
	}

	for _, resp := range []CommandResponse{
		DeniedResponse("r2", "command denied: rm"),
		ErrorResponse("r3", "spawn failed"),
		CancelledResponse("r4", nil, "", ""),
	} {
		if resp.Error == "" {
			t.Errorf("%s response must carry an error message", resp.Status)
		}
	}
}

func TestCommandRequestJSONShape(t *testing.T) {
	req := CommandRequest{
		ID:         "req-1",
		Client:     "octovalve-proxy",
		Target:     "default",
		Intent:     "list files",
		Mode:       ModeArgv,
		RawCommand: "",
		Pipeline:   []CommandStage{{Argv: []string{"ls", "-l"}}},
		TimeoutMS:  5000,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	for _, key := range []string{`"raw_command"`, `"timeout_ms"`, `"pipeline"`, `"mode":"argv"`} {
		if !strings.Contains(text, key) {
			t.Errorf("encoded request missing %s: %s", key, text)
		}
	}
	var decoded CommandRequest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Pipeline[0].Command() != "ls" {
		t.Fatalf("pipeline stage command = %q", decoded.Pipeline[0].Command())
	}
}

func TestServiceEventTaggedEncoding(t *testing.T) {
	event := ServiceEvent{
		Type:  EventQueueUpdated,
		Queue: []RequestSnapshot{{SnapshotCommon: SnapshotCommon{ID: "q1", Mode: ModeShell}}},
	}
	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if !strings.Contains(text, `"type":"queue_updated"`) || !strings.Contains(text, `"payload"`) {
		t.Fatalf("unexpected event encoding: %s", text)
	}

	var decoded ServiceEvent
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != EventQueueUpdated || len(decoded.Queue) != 1 || decoded.Queue[0].ID != "q1" {
		t.Fatalf("decoded event mismatch: %+v", decoded)
	}
}

func TestServiceEventConnectionsChangedHasNoPayload(t *testing.T) {
	raw, err := json.Marshal(ServiceEvent{Type: EventConnectionsChanged})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "payload") {
		t.Fatalf("connections_changed must omit payload: %s", raw)
	}
	var decoded ServiceEvent
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != EventConnectionsChanged {
		t.Fatalf("decoded type = %q", decoded.Type)
	}
}

func TestServiceEventRejectsUnknownType(t *testing.T) {
	var decoded ServiceEvent
	if err := json.Unmarshal([]byte(`{"type":"bogus"}`), &decoded); err == nil {
		t.Fatal("expected unknown event type to fail decoding")
	}
}

func TestForwardSpecLocalAddr(t *testing.T) {
	spec := ForwardSpec{
		Target:     "dev",
		Purpose:    PurposeData,
		LocalBind:  "127.0.0.1",
		LocalPort:  19311,
		RemoteAddr: "127.0.0.1:19307",
	}
	if spec.LocalAddr() != "127.0.0.1:19311" {
		t.Fatalf("LocalAddr = %q", spec.LocalAddr())
	}
	raw, err := json.Marshal(TunnelRequest{Type: TunnelEnsureForward, ClientID: "proxy", Forward: &spec})
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if !strings.Contains(text, `"type":"ensure_forward"`) || !strings.Contains(text, `"purpose":"data"`) {
		t.Fatalf("unexpected tunnel request encoding: %s", text)
	}
}
