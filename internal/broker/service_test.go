// Service tests drive the supervisor loop end to end with real child
// processes (echo, sleep) and in-memory response sinks, covering the
// request state machine: auto-approval, deny list, operator approve/deny/
// cancel, and the exactly-one-response guarantee.
package broker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/octovalve/octovalve/internal/protocol"
)

type serviceHarness struct {
	service   *Service
	outputDir string
}

func startService(t *testing.T, cfg Config) *serviceHarness {
	t.Helper()
	whitelist, err := NewWhitelist(cfg.Whitelist)
	if err != nil {
		t.Fatal(err)
	}
	outputDir := t.TempDir()
	service := NewService(cfg, whitelist, outputDir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go service.Run(ctx)
	return &serviceHarness{service: service, outputDir: outputDir}
}

func autoApproveConfig(allowed ...string) Config {
	return Config{
		Whitelist:          WhitelistConfig{Allowed: allowed},
		Limits:             DefaultLimits(),
		AutoApproveAllowed: true,
	}
}

func submit(t *testing.T, h *serviceHarness, request protocol.CommandRequest) chan protocol.CommandResponse {
	t.Helper()
	responses := make(chan protocol.CommandResponse, 4)
	h.service.Submit(NewPendingRequest(request, "127.0.0.1:50000", func(r protocol.CommandResponse) {
		responses <- r
	}))
	return responses
}

func waitResponse(t *testing.T, responses chan protocol.CommandResponse, within time.Duration) protocol.CommandResponse {
	t.Helper()
	select {
	case response := <-responses:
		return response
	case <-time.After(within):
		t.Fatal("timed out waiting for response")
		return protocol.CommandResponse{}
	}
}

func argvReq(id string, argv ...string) protocol.CommandRequest {
	return protocol.CommandRequest{
		ID:       id,
		Client:   "agent",
		Target:   "local",
		Intent:   "test",
		Mode:     protocol.ModeArgv,
		Pipeline: []protocol.CommandStage{{Argv: argv}},
	}
}

func TestAutoApprovedEchoCompletes(t *testing.T) {
	cfg := autoApproveConfig("echo")
	cfg.Limits.TimeoutSecs = 5
	h := startService(t, cfg)

	responses := submit(t, h, argvReq("r1", "echo", "hi"))
	response := waitResponse(t, responses, 10*time.Second)
	if response.Status != protocol.StatusCompleted {
		t.Fatalf("status = %s (error %q)", response.Status, response.Error)
	}
	if response.ExitCode == nil || *response.ExitCode != 0 {
		t.Fatalf("exit code = %v", response.ExitCode)
	}
	if response.Stdout != "hi\n" {
		t.Fatalf("stdout = %q", response.Stdout)
	}
}

func TestDenylistRejectsWithoutSpawning(t *testing.T) {
	cfg := Config{
		Whitelist:          WhitelistConfig{Denied: []string{"rm"}},
		Limits:             DefaultLimits(),
		AutoApproveAllowed: true,
	}
	h := startService(t, cfg)

	responses := submit(t, h, argvReq("r2", "/bin/rm", "-rf", "/tmp/x"))
	response := waitResponse(t, responses, 5*time.Second)
	if response.Status != protocol.StatusDenied {
		t.Fatalf("status = %s", response.Status)
	}
	if !strings.Contains(response.Error, "command denied") || !strings.Contains(response.Error, "rm") {
		t.Fatalf("error = %q", response.Error)
	}

	// Audit records land; no stream files exist because nothing spawned.
	waitForFile(t, filepath.Join(h.outputDir, "r2.request.json"))
	waitForFile(t, filepath.Join(h.outputDir, "r2.result.json"))
	if _, err := os.Stat(filepath.Join(h.outputDir, "r2.stdout")); !os.IsNotExist(err) {
		t.Fatal("denied request must not create a stdout file")
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
}

func TestQueuedRequestNeedsApproval(t *testing.T) {
	cfg := Config{Limits: DefaultLimits(), AutoApproveAllowed: true}
	h := startService(t, cfg)
	_, events := h.service.Bus().Subscribe()

	responses := submit(t, h, argvReq("r3", "echo", "queued"))

	event := waitEvent(t, events, protocol.EventQueueUpdated)
	if len(event.Queue) != 1 || event.Queue[0].ID != "r3" {
		t.Fatalf("queue event = %+v", event)
	}

	h.service.Approve("r3")
	response := waitResponse(t, responses, 10*time.Second)
	if response.Status != protocol.StatusCompleted {
		t.Fatalf("status = %s (error %q)", response.Status, response.Error)
	}
}

func TestOperatorDenyFinishesQueuedRequest(t *testing.T) {
	cfg := Config{Limits: DefaultLimits(), AutoApproveAllowed: true}
	h := startService(t, cfg)

	responses := submit(t, h, argvReq("r4", "echo", "nope"))
	time.Sleep(100 * time.Millisecond)
	h.service.Deny("r4")

	response := waitResponse(t, responses, 5*time.Second)
	if response.Status != protocol.StatusDenied {
		t.Fatalf("status = %s", response.Status)
	}
	if response.Error != "denied by operator" {
		t.Fatalf("error = %q", response.Error)
	}
}

func TestCancelWhileRunning(t *testing.T) {
	cfg := autoApproveConfig("sleep")
	cfg.Limits.TimeoutSecs = 60
	h := startService(t, cfg)
	_, events := h.service.Bus().Subscribe()

	responses := submit(t, h, argvReq("r5", "sleep", "30"))
	running := waitEvent(t, events, protocol.EventRunningUpdated)
	if len(running.Running) != 1 || running.Running[0].ID != "r5" {
		t.Fatalf("running event = %+v", running)
	}

	start := time.Now()
	h.service.Cancel("r5")
	response := waitResponse(t, responses, 5*time.Second)
	if response.Status != protocol.StatusCancelled {
		t.Fatalf("status = %s (error %q)", response.Status, response.Error)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("cancel latency %s", elapsed)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	cfg := Config{Limits: DefaultLimits(), AutoApproveAllowed: true}
	h := startService(t, cfg)

	responses := submit(t, h, argvReq("r6", "echo", "never"))
	time.Sleep(100 * time.Millisecond)
	h.service.Cancel("r6")

	response := waitResponse(t, responses, 5*time.Second)
	if response.Status != protocol.StatusCancelled {
		t.Fatalf("status = %s", response.Status)
	}
}

func TestExactlyOneResponsePerRequest(t *testing.T) {
	cfg := Config{Limits: DefaultLimits(), AutoApproveAllowed: true}
	h := startService(t, cfg)

	responses := submit(t, h, argvReq("r7", "echo", "once"))
	time.Sleep(100 * time.Millisecond)
	// Race conflicting operator decisions; only one transition may fire.
	h.service.Approve("r7")
	h.service.Deny("r7")
	h.service.Cancel("r7")

	first := waitResponse(t, responses, 10*time.Second)
	if first.ID != "r7" {
		t.Fatalf("response id = %q", first.ID)
	}
	select {
	case extra := <-responses:
		t.Fatalf("second response delivered: %+v", extra)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestQueueIDNeverReappears(t *testing.T) {
	cfg := Config{Limits: DefaultLimits(), AutoApproveAllowed: true}
	h := startService(t, cfg)
	_, events := h.service.Bus().Subscribe()

	_ = submit(t, h, argvReq("r8", "echo", "a"))
	waitEvent(t, events, protocol.EventQueueUpdated)
	h.service.Approve("r8")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatal("subscriber dropped")
			}
			if event.Type == protocol.EventQueueUpdated {
				for _, item := range event.Queue {
					if item.ID == "r8" {
						t.Fatal("id reappeared in queue after leaving it")
					}
				}
			}
			if event.Type == protocol.EventResultUpdated && event.Result.ID == "r8" {
				return
			}
		case <-deadline:
			t.Fatal("result event never arrived")
		}
	}
}

func TestSnapshotMirrorsHistory(t *testing.T) {
	cfg := autoApproveConfig("echo")
	h := startService(t, cfg)
	_, events := h.service.Bus().Subscribe()

	_ = submit(t, h, argvReq("r9", "echo", "first"))
	waitEvent(t, events, protocol.EventResultUpdated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snapshot, err := h.service.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.History) != 1 {
		t.Fatalf("history length = %d", len(snapshot.History))
	}
	if snapshot.LastResult == nil || snapshot.LastResult.ID != snapshot.History[0].ID {
		t.Fatal("last_result must mirror history[0]")
	}
	if len(snapshot.Queue) != 0 || len(snapshot.Running) != 0 {
		t.Fatalf("unexpected live entries: %+v", snapshot)
	}
}

func waitEvent(t *testing.T, events <-chan protocol.ServiceEvent, eventType string) protocol.ServiceEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatal("subscriber dropped while waiting for event")
			}
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}
