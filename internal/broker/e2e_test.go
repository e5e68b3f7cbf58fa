// End-to-end broker tests: real TCP listeners, real framing, real child
// processes. These cover the data-plane round trip and the control
// protocol's subscribe/snapshot ordering contract.
package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/wire"
)

type brokerHarness struct {
	dataAddr    string
	controlAddr string
}

func startBroker(t *testing.T, cfg Config) *brokerHarness {
	t.Helper()
	whitelist, err := NewWhitelist(cfg.Whitelist)
	if err != nil {
		t.Fatal(err)
	}
	service := NewService(cfg, whitelist, t.TempDir(), nil)
	activity := NewActivityTracker()

	dataServer, err := NewDataServer("127.0.0.1:0", service, activity)
	if err != nil {
		t.Fatal(err)
	}
	controlServer, err := NewControlServer("127.0.0.1:0", service, activity)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go service.Run(ctx)
	go dataServer.Run(ctx)
	go controlServer.Run(ctx)

	return &brokerHarness{dataAddr: dataServer.Addr(), controlAddr: controlServer.Addr()}
}

func dialFramed(t *testing.T, addr string) *wire.Conn {
	t.Helper()
	raw, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn := wire.NewConn(raw)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDataPlaneRoundTrip(t *testing.T) {
	h := startBroker(t, autoApproveConfig("echo"))
	conn := dialFramed(t, h.dataAddr)

	request := argvReq("e2e-1", "echo", "over-tcp")
	if err := conn.WriteJSON(request); err != nil {
		t.Fatal(err)
	}
	var response protocol.CommandResponse
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatal(err)
	}
	if response.ID != "e2e-1" || response.Status != protocol.StatusCompleted {
		t.Fatalf("response = %+v", response)
	}
	if response.Stdout != "over-tcp\n" {
		t.Fatalf("stdout = %q", response.Stdout)
	}
}

func TestDataPlaneInvalidFrameKeepsConnectionUsable(t *testing.T) {
	h := startBroker(t, autoApproveConfig("echo"))
	conn := dialFramed(t, h.dataAddr)

	if err := conn.WriteFrame([]byte("not json")); err != nil {
		t.Fatal(err)
	}
	var bad protocol.CommandResponse
	if err := conn.ReadJSON(&bad); err != nil {
		t.Fatal(err)
	}
	if bad.Status != protocol.StatusError || bad.Error != "invalid request" {
		t.Fatalf("error response = %+v", bad)
	}

	if err := conn.WriteJSON(argvReq("e2e-2", "echo", "still-alive")); err != nil {
		t.Fatal(err)
	}
	var good protocol.CommandResponse
	if err := conn.ReadJSON(&good); err != nil {
		t.Fatal(err)
	}
	if good.ID != "e2e-2" || good.Status != protocol.StatusCompleted {
		t.Fatalf("response = %+v", good)
	}
}

func TestSubscribeThenSnapshotOrdering(t *testing.T) {
	h := startBroker(t, Config{Limits: DefaultLimits(), AutoApproveAllowed: true})
	control := dialFramed(t, h.controlAddr)

	// Send subscribe then snapshot back to back; replies must come back in
	// order: ack{"subscribed"}, snapshot{...}.
	if err := control.WriteJSON(protocol.ControlRequest{Type: protocol.ControlSubscribe}); err != nil {
		t.Fatal(err)
	}
	if err := control.WriteJSON(protocol.ControlRequest{Type: protocol.ControlSnapshot}); err != nil {
		t.Fatal(err)
	}

	var ack protocol.ControlResponse
	if err := control.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != protocol.ControlAck || ack.Message != "subscribed" {
		t.Fatalf("first reply = %+v, want subscribed ack", ack)
	}
	var snap protocol.ControlResponse
	if err := control.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Type != protocol.ControlSnapshot || snap.Snapshot == nil {
		t.Fatalf("second reply = %+v, want snapshot", snap)
	}

	// A submitted request must surface as a queue_updated event frame with
	// no intervening snapshot.
	data := dialFramed(t, h.dataAddr)
	if err := data.WriteJSON(argvReq("e2e-3", "echo", "queued")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("queue_updated event never arrived")
		}
		var frame protocol.ControlResponse
		if err := control.ReadJSON(&frame); err != nil {
			t.Fatal(err)
		}
		if frame.Type == protocol.ControlSnapshot {
			t.Fatal("unexpected snapshot frame on subscription stream")
		}
		if frame.Type != protocol.ControlEvent || frame.Event == nil {
			continue
		}
		if frame.Event.Type == protocol.EventQueueUpdated {
			if len(frame.Event.Queue) != 1 || frame.Event.Queue[0].ID != "e2e-3" {
				t.Fatalf("queue event = %+v", frame.Event)
			}
			return
		}
	}
}

func TestControlApproveDrivesExecution(t *testing.T) {
	h := startBroker(t, Config{Limits: DefaultLimits(), AutoApproveAllowed: true})
	control := dialFramed(t, h.controlAddr)
	data := dialFramed(t, h.dataAddr)

	if err := data.WriteJSON(argvReq("e2e-4", "echo", "approved-run")); err != nil {
		t.Fatal(err)
	}
	// Give the queue a moment, then approve over the control plane.
	time.Sleep(200 * time.Millisecond)
	if err := control.WriteJSON(protocol.ControlRequest{Type: protocol.ControlApprove, ID: "e2e-4"}); err != nil {
		t.Fatal(err)
	}
	var ack protocol.ControlResponse
	if err := control.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != protocol.ControlAck || ack.Message != "approve queued" {
		t.Fatalf("ack = %+v", ack)
	}

	var response protocol.CommandResponse
	if err := data.ReadJSON(&response); err != nil {
		t.Fatal(err)
	}
	if response.ID != "e2e-4" || response.Status != protocol.StatusCompleted {
		t.Fatalf("response = %+v", response)
	}
	if response.Stdout != "approved-run\n" {
		t.Fatalf("stdout = %q", response.Stdout)
	}
}
