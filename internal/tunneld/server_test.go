package tunneld

import (
	"context"
	"testing"
)

// Server tests ride the real NDJSON listener with the fake controller from
// state_test.go, driven through the package's own Client.
func startServer(t *testing.T, ctl MasterController) *Client {
	t.Helper()
	state := testState(t, ctl)
	server, err := NewServer("127.0.0.1:0", state)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Run(ctx) }()
	return NewClient(server.Addr(), "test-client")
}

func TestServerEnsureReleaseRoundTrip(t *testing.T) {
	client := startServer(t, newFakeController())
	ctx := context.Background()
	fwd := dataForward()

	addr, err := client.EnsureForward(ctx, fwd)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "127.0.0.1:19311" {
		t.Fatalf("local addr = %q", addr)
	}

	items, err := client.ListForwards(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || len(items[0].Clients) != 1 || items[0].Clients[0] != "test-client" {
		t.Fatalf("list = %+v", items)
	}

	released, err := client.ReleaseForward(ctx, fwd)
	if err != nil {
		t.Fatal(err)
	}
	if !released {
		t.Fatal("release must tear down the last lease")
	}
}

func TestServerReportsErrors(t *testing.T) {
	client := startServer(t, newFakeController())
	fwd := dataForward()
	fwd.Target = "missing"
	if _, err := client.EnsureForward(context.Background(), fwd); err == nil {
		t.Fatal("unknown target must surface as a daemon error")
	}
}
