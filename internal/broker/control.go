package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/wire"
)

// snapshotTimeout bounds a control snapshot round-trip to the service loop.
const snapshotTimeout = 5 * time.Second

// ControlServer serves the console's control protocol: snapshot reads,
// approve/deny/cancel posts, and long-lived event subscriptions.
type ControlServer struct {
	listener net.Listener
	service  *Service
	activity *ActivityTracker
}

// NewControlServer binds the control listener.
func NewControlServer(listenAddr string, service *Service, activity *ActivityTracker) (*ControlServer, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &ControlServer{listener: listener, service: service, activity: activity}, nil
}

// Addr returns the bound listen address.
func (c *ControlServer) Addr() string {
	return c.listener.Addr().String()
}

// Run accepts connections until the context ends.
func (c *ControlServer) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = c.listener.Close()
	}()
	slog.Info("control listener ready", "addr", c.Addr())
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("control accept failed", "error", err)
			continue
		}
		go c.handleConnection(ctx, conn)
	}
}

func (c *ControlServer) handleConnection(ctx context.Context, raw net.Conn) {
	release := c.activity.TrackControl()
	defer release()

	peer := raw.RemoteAddr().String()
	conn := wire.NewConn(raw)
	defer conn.Close()

	// The subscription pump and the request/reply path share the socket;
	// the mutex keeps frames intact. The subscribe ack is written before
	// the pump starts, so a subscriber always sees ack before any event.
	var writeMu sync.Mutex
	write := func(response protocol.ControlResponse) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(response)
	}

	var subID uint64
	subscribed := false
	defer func() {
		if subscribed {
			c.service.Bus().Unsubscribe(subID)
		}
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		var request protocol.ControlRequest
		if err := json.Unmarshal(frame, &request); err != nil {
			if werr := write(protocol.ErrorControlResponse("invalid request: " + err.Error())); werr != nil {
				return
			}
			continue
		}

		var werr error
		switch request.Type {
		case protocol.ControlSnapshot:
			werr = c.serveSnapshot(ctx, write)
		case protocol.ControlApprove:
			c.service.Approve(request.ID)
			werr = write(protocol.AckResponse("approve queued"))
		case protocol.ControlDeny:
			c.service.Deny(request.ID)
			werr = write(protocol.AckResponse("deny queued"))
		case protocol.ControlCancel:
			c.service.Cancel(request.ID)
			werr = write(protocol.AckResponse("cancel queued"))
		case protocol.ControlSubscribe:
			if !subscribed {
				var events <-chan protocol.ServiceEvent
				subID, events = c.service.Bus().Subscribe()
				subscribed = true
				if werr = write(protocol.AckResponse("subscribed")); werr == nil {
					go pumpEvents(events, write, conn, peer)
				}
			} else {
				werr = write(protocol.AckResponse("subscribed"))
			}
		default:
			werr = write(protocol.ErrorControlResponse("unknown request type: " + request.Type))
		}
		if werr != nil {
			return
		}
	}
}

func (c *ControlServer) serveSnapshot(ctx context.Context, write func(protocol.ControlResponse) error) error {
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	snapshot, err := c.service.Snapshot(snapCtx)
	if err != nil {
		return write(protocol.ErrorControlResponse("service unavailable"))
	}
	return write(protocol.ControlResponse{Type: protocol.ControlSnapshot, Snapshot: &snapshot})
}

// pumpEvents relays broadcast events to one subscriber. The channel closes
// when the broadcaster drops a lagging subscriber; closing the connection
// forces that client to reconnect and re-snapshot.
func pumpEvents(events <-chan protocol.ServiceEvent, write func(protocol.ControlResponse) error, conn *wire.Conn, peer string) {
	for event := range events {
		evt := event
		if err := write(protocol.ControlResponse{Type: protocol.ControlEvent, Event: &evt}); err != nil {
			_ = conn.Close()
			return
		}
	}
	slog.Warn("control subscriber lagged, forcing resync", "peer", peer)
	_ = conn.Close()
}
