package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"

	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/wire"
)

// DataServer accepts length-delimited CommandRequest frames from proxies
// and feeds them to the service supervisor. A connection may carry many
// requests; responses are matched by id, not by order.
type DataServer struct {
	listener net.Listener
	service  *Service
	activity *ActivityTracker
}

// NewDataServer binds the data listener.
func NewDataServer(listenAddr string, service *Service, activity *ActivityTracker) (*DataServer, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &DataServer{listener: listener, service: service, activity: activity}, nil
}

// Addr returns the bound listen address.
func (d *DataServer) Addr() string {
	return d.listener.Addr().String()
}

// Run accepts connections until the context ends.
func (d *DataServer) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = d.listener.Close()
	}()
	slog.Info("data listener ready", "addr", d.Addr())
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("data accept failed", "error", err)
			continue
		}
		go d.handleConnection(conn)
	}
}

func (d *DataServer) handleConnection(raw net.Conn) {
	release := d.activity.TrackData()
	defer release()

	peer := raw.RemoteAddr().String()
	conn := wire.NewConn(raw)
	defer conn.Close()

	d.service.ConnectionOpened()
	defer d.service.ConnectionClosed()

	// Responses for concurrent in-flight requests interleave on this
	// connection; the mutex keeps individual frames intact.
	var writeMu sync.Mutex
	respond := func(response protocol.CommandResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(response); err != nil {
			slog.Warn("failed to write command response", "id", response.ID, "peer", peer, "error", err)
		}
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		var request protocol.CommandRequest
		if err := json.Unmarshal(frame, &request); err != nil {
			respond(protocol.ErrorResponse("", "invalid request"))
			continue
		}
		slog.Info("command request received",
			"id", request.ID, "client", request.Client, "peer", peer, "mode", string(request.Mode))
		d.service.Submit(NewPendingRequest(request, peer, respond))
	}
}
