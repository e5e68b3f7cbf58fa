package console

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/tunneld"
	"github.com/octovalve/octovalve/internal/wire"
)

const (
	// reconnectDelay is deliberately fixed, not exponential: this is an
	// interactive system and the operator is watching.
	reconnectDelay = 5 * time.Second

	controlReadyTimeout        = 6 * time.Second
	controlReadyConnectTimeout = 500 * time.Millisecond
	controlReadyInterval       = 200 * time.Millisecond
)

// SpawnTargetWorkers starts one supervisor goroutine per configured target.
func SpawnTargetWorkers(ctx context.Context, cfg *config.Config, state *State, tunnels *tunneld.Client) {
	for _, target := range cfg.Targets {
		commands := make(chan ControlCommand, 64)
		state.RegisterCommander(target.Name, commands)
		go runTargetWorker(ctx, target, cfg, state, tunnels, commands)
	}
}

func runTargetWorker(
	ctx context.Context,
	target config.Target,
	cfg *config.Config,
	state *State,
	tunnels *tunneld.Client,
	commands <-chan ControlCommand,
) {
	forward, hasForward := cfg.Forward(target.Name, protocol.PurposeControl)
	for {
		if ctx.Err() != nil {
			return
		}
		if !hasForward {
			state.SetStatus(target.Name, TargetDown, "no control forward configured")
			if !sleepOrDone(ctx, reconnectDelay) {
				return
			}
			continue
		}

		addr := forward.RemoteAddr
		if target.SSH != "" {
			leased, err := tunnels.EnsureForward(ctx, forward)
			if err != nil {
				state.SetStatus(target.Name, TargetDown, err.Error())
				if !sleepOrDone(ctx, reconnectDelay) {
					return
				}
				continue
			}
			addr = leased
		}

		if err := waitForControlReady(ctx, target.Name, addr); err != nil {
			state.SetStatus(target.Name, TargetDown, err.Error())
			if !sleepOrDone(ctx, reconnectDelay) {
				return
			}
			continue
		}

		if err := runSession(ctx, target.Name, addr, state, commands); err != nil {
			state.SetStatus(target.Name, TargetDown, err.Error())
		}
		if !sleepOrDone(ctx, reconnectDelay) {
			return
		}
	}
}

// waitForControlReady probes the control address until it accepts a TCP
// connection, bounded by the readiness timeout.
func waitForControlReady(ctx context.Context, name, addr string) error {
	start := time.Now()
	logged := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", addr, controlReadyConnectTimeout)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if !logged {
			slog.Info("waiting for control listener", "target", name, "addr", addr)
			logged = true
		}
		if time.Since(start) >= controlReadyTimeout {
			return &controlNotReadyError{addr: addr}
		}
		if !sleepOrDone(ctx, controlReadyInterval) {
			return ctx.Err()
		}
	}
}

type controlNotReadyError struct {
	addr string
}

func (e *controlNotReadyError) Error() string {
	return "control addr " + e.addr + " not ready"
}

// runSession owns one control connection: subscribe, snapshot, then relay
// operator commands out and control frames in until either side fails.
func runSession(ctx context.Context, name, addr string, state *State, commands <-chan ControlCommand) error {
	raw, err := net.DialTimeout("tcp", addr, controlReadyConnectTimeout)
	if err != nil {
		return err
	}
	conn := wire.NewConn(raw)
	defer conn.Close()

	if err := conn.WriteJSON(protocol.ControlRequest{Type: protocol.ControlSubscribe}); err != nil {
		return err
	}
	if err := conn.WriteJSON(protocol.ControlRequest{Type: protocol.ControlSnapshot}); err != nil {
		return err
	}
	state.SetStatus(name, TargetReady, "")
	slog.Info("control session established", "target", name, "addr", addr)

	frames := make(chan protocol.ControlResponse, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			var response protocol.ControlResponse
			if err := conn.ReadJSON(&response); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- response:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case command := <-commands:
			request := protocol.ControlRequest{ID: command.ID}
			switch command.Kind {
			case CommandApprove:
				request.Type = protocol.ControlApprove
			case CommandDeny:
				request.Type = protocol.ControlDeny
			case CommandCancel:
				request.Type = protocol.ControlCancel
			}
			if err := conn.WriteJSON(request); err != nil {
				return err
			}
		case response, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			handleResponse(name, state, response)
		}
	}
}

func handleResponse(name string, state *State, response protocol.ControlResponse) {
	switch response.Type {
	case protocol.ControlSnapshot:
		if response.Snapshot != nil {
			slog.Info("control snapshot received",
				"target", name,
				"queue_len", len(response.Snapshot.Queue),
				"history_len", len(response.Snapshot.History),
			)
			state.ApplySnapshot(name, *response.Snapshot)
		}
	case protocol.ControlEvent:
		if response.Event != nil {
			state.ApplyEvent(name, *response.Event)
		}
	case protocol.ControlAck:
		// Decisions are fire-and-forget; acks carry no state.
	case protocol.ControlError:
		slog.Warn("broker reported error", "target", name, "message", response.Message)
		state.SetError(name, response.Message)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
