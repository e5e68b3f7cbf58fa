package tunneld

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/wire"
)

const shutdownGrace = 10 * time.Second

// Server serves the newline-delimited daemon protocol: one request per
// connection, one response, close.
type Server struct {
	state    *State
	listener net.Listener
}

// NewServer binds the daemon listener.
func NewServer(listenAddr string, state *State) (*Server, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &Server{state: state, listener: listener}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Run accepts connections until the context is cancelled or a shutdown
// signal arrives, then tears down every master session before returning.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	slog.Info("tunnel daemon listening", "addr", s.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			slog.Warn("daemon accept failed", "error", err)
			continue
		}
		go func() {
			if err := s.handleConnection(ctx, conn); err != nil {
				slog.Warn("daemon connection failed", "peer", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.state.Shutdown(ctx)
	slog.Info("tunnel daemon stopped")
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * sshCommandTimeout))

	reader := bufio.NewReader(conn)
	var request protocol.TunnelRequest
	if err := wire.ReadJSONLine(reader, &request); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return wire.WriteJSONLine(conn, protocol.TunnelResponse{
			Type:    protocol.TunnelError,
			Message: "invalid request: " + err.Error(),
		})
	}

	response := s.dispatch(ctx, request)
	return wire.WriteJSONLine(conn, response)
}

func (s *Server) dispatch(ctx context.Context, request protocol.TunnelRequest) protocol.TunnelResponse {
	switch request.Type {
	case protocol.TunnelEnsureForward:
		if request.Forward == nil {
			return errorResponse("ensure_forward requires a forward")
		}
		localAddr, reused, err := s.state.EnsureForward(ctx, request.ClientID, *request.Forward)
		if err != nil {
			return errorResponse(err.Error())
		}
		return protocol.TunnelResponse{
			Type:      protocol.TunnelEnsureForward,
			LocalAddr: localAddr,
			Reused:    reused,
		}
	case protocol.TunnelReleaseForward:
		if request.Forward == nil {
			return errorResponse("release_forward requires a forward")
		}
		released, err := s.state.ReleaseForward(ctx, request.ClientID, *request.Forward)
		if err != nil {
			return errorResponse(err.Error())
		}
		return protocol.TunnelResponse{
			Type:     protocol.TunnelReleaseForward,
			Released: released,
		}
	case protocol.TunnelListForwards:
		return protocol.TunnelResponse{
			Type:  protocol.TunnelForwards,
			Items: s.state.ListForwards(),
		}
	default:
		return errorResponse("unknown request type: " + request.Type)
	}
}

func errorResponse(message string) protocol.TunnelResponse {
	return protocol.TunnelResponse{Type: protocol.TunnelError, Message: message}
}
