package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/wire"
)

// The agent boundary is JSON-RPC 2.0 over newline-delimited frames. Only
// the execute_command method is served here; richer agent integrations
// live outside this repository and speak the same envelope.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

// executeParams is the execute_command payload: a CommandRequest with the
// id and client fields owned by the proxy.
type executeParams struct {
	Target         string                  `json:"target"`
	Intent         string                  `json:"intent"`
	Mode           protocol.CommandMode    `json:"mode"`
	RawCommand     string                  `json:"raw_command"`
	Cwd            string                  `json:"cwd,omitempty"`
	Env            map[string]string       `json:"env,omitempty"`
	TimeoutMS      uint64                  `json:"timeout_ms,omitempty"`
	MaxOutputBytes uint64                  `json:"max_output_bytes,omitempty"`
	Pipeline       []protocol.CommandStage `json:"pipeline"`
}

// AgentServer accepts agent connections and relays execute_command calls
// through the CommandClient.
type AgentServer struct {
	listener net.Listener
	commands *CommandClient
	clientID string
	defaults struct {
		target string
	}
}

// NewAgentServer binds the agent listener.
func NewAgentServer(listenAddr, clientID, defaultTarget string, commands *CommandClient) (*AgentServer, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	server := &AgentServer{listener: listener, commands: commands, clientID: clientID}
	server.defaults.target = defaultTarget
	return server, nil
}

// Addr returns the bound listen address.
func (s *AgentServer) Addr() string {
	return s.listener.Addr().String()
}

// Run accepts agent connections until the context ends.
func (s *AgentServer) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	slog.Info("agent listener ready", "addr", s.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("agent accept failed", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *AgentServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		var request rpcRequest
		if err := wire.ReadJSONLine(reader, &request); err != nil {
			if !errors.Is(err, io.EOF) {
				_ = wire.WriteJSONLine(conn, rpcResponse{
					JSONRPC: "2.0",
					Error:   &rpcError{Code: rpcParseError, Message: "parse error"},
				})
			}
			return
		}
		response := s.dispatch(ctx, request)
		if err := wire.WriteJSONLine(conn, response); err != nil {
			return
		}
	}
}

func (s *AgentServer) dispatch(ctx context.Context, request rpcRequest) rpcResponse {
	response := rpcResponse{JSONRPC: "2.0", ID: request.ID}
	if request.JSONRPC != "2.0" {
		response.Error = &rpcError{Code: rpcInvalidRequest, Message: "jsonrpc must be 2.0"}
		return response
	}
	if request.Method != "execute_command" {
		response.Error = &rpcError{Code: rpcMethodNotFound, Message: "unknown method: " + request.Method}
		return response
	}

	var params executeParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		response.Error = &rpcError{Code: rpcInvalidParams, Message: "invalid params: " + err.Error()}
		return response
	}
	if params.Target == "" {
		params.Target = s.defaults.target
	}
	if params.Target == "" {
		response.Error = &rpcError{Code: rpcInvalidParams, Message: "target is required"}
		return response
	}

	command := protocol.CommandRequest{
		ID:             uuid.NewString(),
		Client:         s.clientID,
		Target:         params.Target,
		Intent:         params.Intent,
		Mode:           params.Mode,
		RawCommand:     params.RawCommand,
		Cwd:            params.Cwd,
		Env:            params.Env,
		TimeoutMS:      params.TimeoutMS,
		MaxOutputBytes: params.MaxOutputBytes,
		Pipeline:       params.Pipeline,
	}
	result, err := s.commands.Execute(ctx, command)
	if err != nil {
		slog.Warn("command relay failed", "id", command.ID, "target", command.Target, "error", err)
		response.Result = protocol.ErrorResponse(command.ID, err.Error())
		return response
	}
	response.Result = result
	return response
}
