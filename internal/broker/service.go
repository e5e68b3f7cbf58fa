package broker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/octovalve/octovalve/internal/broker/executor"
	"github.com/octovalve/octovalve/internal/protocol"
)

// Service is the broker's state supervisor. All queue/running/history
// mutations happen inside Run's select loop: the data listener, the control
// listener, and finished executors converge on it through channels, which
// makes every state transition linearizable per target.
type Service struct {
	cfg       Config
	whitelist *Whitelist
	outputDir string

	serverEvents chan serverEvent
	commands     chan serviceCommand
	results      chan resultMsg

	bus   *Broadcaster
	sem   *semaphore.Weighted
	state *serviceState
}

type resultMsg struct {
	pending  *PendingRequest
	response protocol.CommandResponse
}

// NewService builds the supervisor with rehydrated history.
func NewService(cfg Config, whitelist *Whitelist, outputDir string, history []protocol.ResultSnapshot) *Service {
	var sem *semaphore.Weighted
	if cfg.Limits.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(cfg.Limits.MaxConcurrent)
	}
	return &Service{
		cfg:          cfg,
		whitelist:    whitelist,
		outputDir:    outputDir,
		serverEvents: make(chan serverEvent, 128),
		commands:     make(chan serviceCommand, 128),
		results:      make(chan resultMsg, 128),
		bus:          NewBroadcaster(),
		sem:          sem,
		state:        newServiceState(history, historyLimit),
	}
}

// Bus exposes the control-plane event broadcaster.
func (s *Service) Bus() *Broadcaster {
	return s.bus
}

// ConnectionOpened notes a new data connection.
func (s *Service) ConnectionOpened() {
	s.serverEvents <- serverEvent{kind: serverConnectionOpened}
}

// ConnectionClosed notes a dropped data connection.
func (s *Service) ConnectionClosed() {
	s.serverEvents <- serverEvent{kind: serverConnectionClosed}
}

// Submit hands a decoded request to the supervisor.
func (s *Service) Submit(pending *PendingRequest) {
	s.serverEvents <- serverEvent{kind: serverRequest, pending: pending}
}

// Approve queues an operator approval; a no-op if the id is not queued.
func (s *Service) Approve(id string) {
	s.commands <- serviceCommand{kind: commandApprove, id: id}
}

// Deny queues an operator denial; a no-op if the id is not queued.
func (s *Service) Deny(id string) {
	s.commands <- serviceCommand{kind: commandDeny, id: id}
}

// Cancel queues an operator cancel, effective whether the request is still
// queued or already running.
func (s *Service) Cancel(id string) {
	s.commands <- serviceCommand{kind: commandCancel, id: id}
}

// Snapshot returns an atomic view of the service state.
func (s *Service) Snapshot(ctx context.Context) (protocol.ServiceSnapshot, error) {
	reply := make(chan protocol.ServiceSnapshot, 1)
	select {
	case s.commands <- serviceCommand{kind: commandSnapshot, reply: reply}:
	case <-ctx.Done():
		return protocol.ServiceSnapshot{}, ctx.Err()
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return protocol.ServiceSnapshot{}, ctx.Err()
	}
}

// Run drives the supervisor until the context ends.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.serverEvents:
			s.handleServerEvent(event)
		case command := <-s.commands:
			s.handleCommand(command)
		case result := <-s.results:
			s.handleResult(result)
		}
	}
}

func (s *Service) handleServerEvent(event serverEvent) {
	switch event.kind {
	case serverConnectionOpened, serverConnectionClosed:
		s.bus.Publish(protocol.ServiceEvent{Type: protocol.EventConnectionsChanged})
	case serverRequest:
		s.handleRequest(event.pending)
	}
}

func (s *Service) handleRequest(pending *PendingRequest) {
	request := pending.Request
	go writeRequestRecord(s.outputDir, pending)

	// Policy gate: the deny list is consulted per stage before anything is
	// queued or spawned. Shell mode carries no stages; see Config.
	for _, stage := range request.Pipeline {
		if err := s.whitelist.ValidateDeny(stage); err != nil {
			slog.Info("request denied by policy",
				"id", request.ID, "client", request.Client, "command", stage.Command())
			s.finish(pending, protocol.DeniedResponse(request.ID, err.Error()))
			return
		}
	}

	if s.cfg.AutoApproveAllowed && s.whitelist.AllowsRequest(request) {
		slog.Info("request auto-approved", "id", request.ID, "client", request.Client)
		s.startExecution(pending)
		return
	}

	s.state.enqueue(pending)
	slog.Info("request queued for approval",
		"id", request.ID, "client", request.Client, "intent", request.Intent)
	s.publishQueue()
}

func (s *Service) handleCommand(command serviceCommand) {
	switch command.kind {
	case commandApprove:
		pending := s.state.takePending(command.id)
		if pending == nil {
			return
		}
		slog.Info("request approved", "id", command.id)
		s.publishQueue()
		s.startExecution(pending)
	case commandDeny:
		pending := s.state.takePending(command.id)
		if pending == nil {
			return
		}
		slog.Info("request denied by operator", "id", command.id)
		s.publishQueue()
		s.finish(pending, protocol.DeniedResponse(command.id, "denied by operator"))
	case commandCancel:
		if pending := s.state.takePending(command.id); pending != nil {
			slog.Info("queued request cancelled", "id", command.id)
			s.publishQueue()
			s.finish(pending, protocol.CancelledResponse(command.id, nil, "", ""))
			return
		}
		if s.state.cancelRunning(command.id) {
			slog.Info("running request cancelled", "id", command.id)
		}
	case commandSnapshot:
		command.reply <- s.state.snapshot()
	}
}

func (s *Service) handleResult(result resultMsg) {
	s.state.finishRunning(result.pending.Request.ID)
	s.bus.Publish(protocol.ServiceEvent{
		Type:    protocol.EventRunningUpdated,
		Running: append([]protocol.RunningSnapshot(nil), s.state.running...),
	})
	s.finish(result.pending, result.response)
}

// finish delivers the terminal response: result record, exactly-once reply
// to the proxy, history push, and the result_updated broadcast.
func (s *Service) finish(pending *PendingRequest, response protocol.CommandResponse) {
	now := time.Now()
	go writeResultRecord(s.outputDir, response, now.Sub(pending.ReceivedAt))
	pending.Respond(response)

	snapshot := resultSnapshot(pending, response, now)
	s.state.pushResult(snapshot)
	s.bus.Publish(protocol.ServiceEvent{Type: protocol.EventResultUpdated, Result: &snapshot})
}

func (s *Service) startExecution(pending *PendingRequest) {
	startedAt := time.Now()
	runCtx, cancel := context.WithCancel(context.Background())
	s.state.startRunning(runningSnapshot(pending, startedAt), cancel)
	s.bus.Publish(protocol.ServiceEvent{
		Type:    protocol.EventRunningUpdated,
		Running: append([]protocol.RunningSnapshot(nil), s.state.running...),
	})

	request := pending.Request
	opts := executor.EffectiveOptions(
		request,
		s.cfg.Limits.TimeoutSecs,
		s.cfg.Limits.MaxOutputBytes,
		filepath.Join(s.outputDir, request.ID+".stdout"),
		filepath.Join(s.outputDir, request.ID+".stderr"),
	)
	go func() {
		if s.sem != nil {
			if err := s.sem.Acquire(runCtx, 1); err != nil {
				s.results <- resultMsg{
					pending:  pending,
					response: protocol.CancelledResponse(request.ID, nil, "", ""),
				}
				return
			}
			defer s.sem.Release(1)
		}
		response := executor.Execute(runCtx, request, opts)
		s.results <- resultMsg{pending: pending, response: response}
	}()
}

func (s *Service) publishQueue() {
	s.bus.Publish(protocol.ServiceEvent{
		Type:  protocol.EventQueueUpdated,
		Queue: s.state.queueSnapshots(),
	})
}
