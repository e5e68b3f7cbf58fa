package console

import (
	"sync"

	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/protocol"
)

// TargetState is the console's mirror of one broker's service state plus
// connection status.
type TargetState struct {
	Spec       config.Target
	Status     TargetStatus
	LastError  string
	Queue      []protocol.RequestSnapshot
	Running    []protocol.RunningSnapshot
	History    []protocol.ResultSnapshot
	LastResult *protocol.ResultSnapshot
}

// State aggregates every target's mirror and fans change notifications out
// to the UI. A single RWMutex guards the map: session loops write, the UI
// reads.
type State struct {
	mu            sync.RWMutex
	targets       map[string]*TargetState
	order         []string
	defaultTarget string
	commands      map[string]chan ControlCommand
	events        chan ConsoleEvent
}

// NewState builds the console state from the target inventory.
func NewState(cfg *config.Config) *State {
	s := &State{
		targets:       make(map[string]*TargetState, len(cfg.Targets)),
		order:         cfg.TargetNames(),
		defaultTarget: cfg.DefaultTarget,
		commands:      make(map[string]chan ControlCommand, len(cfg.Targets)),
		events:        make(chan ConsoleEvent, 256),
	}
	for _, target := range cfg.Targets {
		s.targets[target.Name] = &TargetState{Spec: target, Status: TargetDown}
	}
	return s
}

// Events is the UI notification stream. Notifications are dropped, not
// blocked on, when the UI falls behind; the UI re-reads full state on every
// render anyway.
func (s *State) Events() <-chan ConsoleEvent {
	return s.events
}

// RegisterCommander wires the per-target command channel consumed by that
// target's session loop.
func (s *State) RegisterCommander(name string, ch chan ControlCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[name] = ch
}

// SendCommand posts an operator decision toward the target's broker.
func (s *State) SendCommand(name string, command ControlCommand) bool {
	s.mu.RLock()
	ch := s.commands[name]
	s.mu.RUnlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- command:
		return true
	default:
		return false
	}
}

// SetStatus updates a target's reachability and last error, then notifies.
func (s *State) SetStatus(name string, status TargetStatus, lastError string) {
	s.mu.Lock()
	if target, ok := s.targets[name]; ok {
		target.Status = status
		target.LastError = lastError
	}
	s.mu.Unlock()
	s.notify(name)
}

// ApplySnapshot replaces the target's mirrored service state: queue,
// running, and history all come from the broker's atomic view, the status
// flips to ready, and any stale error clears.
func (s *State) ApplySnapshot(name string, snapshot protocol.ServiceSnapshot) {
	s.mu.Lock()
	if target, ok := s.targets[name]; ok {
		target.Queue = snapshot.Queue
		target.Running = snapshot.Running
		target.History = snapshot.History
		target.LastResult = snapshot.LastResult
		target.Status = TargetReady
		target.LastError = ""
	}
	s.mu.Unlock()
	s.notify(name)
}

// ApplyEvent merges one incremental broker event into the mirror.
func (s *State) ApplyEvent(name string, event protocol.ServiceEvent) {
	s.mu.Lock()
	if target, ok := s.targets[name]; ok {
		target.Status = TargetReady
		switch event.Type {
		case protocol.EventQueueUpdated:
			target.Queue = event.Queue
		case protocol.EventRunningUpdated:
			target.Running = event.Running
		case protocol.EventResultUpdated:
			if event.Result != nil {
				target.LastResult = event.Result
				target.History = append([]protocol.ResultSnapshot{*event.Result}, target.History...)
			}
		case protocol.EventConnectionsChanged:
			// Presence-only signal; nothing to merge.
		}
	}
	s.mu.Unlock()
	s.notify(name)
}

// SetError records a broker-reported error without marking the target down:
// an error frame means the broker is reachable but refused the request.
func (s *State) SetError(name, message string) {
	s.SetStatus(name, TargetReady, message)
}

// Target returns a copy of the named target's state.
func (s *State) Target(name string) (TargetState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[name]
	if !ok {
		return TargetState{}, false
	}
	return *target, true
}

// TargetInfo projects the named target for the UI.
func (s *State) TargetInfo(name string) (TargetInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[name]
	if !ok {
		return TargetInfo{}, false
	}
	return s.infoLocked(target), true
}

// TargetInfos projects every target in configuration order.
func (s *State) TargetInfos() []TargetInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]TargetInfo, 0, len(s.order))
	for _, name := range s.order {
		if target, ok := s.targets[name]; ok {
			infos = append(infos, s.infoLocked(target))
		}
	}
	return infos
}

// TargetNames returns targets in configuration order.
func (s *State) TargetNames() []string {
	return append([]string(nil), s.order...)
}

func (s *State) infoLocked(target *TargetState) TargetInfo {
	return TargetInfo{
		Name:              target.Spec.Name,
		Desc:              target.Spec.Desc,
		SSH:               target.Spec.SSH,
		Status:            target.Status,
		PendingCount:      len(target.Queue),
		RunningCount:      len(target.Running),
		LastError:         target.LastError,
		TerminalAvailable: target.Spec.TTY && target.Spec.SSH != "",
		IsDefault:         target.Spec.Name == s.defaultTarget,
	}
}

func (s *State) notify(name string) {
	info, ok := s.TargetInfo(name)
	if !ok {
		return
	}
	select {
	case s.events <- ConsoleEvent{Target: info}:
	default:
	}
}
