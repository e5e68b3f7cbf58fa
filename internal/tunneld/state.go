package tunneld

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/protocol"
)

// State is the daemon's forward-lease table.
//
// Forwards are keyed by the full ForwardSpec tuple; each entry tracks the
// set of client ids holding a lease. The first EnsureForward for a spec
// issues the ssh control-socket forward command; the last ReleaseForward
// issues cancel. Client membership is idempotent, so periodic re-ensure
// heartbeats from clients are cheap no-ops.
//
// A single RWMutex guards the table: ensure/release are the only writers,
// list takes the read side. SSH control commands run under the lock — they
// are bounded (30 s) and serializing them avoids forward/cancel races on
// the same master.
type State struct {
	mu sync.RWMutex

	cfg        *config.Config
	controlDir string
	control    MasterController

	// masters tracks which targets have a spawned control master.
	masters map[string]bool
	// forwards maps each leased forward to its client set.
	forwards map[protocol.ForwardSpec]map[string]struct{}
}

// NewState builds the lease table for the given target inventory.
func NewState(cfg *config.Config, controlDir string, control MasterController) *State {
	return &State{
		cfg:        cfg,
		controlDir: controlDir,
		control:    control,
		masters:    make(map[string]bool),
		forwards:   make(map[protocol.ForwardSpec]map[string]struct{}),
	}
}

// EnsureForward leases a forward for clientID, establishing the master and
// the ssh-level forward on first use. Returns the forward's local address
// and whether an existing lease was reused.
func (s *State) EnsureForward(ctx context.Context, clientID string, fwd protocol.ForwardSpec) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clients, ok := s.forwards[fwd]; ok {
		clients[clientID] = struct{}{}
		return fwd.LocalAddr(), true, nil
	}

	target, ok := s.cfg.Target(fwd.Target)
	if !ok {
		return "", false, fmt.Errorf("unknown target %s", fwd.Target)
	}
	if target.SSH == "" {
		return "", false, fmt.Errorf("target %s has no ssh destination", fwd.Target)
	}

	controlPath := ControlPath(s.controlDir, target.Name)
	if err := s.ensureMasterLocked(ctx, target, controlPath); err != nil {
		return "", false, err
	}

	if err := s.control.ForwardAdd(ctx, target, controlPath, fwd); err != nil {
		return "", false, err
	}

	s.forwards[fwd] = map[string]struct{}{clientID: {}}
	slog.Info("forward established",
		"target", fwd.Target,
		"purpose", string(fwd.Purpose),
		"local_addr", fwd.LocalAddr(),
		"remote_addr", fwd.RemoteAddr,
	)
	return fwd.LocalAddr(), false, nil
}

// ReleaseForward drops clientID's lease. When the last lease goes away the
// ssh-level forward is cancelled and the entry removed; released reports
// whether that teardown happened.
func (s *State) ReleaseForward(ctx context.Context, clientID string, fwd protocol.ForwardSpec) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients, ok := s.forwards[fwd]
	if !ok {
		return false, fmt.Errorf("unknown forward %s for target %s", fwd.LocalAddr(), fwd.Target)
	}
	delete(clients, clientID)
	if len(clients) > 0 {
		return false, nil
	}

	delete(s.forwards, fwd)
	target, ok := s.cfg.Target(fwd.Target)
	if !ok {
		// Entry outlived a config change; nothing to cancel against.
		return true, nil
	}
	controlPath := ControlPath(s.controlDir, target.Name)
	if err := s.control.ForwardCancel(ctx, target, controlPath, fwd); err != nil {
		slog.Warn("forward cancel failed", "target", fwd.Target, "local_addr", fwd.LocalAddr(), "error", err)
	}
	slog.Info("forward released", "target", fwd.Target, "local_addr", fwd.LocalAddr())
	return true, nil
}

// ListForwards reports every lease and its client set.
func (s *State) ListForwards() []protocol.ForwardStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]protocol.ForwardStatus, 0, len(s.forwards))
	for fwd, clients := range s.forwards {
		names := make([]string, 0, len(clients))
		for id := range clients {
			names = append(names, id)
		}
		items = append(items, protocol.ForwardStatus{Forward: fwd, Clients: names})
	}
	return items
}

// Shutdown tears down every master session. Best effort: failures are
// logged and the remaining masters still get their exit command.
func (s *State) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.masters {
		target, ok := s.cfg.Target(name)
		if !ok {
			continue
		}
		controlPath := ControlPath(s.controlDir, name)
		if err := s.control.ExitMaster(ctx, target, controlPath); err != nil {
			slog.Warn("ssh master exit failed", "target", name, "error", err)
		}
	}
	s.masters = make(map[string]bool)
	s.forwards = make(map[protocol.ForwardSpec]map[string]struct{})
}

func (s *State) ensureMasterLocked(ctx context.Context, target config.Target, controlPath string) error {
	if s.masters[target.Name] && s.control.CheckMaster(ctx, target, controlPath) {
		return nil
	}
	if s.control.CheckMaster(ctx, target, controlPath) {
		s.masters[target.Name] = true
		return nil
	}
	if err := s.control.SpawnMaster(ctx, target, controlPath); err != nil {
		return err
	}
	s.masters[target.Name] = true
	slog.Info("ssh master established", "target", target.Name)
	return nil
}
