package broker

import (
	"context"
	"time"

	"github.com/octovalve/octovalve/internal/protocol"
)

// serviceState holds the queue, running set, cancellation tokens, and
// bounded history. It is owned exclusively by the service loop goroutine;
// no locking, all access is serialized through the loop's select.
type serviceState struct {
	pending      []*PendingRequest
	running      []protocol.RunningSnapshot
	cancels      map[string]context.CancelFunc
	history      []protocol.ResultSnapshot
	historyLimit int
}

func newServiceState(history []protocol.ResultSnapshot, historyLimit int) *serviceState {
	return &serviceState{
		cancels:      make(map[string]context.CancelFunc),
		history:      history,
		historyLimit: historyLimit,
	}
}

// enqueue appends a request in arrival order.
func (s *serviceState) enqueue(pending *PendingRequest) {
	s.pending = append(s.pending, pending)
}

// takePending removes and returns the queued request with the given id.
func (s *serviceState) takePending(id string) *PendingRequest {
	for i, pending := range s.pending {
		if pending.Request.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return pending
		}
	}
	return nil
}

// startRunning records a running snapshot and its cancellation token.
func (s *serviceState) startRunning(snapshot protocol.RunningSnapshot, cancel context.CancelFunc) {
	for i, item := range s.running {
		if item.ID == snapshot.ID {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	s.running = append([]protocol.RunningSnapshot{snapshot}, s.running...)
	s.cancels[snapshot.ID] = cancel
}

// finishRunning drops the id from the running set; reports whether it was
// present.
func (s *serviceState) finishRunning(id string) bool {
	if cancel, ok := s.cancels[id]; ok {
		// Release the context to avoid leaking its timer/goroutine.
		cancel()
		delete(s.cancels, id)
	}
	for i, item := range s.running {
		if item.ID == id {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return true
		}
	}
	return false
}

// cancelRunning fires the id's cancellation token; reports whether a
// running entry was found.
func (s *serviceState) cancelRunning(id string) bool {
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		return true
	}
	return false
}

// pushResult prepends a finished result and trims history to the limit.
func (s *serviceState) pushResult(result protocol.ResultSnapshot) {
	s.history = append([]protocol.ResultSnapshot{result}, s.history...)
	if len(s.history) > s.historyLimit {
		s.history = s.history[:s.historyLimit]
	}
}

// queueSnapshots projects the pending queue in arrival order.
func (s *serviceState) queueSnapshots() []protocol.RequestSnapshot {
	queue := make([]protocol.RequestSnapshot, 0, len(s.pending))
	for _, pending := range s.pending {
		queue = append(queue, protocol.RequestSnapshot{SnapshotCommon: snapshotCommon(pending)})
	}
	return queue
}

// snapshot builds the atomic control-plane view.
func (s *serviceState) snapshot() protocol.ServiceSnapshot {
	// Slices are always non-nil so the wire encoding stays [] rather than
	// null; the console treats the two differently when merging.
	snap := protocol.ServiceSnapshot{
		Queue:   s.queueSnapshots(),
		Running: append(make([]protocol.RunningSnapshot, 0, len(s.running)), s.running...),
		History: append(make([]protocol.ResultSnapshot, 0, len(s.history)), s.history...),
	}
	if len(snap.History) > 0 {
		first := snap.History[0]
		snap.LastResult = &first
	}
	return snap
}

func snapshotCommon(pending *PendingRequest) protocol.SnapshotCommon {
	request := pending.Request
	return protocol.SnapshotCommon{
		ID:             request.ID,
		Client:         request.Client,
		Target:         request.Target,
		Peer:           pending.Peer,
		Intent:         request.Intent,
		Mode:           request.Mode,
		RawCommand:     request.RawCommand,
		Pipeline:       request.Pipeline,
		Cwd:            request.Cwd,
		TimeoutMS:      request.TimeoutMS,
		MaxOutputBytes: request.MaxOutputBytes,
		ReceivedAtMS:   uint64(pending.ReceivedAt.UnixMilli()),
	}
}

func runningSnapshot(pending *PendingRequest, startedAt time.Time) protocol.RunningSnapshot {
	return protocol.RunningSnapshot{
		SnapshotCommon: snapshotCommon(pending),
		QueuedForSecs:  uint64(startedAt.Sub(pending.QueuedAt) / time.Second),
		StartedAtMS:    uint64(startedAt.UnixMilli()),
	}
}

func resultSnapshot(pending *PendingRequest, response protocol.CommandResponse, finishedAt time.Time) protocol.ResultSnapshot {
	request := pending.Request
	return protocol.ResultSnapshot{
		ID:            request.ID,
		Status:        response.Status,
		ExitCode:      response.ExitCode,
		Error:         response.Error,
		Intent:        request.Intent,
		Mode:          request.Mode,
		RawCommand:    request.RawCommand,
		Pipeline:      request.Pipeline,
		Cwd:           request.Cwd,
		Peer:          pending.Peer,
		QueuedForSecs: uint64(finishedAt.Sub(pending.QueuedAt) / time.Second),
		FinishedAtMS:  uint64(finishedAt.UnixMilli()),
		Stdout:        response.Stdout,
		Stderr:        response.Stderr,
	}
}
