package broker

import (
	"sync"
	"time"

	"github.com/octovalve/octovalve/internal/protocol"
)

// PendingRequest pairs a decoded CommandRequest with its connection
// context and a single-use response sink. The respond function is
// once-guarded: the broker replies to the originating proxy connection
// exactly once per accepted request, no matter which path finishes it.
type PendingRequest struct {
	Request    protocol.CommandRequest
	Peer       string
	ReceivedAt time.Time
	QueuedAt   time.Time

	respondOnce sync.Once
	respond     func(protocol.CommandResponse)
}

// NewPendingRequest builds a pending request around a response writer.
func NewPendingRequest(request protocol.CommandRequest, peer string, respond func(protocol.CommandResponse)) *PendingRequest {
	return &PendingRequest{
		Request:    request,
		Peer:       peer,
		ReceivedAt: time.Now(),
		QueuedAt:   time.Now(),
		respond:    respond,
	}
}

// Respond delivers the response; second and later calls are ignored.
func (p *PendingRequest) Respond(response protocol.CommandResponse) {
	p.respondOnce.Do(func() {
		if p.respond != nil {
			p.respond(response)
		}
	})
}

// serverEvent is what the data listener posts to the service loop.
type serverEvent struct {
	kind    serverEventKind
	pending *PendingRequest
}

type serverEventKind int

const (
	serverConnectionOpened serverEventKind = iota
	serverConnectionClosed
	serverRequest
)

// serviceCommand is an operator action or snapshot read posted by the
// control listener.
type serviceCommand struct {
	kind  serviceCommandKind
	id    string
	reply chan protocol.ServiceSnapshot
}

type serviceCommandKind int

const (
	commandApprove serviceCommandKind = iota
	commandDeny
	commandCancel
	commandSnapshot
)

// subscriberBuffer bounds how many undelivered events a control subscriber
// may accumulate. A subscriber that falls this far behind is dropped rather
// than allowed to backpressure the service loop; the console reconnects and
// re-snapshots.
const subscriberBuffer = 64

// Broadcaster fans ServiceEvents out to control subscribers with bounded,
// lossy delivery.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[uint64]chan protocol.ServiceEvent
	next uint64
}

// NewBroadcaster creates an empty event bus.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan protocol.ServiceEvent)}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// the subscriber lags past its buffer and is dropped; the caller must treat
// a closed channel as "reconnect and re-snapshot".
func (b *Broadcaster) Subscribe() (uint64, <-chan protocol.ServiceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan protocol.ServiceEvent, subscriberBuffer)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber. Safe to call after a lag-drop.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking. A
// subscriber with a full buffer is removed and its channel closed.
func (b *Broadcaster) Publish(event protocol.ServiceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			delete(b.subs, id)
			close(ch)
		}
	}
}

// SubscriberCount reports the live subscriber count.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
