package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ActivityTracker counts open control and data connections and measures how
// long the broker has been completely idle. The idle-shutdown loop exits
// the process once both counters stay at zero for the configured TTL; any
// open connection resets the timer.
type ActivityTracker struct {
	mu                 sync.Mutex
	controlConnections int
	dataConnections    int
	idleSince          time.Time
}

// NewActivityTracker starts with zero connections, idle as of now.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{idleSince: time.Now()}
}

// TrackControl registers an open control connection. The returned release
// function must be called exactly once when the connection closes.
func (a *ActivityTracker) TrackControl() func() {
	return a.track(&a.controlConnections)
}

// TrackData registers an open data connection.
func (a *ActivityTracker) TrackData() func() {
	return a.track(&a.dataConnections)
}

func (a *ActivityTracker) track(counter *int) func() {
	a.mu.Lock()
	*counter++
	a.idleSince = time.Time{}
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			if *counter > 0 {
				*counter--
			}
			if a.controlConnections == 0 && a.dataConnections == 0 {
				a.idleSince = time.Now()
			}
			a.mu.Unlock()
		})
	}
}

// IdleFor reports how long the broker has had no connections, or false when
// any connection is open.
func (a *ActivityTracker) IdleFor() (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.controlConnections != 0 || a.dataConnections != 0 || a.idleSince.IsZero() {
		return 0, false
	}
	return time.Since(a.idleSince), true
}

// RunIdleShutdown polls once per second and calls shutdown when the idle
// TTL elapses. A ttl of zero disables idle shutdown.
func (a *ActivityTracker) RunIdleShutdown(ctx context.Context, ttl time.Duration, shutdown func()) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idle, ok := a.IdleFor(); ok && idle >= ttl {
				slog.Info("no clients detected, shutting down", "idle_secs", int(idle.Seconds()))
				shutdown()
				return
			}
		}
	}
}
