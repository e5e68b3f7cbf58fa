package broker

import (
	"context"
	"testing"
	"time"
)

func TestActivityTrackerIdleTransitions(t *testing.T) {
	tracker := NewActivityTracker()
	if _, ok := tracker.IdleFor(); !ok {
		t.Fatal("fresh tracker must be idle")
	}

	releaseData := tracker.TrackData()
	if _, ok := tracker.IdleFor(); ok {
		t.Fatal("open data connection must suppress idleness")
	}

	releaseControl := tracker.TrackControl()
	releaseData()
	if _, ok := tracker.IdleFor(); ok {
		t.Fatal("open control connection must suppress idleness")
	}

	releaseControl()
	idle, ok := tracker.IdleFor()
	if !ok {
		t.Fatal("tracker must be idle after all connections close")
	}
	if idle > time.Second {
		t.Fatalf("idle duration started too early: %s", idle)
	}
}

func TestActivityReleaseIsIdempotent(t *testing.T) {
	tracker := NewActivityTracker()
	release := tracker.TrackData()
	other := tracker.TrackData()
	release()
	release() // double release must not underflow the counter
	if _, ok := tracker.IdleFor(); ok {
		t.Fatal("second connection still open; tracker must not be idle")
	}
	other()
	if _, ok := tracker.IdleFor(); !ok {
		t.Fatal("tracker must be idle after the real close")
	}
}

func TestIdleShutdownFiresAfterTTL(t *testing.T) {
	tracker := NewActivityTracker()
	fired := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go tracker.RunIdleShutdown(ctx, time.Second, func() { close(fired) })

	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("idle shutdown never fired")
	}
}

func TestIdleShutdownDisabledWithZeroTTL(t *testing.T) {
	tracker := NewActivityTracker()
	fired := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tracker.RunIdleShutdown(ctx, 0, func() { fired <- struct{}{} })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("zero TTL must return immediately")
	}
	select {
	case <-fired:
		t.Fatal("zero TTL must never fire")
	default:
	}
}
