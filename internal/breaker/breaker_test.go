package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

func newTestBreaker(mock clock.Clock) *Breaker {
	return New(
		WithClock(mock),
		WithFailureThreshold(3),
		WithRecoveryTimeout(30*time.Second),
		WithTrialLimit(2),
	)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(clock.NewMockClock())

	for i := 0; i < 3; i++ {
		if err := b.Execute(failing); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: expected errBoom, got %v", i, err)
		}
	}
	if got := b.Snapshot().State; got != Open {
		t.Fatalf("expected open after threshold, got %s", got)
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("open circuit must not invoke the function")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(clock.NewMockClock())

	b.Execute(failing)
	b.Execute(failing)
	if err := b.Execute(succeeding); err != nil {
		t.Fatalf("success: %v", err)
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 0 {
		t.Fatalf("expected reset failure count, got %d", got)
	}

	// Two more failures still do not trip a threshold of three.
	b.Execute(failing)
	b.Execute(failing)
	if got := b.Snapshot().State; got != Closed {
		t.Fatalf("expected closed, got %s", got)
	}
}

func TestRejectionsDoNotCountAsFailures(t *testing.T) {
	b := newTestBreaker(clock.NewMockClock())
	for i := 0; i < 3; i++ {
		b.Execute(failing)
	}
	before := b.Snapshot().ConsecutiveFailures

	for i := 0; i < 5; i++ {
		if err := b.Execute(succeeding); !errors.Is(err, ErrOpen) {
			t.Fatalf("expected ErrOpen, got %v", err)
		}
	}
	if got := b.Snapshot().ConsecutiveFailures; got != before {
		t.Fatalf("rejections changed failure count: %d -> %d", before, got)
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	mock := clock.NewMockClock()
	b := newTestBreaker(mock)
	for i := 0; i < 3; i++ {
		b.Execute(failing)
	}

	mock.AddTime(29 * time.Second)
	if err := b.Execute(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected rejection before timeout, got %v", err)
	}

	mock.AddTime(time.Second)
	if got := b.Snapshot().State; got != HalfOpen {
		t.Fatalf("expected half_open after timeout, got %s", got)
	}
	if err := b.Execute(succeeding); err != nil {
		t.Fatalf("trial call: %v", err)
	}

	snap := b.Snapshot()
	if snap.State != Closed {
		t.Fatalf("one successful trial should close, got %s", snap.State)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected failure count reset, got %d", snap.ConsecutiveFailures)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	mock := clock.NewMockClock()
	b := newTestBreaker(mock)
	for i := 0; i < 3; i++ {
		b.Execute(failing)
	}

	mock.AddTime(30 * time.Second)
	if err := b.Execute(failing); !errors.Is(err, errBoom) {
		t.Fatalf("trial call: %v", err)
	}
	if got := b.Snapshot().State; got != Open {
		t.Fatalf("failed trial should reopen, got %s", got)
	}

	// The recovery timer restarts from the reopen, not the original trip.
	mock.AddTime(29 * time.Second)
	if err := b.Execute(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected rejection, got %v", err)
	}
	mock.AddTime(time.Second)
	if err := b.Execute(succeeding); err != nil {
		t.Fatalf("trial after second timeout: %v", err)
	}
}

func TestHalfOpenTrialLimit(t *testing.T) {
	mock := clock.NewMockClock()
	b := newTestBreaker(mock)
	for i := 0; i < 3; i++ {
		b.Execute(failing)
	}
	mock.AddTime(30 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Execute(func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	// Both trial slots are occupied.
	if err := b.Execute(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected trial limit rejection, got %v", err)
	}

	close(release)
	wg.Wait()
	if got := b.Snapshot().State; got != Closed {
		t.Fatalf("expected closed after successful trials, got %s", got)
	}
}

func TestSnapshotFields(t *testing.T) {
	mock := clock.NewMockClock()
	b := newTestBreaker(mock)

	snap := b.Snapshot()
	if snap.State != Closed {
		t.Fatalf("expected closed, got %s", snap.State)
	}
	if snap.FailureThreshold != 3 {
		t.Fatalf("expected threshold 3, got %d", snap.FailureThreshold)
	}
	if snap.RecoveryTimeoutSecs != 30 {
		t.Fatalf("expected 30s recovery, got %f", snap.RecoveryTimeoutSecs)
	}
	if _, err := time.Parse(time.RFC3339Nano, snap.LastTransitionAt); err != nil {
		t.Fatalf("last_transition_at not RFC3339: %v", err)
	}
}
