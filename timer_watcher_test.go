package mloop

import (
	"testing"
	"time"
)

// TestTimerWatcher_OneShot checks that a single-shot timer fires once
// roughly on schedule, then auto-stops.
func TestTimerWatcher_OneShot(t *testing.T) {
	ctx, err := Init(8)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer ctx.Exit()

	var calls int
	start := time.Now()
	var elapsed time.Duration
	timer := &Watcher{}
	cb := func(wt *Watcher, _ interface{}, _ Events) {
		calls++
		elapsed = time.Since(start)
		ctx.StopRunning()
	}
	if err := TimerInit(ctx, timer, cb, nil, 50, 0); err != nil {
		t.Fatalf("timer_init failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, 0) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within the deadline")
	}

	if calls != 1 {
		t.Fatalf("expected exactly one timer callback, got %d", calls)
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("callback fired suspiciously early: %v", elapsed)
	}
	if timer.Active() {
		t.Fatal("expected a single-shot timer to auto-stop after firing")
	}
}

// TestTimerWatcher_Periodic checks that a periodic timer fires repeatedly
// until the callback clears running.
func TestTimerWatcher_Periodic(t *testing.T) {
	ctx, err := Init(8)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer ctx.Exit()

	var calls int
	timer := &Watcher{}
	cb := func(wt *Watcher, _ interface{}, _ Events) {
		calls++
		if calls >= 3 {
			ctx.StopRunning()
		}
	}
	if err := TimerInit(ctx, timer, cb, nil, 10, 10); err != nil {
		t.Fatalf("timer_init failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, 0) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within the deadline")
	}

	if calls != 3 {
		t.Fatalf("expected exactly three timer callbacks, got %d", calls)
	}
}

// TestTimerWatcher_ZeroTimeoutZeroPeriodFiresOnceImmediately covers the
// boundary behavior of (timeout=0, period=0): it fires once right away
// instead of never arming.
func TestTimerWatcher_ZeroTimeoutZeroPeriodFiresOnceImmediately(t *testing.T) {
	ctx, err := Init(8)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer ctx.Exit()

	var calls int
	timer := &Watcher{}
	cb := func(wt *Watcher, _ interface{}, _ Events) {
		calls++
		ctx.StopRunning()
	}
	if err := TimerInit(ctx, timer, cb, nil, 0, 0); err != nil {
		t.Fatalf("timer_init failed: %v", err)
	}

	if err := Run(ctx, Once); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one immediate callback, got %d", calls)
	}
	if timer.Active() {
		t.Fatal("expected the timer to auto-stop after firing once")
	}
}
