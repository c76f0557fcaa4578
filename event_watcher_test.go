package mloop

import (
	"testing"
	"time"
)

// TestEventWatcher_PostThenOnceDeliversExactlyOneRead checks that posting
// once followed by one ONCE cycle delivers exactly one callback invocation
// with READ set.
func TestEventWatcher_PostThenOnceDeliversExactlyOneRead(t *testing.T) {
	ctx, err := Init(8)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer ctx.Exit()

	var calls int
	var sawRead bool
	ev := &Watcher{}
	cb := func(wt *Watcher, _ interface{}, events Events) {
		calls++
		sawRead = events&Read != 0
	}
	if err := EventInit(ctx, ev, cb, nil); err != nil {
		t.Fatalf("event_init failed: %v", err)
	}

	if err := EventPost(ev); err != nil {
		t.Fatalf("event_post failed: %v", err)
	}

	if err := Run(ctx, Once); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected exactly one callback invocation, got %d", calls)
	}
	if !sawRead {
		t.Fatal("expected the callback to observe READ")
	}
}

// TestEventWatcher_PostFromAnotherGoroutine exercises the one documented
// cross-thread path: EventPost called from a goroutine other than the one
// running the loop.
func TestEventWatcher_PostFromAnotherGoroutine(t *testing.T) {
	ctx, err := Init(8)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer ctx.Exit()

	fired := make(chan struct{}, 1)
	ev := &Watcher{}
	cb := func(wt *Watcher, _ interface{}, _ Events) {
		fired <- struct{}{}
		ctx.StopRunning()
	}
	if err := EventInit(ctx, ev, cb, nil); err != nil {
		t.Fatalf("event_init failed: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = EventPost(ev)
	}()

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

	select {
	case <-fired:
	default:
		t.Fatal("expected the event callback to have fired")
	}
}
