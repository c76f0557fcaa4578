package mloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestIOWatcher_PipeRead checks that a pipe write wakes a read watcher, the
// callback reads the payload, stops itself, and clears running.
func TestIOWatcher_PipeRead(t *testing.T) {
	ctx, err := Init(8)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer ctx.Exit()

	r, w, err := makePipe(t)
	if err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	defer r.Close()
	defer w.Close()

	var got []byte
	var calls int
	watcher := &Watcher{}
	cb := func(wt *Watcher, arg interface{}, events Events) {
		calls++
		buf := make([]byte, 16)
		n, _ := unix.Read(int(r.Fd()), buf)
		got = append(got, buf[:n]...)
		_ = IOStop(wt)
		ctx.StopRunning()
	}
	if err := IOInit(ctx, watcher, cb, nil, int(r.Fd()), Read); err != nil {
		t.Fatalf("io_init failed: %v", err)
	}

	if _, err := w.Write([]byte("hi")); err != nil {
		t.Fatalf("write failed: %v", err)
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
		t.Fatalf("expected exactly one I/O callback, got %d", calls)
	}
	if string(got) != "hi" {
		t.Fatalf("expected to read %q, got %q", "hi", got)
	}
	if watcher.Active() {
		t.Fatal("expected watcher to be inactive after stop")
	}
}

// TestIOWatcher_HupBeforeCallback checks that on hangup the watcher is
// stopped before dispatch, but the callback still observes HUP in its
// event bits.
func TestIOWatcher_HupBeforeCallback(t *testing.T) {
	ctx, err := Init(8)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer ctx.Exit()

	r, w, err := makePipe(t)
	if err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	defer r.Close()

	var sawHup bool
	var wasActiveDuringCallback bool
	watcher := &Watcher{}
	cb := func(wt *Watcher, arg interface{}, events Events) {
		sawHup = events&Hup != 0
		wasActiveDuringCallback = wt.Active()
		ctx.StopRunning()
	}
	if err := IOInit(ctx, watcher, cb, nil, int(r.Fd()), Read); err != nil {
		t.Fatalf("io_init failed: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
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

	if !sawHup {
		t.Fatal("expected HUP in the callback's event bits")
	}
	if wasActiveDuringCallback {
		t.Fatal("expected watcher to already be inactive when the callback observed HUP")
	}
}

// TestIOWatcher_OneShotRearmIsModifyNotReinsert checks that re-arming a
// one-shot watcher via Set must not touch the registry's list node.
func TestIOWatcher_OneShotRearmIsModifyNotReinsert(t *testing.T) {
	ctx, err := Init(8)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer ctx.Exit()

	r, w, err := makePipe(t)
	if err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	defer r.Close()
	defer w.Close()

	watcher := &Watcher{}
	if err := IOInit(ctx, watcher, func(*Watcher, interface{}, Events) {}, nil, int(r.Fd()), Read|OneShot); err != nil {
		t.Fatalf("io_init failed: %v", err)
	}
	before := watcher.prev
	beforeNext := watcher.next
	lengthBefore := ctx.length

	if err := IOSet(watcher, int(r.Fd()), Read|OneShot); err != nil {
		t.Fatalf("io_set (rearm) failed: %v", err)
	}

	if watcher.prev != before || watcher.next != beforeNext {
		t.Fatal("rearm should not relink the watcher's list node")
	}
	if ctx.length != lengthBefore {
		t.Fatalf("rearm should not change registry length: before=%d after=%d", lengthBefore, ctx.length)
	}
}
