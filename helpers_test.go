package mloop

import (
	"os"
	"testing"
	"time"
)

// makePipe returns a read/write pair of *os.File backed by a real pipe, so
// tests exercise real descriptors instead of mocks.
func makePipe(t *testing.T) (r, w *os.File, err error) {
	t.Helper()
	return os.Pipe()
}

// waitFor runs fn in a loop until it returns true or the deadline elapses,
// for end-to-end scenarios that need a bounded wall-clock wait instead of a
// fixed sleep.
func waitFor(t *testing.T, d time.Duration, fn func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return fn()
}
