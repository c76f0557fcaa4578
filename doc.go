// Package mloop is a micro event-loop library for Linux. It multiplexes
// readiness across byte-stream file descriptors, interval/one-shot timers,
// POSIX signals, and user-posted events on a single epoll instance:
// consumers register Watchers, each paired with a callback, and Run
// dispatches callbacks as their underlying descriptor becomes ready.
//
// The loop is single-threaded and cooperative: exactly one goroutine may
// call Run or any watcher operation for a given Context at a time, and
// callbacks run synchronously on that goroutine. The one documented
// exception is EventPost, which is safe to call from any goroutine.
package mloop
