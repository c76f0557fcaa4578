package mloop

import (
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/mloop/internal/mlerrors"
)

// Run drives the wait/dispatch cycle. It blocks (unless NonBlock is set)
// until at least one watcher is ready, translates the ready set into
// callback invocations, and returns after one cycle if Once is set, or keeps
// looping until running is cleared or the watcher registry empties out.
func Run(ctx *Context, flags RunFlags) error {
	if ctx == nil || ctx.demuxFd < 0 {
		return invalidArgumentError("NULL_CONTEXT", "run requires an initialized context")
	}
	ctx.running = true

	// Setup: re-arm every timer with its recorded (timeout, period) so a
	// timer's countdown restarts on Run, even though TimerInit already armed it.
	for w := ctx.watchers; w != nil; w = w.next {
		if w.kind == KindTimer {
			if err := TimerSet(w, w.timeoutMs, w.periodMs); err != nil {
				return err
			}
		}
	}

	events := make([]unix.EpollEvent, ctx.maxEvents)
	timeout := -1
	if flags&NonBlock != 0 {
		timeout = 0
	}

	for ctx.running && ctx.watchers != nil {
		if ctx.workaround {
			if rerun := runWorkaroundPass(ctx); rerun {
				continue
			}
		}
		if ctx.watchers == nil {
			break
		}

		n, err := unix.EpollWait(ctx.demuxFd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			_ = ctx.Exit()
			return mlerrors.Wait("EPOLL_WAIT_FAILED", "unrecoverable wait failure", err)
		}
		ctx.stats.Waits++
		if !ctx.running {
			break
		}

		for i := 0; i < n && ctx.running; i++ {
			ev := events[i]
			if int(ev.Fd) == ctx.inotifyFd {
				_ = fsDispatch(ctx)
				continue
			}
			w, ok := ctx.index[int(ev.Fd)]
			if !ok {
				continue
			}
			dispatchOne(ctx, w, Events(ev.Events))
		}

		if flags&Once != 0 {
			break
		}
	}
	return nil
}

// dispatchOne applies each kind's pre-callback handling (draining
// signal/timer/event fds, stopping HUP/ERR'd I/O watchers) and then invokes
// the callback. The callback invocation is always the last thing this
// function does with w, since the callback may stop or free it.
func dispatchOne(ctx *Context, w *Watcher, raw Events) {
	switch w.kind {
	case KindSignal:
		if err := signalDrain(w); err != nil {
			_ = SignalStop(w)
			fire(ctx, w, Error)
			return
		}
	case KindTimer:
		expired, err := timerDrain(w)
		if err != nil {
			_ = TimerStop(w)
			fire(ctx, w, Error)
			return
		}
		if expired {
			_ = TimerStop(w)
		}
	case KindEvent:
		if err := eventDrain(w); err != nil {
			fire(ctx, w, Hup)
			return
		}
	case KindIO:
		if raw&(Hup|Error) != 0 {
			_ = IOStop(w)
		}
	}
	fire(ctx, w, raw)
}

func fire(ctx *Context, w *Watcher, events Events) {
	ctx.stats.Dispatches++
	if w.cb != nil {
		w.cb(w, w.arg, events.masked())
	}
}

// runWorkaroundPass walks every pseudo-registered watcher once. A watcher
// with no data available is stopped and unlinked; one with data available
// fires its callback and the pass reports rerun=true so Run skips the
// kernel wait this cycle and tries again immediately — one pseudo-fire per
// cycle while the probe reports data, then auto-stop.
//
// The workaround flag tracks ctx.pseudoCount directly rather than getting
// cleared unconditionally after every pass: clearing it unconditionally
// would make Run attempt a real kernel wait with zero registered fds and
// block forever once the last pseudo-registered watcher is still pending a
// final drain.
func runWorkaroundPass(ctx *Context) (rerun bool) {
	w := ctx.watchers
	for w != nil {
		next := w.next // pre-fetch: the callback may stop w or another watcher
		if w.active == -1 && w.cb != nil {
			if stdinHasData(w.fd) {
				ctx.stats.WorkaroundFires++
				fire(ctx, w, Read)
				rerun = true
			} else {
				_ = IOStop(w)
			}
		}
		w = next
	}
	return rerun
}

// stdinHasData is a non-destructive readiness probe: a zero-timeout select
// for readability, then an FIONREAD ioctl for an actual byte count, so a
// readable-but-empty fd (e.g. at EOF) doesn't get treated as having data.
func stdinHasData(fd int) bool {
	var set unix.FdSet
	fdSetBit(&set, fd)
	tv := unix.Timeval{}
	n, err := unix.Select(fd+1, &set, nil, nil, &tv)
	if err != nil || n <= 0 {
		return false
	}
	avail, err := unix.IoctlGetInt(fd, unix.FIONREAD)
	if err != nil || avail <= 0 {
		return false
	}
	return true
}

func fdSetBit(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= int64(1) << uint(fd%64)
}
