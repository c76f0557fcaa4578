package mloop

import (
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/mloop/internal/mlerrors"
)

// TimerInit allocates a monotonic, close-on-exec timerfd and stores the
// (timeout, period) pair, then arms it via TimerSet. The kernel timer is the
// only clock source; there is no userland timer wheel layered on top.
func TimerInit(ctx *Context, w *Watcher, cb Callback, arg interface{}, timeoutMs, periodMs int64) error {
	if ctx == nil || w == nil {
		return invalidNullArg("timer_init")
	}
	if timeoutMs < 0 || periodMs < 0 {
		return mlerrors.InvalidArgument("INVALID_TIMER_SPEC", "timeout_ms and period_ms must be >= 0",
			map[string]interface{}{"timeout_ms": timeoutMs, "period_ms": periodMs})
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return mlerrors.ResourceAcquisition("TIMERFD_CREATE_FAILED", "failed to create timerfd", err)
	}
	w.ctx = ctx
	w.kind = KindTimer
	w.cb = cb
	w.arg = arg
	w.fd = fd
	w.active = 0
	w.prev, w.next = nil, nil
	return TimerSet(w, timeoutMs, periodMs)
}

// TimerSet arms the kernel timer: an initial expiration timeoutMs from now,
// then periodMs intervals (0 meaning single-shot). A zero timeout is armed
// with a 1ns floor because timerfd_settime treats an all-zero itimerspec.Value
// as a request to disarm, and a watcher configured for an immediate fire
// should still fire rather than silently going inert.
func TimerSet(w *Watcher, timeoutMs, periodMs int64) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("timer_set")
	}
	if timeoutMs < 0 || periodMs < 0 {
		return mlerrors.InvalidArgument("INVALID_TIMER_SPEC", "timeout_ms and period_ms must be >= 0",
			map[string]interface{}{"timeout_ms": timeoutMs, "period_ms": periodMs})
	}
	w.timeoutMs = timeoutMs
	w.periodMs = periodMs

	initial := msToTimespec(timeoutMs)
	if timeoutMs == 0 {
		initial.Nsec = 1
	}
	spec := unix.ItimerSpec{
		Interval: msToTimespec(periodMs),
		Value:    initial,
	}
	if err := unix.TimerfdSettime(w.fd, 0, &spec, nil); err != nil {
		return mlerrors.Registration("TIMERFD_SETTIME_FAILED", "failed to arm timerfd", err,
			map[string]interface{}{"timeout_ms": timeoutMs, "period_ms": periodMs})
	}
	return TimerStart(w)
}

// TimerStart registers the timerfd for readability if it isn't already. It
// does not arm the kernel timer or re-apply the stored (timeout, period)
// pair; TimerSet does that before calling TimerStart, and Run's setup phase
// re-runs TimerSet for every timer watcher, so a timer's countdown restarts
// when Run is called.
func TimerStart(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("timer_start")
	}
	ctx := w.ctx
	if w.active != 0 {
		return nil
	}
	if err := ctx.epollAdd(w.fd, Read); err != nil {
		return mlerrors.Registration("EPOLL_ADD_FAILED", "kernel rejected timer watcher registration", err,
			map[string]interface{}{"fd": w.fd})
	}
	ctx.index[w.fd] = w
	ctx.listInsert(w)
	w.active = 1
	w.events = Read
	return nil
}

// TimerStop disarms, deregisters, and closes the timerfd.
func TimerStop(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("timer_stop")
	}
	ctx := w.ctx
	var disarmErr, delErr error
	if w.fd >= 0 {
		disarmErr = unix.TimerfdSettime(w.fd, 0, &unix.ItimerSpec{}, nil)
	}
	if w.active != 0 {
		delErr = ctx.epollDel(w.fd)
		delete(ctx.index, w.fd)
		ctx.listRemove(w)
		w.active = 0
	}
	if w.fd >= 0 {
		_ = unix.Close(w.fd)
		w.fd = -1
	}
	if delErr != nil {
		return delErr
	}
	return disarmErr
}

// timerDrain reads the 8-byte expiration counter. A short read is a drain
// failure (stop + ERROR). On success: if the watcher is single-shot
// (period == 0) it is marked expired and auto-stopped, since a one-shot
// timerfd that already fired has nothing left to wait for.
func timerDrain(w *Watcher) (expired bool, err error) {
	var buf [8]byte
	n, rerr := unix.Read(w.fd, buf[:])
	if rerr != nil || n != 8 {
		return false, mlerrors.Drain("TIMERFD_SHORT_READ", "timerfd drain failed", rerr)
	}
	if w.periodMs == 0 {
		w.timeoutMs = 0
	}
	return w.timeoutMs == 0, nil
}

func msToTimespec(ms int64) unix.Timespec {
	sec := ms / 1000
	nsec := (ms % 1000) * int64(1_000_000)
	return unix.NsecToTimespec(sec*int64(1_000_000_000) + nsec)
}
