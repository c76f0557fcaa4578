package mloop

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/mloop/internal/mlerrors"
)

// sigsetAdd sets the bit for signo in a glibc-layout sigset_t (a 1024-bit,
// 16x uint64 word array). This matches unix.Sigset_t on the 64-bit Linux
// targets this library is built for; there is no second portability layer
// for other word sizes.
func sigsetAdd(set *unix.Sigset_t, signo int) {
	bit := uint(signo - 1)
	set.Val[bit/64] |= uint64(1) << (bit % 64)
}

// SignalInit allocates a signal-notification fd with an empty mask, then
// configures it for signo via SignalSet.
func SignalInit(ctx *Context, w *Watcher, cb Callback, arg interface{}, signo int) error {
	if ctx == nil || w == nil {
		return invalidNullArg("signal_init")
	}
	var empty unix.Sigset_t
	fd, err := unix.Signalfd(-1, &empty, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return mlerrors.ResourceAcquisition("SIGNALFD_CREATE_FAILED", "failed to create signalfd", err)
	}
	w.ctx = ctx
	w.kind = KindSignal
	w.cb = cb
	w.arg = arg
	w.fd = fd
	w.active = 0
	w.prev, w.next = nil, nil
	return SignalSet(w, signo)
}

// SignalSet stores signo, blocks it process-wide so it only arrives through
// the signalfd, narrows the signalfd's mask to the singleton {signo}, and
// starts the watcher.
func SignalSet(w *Watcher, signo int) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("signal_set")
	}
	w.signo = signo

	var set unix.Sigset_t
	sigsetAdd(&set, signo)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return mlerrors.ResourceAcquisition("SIGPROCMASK_FAILED", "failed to block signal process-wide", err)
	}
	if _, err := unix.Signalfd(w.fd, &set, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC); err != nil {
		return mlerrors.ResourceAcquisition("SIGNALFD_UPDATE_FAILED", "failed to narrow signalfd mask", err)
	}
	return SignalStart(w)
}

// SignalStart (re)registers w's current signalfd, deregistering it first if
// it is already registered. It does not close or recreate the signalfd, so
// it cannot restart a watcher whose fd SignalStop has already closed.
func SignalStart(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("signal_start")
	}
	ctx := w.ctx
	if w.active != 0 {
		_ = ctx.epollDel(w.fd) // best-effort; re-add below reports the real error
		delete(ctx.index, w.fd)
		ctx.listRemove(w)
		w.active = 0
	}
	if err := ctx.epollAdd(w.fd, Read); err != nil {
		return mlerrors.Registration("EPOLL_ADD_FAILED", "kernel rejected signal watcher registration", err,
			map[string]interface{}{"fd": w.fd, "signo": w.signo})
	}
	ctx.index[w.fd] = w
	ctx.listInsert(w)
	w.active = 1
	w.events = Read
	return nil
}

// SignalStop deregisters w and closes its signalfd.
func SignalStop(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("signal_stop")
	}
	ctx := w.ctx
	var delErr error
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
	return delErr
}

// signalfdSiginfoSize is the fixed record size read from a signalfd.
const signalfdSiginfoSize = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

// signalDrain reads one notification record. A short read triggers one
// restart attempt (re-running SignalSet); a persistent failure stops the
// watcher and the caller reports ERROR to the callback.
func signalDrain(w *Watcher) error {
	buf := make([]byte, signalfdSiginfoSize)
	n, err := unix.Read(w.fd, buf)
	if err == nil && n == signalfdSiginfoSize {
		return nil
	}
	if restartErr := SignalSet(w, w.signo); restartErr == nil {
		n2, err2 := unix.Read(w.fd, buf)
		if err2 == nil && n2 == signalfdSiginfoSize {
			return nil
		}
	}
	return mlerrors.Drain("SIGNALFD_SHORT_READ", "signalfd drain failed after restart attempt", err)
}
