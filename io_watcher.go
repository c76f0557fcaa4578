package mloop

import (
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/mloop/internal/mlerrors"
)

// IOInit binds a caller-owned fd to w. The library never closes an I/O
// watcher's fd — that remains the caller's responsibility, since the caller
// may still need it after the watcher stops.
func IOInit(ctx *Context, w *Watcher, cb Callback, arg interface{}, fd int, events Events) error {
	if ctx == nil || w == nil {
		return invalidNullArg("io_init")
	}
	if fd < 0 {
		return mlerrors.InvalidArgument("INVALID_FD", "io_init requires fd >= 0", map[string]interface{}{"fd": fd})
	}
	w.ctx = ctx
	w.kind = KindIO
	w.cb = cb
	w.arg = arg
	w.active = 0
	w.prev, w.next = nil, nil
	return IOSet(w, fd, events)
}

// IOSet reconfigures an I/O watcher. When the one-shot bit is requested on an
// already-active watcher, this is a kernel modify (rearm) rather than a
// remove+add — the registry's list node is untouched, so a caller re-arming
// the same watcher repeatedly never pays for a fresh insert.
func IOSet(w *Watcher, fd int, events Events) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("io_set")
	}
	ctx := w.ctx

	if w.active != 0 && events&OneShot != 0 {
		if err := ctx.epollMod(fd, events); err != nil {
			return mlerrors.Registration("EPOLL_MOD_FAILED", "failed to rearm one-shot io watcher", err,
				map[string]interface{}{"fd": fd})
		}
		if fd != w.fd {
			delete(ctx.index, w.fd)
			ctx.index[fd] = w
		}
		w.fd = fd
		w.events = events
		return nil
	}

	if w.active != 0 {
		if err := IOStop(w); err != nil {
			return err
		}
	}
	w.fd = fd
	w.events = events
	return ioRegister(w)
}

// IOStart (re)registers w with its currently stored fd/events.
func IOStart(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("io_start")
	}
	return IOSet(w, w.fd, w.events)
}

func ioRegister(w *Watcher) error {
	ctx := w.ctx
	err := ctx.epollAdd(w.fd, w.events)
	if err != nil {
		// epoll rejects regular files and pipes redirected onto stdin
		// outright; the one narrow workaround is EPERM on a read-only
		// stdin watcher, which falls back to polling instead of failing.
		if err == unix.EPERM && w.fd == 0 && w.events == Read {
			ctx.workaround = true
			ctx.pseudoCount++
			ctx.listInsert(w)
			w.active = -1
			return nil
		}
		return mlerrors.Registration("EPOLL_ADD_FAILED", "kernel rejected io watcher registration", err,
			map[string]interface{}{"fd": w.fd})
	}
	ctx.index[w.fd] = w
	ctx.listInsert(w)
	w.active = 1
	return nil
}

// IOStop deregisters w, whether it was kernel-registered or pseudo-registered
// through the stdin workaround.
func IOStop(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("io_stop")
	}
	ctx := w.ctx
	switch w.active {
	case 0:
		return nil
	case -1:
		ctx.listRemove(w)
		w.active = 0
		ctx.pseudoCount--
		if ctx.pseudoCount == 0 {
			ctx.workaround = false
		}
		return nil
	default:
		err := ctx.epollDel(w.fd)
		delete(ctx.index, w.fd)
		ctx.listRemove(w)
		w.active = 0
		return err
	}
}
