package mloop

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/mloop/internal/mlerrors"
)

// EventInit allocates a semaphore-style eventfd initialized to zero and
// registers it for read readiness. There is no EventSet — an event watcher
// has nothing to reconfigure.
func EventInit(ctx *Context, w *Watcher, cb Callback, arg interface{}) error {
	if ctx == nil || w == nil {
		return invalidNullArg("event_init")
	}
	fd, err := unix.Eventfd(0, unix.EFD_SEMAPHORE|unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return mlerrors.ResourceAcquisition("EVENTFD_CREATE_FAILED", "failed to create eventfd", err)
	}
	w.ctx = ctx
	w.kind = KindEvent
	w.cb = cb
	w.arg = arg
	w.fd = fd
	w.active = 0
	w.prev, w.next = nil, nil
	return EventStart(w)
}

// EventStart registers the eventfd for read readiness.
func EventStart(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("event_start")
	}
	ctx := w.ctx
	if w.active != 0 {
		return nil
	}
	if err := ctx.epollAdd(w.fd, Read); err != nil {
		return mlerrors.Registration("EPOLL_ADD_FAILED", "kernel rejected event watcher registration", err,
			map[string]interface{}{"fd": w.fd})
	}
	ctx.index[w.fd] = w
	ctx.listInsert(w)
	w.active = 1
	w.events = Read
	return nil
}

// EventStop deregisters and closes the eventfd.
func EventStop(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("event_stop")
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

// EventPost writes 1 to the eventfd, waking the loop on any context. The
// write is a single 8-byte unix.Write, which the kernel applies atomically,
// so EventPost is the one safe way to wake a loop from a goroutine other
// than the one running Run.
func EventPost(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("event_post")
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(w.fd, buf[:]); err != nil {
		return mlerrors.Registration("EVENTFD_WRITE_FAILED", "failed to post to eventfd", err, nil)
	}
	return nil
}

// eventDrain reads the 8-byte counter. A short read is reported as HUP
// rather than a hard drain error, since it means the eventfd was torn down
// out from under the watcher.
func eventDrain(w *Watcher) error {
	var buf [8]byte
	n, err := unix.Read(w.fd, buf[:])
	if err != nil || n != 8 {
		return mlerrors.Drain("EVENTFD_SHORT_READ", "eventfd drain reported as HUP", err)
	}
	return nil
}
