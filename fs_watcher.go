package mloop

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/mloop/internal/mlerrors"
)

// FsOp is the decoded filesystem operation reported by an Fs watcher,
// translated from the raw inotify mask.
type FsOp uint32

const (
	FsCreate FsOp = 1 << iota
	FsWrite
	FsRemove
	FsRename
	FsAttrib
)

// FsInit wires a filesystem watch into the same single multiplexed wait
// every other kind shares: one inotify_add_watch entry per Fs watcher, all
// routed through the Context's one shared inotify fd.
func FsInit(ctx *Context, w *Watcher, cb Callback, arg interface{}, path string, mask uint32) error {
	if ctx == nil || w == nil {
		return invalidNullArg("fs_init")
	}
	if path == "" {
		return mlerrors.InvalidArgument("INVALID_PATH", "fs_init requires a non-empty path", nil)
	}
	w.ctx = ctx
	w.kind = KindFs
	w.cb = cb
	w.arg = arg
	w.fsPath = path
	w.fsMask = mask
	w.fd = ctx.inotifyFd
	w.active = 0
	w.prev, w.next = nil, nil
	return FsStart(w)
}

// FsStart adds the inotify watch and, for the first Fs watcher on this
// Context, registers the shared inotify fd with the demultiplexer.
func FsStart(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("fs_start")
	}
	ctx := w.ctx
	if w.active != 0 {
		return nil
	}
	wd, err := unix.InotifyAddWatch(ctx.inotifyFd, w.fsPath, w.fsMask)
	if err != nil {
		return mlerrors.Registration("INOTIFY_ADD_WATCH_FAILED", "kernel rejected inotify watch", err,
			map[string]interface{}{"path": w.fsPath})
	}
	if ctx.fsCount == 0 {
		if addErr := ctx.epollAdd(ctx.inotifyFd, Read); addErr != nil {
			_, _ = unix.InotifyRmWatch(ctx.inotifyFd, uint32(wd))
			return mlerrors.Registration("EPOLL_ADD_FAILED", "kernel rejected inotify fd registration", addErr, nil)
		}
	}
	w.wd = int32(wd)
	ctx.fsIndex[w.wd] = w
	ctx.fsCount++
	ctx.listInsert(w)
	w.active = 1
	w.events = Read
	return nil
}

// FsStop removes the inotify watch and, once the last Fs watcher on this
// Context is gone, deregisters the shared inotify fd.
func FsStop(w *Watcher) error {
	if w == nil || w.ctx == nil {
		return invalidNullArg("fs_stop")
	}
	ctx := w.ctx
	if w.active == 0 {
		return nil
	}
	_, rmErr := unix.InotifyRmWatch(ctx.inotifyFd, uint32(w.wd))
	delete(ctx.fsIndex, w.wd)
	ctx.fsCount--
	ctx.listRemove(w)
	w.active = 0
	if ctx.fsCount == 0 {
		_ = ctx.epollDel(ctx.inotifyFd)
	}
	return rmErr
}

// rawInotifyEvent mirrors struct inotify_event's fixed-size header; the
// variable-length name that follows is skipped, since a watch descriptor
// alone is enough to route the event back to its Watcher.
type rawInotifyEvent struct {
	Wd     int32
	Mask   uint32
	Cookie uint32
	Len    uint32
}

const sizeofRawInotifyEvent = int(unsafe.Sizeof(rawInotifyEvent{}))

func decodeFsOp(mask uint32) FsOp {
	var op FsOp
	if mask&unix.IN_CREATE != 0 {
		op |= FsCreate
	}
	if mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) != 0 {
		op |= FsWrite
	}
	if mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0 {
		op |= FsRemove
	}
	if mask&(unix.IN_MOVED_FROM|unix.IN_MOVED_TO|unix.IN_MOVE_SELF) != 0 {
		op |= FsRename
	}
	if mask&unix.IN_ATTRIB != 0 {
		op |= FsAttrib
	}
	return op
}

// fsDispatch drains every pending record on the Context's shared inotify fd
// and invokes the matching Fs watcher's callback once per record, the same
// mask-then-call-back contract every other kind follows, just keyed by
// watch descriptor instead of by fd.
func fsDispatch(c *Context) error {
	var buf [4096]byte
	n, err := unix.Read(c.inotifyFd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return mlerrors.Drain("INOTIFY_SHORT_READ", "inotify drain failed", err)
	}

	off := 0
	for off+sizeofRawInotifyEvent <= n {
		raw := (*rawInotifyEvent)(unsafe.Pointer(&buf[off]))
		off += sizeofRawInotifyEvent + int(raw.Len)

		w, ok := c.fsIndex[raw.Wd]
		if !ok || w.cb == nil {
			continue
		}
		w.fsLastOp = decodeFsOp(raw.Mask)
		c.stats.Dispatches++
		w.cb(w, w.arg, Read.masked())
	}
	return nil
}
