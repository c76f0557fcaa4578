package mloop

import (
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/mloop/internal/mlerrors"
)

// Stats exposes plain dispatch counters — no external metrics backend, just
// the numbers a caller might log.
type Stats struct {
	Dispatches      uint64
	Waits           uint64
	WorkaroundFires uint64
}

// Context is the loop-wide state: the demultiplexer fd, the reserved inotify
// fd, the watcher registry, and the workaround flag. The Context owns both
// kernel fds exclusively and closes them in Exit; it never owns the Watchers
// passed to it, only the intrusive list through which it references them
// while they're active.
type Context struct {
	running    bool
	demuxFd    int
	inotifyFd  int
	maxEvents  int
	watchers   *Watcher
	length     int
	workaround bool
	stats      Stats

	// index maps a registered I/O/Signal/Timer/Event fd back to its
	// Watcher. epoll_event.data can carry an arbitrary pointer in C, but
	// Go can't stash a live pointer in the kernel's int32/int64 data
	// field, so the fd itself doubles as the lookup tag.
	index map[int]*Watcher

	// fsIndex maps an inotify watch descriptor back to its Fs Watcher.
	fsIndex map[int32]*Watcher
	fsCount int

	// pseudoCount tracks how many watchers are currently pseudo-registered
	// (active == -1). workaround stays true as long as this is nonzero —
	// see dispatcher.go for why the flag tracks this instead of being
	// cleared unconditionally after every workaround pass.
	pseudoCount int
}

// Init allocates the demultiplexer and the reserved inotify fd and returns a
// ready-to-use Context. maxEvents must be at least 1 — it sizes the ready-set
// buffer EpollWait fills on each cycle.
func Init(maxEvents int) (*Context, error) {
	if maxEvents < 1 {
		return nil, mlerrors.InvalidArgument("INVALID_MAX_EVENTS", "max_events must be >= 1",
			map[string]interface{}{"max_events": maxEvents})
	}

	demuxFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, mlerrors.ResourceAcquisition("EPOLL_CREATE_FAILED", "failed to create epoll instance", err)
	}

	inotifyFd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		_ = unix.Close(demuxFd)
		return nil, mlerrors.ResourceAcquisition("INOTIFY_INIT_FAILED", "failed to create inotify instance", err)
	}

	return &Context{
		demuxFd:   demuxFd,
		inotifyFd: inotifyFd,
		maxEvents: maxEvents,
		index:     make(map[int]*Watcher),
		fsIndex:   make(map[int32]*Watcher),
	}, nil
}

// Exit stops every remaining watcher and closes the Context's kernel fds.
// Calling Exit more than once is safe: it checks demuxFd before doing
// anything, so a second call is a no-op rather than a double-close.
func (c *Context) Exit() error {
	if c == nil {
		return invalidArgumentError("NULL_CONTEXT", "exit requires a non-nil context")
	}
	if c.demuxFd < 0 {
		return nil
	}

	for w := c.watchers; w != nil; {
		next := w.next
		_ = stopWatcher(w)
		w = next
	}
	c.watchers = nil
	c.length = 0
	c.running = false

	err := unix.Close(c.demuxFd)
	c.demuxFd = -1
	if c.inotifyFd >= 0 {
		_ = unix.Close(c.inotifyFd)
		c.inotifyFd = -1
	}
	return err
}

// Stats returns a snapshot of the dispatcher's plain counters.
func (c *Context) Stats() Stats { return c.stats }

// StopRunning clears the running flag, which is how a callback asks Run to
// return: the dispatcher finishes the current ready-record batch (checking
// running before each record) and then returns instead of waiting again.
func (c *Context) StopRunning() { c.running = false }

// Running reports whether the context is currently inside Run's main loop.
func (c *Context) Running() bool { return c.running }

func (c *Context) epollAdd(fd int, events Events) error {
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	return unix.EpollCtl(c.demuxFd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (c *Context) epollMod(fd int, events Events) error {
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	return unix.EpollCtl(c.demuxFd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (c *Context) epollDel(fd int) error {
	return unix.EpollCtl(c.demuxFd, unix.EPOLL_CTL_DEL, fd, nil)
}

// stopWatcher dispatches to the owning adapter's Stop by kind, used by Exit
// to tear every remaining watcher down regardless of subtype.
func stopWatcher(w *Watcher) error {
	switch w.kind {
	case KindIO:
		return IOStop(w)
	case KindSignal:
		return SignalStop(w)
	case KindTimer:
		return TimerStop(w)
	case KindEvent:
		return EventStop(w)
	case KindFs:
		return FsStop(w)
	default:
		return nil
	}
}
