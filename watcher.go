package mloop

// Kind tags the kernel object a Watcher binds to. Go has no union type, so
// the kind-specific payload below (timeoutMs/periodMs, fsPath/fsMask/wd) is
// simply inert for every kind that doesn't use it, instead of a union or an
// interface{} payload that would need a type switch of its own.
type Kind int

const (
	KindIO Kind = iota
	KindSignal
	KindTimer
	KindEvent
	KindFs
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindSignal:
		return "signal"
	case KindTimer:
		return "timer"
	case KindEvent:
		return "event"
	case KindFs:
		return "fs"
	default:
		return "unknown"
	}
}

// Callback is invoked by the dispatcher when a Watcher's source becomes
// ready. events is always masked to the valid event set before delivery.
type Callback func(w *Watcher, arg interface{}, events Events)

// Watcher is the per-source record binding a kernel-observable fd, an event
// mask, and a callback, plus an intrusive link into the owning Context's
// registry. The caller owns the Watcher's memory; the Context only ever
// holds a borrowed reference to it through prev/next.
type Watcher struct {
	ctx    *Context
	kind   Kind
	fd     int
	events Events
	signo  int
	cb     Callback
	arg    interface{}

	// active: 0 = inactive, +1 = registered with the demultiplexer,
	// -1 = pseudo-registered (stdin-from-file workaround; see io_watcher.go).
	active int8

	prev, next *Watcher

	// Timer-only payload.
	timeoutMs int64
	periodMs  int64

	// Fs-only payload.
	fsPath   string
	fsMask   uint32
	wd       int32
	fsLastOp FsOp
}

// FsOp returns the decoded filesystem operation bits from the most recent
// inotify record delivered to this watcher's callback. Only meaningful for
// KindFs watchers.
func (w *Watcher) FsOp() FsOp { return w.fsLastOp }

// Kind reports which subtype adapter owns this watcher.
func (w *Watcher) Kind() Kind { return w.kind }

// Fd reports the watcher's current kernel descriptor, or -1 when detached.
func (w *Watcher) Fd() int { return w.fd }

// Active reports whether the watcher is registered (true), pseudo-registered
// (true), or inactive (false). Use ActiveState for the tri-state detail.
func (w *Watcher) Active() bool { return w.active != 0 }

// ActiveState returns the raw tri-state: 0 inactive, +1 active,
// -1 pseudo-active.
func (w *Watcher) ActiveState() int8 { return w.active }

// listInsert links w at the head of the Context's intrusive watcher list.
func (c *Context) listInsert(w *Watcher) {
	w.prev = nil
	w.next = c.watchers
	if c.watchers != nil {
		c.watchers.prev = w
	}
	c.watchers = w
	c.length++
}

// listRemove unlinks w from the Context's intrusive watcher list. Safe to
// call on a watcher that is already unlinked (prev/next both nil and it is
// not the head) — the dispatcher relies on this so a callback that stops
// itself or another watcher mid-dispatch can't corrupt the list.
func (c *Context) listRemove(w *Watcher) {
	if w.prev != nil {
		w.prev.next = w.next
	} else if c.watchers == w {
		c.watchers = w.next
	} else {
		return // already unlinked
	}
	if w.next != nil {
		w.next.prev = w.prev
	}
	w.prev, w.next = nil, nil
	c.length--
}

func invalidNullArg(op string) error {
	return invalidArgumentError("NULL_ARGUMENT", op+" requires a non-nil context and watcher")
}
