package mloop

import (
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/mloop/internal/mlerrors"
)

// Events is a bitmask of readiness conditions, mirroring the underlying
// epoll constants directly.
type Events uint32

const (
	None    Events = 0
	Error   Events = unix.EPOLLERR
	Read    Events = unix.EPOLLIN
	Write   Events = unix.EPOLLOUT
	Pri     Events = unix.EPOLLPRI
	Hup     Events = unix.EPOLLHUP
	RdHup   Events = unix.EPOLLRDHUP
	Edge    Events = unix.EPOLLET
	OneShot Events = unix.EPOLLONESHOT
)

// validMask is every bit the dispatcher will ever deliver to a callback.
const validMask = Error | Read | Write | Pri | Hup | RdHup | Edge | OneShot

func (e Events) masked() Events { return e & validMask }

// RunFlags controls how Run behaves for one invocation.
type RunFlags int

const (
	// Once returns Run after a single wait cycle.
	Once RunFlags = 1 << iota
	// NonBlock makes the wait timeout zero instead of blocking indefinitely.
	NonBlock
)

func invalidArgumentError(code, message string) error {
	return mlerrors.InvalidArgument(code, message, nil)
}
