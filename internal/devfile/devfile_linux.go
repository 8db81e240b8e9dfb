//go:build linux

package devfile

import "golang.org/x/sys/unix"

const isLinux = true

func ioctl(f uintptr, op uintptr, arg uintptr) error {
	return unix.IoctlSetInt(int(f), uint(op), int(arg))
}

const (
	epollPRI = unix.EPOLLPRI
)

type event struct {
	events  [1]unix.EpollEvent
	epollFd int
	fd      int
}

// arm registers fd for priority-readable notifications. Level triggered
// (no EPOLLET): internal/statem's Event is already sticky/latching, so the
// kernel-side notification only needs to be observed at least once per
// completion, not edge-precisely.
func (e *event) arm(fd uintptr) error {
	epollFd, err := unix.EpollCreate1(0)
	if err != nil {
		return err
	}
	e.epollFd = epollFd
	e.fd = int(fd)
	e.events[0].Events = epollPRI
	e.events[0].Fd = int32(e.fd)
	return unix.EpollCtl(e.epollFd, unix.EPOLL_CTL_ADD, e.fd, &e.events[0])
}

func (e *event) wait(timeoutms int) (int, error) {
	return unix.EpollWait(e.epollFd, e.events[:], timeoutms)
}
