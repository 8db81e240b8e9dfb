// Package devfile wraps the kernel driver's device node: the ioctl
// transport and the interrupt-notification wait primitive that sit below
// internal/regio's cache and internal/statem's state machine when this
// module talks to a real board rather than a fake bus in tests.
//
// It provides an Ioctler-shaped *File wrapping *os.File, and an Event
// wrapping the platform's notification primitive, with a package-level
// Inhibit() lockdown so unit tests never accidentally touch a real device
// node. The completion notification is consumed through internal/statem's
// sticky Event once the bottom half runs, so Wait here only needs to
// report that *something* happened, not accumulate multiple edges.
package devfile

import (
	"errors"
	"os"
	"sync"
)

// Ioctler is a file handle that supports ioctl calls.
type Ioctler interface {
	// Ioctl sends an ioctl on the file handle. op is typically one of the
	// command codes built by internal/regio's IO/IOR/IOW/IOWR helpers.
	Ioctl(op uintptr, data uintptr) error
}

// Open opens the device node at path. It returns an error once Inhibit()
// has been called.
func Open(path string, flag int) (*File, error) {
	mu.Lock()
	if inhibited {
		mu.Unlock()
		return nil, errors.New("devfile: file I/O is inhibited")
	}
	used = true
	mu.Unlock()

	f, err := os.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, err
	}
	return &File{f}, nil
}

// Inhibit inhibits any future file I/O through this package. It panics if a
// file was already opened. Call it from a test's TestMain before any test
// might otherwise reach for a real device node.
func Inhibit() {
	mu.Lock()
	defer mu.Unlock()
	if used {
		panic("devfile: Inhibit() called after a file was already opened")
	}
	inhibited = true
}

// File is a superset of os.File that also satisfies Ioctler.
type File struct {
	*os.File
}

// Ioctl sends an ioctl to the underlying file descriptor.
func (f *File) Ioctl(op uintptr, data uintptr) error {
	return ioctl(f.Fd(), op, data)
}

// Event waits for the kernel driver to signal an interrupt-derived
// notification on a file descriptor (an eventfd or the device node itself,
// depending on the driver), timing out after the caller-specified
// duration so internal/statem's WaitInterruptible can layer its own
// context cancellation on top.
type Event struct {
	event
}

// Arm registers fd with this Event's notification mechanism.
func (e *Event) Arm(fd uintptr) error {
	return e.event.arm(fd)
}

// Wait blocks until fd becomes readable/priority or timeoutms elapses,
// returning the number of ready descriptors (0 on timeout).
func (e *Event) Wait(timeoutms int) (int, error) {
	return e.event.wait(timeoutms)
}

var (
	mu        sync.Mutex
	inhibited bool
	used      bool
)
