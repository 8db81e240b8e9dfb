//go:build !linux

package devfile

import "errors"

const isLinux = false

func ioctl(f uintptr, op uintptr, arg uintptr) error {
	return errors.New("devfile: ioctl not supported on this platform")
}

type event struct{}

func (e *event) arm(f uintptr) error {
	return errors.New("devfile: event notification not supported on this platform")
}

func (e *event) wait(timeoutms int) (int, error) {
	return 0, errors.New("devfile: event notification not supported on this platform")
}
