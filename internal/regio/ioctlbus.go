package regio

import (
	"unsafe"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// Ioctler is the device-node handle an IoctlBus issues commands through.
// internal/devfile.File is the production implementation.
type Ioctler interface {
	Ioctl(op uintptr, data uintptr) error
}

// registerAccess is the wire form of the Get/SetRegister commands: a fixed
// little-endian layout whose first field is its own encoded size, like
// every struct crossing the command boundary.
type registerAccess struct {
	StructSize uint32
	Bank       uint32
	Index      uint32
	Value      uint32
}

// RegisterAccessSize is the shipped size of the registerAccess wire struct.
const RegisterAccessSize = 16

// IoctlBus is a Bus backed by the kernel driver's device node instead of a
// direct BAR mapping: each word access becomes a Get/SetRegister command
// issued through dev. The driver's own register cache serves the reads, so
// a Cache layered on this bus is a second-level cache; that is harmless
// because both sides apply the same status-always-live rule.
type IoctlBus struct {
	dev Ioctler
}

// NewIoctlBus wraps dev as a Bus.
func NewIoctlBus(dev Ioctler) *IoctlBus {
	return &IoctlBus{dev: dev}
}

// ReadWord implements Bus.
func (b *IoctlBus) ReadWord(bank Bank, index int) (uint32, error) {
	req := registerAccess{StructSize: RegisterAccessSize, Bank: uint32(bank), Index: uint32(index)}
	if err := b.dev.Ioctl(CmdGetRegister, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, dualadc.E("regio.IoctlBus.ReadWord", dualadc.Unexpected, err)
	}
	return req.Value, nil
}

// WriteWord implements Bus.
func (b *IoctlBus) WriteWord(bank Bank, index int, value uint32) error {
	req := registerAccess{StructSize: RegisterAccessSize, Bank: uint32(bank), Index: uint32(index), Value: value}
	if err := b.dev.Ioctl(CmdSetRegister, uintptr(unsafe.Pointer(&req))); err != nil {
		return dualadc.E("regio.IoctlBus.WriteWord", dualadc.Unexpected, err)
	}
	return nil
}

// Close implements Bus. The device node is owned by whoever opened it, so
// closing the bus closes the node only when the handle supports it.
func (b *IoctlBus) Close() error {
	if c, ok := b.dev.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
