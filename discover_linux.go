//go:build linux

package dualadc

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/scopeware/dualadc/internal/clockgen"
	"github.com/scopeware/dualadc/internal/devfile"
	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/internal/regio"
)

// RegisterFiles names the memory-mapped BAR resource file backing each
// of the board's three register address spaces.
type RegisterFiles map[regio.Bank]regio.BankFile

// defaultBankLayouts is this board's fixed register index layout: Device
// bank indices 0-0x14 with 8-0xB "serial" (SAB-routed, slow) and 0xD-0xF
// always-live status/timestamp registers; DMA and Config
// banks sized for their initiator and EEPROM/JTAG/FPGA-version registers.
var defaultBankLayouts = map[regio.Bank]regio.BankLayout{
	regio.Device: {
		Words:  0x15,
		Serial: map[int]bool{0x8: true, 0x9: true, 0xA: true, 0xB: true},
		Status: map[int]bool{0xD: true, 0xE: true, 0xF: true},
	},
	regio.DMA:    {Words: 8, Serial: map[int]bool{}, Status: map[int]bool{6: true}},
	regio.Config: {Words: 16, Serial: map[int]bool{}, Status: map[int]bool{}},
}

// OpenLocalBoard memory-maps files and assembles the register cache, clock
// generator shim and DMA buffer table a real board needs, returning an
// unregistered Board. Discovery code fills in Info (serial, revision,
// firmware versions read back through the Config bank) and calls Register
// before the board is visible to BoardBySerial/Boards.
//
// This is the production counterpart to the fakes
// (internal/regio.FakeBus, internal/dmabuf.NewFakeAllocator) this module's
// tests build by hand; a host daemon's startup path calls it once per
// discovered PCIe device.
func OpenLocalBoard(files RegisterFiles, log *logrus.Entry) (*Board, error) {
	const op = "dualadc.OpenLocalBoard"
	bus, err := regio.OpenMmapBus(files)
	if err != nil {
		return nil, E(op, Unexpected, err)
	}
	cache := regio.NewCache(bus, defaultBankLayouts, log)
	clock := clockgen.New(cache, log)
	buffers := dmabuf.NewTable(dmabuf.LinuxAllocator{}, log)
	return NewBoard(Info{}, cache, clock, buffers, log), nil
}

// OpenKernelBoard opens a board through the kernel driver's device node
// instead of direct BAR mappings: every register access becomes a
// Get/SetRegister command through the node (regio.IoctlBus over
// devfile.File), and the driver's interrupt notification is pumped into
// ServiceInterrupt for the board's lifetime. The counterpart server half
// of the command set is Dispatcher.
func OpenKernelBoard(path string, log *logrus.Entry) (*Board, error) {
	const op = "dualadc.OpenKernelBoard"
	f, err := devfile.Open(path, os.O_RDWR)
	if err != nil {
		return nil, E(op, ResourceAllocFailure, err)
	}
	cache := regio.NewCache(regio.NewIoctlBus(f), defaultBankLayouts, log)
	clock := clockgen.New(cache, log)
	buffers := dmabuf.NewTable(dmabuf.LinuxAllocator{}, log)
	b := NewBoard(Info{}, cache, clock, buffers, log)

	var ev devfile.Event
	if err := ev.Arm(f.Fd()); err != nil {
		return nil, E(op, ResourceAllocFailure, err)
	}
	go func() {
		if err := b.ServeInterrupts(context.Background(), &ev); err != nil && log != nil {
			log.WithError(err).Error("interrupt service stopped")
		}
	}()
	return b, nil
}
