package dualadc

import (
	"context"

	"github.com/scopeware/dualadc/internal/regio"
)

// Interrupt dispatch. The board surfaces two independent interrupt sources
// in one DMA-bank status word; the top half (ServiceInterrupt) splits the
// word, updates the state machine's counters, and acknowledges the sources
// through one or two clear registers depending on the PCI firmware
// generation.
const (
	// dmaRegIrqStatus is the DMA bank's interrupt status word.
	dmaRegIrqStatus = 6

	// irqDmaComplete and irqSamplesComplete are the two interrupt source
	// bits carried in the status word.
	irqDmaComplete     uint32 = 0x01000100
	irqSamplesComplete uint32 = 0x00000200

	// dualIrqClearFirmware is the first PCI firmware package version with
	// independent clear registers per interrupt source. Older firmware
	// clears both sources through the first register in one write.
	dualIrqClearFirmware uint32 = 0x00010007
)

// ServiceInterrupt is the interrupt top half: read the DMA status word,
// split it into its two sources, update the state machine, and acknowledge
// the interrupt. Returns false when the status word carries neither source
// (the interrupt was not ours) — in that case nothing is written back.
//
// For a DMA-complete source it bumps the completion counter, adds the
// finished transfer's byte count to the running total and releases the DMA
// owner; for a samples-complete source it latches the sticky completion
// event (before any deferred work can run, so a client that arms and
// immediately waits cannot miss it) and bumps the acquisition counter. The
// state unwind itself happens on the woken waiter's thread (Complete), not
// here: the top half never blocks.
func (b *Board) ServiceInterrupt() (bool, error) {
	const op = "dualadc.Board.ServiceInterrupt"
	status, err := b.Regs.Read(regio.DMA, dmaRegIrqStatus, regio.FromHardware)
	if err != nil {
		return false, E(op, Unexpected, err)
	}
	if status&(irqDmaComplete|irqSamplesComplete) == 0 {
		return false, nil
	}

	if status&irqDmaComplete != 0 {
		length, lerr := b.Regs.Read(regio.DMA, dmaRegLength, regio.FromHardware)
		if lerr != nil {
			length = 0
		}
		b.State.OnDMAComplete(int(length))
	}
	if status&irqSamplesComplete != 0 {
		b.State.OnSamplesComplete()
	}

	if err := b.clearInterrupts(); err != nil {
		return true, E(op, Unexpected, err)
	}
	return true, nil
}

// clearInterrupts acknowledges both interrupt sources. Firmware at or past
// dualIrqClearFirmware has one clear register per source and needs two
// writes; older firmware clears both sources through the first register.
func (b *Board) clearInterrupts() error {
	if err := b.Regs.Write(regio.DMA, dmaRegClearIrqA, dmaStartBit, dmaStartBit); err != nil {
		return err
	}
	if b.Info.FirmwarePackageVersion >= dualIrqClearFirmware {
		return b.Regs.Write(regio.DMA, dmaRegClearIrqB, dmaStartBit, dmaStartBit)
	}
	return nil
}

// InterruptWaiter blocks until the driver signals an interrupt-derived
// notification or a timeout elapses, returning the number of ready
// notifications (0 on timeout). internal/devfile.Event is the production
// implementation, armed on the kernel driver's device node.
type InterruptWaiter interface {
	Wait(timeoutms int) (int, error)
}

// ServeInterrupts pumps notifications from w into ServiceInterrupt until
// ctx ends. The 250ms timeout bounds how long a shutdown request can go
// unobserved. Spurious wakeups (a notification whose status word carries
// neither source) are ignored.
func (b *Board) ServeInterrupts(ctx context.Context, w InterruptWaiter) error {
	const op = "dualadc.Board.ServeInterrupts"
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := w.Wait(250)
		if err != nil {
			return E(op, Unexpected, err)
		}
		if n == 0 {
			continue
		}
		if _, err := b.ServiceInterrupt(); err != nil {
			return err
		}
	}
}
