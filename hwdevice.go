package dualadc

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/internal/regio"
	"github.com/scopeware/dualadc/internal/statem"
	"github.com/scopeware/dualadc/internal/xfer"
)

// DMA bank register indices: the initiator start/length/address
// registers plus the two clear-interrupt registers.
const (
	dmaRegStart     = 0
	dmaRegLength    = 1
	dmaRegAddrHi    = 2
	dmaRegAddrLo    = 3
	dmaRegClearIrqA = 4
	dmaRegClearIrqB = 5
	dmaStartBit     = 1

	// statusRegIndex is the Device bank's shared read-only status word:
	// bit 0x02 TS-FIFO-empty and 0x04 TS-FIFO-overflow (read by
	// tsfifo.RegisterSource), bit 0x08 PCI-FIFO-full (read here).
	statusRegIndex    = 0xD
	statusPciFifoFull = 0x08
)

// HWDevice wires a Session to the three register banks a real board
// exposes, implementing record.Device (see record/device.go) the way
// internal/xfer's tests wire a fake Engine: one concrete struct standing in
// for what the fake proves correct in isolation. It is the piece
// cmd/dualadc-acq drives. The record package's engine tests use
// record_test.go's fakeDevice, while hwdevice_test.go drives HWDevice
// against regio.FakeBus.
type HWDevice struct {
	session *Session
	log     *logrus.Entry
}

// NewHWDevice returns a Device bound to session's board registers and state
// machine.
func NewHWDevice(session *Session, log *logrus.Entry) *HWDevice {
	return &HWDevice{session: session, log: log}
}

func (d *HWDevice) regs() *regio.Cache      { return d.session.Board.Regs }
func (d *HWDevice) state() *statem.Machine { return d.session.Board.State }

// AcquireRAM arms a RAM-targeted acquisition of n samples and blocks for
// hardware completion. Every exit path returns the state machine to Idle:
// a cancelled wait aborts the in-flight acquisition first, so the device
// is immediately re-armable instead of stuck mid-acquisition.
func (d *HWDevice) AcquireRAM(ctx context.Context, n int) error {
	const op = "dualadc.HWDevice.AcquireRAM"
	if err := d.session.Arm(statem.ModeRamAcquire); err != nil {
		return err
	}
	if err := d.state().BeginTransfer(statem.WRam); err != nil {
		return E(op, InvalidMode, err)
	}

	err := d.regs().Write(regio.DMA, dmaRegLength, uint32(n*2), 0xFFFFFFFF)
	if err == nil {
		err = d.regs().Write(regio.DMA, dmaRegStart, dmaStartBit, dmaStartBit)
	}
	if err != nil {
		err = E(op, Unexpected, err)
	} else if werr := d.state().WaitInterruptible(ctx); werr != nil {
		d.abortTransfer()
		err = werr
	}
	if cerr := d.state().Complete(d.session.ID); cerr != nil && err == nil {
		err = E(op, Unexpected, cerr)
	}
	if err != nil {
		return err
	}
	if d.state().Cancelled() {
		return E(op, Cancelled, nil)
	}
	return nil
}

// BufferedRead describes one driver-buffered transfer request:
// a read of SampleCount samples starting at StartSample, chunked
// through the board's scratch buffer into ordinary caller slices, with
// optional channel deinterleaving. SetRegion selects whether this call
// owns the active-memory-region setup (an onboard-RAM read) or is draining
// a free-running FIFO-buffered acquisition, where the start sample is
// ignored and the count must be frame-aligned.
type BufferedRead struct {
	Ch1, Ch2     []uint16
	StartSample  int
	SampleCount  int
	Deinterleave bool
	Async        bool
	SetRegion    bool
}

// Device bank indices of the active-memory-region register pair: the
// aligned start sample and padded sample count the buffered transfer path
// programs before its first chunk. They sit above the clock generator's
// staging bytes (0x0-0xD) and the timestamp pair (0xE/0xF).
const (
	devRegStartSample = 0x10
	devRegSampleCount = 0x11
)

// ReadBuffered implements the driver-buffered transfer path:
// align the requested region down to the board's start-sample
// granularity and up to twice the DMA frame size, program the active
// memory region, then chunk the transfer through the board's scratch
// buffer, discarding the alignment skip and optionally deinterleaving into
// per-channel destination slices. The state machine holds XferBuffered
// across every sub-transfer and drops to Idle only on the way out.
func (d *HWDevice) ReadBuffered(ctx context.Context, req BufferedRead) (int, error) {
	const op = "dualadc.HWDevice.ReadBuffered"
	if req.Async {
		return 0, E(op, NotImplemented, nil)
	}
	scratch := d.session.Board.Scratch()
	if scratch == nil {
		return 0, E(op, ResourceAllocFailure, nil)
	}

	skip := 0
	if req.SetRegion {
		hwStart, hwCount, sk, err := xfer.AlignRegion(req.StartSample, req.SampleCount, d.session.Board.Info.RAMSamples)
		if err != nil {
			return 0, err
		}
		skip = sk
		if err := d.regs().Write(regio.Device, devRegStartSample, uint32(hwStart), 0xFFFFFFFF); err != nil {
			return 0, E(op, Unexpected, err)
		}
		if err := d.regs().Write(regio.Device, devRegSampleCount, uint32(hwCount), 0xFFFFFFFF); err != nil {
			return 0, E(op, Unexpected, err)
		}
	} else if req.SampleCount%xfer.FrameSamples != 0 {
		// Free-run drains can't pad the region afterward, so the caller
		// must ask in whole frames.
		return 0, E(op, InvalidArg, nil)
	}

	if err := d.state().BeginTransfer(statem.XferBuffered); err != nil {
		return 0, E(op, InvalidMode, err)
	}
	res, err := xfer.BufferedTransfer(ctx, d.state(), (*xferEngine)(d), scratch, xfer.BufferedRequest{
		Ch1:          req.Ch1,
		Ch2:          req.Ch2,
		SampleCount:  req.SampleCount,
		SkipSamples:  skip,
		Deinterleave: req.Deinterleave,
	}, d.log)
	if cerr := d.state().Complete(d.session.ID); cerr != nil && err == nil {
		err = E(op, Unexpected, cerr)
	}
	if err != nil {
		return res.SamplesCopied, err
	}
	if res.Cancelled {
		return res.SamplesCopied, E(op, Cancelled, nil)
	}
	return res.SamplesCopied, nil
}

// ReadRAM drains the most recently acquired onboard RAM contents through
// the driver-buffered path: a read-back has no user DMA buffer of its own,
// so it stages through the board's scratch buffer chunk by chunk.
func (d *HWDevice) ReadRAM(ctx context.Context, dst []uint16) (int, error) {
	return d.ReadBuffered(ctx, BufferedRead{
		Ch1:         dst,
		SampleCount: len(dst),
		SetRegion:   true,
	})
}

// ReadUser implements the synchronous fast-DMA path: a
// single-shot transfer into a caller-allocated, user-space-mapped DMA
// buffer, located by its user address (offsets into a buffer resolve to
// the containing buffer). nbytes must be a whole number of TLPs. With
// async set, ReadUser returns as soon as the transfer is programmed; the
// caller observes completion through FinishUser.
func (d *HWDevice) ReadUser(ctx context.Context, userAddr uintptr, nbytes int, async bool) (int, error) {
	const op = "dualadc.HWDevice.ReadUser"
	if nbytes <= 0 || nbytes%xfer.TLPBytes != 0 {
		return 0, E(op, InvalidArg, nil)
	}
	buf, err := d.session.Board.Buffers.Lookup(userAddr, true, false)
	if err != nil {
		return 0, err
	}
	offset := int(userAddr - buf.UserAddr)
	if buf.Size-offset < nbytes {
		return 0, E(op, BufferTooSmall, nil)
	}
	if err := d.state().BeginTransfer(statem.XferFast); err != nil {
		return 0, E(op, InvalidMode, err)
	}
	if async {
		if err := d.startDMA(buf, offset, nbytes); err != nil {
			_ = d.state().Complete(d.session.ID)
			return 0, E(op, Unexpected, err)
		}
		return 0, nil
	}
	res, err := xfer.FastDMA(ctx, d.state(), (*xferEngine)(d), buf, offset, nbytes, d.log)
	if cerr := d.state().Complete(d.session.ID); cerr != nil && err == nil {
		err = E(op, Unexpected, cerr)
	}
	if err != nil {
		return 0, err
	}
	if res.Cancelled {
		return res.BytesTransferred, E(op, Cancelled, nil)
	}
	return res.BytesTransferred, nil
}

// FinishUser completes an asynchronous ReadUser: block until the in-flight
// transfer completes, then return the machine to Idle. Returns the bytes
// transferred.
func (d *HWDevice) FinishUser(ctx context.Context) (int, error) {
	const op = "dualadc.HWDevice.FinishUser"
	n, _, err := d.waitDMA(ctx)
	if cerr := d.state().Complete(d.session.ID); cerr != nil && err == nil {
		err = E(op, Unexpected, cerr)
	}
	return n, err
}

// xferEngine adapts HWDevice's register-level chunk start/wait to the
// narrower internal/xfer.Engine interface FastDMA drives, folding a PCI
// FIFO overflow into a FifoOverflow error the way xfer.Engine's callers
// expect instead of the separate overflow return HWDevice.WaitChunk
// reports.
type xferEngine HWDevice

func (d *xferEngine) StartChunk(ctx context.Context, buf *dmabuf.Buffer, offset, length int) error {
	return (*HWDevice)(d).startDMA(buf, offset, length)
}

func (d *xferEngine) WaitChunk(ctx context.Context) (int, error) {
	n, overflow, err := (*HWDevice)(d).waitDMA(ctx)
	if err != nil {
		return n, err
	}
	if overflow {
		return n, E("dualadc.HWDevice.WaitChunk", FifoOverflow, nil)
	}
	return n, nil
}

// BeginStreaming arms the continuous FIFO-buffered PCI acquisition mode.
func (d *HWDevice) BeginStreaming(ctx context.Context) error {
	return d.session.Arm(statem.ModeStandard)
}

// StartChunk begins an asynchronous DMA of length bytes at offset into buf.
func (d *HWDevice) StartChunk(ctx context.Context, buf *dmabuf.Buffer, offset, length int) error {
	const op = "dualadc.HWDevice.StartChunk"
	if d.state().State() == statem.Acq {
		if err := d.state().BeginTransfer(statem.XferBuffered); err != nil {
			return E(op, InvalidMode, err)
		}
	}
	return d.startDMA(buf, offset, length)
}

func (d *HWDevice) startDMA(buf *dmabuf.Buffer, offset, length int) error {
	const op = "dualadc.HWDevice.startDMA"
	// Clear the sticky samples-complete event before issuing a new DMA:
	// Arm only clears it once at the start of an acquisition, but both a
	// fast-DMA read-back and each successive streaming chunk start a new
	// DMA without re-arming, and must not observe the previous DMA's
	// latched completion.
	d.state().ClearCompletion()
	addr := buf.BusAddr + uint64(offset)
	if err := d.regs().Write(regio.DMA, dmaRegAddrHi, uint32(addr>>32), 0xFFFFFFFF); err != nil {
		return E(op, Unexpected, err)
	}
	if err := d.regs().Write(regio.DMA, dmaRegAddrLo, uint32(addr), 0xFFFFFFFF); err != nil {
		return E(op, Unexpected, err)
	}
	if err := d.regs().Write(regio.DMA, dmaRegLength, uint32(length), 0xFFFFFFFF); err != nil {
		return E(op, Unexpected, err)
	}
	return d.regs().Write(regio.DMA, dmaRegStart, dmaStartBit, dmaStartBit)
}

// WaitChunk blocks for the completion event, then checks the PCI-FIFO-full
// status bit before reporting success. The bit is checked after every wait
// whatever mode the machine was armed in; the mode is not consulted.
func (d *HWDevice) WaitChunk(ctx context.Context) (int, bool, error) {
	n, overflow, err := d.waitDMA(ctx)
	if err != nil {
		return n, overflow, err
	}
	if overflow {
		return n, true, nil
	}
	if err := d.session.Board.clearInterrupts(); err != nil {
		return n, false, E("dualadc.HWDevice.WaitChunk", Unexpected, err)
	}
	return n, false, nil
}

// abortTransfer is the cancellation half of the state machine's abort
// protocol: stop the DMA initiator when a transfer is in flight (the board
// must not keep writing into a host buffer the caller is about to reuse),
// then mark the machine cancelled and wake any waiter. The caller's
// unconditional Complete brings the state back to Idle.
func (d *HWDevice) abortTransfer() {
	st := d.state().State()
	if st == statem.XferFast || st == statem.XferBuffered {
		if err := d.regs().Write(regio.DMA, dmaRegStart, 0, dmaStartBit); err != nil && d.log != nil {
			d.log.WithError(err).Warn("dma initiator reset failed during abort")
		}
	}
	_ = d.state().Abort(d.session.ID)
}

func (d *HWDevice) waitDMA(ctx context.Context) (int, bool, error) {
	const op = "dualadc.HWDevice.waitDMA"
	if err := d.state().WaitInterruptible(ctx); err != nil {
		d.abortTransfer()
		return 0, false, err
	}
	if d.state().Cancelled() {
		return 0, false, E(op, Cancelled, nil)
	}
	status, err := d.regs().Read(regio.Device, statusRegIndex, regio.FromHardware)
	if err != nil {
		return 0, false, E(op, Unexpected, err)
	}
	if status&statusPciFifoFull != 0 {
		return 0, true, nil
	}
	length, err := d.regs().Read(regio.DMA, dmaRegLength, regio.FromHardware)
	if err != nil {
		return 0, false, E(op, Unexpected, err)
	}
	return int(length), false, nil
}

// EndStreaming issues the hardware "end buffered PCI acquisition" routine
// and forces the device back to Idle.
func (d *HWDevice) EndStreaming() error {
	const op = "dualadc.HWDevice.EndStreaming"
	if d.state().State() == statem.Idle {
		return nil
	}
	if err := d.regs().Write(regio.DMA, dmaRegStart, 0, dmaStartBit); err != nil {
		return E(op, Unexpected, err)
	}
	return d.state().Complete(d.session.ID)
}
