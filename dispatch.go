package dualadc

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/internal/regio"
	"github.com/scopeware/dualadc/internal/statem"
	"github.com/scopeware/dualadc/internal/xfer"
	"github.com/scopeware/dualadc/tsfifo"
)

// DriverVersion is the value CmdGetDriverVersion reports: major.minor.patch
// packed one byte each.
const DriverVersion uint32 = 0x00020014

// modeStandby is the ModeRequest sentinel asking for the quiescent mode
// instead of arming an acquisition.
const modeStandby uint32 = 0xFFFFFFFF

// cfgRegJtag is the Config bank register the JTAG shift path goes through.
const cfgRegJtag = 2

// Free-criterion selectors of the DmaBufFreeRequest wire struct, one per
// criterion the buffer table supports.
const (
	freeByUserAddr uint32 = iota
	freeByKernelAddr
	freeBySession
	freeAllUser
	freeAll
)

// JtagIoRequest operation selectors.
const (
	jtagAcquire uint32 = iota
	jtagRelease
	jtagShift
)

// BufferedTransferRequest flag bits.
const (
	bufXferDeinterleave uint32 = 1 << iota
	bufXferSetRegion
)

// paramGates lists, per command, every parameter-struct size that has ever
// shipped. A submitted StructSize must equal one of these or exceed the
// newest (a future revision whose trailing fields this build zero-fills);
// anything strictly between two shipped sizes is a corrupt or
// partially-updated caller and is rejected.
var paramGates = map[uintptr]regio.SizeGate{
	regio.CmdGetDriverVersion:       {Known: []int{8}},
	regio.CmdGetDeviceState:         {Known: []int{64}},
	regio.CmdSetMode:                {Known: []int{16}},
	regio.CmdArm:                    {Known: []int{16}},
	regio.CmdAllocDmaBuf:            {Known: []int{32}},
	regio.CmdFreeDmaBuf:             {Known: []int{32}},
	regio.CmdGetRegister:            {Known: []int{regio.RegisterAccessSize}},
	regio.CmdSetRegister:            {Known: []int{regio.RegisterAccessSize}},
	regio.CmdWaitEvent:              {Known: []int{16, 32}},
	regio.CmdStartFastTransfer:      {Known: []int{48}},
	regio.CmdStartBufferedTransfer:  {Known: []int{64}},
	regio.CmdGetTimestampFifoStatus: {Known: []int{16}},
	regio.CmdReadTimestampBatch:     {Known: []int{24}},
	regio.CmdGetDeviceId:            {Known: []int{32}},
	regio.CmdGetFirmwareVersions:    {Known: []int{16}},
	regio.CmdJtagIO:                 {Known: []int{32}},
	regio.CmdJtagStream:             {Known: []int{32}},
}

// decodeParams validates a command payload's self-describing StructSize
// header against the command's shipped sizes and returns the parameter
// block zero-extended to the newest size this build knows, so handlers can
// index fixed offsets regardless of which header generation the caller was
// built against.
func decodeParams(op string, cmd uintptr, payload []byte) ([]byte, error) {
	gate, ok := paramGates[cmd]
	if !ok {
		// Parameterless command; nothing to validate.
		return nil, nil
	}
	if len(payload) < 4 {
		return nil, E(op, InvalidArg, nil)
	}
	size := int(binary.LittleEndian.Uint32(payload))
	if size > len(payload) {
		return nil, E(op, InvalidArg, nil)
	}
	if err := gate.Validate(op, size); err != nil {
		return nil, err
	}
	newest := gate.Known[len(gate.Known)-1]
	if size >= newest {
		return payload[:size], nil
	}
	in := make([]byte, newest)
	copy(in, payload[:size])
	return in, nil
}

func u32(b []byte, off int) uint32 {
	if off+4 > len(b) {
		return 0
	}
	return binary.LittleEndian.Uint32(b[off:])
}

func u64(b []byte, off int) uint64 {
	if off+8 > len(b) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[off:])
}

func putU32(b []byte, off int, v uint32) {
	if off+4 <= len(b) {
		binary.LittleEndian.PutUint32(b[off:], v)
	}
}

func putU64(b []byte, off int, v uint64) {
	if off+8 <= len(b) {
		binary.LittleEndian.PutUint64(b[off:], v)
	}
}

// Dispatcher is the server half of the numbered command set: the piece a
// kernel shim or device daemon hands each copied-in ioctl payload to. It
// decodes the parameter struct, applies the size-growth rule, and executes
// the command against one session's board. The client half is
// regio.IoctlBus riding internal/devfile.File.
type Dispatcher struct {
	sess *Session
	dev  *HWDevice
	log  *logrus.Entry
}

// NewDispatcher returns a Dispatcher executing commands on behalf of sess.
func NewDispatcher(sess *Session, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{sess: sess, dev: NewHWDevice(sess, log), log: log}
}

func (d *Dispatcher) board() *Board { return d.sess.Board }

// Dispatch executes cmd, reading parameters from and writing results into
// payload (the copied-in ioctl argument block). Output fields are written
// back into payload in place; the caller copies it back out.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd uintptr, payload []byte) error {
	const op = "dualadc.Dispatcher.Dispatch"
	in, err := decodeParams(op, cmd, payload)
	if err != nil {
		return err
	}

	switch cmd {
	case regio.CmdGetDriverVersion:
		putU32(payload, 4, DriverVersion)
		return nil

	case regio.CmdGetDeviceState:
		return d.getDeviceState(payload)

	case regio.CmdSetMode:
		if u32(in, 4) == modeStandby {
			return d.forceStandby()
		}
		return d.sess.Arm(statem.Mode(u32(in, 4)))

	case regio.CmdArm:
		return d.sess.Arm(statem.Mode(u32(in, 4)))

	case regio.CmdAbort:
		return d.forceStandby()

	case regio.CmdAllocDmaBuf:
		return d.allocDmaBuf(in, payload)

	case regio.CmdFreeDmaBuf:
		return d.freeDmaBuf(in)

	case regio.CmdGetRegister:
		v, err := d.board().Regs.Read(regio.Bank(u32(in, 4)), int(u32(in, 8)), regio.FromHardware)
		if err != nil {
			return err
		}
		putU32(payload, 12, v)
		return nil

	case regio.CmdSetRegister:
		return d.board().Regs.Write(regio.Bank(u32(in, 4)), int(u32(in, 8)), u32(in, 12), 0xFFFFFFFF)

	case regio.CmdWaitEvent:
		return d.waitEvent(ctx, in)

	case regio.CmdStartFastTransfer:
		return d.startFastTransfer(ctx, in, payload)

	case regio.CmdStartBufferedTransfer:
		return d.startBufferedTransfer(ctx, in, payload)

	case regio.CmdGetTimestampFifoStatus:
		return d.timestampFifoStatus(payload)

	case regio.CmdReadTimestampBatch:
		return d.readTimestampBatch(in, payload)

	case regio.CmdResetDcms:
		if d.board().Clock == nil {
			return E(op, InvalidObjectHandle, nil)
		}
		return d.board().Clock.ResetDCMs()

	case regio.CmdRefreshHardwareConfig:
		return d.board().Regs.Refresh()

	case regio.CmdGetDeviceId:
		putU32(payload, 4, uint32(d.board().Info.Ordinal))
		serial := []byte(d.board().Info.Serial)
		if len(serial) > 24 {
			serial = serial[:24]
		}
		if len(payload) >= 8+len(serial) {
			copy(payload[8:], serial)
		}
		return nil

	case regio.CmdGetFirmwareVersions:
		putU32(payload, 4, d.board().Info.FirmwareSystemVersion)
		putU32(payload, 8, d.board().Info.FirmwareSABVersion)
		putU32(payload, 12, d.board().Info.FirmwarePackageVersion)
		return nil

	case regio.CmdJtagIO:
		return d.jtagIO(in, payload)

	case regio.CmdJtagStream:
		return d.jtagStream(in)

	default:
		return E(op, InvalidArg, nil)
	}
}

// forceStandby aborts whatever is in flight and returns the machine to
// Idle; a no-op when already idle.
func (d *Dispatcher) forceStandby() error {
	if d.board().State.State() == statem.Idle {
		return nil
	}
	d.dev.abortTransfer()
	return d.board().State.Complete(d.sess.ID)
}

// StateSnapshot layout: State u32@4, Cancelled u32@8, ArmCount u64@16,
// AbortCount u64@24, InterruptCount u64@32, DmaCompleteCount u64@40,
// DmaBytesTotal u64@48, AcqCompleteCount u64@56.
func (d *Dispatcher) getDeviceState(payload []byte) error {
	m := d.board().State
	putU32(payload, 4, uint32(m.State()))
	if m.Cancelled() {
		putU32(payload, 8, 1)
	}
	arms, aborts, interrupts := m.Stats()
	putU64(payload, 16, arms)
	putU64(payload, 24, aborts)
	putU64(payload, 32, interrupts)
	completions, bytes, acq := m.DMAStats()
	putU64(payload, 40, completions)
	putU64(payload, 48, bytes)
	putU64(payload, 56, acq)
	return nil
}

// DmaBufRequest layout: Bytes u32@4 in; BufferID u32@8, UserAddr u64@16,
// BusAddr u64@24 out.
func (d *Dispatcher) allocDmaBuf(in, payload []byte) error {
	buf, err := d.board().Buffers.Allocate(int(u32(in, 4)), d.sess.ID, 0)
	if err != nil {
		return err
	}
	buf, err = d.board().Buffers.MapToUserspace(buf.ID)
	if err != nil {
		return err
	}
	putU32(payload, 8, uint32(buf.ID))
	putU64(payload, 16, uint64(buf.UserAddr))
	putU64(payload, 24, buf.BusAddr)
	return nil
}

// DmaBufFreeRequest layout: Criterion u32@4, Addr u64@16 (user or kernel
// address, per the criterion).
func (d *Dispatcher) freeDmaBuf(in []byte) error {
	const op = "dualadc.Dispatcher.freeDmaBuf"
	var criterion dmabuf.FreeCriterion
	switch u32(in, 4) {
	case freeByUserAddr:
		addr := uintptr(u64(in, 16))
		criterion.ByUserAddr = &addr
	case freeByKernelAddr:
		addr := uintptr(u64(in, 16))
		criterion.ByKernelAddr = &addr
	case freeBySession:
		id := d.sess.ID
		criterion.BySession = &id
	case freeAllUser:
		criterion.AllUser = true
	case freeAll:
		criterion.All = true
	default:
		return E(op, InvalidArg, nil)
	}
	_, err := d.board().Buffers.Free(criterion)
	return err
}

// EventWaitRequest layout: TimeoutMs u32@4. A zero timeout waits
// indefinitely (until completion or the caller's ctx ends).
func (d *Dispatcher) waitEvent(ctx context.Context, in []byte) error {
	const op = "dualadc.Dispatcher.waitEvent"
	timeoutMs := u32(in, 4)
	wctx := ctx
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		wctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}
	if err := d.board().State.WaitInterruptible(wctx); err != nil {
		d.dev.abortTransfer()
		if wctx.Err() == context.DeadlineExceeded {
			return E(op, TimedOut, nil)
		}
		return E(op, Cancelled, err)
	}
	if d.board().State.Cancelled() {
		return E(op, Cancelled, nil)
	}
	return nil
}

// FastTransferRequest layout: Flags u32@4 (bit0 async), Bytes u32@8,
// UserAddr u64@16 in; BytesTransferred u64@24 out.
func (d *Dispatcher) startFastTransfer(ctx context.Context, in, payload []byte) error {
	async := u32(in, 4)&1 != 0
	n, err := d.dev.ReadUser(ctx, uintptr(u64(in, 16)), int(u32(in, 8)), async)
	if err != nil {
		return err
	}
	putU64(payload, 24, uint64(n))
	return nil
}

// BufferedTransferRequest layout: Flags u32@4 (bit0 deinterleave, bit1
// set-region), StartSample u32@8, SampleCount u32@12, UserAddr u64@16,
// UserAddr2 u64@24 in; SamplesRead u64@32 out. Destinations are resolved
// through the DMA buffer table; samples land little-endian in the resolved
// buffers' memory.
func (d *Dispatcher) startBufferedTransfer(ctx context.Context, in, payload []byte) error {
	const op = "dualadc.Dispatcher.startBufferedTransfer"
	flags := u32(in, 4)
	count := int(u32(in, 12))
	if count <= 0 {
		return E(op, InvalidArg, nil)
	}

	req := BufferedRead{
		StartSample:  int(u32(in, 8)),
		SampleCount:  count,
		Deinterleave: flags&bufXferDeinterleave != 0,
		SetRegion:    flags&bufXferSetRegion != 0,
	}

	var dst1, dst2 *dmabuf.Buffer
	var err error
	if addr := uintptr(u64(in, 16)); addr != 0 {
		if dst1, err = d.board().Buffers.Lookup(addr, true, false); err != nil {
			return err
		}
		perDst := count
		if req.Deinterleave {
			perDst = count / 2
		}
		if dst1.Size < perDst*2 {
			return E(op, BufferTooSmall, nil)
		}
		req.Ch1 = make([]uint16, perDst)
	}
	if addr := uintptr(u64(in, 24)); addr != 0 && req.Deinterleave {
		if dst2, err = d.board().Buffers.Lookup(addr, true, false); err != nil {
			return err
		}
		if dst2.Size < count {
			return E(op, BufferTooSmall, nil)
		}
		req.Ch2 = make([]uint16, count/2)
	}

	n, err := d.dev.ReadBuffered(ctx, req)
	if err != nil {
		return err
	}
	if dst1 != nil {
		encodeSamples(dst1.Bytes(), req.Ch1)
	}
	if dst2 != nil {
		encodeSamples(dst2.Bytes(), req.Ch2)
	}
	putU64(payload, 32, uint64(n))
	return nil
}

func encodeSamples(dst []byte, samples []uint16) {
	for i, s := range samples {
		if (i+1)*2 > len(dst) {
			return
		}
		binary.LittleEndian.PutUint16(dst[i*2:], s)
	}
}

// TimestampFifoStatus layout: Available u32@4, Overflow u32@8 out.
func (d *Dispatcher) timestampFifoStatus(payload []byte) error {
	src := tsfifo.NewRegisterSource(d.board().Regs)
	avail, err := src.Available()
	if err != nil {
		return err
	}
	if avail {
		putU32(payload, 4, 1)
	}
	// A zero-item overflow read is the FIFO-full condition.
	if _, overflow, err := src.ReadBatch(nil); err != nil {
		return err
	} else if overflow {
		putU32(payload, 8, 1)
	}
	return nil
}

// TimestampBatchRequest layout: MaxItems u32@4, DstAddr u64@8 in; Count
// u32@16, Overflow u32@20 out. Entries land little-endian uint64 in the
// resolved destination buffer.
func (d *Dispatcher) readTimestampBatch(in, payload []byte) error {
	const op = "dualadc.Dispatcher.readTimestampBatch"
	maxItems := int(u32(in, 4))
	dst, err := d.board().Buffers.Lookup(uintptr(u64(in, 8)), true, false)
	if err != nil {
		return err
	}
	if maxItems <= 0 || maxItems*8 > dst.Size {
		return E(op, InvalidArg, nil)
	}

	tmp := make([]uint64, maxItems)
	n, overflow, err := tsfifo.NewRegisterSource(d.board().Regs).ReadBatch(tmp)
	if err != nil {
		return err
	}
	mem := dst.Bytes()
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(mem[i*8:], tmp[i])
	}
	putU32(payload, 16, uint32(n))
	if overflow {
		putU32(payload, 20, 1)
	}
	return nil
}

// JtagIoRequest layout: Op u32@4, DataOut u32@8 in; DataIn u32@12 out.
// A shift requires the session to hold the JTAG role.
func (d *Dispatcher) jtagIO(in, payload []byte) error {
	const op = "dualadc.Dispatcher.jtagIO"
	switch u32(in, 4) {
	case jtagAcquire:
		return d.sess.AcquireJTAG()
	case jtagRelease:
		d.sess.ReleaseJTAG()
		return nil
	case jtagShift:
		v, err := d.jtagShiftWord(u32(in, 8))
		if err != nil {
			return err
		}
		putU32(payload, 12, v)
		return nil
	default:
		return E(op, InvalidArg, nil)
	}
}

// JtagStreamRequest layout: WordCount u32@4, SrcAddr u64@8, DstAddr u64@16
// in. Words are shifted in order from the source buffer; results land in
// the destination buffer when one is given.
func (d *Dispatcher) jtagStream(in []byte) error {
	const op = "dualadc.Dispatcher.jtagStream"
	count := int(u32(in, 4))
	src, err := d.board().Buffers.Lookup(uintptr(u64(in, 8)), true, false)
	if err != nil {
		return err
	}
	if count <= 0 || count*4 > src.Size {
		return E(op, InvalidArg, nil)
	}
	var dst *dmabuf.Buffer
	if addr := uintptr(u64(in, 16)); addr != 0 {
		if dst, err = d.board().Buffers.Lookup(addr, true, false); err != nil {
			return err
		}
		if count*4 > dst.Size {
			return E(op, BufferTooSmall, nil)
		}
	}

	srcMem := src.Bytes()
	for i := 0; i < count; i++ {
		v, err := d.jtagShiftWord(binary.LittleEndian.Uint32(srcMem[i*4:]))
		if err != nil {
			return err
		}
		if dst != nil {
			binary.LittleEndian.PutUint32(dst.Bytes()[i*4:], v)
		}
	}
	return nil
}

// jtagShiftWord clocks one word through the Config bank's JTAG register
// and reads back what the chain returned.
func (d *Dispatcher) jtagShiftWord(out uint32) (uint32, error) {
	const op = "dualadc.Dispatcher.jtagShiftWord"
	if !d.sess.HoldsJTAG() {
		return 0, E(op, Busy, nil)
	}
	if err := d.board().Regs.Write(regio.Config, cfgRegJtag, out, 0xFFFFFFFF); err != nil {
		return 0, err
	}
	if _, err := d.board().Regs.BusFlush(regio.Config); err != nil {
		return 0, E(op, Unexpected, err)
	}
	return d.board().Regs.Read(regio.Config, cfgRegJtag, regio.FromHardware)
}

// xfer's geometry constants are part of the command surface (a client
// sizing its transfers needs them); re-export the two callers ask about.
const (
	TLPBytes        = xfer.TLPBytes
	DMAFrameSamples = xfer.FrameSamples
)
