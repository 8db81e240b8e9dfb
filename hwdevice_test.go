package dualadc

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/internal/regio"
	"github.com/scopeware/dualadc/internal/statem"
)

func newHWTestBoard(t *testing.T) (*Board, *regio.FakeBus) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	layout := map[regio.Bank]regio.BankLayout{
		regio.Device: {Words: 0x15, Serial: map[int]bool{}, Status: map[int]bool{0xD: true}},
		regio.DMA:    {Words: 8, Serial: map[int]bool{}, Status: map[int]bool{6: true}},
		regio.Config: {Words: 16, Serial: map[int]bool{}, Status: map[int]bool{}},
	}
	bus := regio.NewFakeBus()
	regs := regio.NewCache(bus, layout, log)
	buffers := dmabuf.NewTable(dmabuf.NewFakeAllocator(0x8000), log)
	return NewBoard(Info{Serial: "HWTEST"}, regs, nil, buffers, log), bus
}

// armAndComplete starts a goroutine that fires the board's completion
// interrupt shortly after the caller starts a wait, mimicking the hardware
// ISR internal/statem's package doc describes.
func armAndComplete(b *Board) {
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.State.OnInterrupt()
	}()
}

func TestHWDeviceAcquireRAMDrivesDMARegisters(t *testing.T) {
	b, bus := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)

	armAndComplete(b)
	require.NoError(t, NewHWDevice(sess, nil).AcquireRAM(context.Background(), 1024))

	_, writes := bus.Counts()
	assert.Greater(t, writes, 0)
}

func TestHWDeviceBeginStreamingThenStartChunkTransitionsToXferBuffered(t *testing.T) {
	b, _ := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)

	buf, err := sess.Board.Buffers.Allocate(4096, sess.ID, 0)
	require.NoError(t, err)

	dev := NewHWDevice(sess, nil)
	require.NoError(t, dev.BeginStreaming(context.Background()))

	require.NoError(t, dev.StartChunk(context.Background(), buf, 0, 256))
	assert.Equal(t, statem.XferBuffered, b.State.State())

	armAndComplete(b)
	n, overflow, err := dev.WaitChunk(context.Background())
	require.NoError(t, err)
	assert.False(t, overflow)
	assert.Equal(t, 256, n)
}

func TestHWDeviceReadRAMWaitsForItsOwnCompletion(t *testing.T) {
	b, _ := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)
	_, err = b.AllocateScratch(4096)
	require.NoError(t, err)

	dev := NewHWDevice(sess, nil)

	armAndComplete(b)
	require.NoError(t, dev.AcquireRAM(context.Background(), 256))

	// AcquireRAM's interrupt latches the machine's sticky completion event.
	// If ReadRAM's own wait observed that stale latch instead of a fresh
	// completion, it would return immediately without actually waiting for
	// the read-back DMA this call starts.
	dst := make([]uint16, 256)
	done := make(chan error, 1)
	go func() {
		_, err := dev.ReadRAM(context.Background(), dst)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("ReadRAM returned before its own completion interrupt fired: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	b.State.OnInterrupt()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadRAM never observed its own completion interrupt")
	}
}

func TestHWDeviceReadBufferedProgramsActiveRegion(t *testing.T) {
	b, bus := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)
	_, err = b.AllocateScratch(4096)
	require.NoError(t, err)

	var regWrites []struct {
		index int
		value uint32
	}
	bus.OnWrite(func(bank regio.Bank, index int, value uint32) {
		if bank == regio.Device {
			regWrites = append(regWrites, struct {
				index int
				value uint32
			}{index, value})
		}
	})

	dev := NewHWDevice(sess, nil)
	armAndComplete(b)
	dst := make([]uint16, 300)
	n, err := dev.ReadBuffered(context.Background(), BufferedRead{
		Ch1:         dst,
		StartSample: 4100,
		SampleCount: 300,
		SetRegion:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 300, n)

	// Start dropped to the board's 4096-sample granularity; count padded
	// past the 4-sample skip to the next two-frame boundary.
	require.Len(t, regWrites, 2)
	assert.Equal(t, devRegStartSample, regWrites[0].index)
	assert.Equal(t, uint32(4096), regWrites[0].value)
	assert.Equal(t, devRegSampleCount, regWrites[1].index)
	assert.Equal(t, uint32(384), regWrites[1].value)
}

func TestHWDeviceReadBufferedAsyncNotImplemented(t *testing.T) {
	b, _ := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)
	_, err = b.AllocateScratch(4096)
	require.NoError(t, err)

	_, err = NewHWDevice(sess, nil).ReadBuffered(context.Background(), BufferedRead{
		Ch1:         make([]uint16, 64),
		SampleCount: 64,
		Async:       true,
	})
	require.Error(t, err)
	assert.Equal(t, NotImplemented, KindOf(err))
}

func TestHWDeviceReadBufferedFreeRunRequiresFrameAlignedCount(t *testing.T) {
	b, _ := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)
	_, err = b.AllocateScratch(4096)
	require.NoError(t, err)

	_, err = NewHWDevice(sess, nil).ReadBuffered(context.Background(), BufferedRead{
		Ch1:         make([]uint16, 100),
		SampleCount: 100, // not a multiple of the 64-sample DMA frame
	})
	require.Error(t, err)
	assert.Equal(t, InvalidArg, KindOf(err))
}

func TestHWDeviceReadUserResolvesMappedBufferAndReturnsIdle(t *testing.T) {
	b, _ := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)

	buf, err := sess.Board.Buffers.Allocate(4096, sess.ID, 0)
	require.NoError(t, err)
	buf, err = sess.Board.Buffers.MapToUserspace(buf.ID)
	require.NoError(t, err)

	dev := NewHWDevice(sess, nil)
	armAndComplete(b)
	// An address 256 bytes into the mapping must resolve to the same
	// buffer, with the transfer offset carried through.
	n, err := dev.ReadUser(context.Background(), buf.UserAddr+256, 512, false)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, statem.Idle, b.State.State())
}

func TestHWDeviceReadUserValidation(t *testing.T) {
	b, _ := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)

	buf, err := sess.Board.Buffers.Allocate(1024, sess.ID, 0)
	require.NoError(t, err)
	buf, err = sess.Board.Buffers.MapToUserspace(buf.ID)
	require.NoError(t, err)

	dev := NewHWDevice(sess, nil)

	_, err = dev.ReadUser(context.Background(), buf.UserAddr, 100, false)
	require.Error(t, err, "byte count must be a whole number of TLPs")
	assert.Equal(t, InvalidArg, KindOf(err))

	_, err = dev.ReadUser(context.Background(), buf.UserAddr+512, 1024, false)
	require.Error(t, err, "transfer must fit the remaining extent")
	assert.Equal(t, BufferTooSmall, KindOf(err))

	_, err = dev.ReadUser(context.Background(), 0xdead0000, 256, false)
	require.Error(t, err, "unmapped addresses must not resolve")
	assert.Equal(t, InvalidDmaAddr, KindOf(err))
}

func TestHWDeviceReadUserAsyncCompletesThroughFinishUser(t *testing.T) {
	b, _ := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)

	buf, err := sess.Board.Buffers.Allocate(4096, sess.ID, 0)
	require.NoError(t, err)
	buf, err = sess.Board.Buffers.MapToUserspace(buf.ID)
	require.NoError(t, err)

	dev := NewHWDevice(sess, nil)
	_, err = dev.ReadUser(context.Background(), buf.UserAddr, 512, true)
	require.NoError(t, err)
	assert.Equal(t, statem.XferFast, b.State.State())

	armAndComplete(b)
	n, err := dev.FinishUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, statem.Idle, b.State.State())
}

func TestHWDeviceCancelledReadUserStopsInitiatorAndReturnsIdle(t *testing.T) {
	b, bus := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)

	buf, err := sess.Board.Buffers.Allocate(4096, sess.ID, 0)
	require.NoError(t, err)
	buf, err = sess.Board.Buffers.MapToUserspace(buf.ID)
	require.NoError(t, err)

	var startWrites []uint32
	bus.OnWrite(func(bank regio.Bank, index int, value uint32) {
		if bank == regio.DMA && index == dmaRegStart {
			startWrites = append(startWrites, value)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	dev := NewHWDevice(sess, nil)
	_, err = dev.ReadUser(ctx, buf.UserAddr, 512, false)
	require.Error(t, err)
	assert.Equal(t, Cancelled, KindOf(err))

	// The cancelled wait must stop the in-flight DMA, not just return: the
	// start write carries the start bit, the abort write clears it.
	require.GreaterOrEqual(t, len(startWrites), 2)
	assert.NotZero(t, startWrites[0]&dmaStartBit)
	assert.Zero(t, startWrites[len(startWrites)-1]&dmaStartBit)

	assert.Equal(t, statem.Idle, b.State.State(), "a cancelled transfer must unwind to Idle")
}

func TestHWDeviceCancelledAcquireRAMLeavesDeviceArmable(t *testing.T) {
	b, _ := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	dev := NewHWDevice(sess, nil)
	err = dev.AcquireRAM(ctx, 1024)
	require.Error(t, err)
	assert.Equal(t, statem.Idle, b.State.State())

	// The device must be immediately re-armable, not stuck mid-acquisition.
	require.NoError(t, sess.Arm(statem.ModeRamAcquire))
	require.NoError(t, b.State.Complete(sess.ID))
}

func TestServiceInterruptNotOurs(t *testing.T) {
	b, bus := newHWTestBoard(t)

	var clearWrites int
	bus.OnWrite(func(bank regio.Bank, index int, value uint32) {
		if bank == regio.DMA && (index == dmaRegClearIrqA || index == dmaRegClearIrqB) {
			clearWrites++
		}
	})

	ours, err := b.ServiceInterrupt()
	require.NoError(t, err)
	assert.False(t, ours)
	assert.Zero(t, clearWrites, "a foreign interrupt must not be acknowledged")
}

func TestServiceInterruptDmaCompleteCountsBytesAndWakesWaiter(t *testing.T) {
	b, bus := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)
	require.NoError(t, sess.Arm(statem.ModeStandard))
	require.NoError(t, b.State.BeginTransfer(statem.XferFast))

	bus.Poke(regio.DMA, dmaRegIrqStatus, irqDmaComplete)
	bus.Poke(regio.DMA, dmaRegLength, 4096)

	done := make(chan error, 1)
	go func() { done <- b.State.WaitInterruptible(context.Background()) }()

	ours, err := b.ServiceInterrupt()
	require.NoError(t, err)
	assert.True(t, ours)

	select {
	case werr := <-done:
		require.NoError(t, werr)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by the DMA-complete interrupt")
	}

	completions, bytes, _ := b.State.DMAStats()
	assert.Equal(t, uint64(1), completions)
	assert.Equal(t, uint64(4096), bytes)
}

func TestServiceInterruptClearsPerFirmwareVersion(t *testing.T) {
	for _, tc := range []struct {
		name       string
		firmware   uint32
		wantClears []int
	}{
		{"old firmware clears both through one register", dualIrqClearFirmware - 1, []int{dmaRegClearIrqA}},
		{"new firmware clears each source independently", dualIrqClearFirmware, []int{dmaRegClearIrqA, dmaRegClearIrqB}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, bus := newHWTestBoard(t)
			b.Info.FirmwarePackageVersion = tc.firmware
			bus.Poke(regio.DMA, dmaRegIrqStatus, irqSamplesComplete)

			var clears []int
			bus.OnWrite(func(bank regio.Bank, index int, value uint32) {
				if bank == regio.DMA && (index == dmaRegClearIrqA || index == dmaRegClearIrqB) {
					clears = append(clears, index)
				}
			})

			ours, err := b.ServiceInterrupt()
			require.NoError(t, err)
			assert.True(t, ours)
			assert.Equal(t, tc.wantClears, clears)
		})
	}
}

// chanWaiter adapts a channel to InterruptWaiter for ServeInterrupts tests.
type chanWaiter struct{ ch chan int }

func (w *chanWaiter) Wait(timeoutms int) (int, error) {
	select {
	case n := <-w.ch:
		return n, nil
	case <-time.After(time.Duration(timeoutms) * time.Millisecond):
		return 0, nil
	}
}

func TestServeInterruptsPumpsNotificationsUntilCancelled(t *testing.T) {
	b, bus := newHWTestBoard(t)
	bus.Poke(regio.DMA, dmaRegIrqStatus, irqSamplesComplete)

	w := &chanWaiter{ch: make(chan int, 1)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.ServeInterrupts(ctx, w) }()

	w.ch <- 1
	require.Eventually(t, func() bool {
		_, _, interrupts := b.State.Stats()
		return interrupts > 0
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ServeInterrupts did not stop on ctx cancellation")
	}
}

func TestHWDeviceWaitChunkReportsFifoOverflow(t *testing.T) {
	b, bus := newHWTestBoard(t)
	sess, err := Open(b, 0)
	require.NoError(t, err)

	buf, err := sess.Board.Buffers.Allocate(4096, sess.ID, 0)
	require.NoError(t, err)

	dev := NewHWDevice(sess, nil)
	require.NoError(t, dev.BeginStreaming(context.Background()))
	require.NoError(t, dev.StartChunk(context.Background(), buf, 0, 256))

	bus.Poke(regio.Device, 0xD, statusPciFifoFull)
	armAndComplete(b)

	_, overflow, err := dev.WaitChunk(context.Background())
	require.NoError(t, err)
	assert.True(t, overflow)
}
