package xfer

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/scopeware/dualadc/internal/dmabuf"
	dualadc "github.com/scopeware/dualadc/internal/errs"
	"github.com/scopeware/dualadc/internal/statem"
)

// Hardware transfer geometry. Every DMA the board performs moves whole
// TLPs; the DMA engine's unit of transfer (the "frame") is one TLP, and a
// partial-frame transfer does not exist in hardware, so a buffered read's
// active memory region is padded out to twice the frame size and the start
// address is dropped back to the board's start-sample granularity, with the
// difference skipped in software after the first chunk lands.
const (
	// SampleBytes is the wire size of one ADC sample.
	SampleBytes = 2
	// TLPBytes is the fixed PCIe transaction-layer packet payload: 32
	// dwords. Per-transfer byte counts must be a multiple of this.
	TLPBytes = 128
	// FrameSamples is the DMA frame size in samples.
	FrameSamples = TLPBytes / SampleBytes
	// StartSampleAlign is the granularity of the active memory region's
	// start address.
	StartSampleAlign = 4096
	// MinBufferedSamples and MaxBufferedSamples bound the driver's scratch
	// buffer for buffered transfers; both are powers of two.
	MinBufferedSamples = 65536 / SampleBytes
	MaxBufferedSamples = 262144 / SampleBytes
	// MaxRequestBytes caps a single buffered-transfer request.
	MaxRequestBytes = 60 * 1048576
)

// AlignRegion computes the hardware active-memory region for a buffered
// read of count samples starting at start: the start address dropped back
// to StartSampleAlign, the count padded up to twice the frame size, and the
// number of leading samples the software copy loop must skip to land the
// caller on their requested first sample. ramSamples is the board's onboard
// RAM extent; zero means unknown, which skips the bounds clamp.
func AlignRegion(start, count, ramSamples int) (hwStart, hwCount, skip int, err error) {
	const op = "xfer.AlignRegion"
	if start < 0 || count <= 0 {
		return 0, 0, 0, dualadc.E(op, dualadc.InvalidArg, nil)
	}
	if ramSamples > 0 && (start > ramSamples || start+count > ramSamples) {
		return 0, 0, 0, dualadc.E(op, dualadc.InvalidArg, nil)
	}

	hwStart = start &^ (StartSampleAlign - 1)
	if ramSamples > 0 {
		// Partial-frame transfers don't exist, so the start must sit far
		// enough back for at least one whole frame.
		highest := ramSamples - FrameSamples
		if hwStart > highest {
			hwStart = highest &^ (StartSampleAlign - 1)
		}
	}
	skip = start - hwStart

	align := 2 * FrameSamples
	hwCount = (count + skip + align - 1) &^ (align - 1)
	return hwStart, hwCount, skip, nil
}

// deintStrategy is the closed set of deinterleave implementations; one is
// chosen per transfer based on which destination buffers the caller
// provided, then never re-selected mid-run.
type deintStrategy int

const (
	deintBoth deintStrategy = iota // even samples to ch1, odd to ch2
	deintCh1Only                   // stride 2 from offset 0
	deintCh2Only                   // stride 2 from offset 1
)

// deinterleaver splits an interleaved dual-channel sample stream across up
// to two destination buffers. Positions persist across chunks.
type deinterleaver struct {
	strategy deintStrategy
	ch1, ch2 []uint16
	n1, n2   int
}

func (d *deinterleaver) copyChunk(src []uint16) {
	switch d.strategy {
	case deintBoth:
		for i := 0; i+1 < len(src); i += 2 {
			d.ch1[d.n1] = src[i]
			d.ch2[d.n2] = src[i+1]
			d.n1++
			d.n2++
		}
	case deintCh1Only:
		for i := 0; i < len(src); i += 2 {
			d.ch1[d.n1] = src[i]
			d.n1++
		}
	case deintCh2Only:
		for i := 1; i < len(src); i += 2 {
			d.ch2[d.n2] = src[i]
			d.n2++
		}
	}
}

// BufferedRequest describes one driver-buffered transfer: a read of
// SampleCount samples chunked through the driver's scratch buffer into the
// caller's ordinary (non-DMA) destination slices, optionally split by
// channel. SkipSamples leading samples of the first chunk are discarded
// (AlignRegion computes this when the caller owns the region setup).
type BufferedRequest struct {
	// Ch1 receives the sample stream, or the even-index (channel 1)
	// samples when Deinterleave is set. With Deinterleave it may be nil if
	// only channel 2 is wanted.
	Ch1 []uint16
	// Ch2 receives the odd-index (channel 2) samples; Deinterleave only.
	Ch2 []uint16

	SampleCount int
	SkipSamples int

	Deinterleave bool
	// Async is accepted for wire compatibility but not implemented.
	Async bool
}

// BufferedResult reports the outcome of a BufferedTransfer.
type BufferedResult struct {
	SamplesCopied int
	Chunks        int
	Cancelled     bool
}

// BufferedTransfer runs the driver-buffered transfer loop: repeated
// synchronous DMA chunks into scratch, each followed by a copy (or
// deinterleaved copy) of the newly landed samples into the caller's
// buffers. The machine must already be in the XferBuffered state; it stays
// there across chunk completions and the caller drops it back to Idle.
func BufferedTransfer(ctx context.Context, m *statem.Machine, eng Engine, scratch *dmabuf.Buffer, req BufferedRequest, log *logrus.Entry) (BufferedResult, error) {
	const op = "xfer.BufferedTransfer"
	if req.Async {
		return BufferedResult{}, dualadc.E(op, dualadc.NotImplemented, nil)
	}
	if m.State() != statem.XferBuffered {
		return BufferedResult{}, dualadc.E(op, dualadc.InvalidMode, nil)
	}
	if req.SampleCount < 0 || req.SkipSamples < 0 {
		return BufferedResult{}, dualadc.E(op, dualadc.InvalidArg, nil)
	}
	if req.SampleCount*SampleBytes > MaxRequestBytes {
		return BufferedResult{}, dualadc.E(op, dualadc.InvalidArg, nil)
	}
	if req.SampleCount == 0 {
		return BufferedResult{}, nil
	}

	var deint *deinterleaver
	if req.Deinterleave {
		perChan := req.SampleCount / 2
		switch {
		case req.Ch1 != nil && req.Ch2 != nil:
			if len(req.Ch1) < perChan || len(req.Ch2) < perChan {
				return BufferedResult{}, dualadc.E(op, dualadc.BufferTooSmall, nil)
			}
			deint = &deinterleaver{strategy: deintBoth, ch1: req.Ch1, ch2: req.Ch2}
		case req.Ch1 != nil:
			if len(req.Ch1) < perChan {
				return BufferedResult{}, dualadc.E(op, dualadc.BufferTooSmall, nil)
			}
			deint = &deinterleaver{strategy: deintCh1Only, ch1: req.Ch1}
		case req.Ch2 != nil:
			if len(req.Ch2) < perChan {
				return BufferedResult{}, dualadc.E(op, dualadc.BufferTooSmall, nil)
			}
			deint = &deinterleaver{strategy: deintCh2Only, ch2: req.Ch2}
		default:
			return BufferedResult{}, nil
		}
	} else {
		if req.Ch1 == nil {
			return BufferedResult{}, dualadc.E(op, dualadc.InvalidArg, nil)
		}
		if len(req.Ch1) < req.SampleCount {
			return BufferedResult{}, dualadc.E(op, dualadc.BufferTooSmall, nil)
		}
	}

	scratchSamples := scratch.Size / SampleBytes
	skip := req.SkipSamples
	left := req.SampleCount
	var res BufferedResult
	dst := req.Ch1

	for left > 0 {
		want := left + skip
		if want > scratchSamples {
			want = scratchSamples
		}
		if err := eng.StartChunk(ctx, scratch, 0, want*SampleBytes); err != nil {
			return res, dualadc.E(op, dualadc.Unexpected, err)
		}
		n, err := eng.WaitChunk(ctx)
		if err != nil {
			if dualadc.KindOf(err) == dualadc.Cancelled || m.Cancelled() {
				res.Cancelled = true
				return res, nil
			}
			return res, dualadc.E(op, dualadc.Unexpected, err)
		}
		res.Chunks++

		got := n / SampleBytes
		if got <= skip {
			// A truncated chunk that never reached past the skip region
			// means the transfer was cut short underneath us.
			res.Cancelled = m.Cancelled()
			if res.Cancelled {
				return res, nil
			}
			return res, dualadc.E(op, dualadc.Unexpected, nil)
		}
		newSamples := got - skip
		toCopy := newSamples
		if toCopy > left {
			toCopy = left
		}

		raw := scratch.Bytes()[skip*SampleBytes : (skip+toCopy)*SampleBytes]
		chunk := make([]uint16, toCopy)
		for i := range chunk {
			chunk[i] = uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
		}
		if deint != nil {
			deint.copyChunk(chunk)
		} else {
			copy(dst, chunk)
			dst = dst[toCopy:]
		}

		skip = 0
		left -= toCopy
		res.SamplesCopied += toCopy
	}
	return res, nil
}
