// Package xfer implements the two synchronous DMA transfer paths: the
// single-shot "fast DMA" (one chunk into a caller's pre-mapped DMA buffer,
// started and waited on in one blocking step) and the driver-buffered
// transfer (chunked through the board's scratch buffer into ordinary
// caller memory, with optional channel deinterleaving and alignment-skip
// handling). The continuously chunked streaming paths are not here: a
// recording engine drives those directly through record.Device instead
// (see record/device.go's doc comment: that interface plays the Engine
// role this package plays for the synchronous paths, because the
// ping-pong and chained engines' overlap and producer/consumer pipelining
// has no equivalent in a blocking start/wait step).
package xfer

import (
	"context"

	"github.com/sirupsen/logrus"

	dualadc "github.com/scopeware/dualadc/internal/errs"
	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/internal/statem"
)

// Engine is the hardware hook FastDMA drives: starting a DMA of a given
// chunk size into a given buffer, and reporting how many bytes the
// completed chunk actually delivered (a short request can deliver less
// than asked for if the machine is aborted mid-transfer).
type Engine interface {
	StartChunk(ctx context.Context, buf *dmabuf.Buffer, offset, length int) error
	// WaitChunk blocks until the most recently started chunk completes (or
	// ctx is done) and returns the number of bytes actually transferred.
	WaitChunk(ctx context.Context) (int, error)
}

// FastResult reports the outcome of a FastDMA transfer.
type FastResult struct {
	BytesTransferred int
	Cancelled        bool
}

// FastDMA runs the synchronous single-shot transfer: one
// chunk, sized to the whole request, started and waited on without
// chunking or deinterleaving. offset positions the transfer within buf for
// a caller whose user address resolved mid-buffer. The caller's machine
// must already be in the XferFast state.
func FastDMA(ctx context.Context, m *statem.Machine, eng Engine, buf *dmabuf.Buffer, offset, length int, log *logrus.Entry) (FastResult, error) {
	if m.State() != statem.XferFast {
		return FastResult{}, dualadc.E("xfer.FastDMA", dualadc.InvalidMode, nil)
	}
	if offset < 0 || length <= 0 || offset+length > buf.Size {
		return FastResult{}, dualadc.E("xfer.FastDMA", dualadc.BufferTooSmall, nil)
	}
	if length%TLPBytes != 0 {
		return FastResult{}, dualadc.E("xfer.FastDMA", dualadc.InvalidArg, nil)
	}

	if err := eng.StartChunk(ctx, buf, offset, length); err != nil {
		return FastResult{}, dualadc.E("xfer.FastDMA", dualadc.Unexpected, err)
	}
	n, err := eng.WaitChunk(ctx)
	if err != nil {
		if dualadc.KindOf(err) == dualadc.Cancelled || m.Cancelled() {
			return FastResult{BytesTransferred: n, Cancelled: true}, nil
		}
		return FastResult{}, dualadc.E("xfer.FastDMA", dualadc.Unexpected, err)
	}
	return FastResult{BytesTransferred: n}, nil
}
