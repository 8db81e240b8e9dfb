package record

import (
	"context"

	"github.com/scopeware/dualadc/internal/dmabuf"
)

// Device is the narrow hardware/state-machine surface the three recording
// engines drive, playing the role internal/xfer.Engine plays for the two
// DMA transfer paths: a recording engine never touches internal/regio or
// internal/statem directly, only this interface, so it can be driven
// against a fake in tests exactly as internal/xfer's tests do.
type Device interface {
	// AcquireRAM captures n samples into onboard RAM and blocks until the
	// acquisition completes.
	AcquireRAM(ctx context.Context, n int) error
	// ReadRAM drains up to len(dst) samples of the most recently acquired
	// RAM contents via the driver-buffered transfer path, returning the
	// number of samples actually read.
	ReadRAM(ctx context.Context, dst []uint16) (int, error)

	// BeginStreaming arms continuous FIFO-buffered PCI acquisition mode,
	// the prerequisite both streaming variants share.
	BeginStreaming(ctx context.Context) error
	// StartChunk begins an asynchronous DMA of length bytes at offset
	// into buf.
	StartChunk(ctx context.Context, buf *dmabuf.Buffer, offset, length int) error
	// WaitChunk blocks until the most recently started chunk completes,
	// returning the number of bytes actually transferred and whether the
	// hardware reported a PCI FIFO overflow.
	WaitChunk(ctx context.Context) (n int, overflow bool, err error)
	// EndStreaming issues the hardware "end buffered PCI acquisition"
	// routine and forces Standby. The hardware's blocking contract is
	// undocumented; this module treats it as synchronous completion of
	// the current transfer.
	EndStreaming() error
}

// bytesToSamples reinterprets a little-endian byte slice as a uint16
// sample slice, the wire layout every DMA buffer and sink in this module
// shares.
func bytesToSamples(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = uint16(b[i*2]) | uint16(b[i*2+1])<<8
	}
	return out
}
