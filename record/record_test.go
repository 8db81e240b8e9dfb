package record

import (
	"context"
	"sync"

	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/record/sink"
)

// fakeDevice backs the recording engine tests exactly as xfer_test.go's
// fakeEngine backs the transfer-path tests: it never touches real
// hardware, producing a deterministic incrementing sample stream so each
// test can assert on exactly what a sink received.
type fakeDevice struct {
	mu sync.Mutex

	// next is the next sample value AcquireRAM/StartChunk will begin
	// filling from; each call advances it by the number of samples it
	// produced, so every sample across the whole run is unique.
	next uint16

	ramSamples int
	chunkLen   int // bytes delivered by the most recently started chunk

	overflowOnChunk int // 1-based chunk index at which WaitChunk reports overflow; 0 disables
	errOnChunk      int // 1-based chunk index at which WaitChunk returns err; 0 disables
	err             error
	chunksStarted   int

	beginErr error
	endErr   error

	acquireCalls int
	readCalls    int
	beginCalls   int
	endCalls     int
}

func (f *fakeDevice) AcquireRAM(ctx context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireCalls++
	f.ramSamples = n
	return nil
}

func (f *fakeDevice) ReadRAM(ctx context.Context, dst []uint16) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++
	n := f.ramSamples
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = f.next
		f.next++
	}
	return n, nil
}

func (f *fakeDevice) BeginStreaming(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beginCalls++
	return f.beginErr
}

func (f *fakeDevice) StartChunk(ctx context.Context, buf *dmabuf.Buffer, offset, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunksStarted++
	f.chunkLen = length
	for i := 0; i < length/2; i++ {
		b := buf.Bytes()[offset+i*2 : offset+i*2+2]
		b[0] = byte(f.next)
		b[1] = byte(f.next >> 8)
		f.next++
	}
	return nil
}

func (f *fakeDevice) WaitChunk(ctx context.Context) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overflowOnChunk > 0 && f.chunksStarted == f.overflowOnChunk {
		return 0, true, nil
	}
	if f.errOnChunk > 0 && f.chunksStarted == f.errOnChunk {
		return 0, false, f.err
	}
	return f.chunkLen, false, nil
}

func (f *fakeDevice) EndStreaming() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	return f.endErr
}

// collectSink accumulates every sample handed to it, for assertions, and
// records Init/Release calls to check the Sink contract's call ordering.
type collectSink struct {
	mu sync.Mutex

	inited   bool
	released bool
	samples  []uint16
	writeErr error
	srdcCB   sink.SrdcCallback
}

func (s *collectSink) Init(totalSamples int64, channelCount int) error {
	s.inited = true
	return nil
}

func (s *collectSink) Write(samples []uint16) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *collectSink) Release() error {
	s.released = true
	return nil
}

func (s *collectSink) SetSrdcGenCallback(cb sink.SrdcCallback) { s.srdcCB = cb }
func (s *collectSink) GetCurrentFilePath() string              { return "" }
func (s *collectSink) GetCurrentFileSamples() int64            { return 0 }

func (s *collectSink) all() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, len(s.samples))
	copy(out, s.samples)
	return out
}

func newTestChainBuffer(size int) *dmabuf.Buffer {
	tbl := dmabuf.NewTable(dmabuf.NewFakeAllocator(0x4000), nil)
	buf, err := tbl.Allocate(size, 1, 0)
	if err != nil {
		panic(err)
	}
	return buf
}
