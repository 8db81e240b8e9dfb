package dualadc

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/scopeware/dualadc/internal/clockgen"
	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/internal/regio"
	"github.com/scopeware/dualadc/internal/statem"
)

// Info is the static identity and capability data read from a board at
// discovery time: serial number, ordinal, capability flags, channel
// analog front-end configuration, installed FPGA types, board revision,
// and the three independently-versioned firmware images (system, SAB,
// package).
type Info struct {
	Serial          string
	Ordinal         int
	CapabilityFlags uint32

	Channel1Impedance string
	Channel2Impedance string

	SystemFPGAType string
	SABFPGAType    string

	BoardRevision int

	// RAMSamples is the onboard acquisition RAM extent in samples; 0 if
	// discovery could not determine it, which disables the buffered
	// transfer path's region bounds clamp.
	RAMSamples int

	FirmwareSystemVersion  uint32
	FirmwareSABVersion     uint32
	FirmwarePackageVersion uint32
}

// Board is one discovered physical acquisition unit: the data model's
// Device entity. It bundles the register cache, clock generator shim, DMA
// buffer table and acquisition state machine behind a single long-lived
// handle. One process can hold N discovered boards: a single
// initialized-at-startup registry tracks them, and no ambient globals
// exist elsewhere.
type Board struct {
	Info Info
	log  *logrus.Entry

	Regs    *regio.Cache
	Clock   *clockgen.Shim
	Buffers *dmabuf.Table
	State   *statem.Machine

	mu        sync.Mutex // device mutex: serializes arm/mode/JTAG
	refCount  int32
	jtagOwner int

	scratch *dmabuf.Buffer

	dcmResetNeeded int32 // set via MarkDCMResetNeeded; cleared by a successful Arm
}

// NewBoard assembles a Board from its already-constructed subsystem
// handles. Discovery code (board-revision probing, EEPROM reads) builds
// Info and the Bus/Allocator instances before calling this; NewBoard
// itself performs no I/O.
func NewBoard(info Info, regs *regio.Cache, clock *clockgen.Shim, buffers *dmabuf.Table, log *logrus.Entry) *Board {
	return &Board{
		Info:    info,
		log:     log,
		Regs:    regs,
		Clock:   clock,
		Buffers: buffers,
		State:   statem.New(log),
	}
}

// AllocateScratch allocates (once) the driver-internal scratch buffer used
// by the buffered transfer path (internal/xfer), sized in bytes. A second
// call is a no-op: the scratch buffer exists for as long as the device
// stays open.
func (b *Board) AllocateScratch(size int) (*dmabuf.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scratch != nil {
		return b.scratch, nil
	}
	buf, err := b.Buffers.Allocate(size, 0, dmabuf.Scratch)
	if err != nil {
		return nil, E("Board.AllocateScratch", ResourceAllocFailure, err)
	}
	b.scratch = buf
	return buf, nil
}

// Scratch returns the driver-internal scratch buffer, or nil if
// AllocateScratch has not yet been called.
func (b *Board) Scratch() *dmabuf.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scratch
}

// acquireJTAG claims the JTAG role for sessionID, failing with Busy if
// another open session already holds it.
func (b *Board) acquireJTAG(sessionID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jtagOwner != 0 && b.jtagOwner != sessionID {
		return E("Board.acquireJTAG", Busy, nil)
	}
	b.jtagOwner = sessionID
	return nil
}

// releaseJTAG releases the JTAG role if sessionID currently holds it.
func (b *Board) releaseJTAG(sessionID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jtagOwner == sessionID {
		b.jtagOwner = 0
	}
}

// MarkDCMResetNeeded records that the board's sample clock source changed
// (e.g. a clockgen.Init or a logical register write affecting the clock
// tree) and the acquisition-clock DCMs must be relocked before the next
// Arm.
func (b *Board) MarkDCMResetNeeded() {
	atomic.StoreInt32(&b.dcmResetNeeded, 1)
}

// takeDCMResetNeeded atomically reports and clears the flag, so a
// concurrent second Arm does not redundantly reset DCMs already locked by
// the first.
func (b *Board) takeDCMResetNeeded() bool {
	return atomic.SwapInt32(&b.dcmResetNeeded, 0) != 0
}

func (b *Board) retain() int32 { return atomic.AddInt32(&b.refCount, 1) }
func (b *Board) release() int32 {
	return atomic.AddInt32(&b.refCount, -1)
}

// registry is the single process-wide list of discovered boards,
// initialized at startup. Threads that need a Board receive it
// explicitly (via Open or a registry lookup) rather than reaching for a
// package-level variable scattered through the codebase.
type registry struct {
	mu     sync.Mutex
	boards []*Board
}

var defaultRegistry = &registry{}

// Register adds a discovered board to the process-wide registry. Called
// once per physical unit during startup discovery.
func Register(b *Board) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.boards = append(defaultRegistry.boards, b)
}

// Boards returns a snapshot of every registered board.
func Boards() []*Board {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	out := make([]*Board, len(defaultRegistry.boards))
	copy(out, defaultRegistry.boards)
	return out
}

// BoardBySerial returns the registered board with the given serial
// number, or nil if none matches.
func BoardBySerial(serial string) *Board {
	for _, b := range Boards() {
		if b.Info.Serial == serial {
			return b
		}
	}
	return nil
}

// resetRegistryForTest clears the process-wide registry. It is called only
// from this package's tests (session_test.go); production code never needs
// to un-register a board.
func resetRegistryForTest() {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.boards = nil
}
