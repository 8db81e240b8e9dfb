// Package dmabuf implements the DMA buffer table: tracking allocated,
// locked, physically-contiguous-per-page coherent memory regions used as
// the target of PCIe DMA transfers, their kernel- and user-space mappings,
// and the bus (physical) address the DMA engine programs. The table tracks
// many buffers, each with an owning session, so frees can target a single
// buffer, everything a session owns, or everything user-mapped at once.
package dmabuf

import (
	"sync"

	"github.com/sirupsen/logrus"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// AddrSpace distinguishes a buffer that lives in kernel space only from one
// also mapped into a user process's address space.
type AddrSpace int

const (
	KernelOnly AddrSpace = iota
	KernelAndUser
)

// Flags captures per-buffer allocation attributes.
type Flags int

const (
	// ReservedPages marks a buffer carved out of a boot-time reserved
	// contiguous region rather than allocated on demand.
	ReservedPages Flags = 1 << iota
	// Scratch marks a buffer used for driver-internal bookkeeping, never
	// handed to user space and exempt from AllUser frees.
	Scratch
)

// Buffer describes one allocated DMA-capable region.
type Buffer struct {
	ID         int
	Size       int
	KernelAddr uintptr
	UserAddr   uintptr // 0 until MapToUserspace succeeds
	BusAddr    uint64
	Owner      int // owning session ID; 0 means unowned/driver-internal
	AddrSpace  AddrSpace
	Flags      Flags

	mem []byte // backing allocation; nil once freed
}

// Allocator is the platform hook that performs the actual coherent,
// page-locked allocation and resolves its bus address. alloc_linux.go
// implements it with mmap+mlock and a /proc/self/pagemap walk, mirroring
// host/pmem.Alloc and virtToPhys.
type Allocator interface {
	Allocate(size int) (mem []byte, kernelAddr uintptr, busAddr uint64, err error)
	Free(mem []byte) error
	MapToUserspace(mem []byte) (userAddr uintptr, err error)
	UnmapFromUserspace(userAddr uintptr, size int) error
}

// Table is the DMA buffer table: the set of currently allocated buffers,
// keyed by ID, guarded by a single mutex (buffer allocation is inherently
// rare and slow compared to the register cache's short lock, so a plain
// mutex rather than regio's spinlock-style short lock is appropriate here).
type Table struct {
	alloc Allocator
	log   *logrus.Entry

	mu      sync.Mutex
	buffers map[int]*Buffer
	nextID  int
}

// NewTable returns an empty buffer table backed by alloc.
func NewTable(alloc Allocator, log *logrus.Entry) *Table {
	return &Table{alloc: alloc, log: log, buffers: make(map[int]*Buffer), nextID: 1}
}

// Allocate reserves a new buffer of at least size bytes, owned by owner
// (a session ID; 0 for driver-internal scratch buffers).
func (t *Table) Allocate(size int, owner int, flags Flags) (*Buffer, error) {
	if size <= 0 {
		return nil, dualadc.E("dmabuf.Allocate", dualadc.InvalidArg, nil)
	}
	mem, kernelAddr, busAddr, err := t.alloc.Allocate(size)
	if err != nil {
		return nil, dualadc.E("dmabuf.Allocate", dualadc.DmaBufAllocFail, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &Buffer{
		ID:         t.nextID,
		Size:       size,
		KernelAddr: kernelAddr,
		BusAddr:    busAddr,
		Owner:      owner,
		AddrSpace:  KernelOnly,
		Flags:      flags,
		mem:        mem,
	}
	t.nextID++
	t.buffers[b.ID] = b
	return b, nil
}

// MapToUserspace establishes a userspace mapping for an existing
// kernel-only buffer and records its user address.
func (t *Table) MapToUserspace(id int) (*Buffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buffers[id]
	if !ok {
		return nil, dualadc.E("dmabuf.MapToUserspace", dualadc.InvalidObjectHandle, nil)
	}
	if b.AddrSpace == KernelAndUser {
		return b, nil
	}
	userAddr, err := t.alloc.MapToUserspace(b.mem)
	if err != nil {
		return nil, dualadc.E("dmabuf.MapToUserspace", dualadc.ResourceAllocFailure, err)
	}
	b.UserAddr = userAddr
	b.AddrSpace = KernelAndUser
	return b, nil
}

// Lookup finds the buffer containing addr. If exact is true, addr must
// equal a buffer's base address exactly; otherwise any address within a
// buffer's extent resolves to that buffer (the "offset-allowed" lookup
// used for mid-buffer DMA continuation addresses).
func (t *Table) Lookup(addr uintptr, userSpace bool, exact bool) (*Buffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buffers {
		base := b.KernelAddr
		if userSpace {
			base = b.UserAddr
		}
		if base == 0 {
			continue
		}
		if exact {
			if addr == base {
				return b, nil
			}
			continue
		}
		if addr >= base && addr < base+uintptr(b.Size) {
			return b, nil
		}
	}
	return nil, dualadc.E("dmabuf.Lookup", dualadc.InvalidDmaAddr, nil)
}

// FreeCriterion selects which buffers a Free call targets.
type FreeCriterion struct {
	ByUserAddr   *uintptr
	ByKernelAddr *uintptr
	BySession    *int
	All          bool
	AllUser      bool // every buffer mapped into any user process, Scratch excluded
}

// Free releases every buffer matching criterion, returning the count freed.
// The matching buffers are spliced out of the table under t.mu, but the
// actual alloc.Free/UnmapFromUserspace calls (real munmap/munlock syscalls
// that may sleep) run after the lock is released, so a slow coherent-region
// release never blocks a concurrent Allocate/Lookup/MapToUserspace call.
func (t *Table) Free(criterion FreeCriterion) (int, error) {
	t.mu.Lock()
	var toFree []*Buffer
	for _, b := range t.buffers {
		switch {
		case criterion.ByUserAddr != nil:
			if b.UserAddr == *criterion.ByUserAddr {
				toFree = append(toFree, b)
			}
		case criterion.ByKernelAddr != nil:
			if b.KernelAddr == *criterion.ByKernelAddr {
				toFree = append(toFree, b)
			}
		case criterion.BySession != nil:
			if b.Owner == *criterion.BySession {
				toFree = append(toFree, b)
			}
		case criterion.All:
			toFree = append(toFree, b)
		case criterion.AllUser:
			if b.AddrSpace == KernelAndUser && b.Flags&Scratch == 0 {
				toFree = append(toFree, b)
			}
		}
	}
	for _, b := range toFree {
		delete(t.buffers, b.ID)
	}
	t.mu.Unlock()

	freed := 0
	var firstErr error
	for _, b := range toFree {
		if b.AddrSpace == KernelAndUser {
			if err := t.alloc.UnmapFromUserspace(b.UserAddr, b.Size); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := t.alloc.Free(b.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		freed++
	}
	if firstErr != nil {
		return freed, dualadc.E("dmabuf.Free", dualadc.Unexpected, firstErr)
	}
	return freed, nil
}

// Count returns the number of buffers currently tracked, for diagnostics
// and tests.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffers)
}

// Bytes returns the buffer's backing memory, for callers (the xfer
// package's chunk deinterleaving) that need direct access to the bytes a
// completed DMA chunk deposited.
func (b *Buffer) Bytes() []byte { return b.mem }
