//go:build linux

package dmabuf

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// pageSize mirrors host/pmem.Alloc's use of os.Getpagesize rather than a
// hardcoded constant, since the allocation must round up to whatever page
// size the running kernel actually uses.
var pageSize = os.Getpagesize()

// LinuxAllocator allocates coherent, page-locked memory with mmap+mlock and
// resolves each page's physical (bus) address through /proc/self/pagemap.
type LinuxAllocator struct{}

func roundUpPage(size int) int {
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}
	return size
}

func (LinuxAllocator) Allocate(size int) ([]byte, uintptr, uint64, error) {
	size = roundUpPage(size)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, 0, 0, dualadc.E("dmabuf.LinuxAllocator.Allocate", dualadc.OutOfMemory, err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, 0, 0, dualadc.E("dmabuf.LinuxAllocator.Allocate", dualadc.DmaBufAllocFail, err)
	}
	kernelAddr := sliceAddr(mem)
	busAddr, err := virtToPhys(kernelAddr)
	if err != nil {
		unix.Munlock(mem)
		unix.Munmap(mem)
		return nil, 0, 0, dualadc.E("dmabuf.LinuxAllocator.Allocate", dualadc.InvalidDmaAddr, err)
	}
	return mem, kernelAddr, busAddr, nil
}

func (LinuxAllocator) Free(mem []byte) error {
	if mem == nil {
		return nil
	}
	if err := unix.Munlock(mem); err != nil {
		return dualadc.E("dmabuf.LinuxAllocator.Free", dualadc.Unexpected, err)
	}
	if err := unix.Munmap(mem); err != nil {
		return dualadc.E("dmabuf.LinuxAllocator.Free", dualadc.Unexpected, err)
	}
	return nil
}

func (LinuxAllocator) MapToUserspace(mem []byte) (uintptr, error) {
	// The kernel allocation is already a process-visible mmap region in
	// this user-space model of the driver boundary; a real kernel driver
	// would instead implement an mmap() file op backed by the same pages.
	return sliceAddr(mem), nil
}

func (LinuxAllocator) UnmapFromUserspace(userAddr uintptr, size int) error {
	return nil
}

// virtToPhys resolves the physical address backing a page-aligned virtual
// address by walking /proc/self/pagemap, exactly as host/pmem.virtToPhys
// does for GPIO/peripheral memory discovery.
func virtToPhys(addr uintptr) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	pageIndex := uint64(addr) / uint64(pageSize)
	if _, err := f.Seek(int64(pageIndex*8), os.SEEK_SET); err != nil {
		return 0, err
	}
	var buf [8]byte
	if _, err := f.Read(buf[:]); err != nil {
		return 0, err
	}
	entry := binary.LittleEndian.Uint64(buf[:])
	const pagePresentBit = 1 << 63
	if entry&pagePresentBit == 0 {
		return 0, dualadc.E("dmabuf.virtToPhys", dualadc.InvalidDmaAddr, nil)
	}
	const pfnMask = (1 << 55) - 1
	pfn := entry & pfnMask
	return pfn*uint64(pageSize) + uint64(addr)%uint64(pageSize), nil
}
