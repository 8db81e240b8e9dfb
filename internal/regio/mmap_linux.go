//go:build linux

package regio

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// MmapBus memory-maps the three PCIe BAR-backed register windows exposed by
// the kernel driver through /sys/class/<board>/resourceN files (or,
// in test harnesses, through any file of the right size), one mapped
// region per bank.
type MmapBus struct {
	regions map[Bank][]byte
	files   map[Bank]*os.File
}

// BankFile names the backing file for one bank's mmap, e.g. a BAR resource
// file exposed by the kernel driver, and the size in bytes to map.
type BankFile struct {
	Path string
	Size int
}

// OpenMmapBus opens and maps the given files, one per bank.
func OpenMmapBus(files map[Bank]BankFile) (*MmapBus, error) {
	b := &MmapBus{
		regions: make(map[Bank][]byte, len(files)),
		files:   make(map[Bank]*os.File, len(files)),
	}
	for bank, bf := range files {
		f, err := os.OpenFile(bf.Path, os.O_RDWR|os.O_SYNC, 0)
		if err != nil {
			b.Close()
			return nil, dualadc.E("regio.OpenMmapBus", dualadc.ResourceAllocFailure, err)
		}
		mem, err := unix.Mmap(int(f.Fd()), 0, bf.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			b.Close()
			return nil, dualadc.E("regio.OpenMmapBus", dualadc.ResourceAllocFailure, err)
		}
		b.files[bank] = f
		b.regions[bank] = mem
	}
	return b, nil
}

func (b *MmapBus) ReadWord(bank Bank, index int) (uint32, error) {
	region, ok := b.regions[bank]
	off := index * 4
	if !ok || off+4 > len(region) {
		return 0, dualadc.E("regio.MmapBus.ReadWord", dualadc.InvalidArg, nil)
	}
	return binary.LittleEndian.Uint32(region[off : off+4]), nil
}

func (b *MmapBus) WriteWord(bank Bank, index int, value uint32) error {
	region, ok := b.regions[bank]
	off := index * 4
	if !ok || off+4 > len(region) {
		return dualadc.E("regio.MmapBus.WriteWord", dualadc.InvalidArg, nil)
	}
	binary.LittleEndian.PutUint32(region[off:off+4], value)
	return nil
}

// Close unmaps every region and closes its backing file. It reports no
// more than the first error encountered.
func (b *MmapBus) Close() error {
	var first error
	for bank, region := range b.regions {
		if err := unix.Munmap(region); err != nil && first == nil {
			first = err
		}
		delete(b.regions, bank)
	}
	for bank, f := range b.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.files, bank)
	}
	if first != nil {
		return dualadc.E("regio.MmapBus.Close", dualadc.Unexpected, first)
	}
	return nil
}
