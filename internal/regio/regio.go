// Package regio implements the cached, serialized register transaction
// layer shared by every other subsystem: the Device, DMA and Config banks,
// the short-lock-protected read/modify/write cache, and the stall-on-serial
// bus-flush protocol.
//
// The mmap-backed Bus (mmap_linux.go) maps the board's three BAR windows
// as independently sized banks; a busy-wait stall primitive covers the
// microsecond-scale serial-register timing that time.Sleep is too coarse
// for.
package regio

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// Bank identifies one of the three memory-mapped register address spaces.
type Bank int

const (
	Device Bank = iota
	DMA
	Config
)

func (b Bank) String() string {
	switch b {
	case Device:
		return "device"
	case DMA:
		return "dma"
	case Config:
		return "config"
	default:
		return "bank?"
	}
}

// Policy selects whether Read is allowed to answer from the cache or must
// always round-trip to hardware. Status registers ignore this and always
// read from hardware.
type Policy int

const (
	FromCache Policy = iota
	FromHardware
)

// Bus is the low-level, unbuffered word-at-a-time register transport. The
// production implementation (mmap_linux.go) memory maps the three register
// windows; FakeBus (fake.go) backs the unit tests.
type Bus interface {
	ReadWord(bank Bank, index int) (uint32, error)
	WriteWord(bank Bank, index int, value uint32) error
	Close() error
}

// serialWriteStall is the time a write to a "serial" register (one that
// communicates with the serial/SAB FPGA) must be held before the short lock
// is released, so a subsequent serial write cannot overtake it.
const serialWriteStall = 5 * time.Microsecond

// serialReadStall is the inter-phase delay of a two-phase serial read.
const serialReadStall = 4 * time.Microsecond

// BankLayout describes, for one bank, how many 32-bit words it holds, which
// indices are "serial" (slow, SAB-routed) and which are "status" (always
// read live, never cached). It is supplied by the caller (the board package)
// since the index layout is specific to the hardware revision.
type BankLayout struct {
	Words  int
	Serial map[int]bool
	Status map[int]bool
}

// Cache is the per-device register bank cache: one cached word array per
// bank, guarded by a short, non-sleeping lock.
type Cache struct {
	bus     Bus
	log     *logrus.Entry
	layouts map[Bank]BankLayout

	mu    sync.Mutex // short lock; never held across a blocking call
	words map[Bank][]uint32
}

// NewCache wraps bus with a register cache described by layouts.
func NewCache(bus Bus, layouts map[Bank]BankLayout, log *logrus.Entry) *Cache {
	words := make(map[Bank][]uint32, len(layouts))
	for bank, l := range layouts {
		words[bank] = make([]uint32, l.Words)
	}
	return &Cache{bus: bus, log: log, layouts: layouts, words: words}
}

func (c *Cache) indexValid(bank Bank, index int) bool {
	l, ok := c.layouts[bank]
	return ok && index >= 0 && index < l.Words
}

// Write performs a read-modify-write against the cache and then issues the
// result: the cache is updated under the short lock, the 32-bit value is written to
// the mapped region, and if the register is "serial" a bus flush plus a
// ~5µs stall happen before the lock is released.
func (c *Cache) Write(bank Bank, index int, value, mask uint32) error {
	if !c.indexValid(bank, index) {
		return dualadc.E("regio.Write", dualadc.InvalidArg, nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.words[bank][index]
	next := (cur &^ mask) | (value & mask)
	c.words[bank][index] = next
	if err := c.bus.WriteWord(bank, index, next); err != nil {
		return dualadc.E("regio.Write", dualadc.Unexpected, err)
	}
	if c.layouts[bank].Serial[index] {
		if _, err := c.busFlushLocked(bank); err != nil {
			return dualadc.E("regio.Write", dualadc.Unexpected, err)
		}
		spin(serialWriteStall)
	}
	return nil
}

// Read returns a register value from cache or hardware per policy; serial
// registers use the two-phase post-then-stall-then-read access. Status
// registers always read from hardware, independent of policy.
func (c *Cache) Read(bank Bank, index int, policy Policy) (uint32, error) {
	if !c.indexValid(bank, index) {
		return 0, dualadc.E("regio.Read", dualadc.InvalidArg, nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.layouts[bank].Status[index] {
		policy = FromHardware
	}
	if policy == FromCache {
		return c.words[bank][index], nil
	}
	if c.layouts[bank].Serial[index] {
		// Post the request, then stall, then the second read returns the
		// valid word.
		if _, err := c.bus.ReadWord(bank, index); err != nil {
			return 0, dualadc.E("regio.Read", dualadc.Unexpected, err)
		}
		spin(serialReadStall)
	}
	v, err := c.bus.ReadWord(bank, index)
	if err != nil {
		return 0, dualadc.E("regio.Read", dualadc.Unexpected, err)
	}
	c.words[bank][index] = v
	return v, nil
}

// BusFlush issues a read of a known non-destructive status register so that
// side effects of a prior write become visible before the next access.
func (c *Cache) BusFlush(bank Bank) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busFlushLocked(bank)
}

func (c *Cache) busFlushLocked(bank Bank) (uint32, error) {
	l := c.layouts[bank]
	for idx := range l.Status {
		v, err := c.bus.ReadWord(bank, idx)
		if err != nil {
			return 0, err
		}
		return v, nil
	}
	// No status register configured for this bank: nothing to flush against.
	return 0, nil
}

// Refresh re-reads every cached, non-serial word from hardware, discarding
// the cached values. Serial registers are skipped: a serial read has side
// effects on the serial bus and costs two accesses plus a stall each.
func (c *Cache) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for bank, l := range c.layouts {
		for i := 0; i < l.Words; i++ {
			if l.Serial[i] {
				continue
			}
			v, err := c.bus.ReadWord(bank, i)
			if err != nil {
				return dualadc.E("regio.Refresh", dualadc.Unexpected, err)
			}
			c.words[bank][i] = v
		}
	}
	return nil
}

// Close releases the underlying bus.
func (c *Cache) Close() error { return c.bus.Close() }

// spin busy-waits for d: time.Sleep has too coarse a resolution for
// single-digit-microsecond register timing requirements.
func spin(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}
