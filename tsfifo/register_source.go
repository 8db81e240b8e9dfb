package tsfifo

import (
	"github.com/scopeware/dualadc/internal/regio"
)

// Device bank register layout consulted by RegisterSource: index 0xD is
// the read-only status word carrying (among other
// fields owned by other subsystems) the TS-FIFO-empty and TS-FIFO-overflow
// bits; 0xE/0xF are the timestamp register pair, read as {high, low}.
const (
	statusIndex = 0xD

	tsFifoEmptyBit    uint32 = 0x02
	tsFifoOverflowBit uint32 = 0x04

	tsHighIndex = 0xE
	tsLowIndex  = 0xF
)

// RegisterSource backs a Reader with the board's real Device-bank
// registers through internal/regio.Cache, the production Source
// implementation.
type RegisterSource struct {
	cache *regio.Cache
}

// NewRegisterSource wraps cache as a Source.
func NewRegisterSource(cache *regio.Cache) *RegisterSource {
	return &RegisterSource{cache: cache}
}

func (s *RegisterSource) status() (uint32, error) {
	// Status registers always read live from hardware regardless of
	// policy (internal/regio.Cache.Read), so FromHardware here is just
	// documentation of that fact at the call site.
	return s.cache.Read(regio.Device, statusIndex, regio.FromHardware)
}

// Available implements Source.
func (s *RegisterSource) Available() (bool, error) {
	word, err := s.status()
	if err != nil {
		return false, err
	}
	return word&tsFifoEmptyBit == 0, nil
}

// ReadBatch implements Source: drains entries one register-pair read at a
// time until dst is full, the FIFO reports empty, or it reports overflow.
func (s *RegisterSource) ReadBatch(dst []uint64) (int, bool, error) {
	word, err := s.status()
	if err != nil {
		return 0, false, err
	}
	if word&tsFifoOverflowBit != 0 {
		return 0, true, nil
	}

	n := 0
	for n < len(dst) {
		word, err := s.status()
		if err != nil {
			return n, false, err
		}
		if word&tsFifoEmptyBit != 0 {
			break
		}
		hi, err := s.cache.Read(regio.Device, tsHighIndex, regio.FromHardware)
		if err != nil {
			return n, false, err
		}
		lo, err := s.cache.Read(regio.Device, tsLowIndex, regio.FromHardware)
		if err != nil {
			return n, false, err
		}
		dst[n] = uint64(hi)<<32 | uint64(lo)
		n++
	}
	return n, false, nil
}
