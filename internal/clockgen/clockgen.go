// Package clockgen drives the board's sample-clock DCM/PLL synthesizer
// chip through 20 logical byte-wide registers. The chip itself only
// exposes a handful of physical register
// addresses; nine of the 20 logical registers share a physical byte with
// another at different bit positions and two have no physical mapping, so
// this package's job is almost entirely
// the logical-to-physical translation table and the commit/reset protocol
// around it.
//
// The translation table maps each named logical clock field onto a
// physical byte address and mask;
// here the physical side is a byte-wide serial chip instead of a
// memory-mapped peripheral, so each logical register carries its physical
// byte address plus the bit mask it occupies within that byte.
package clockgen

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	dualadc "github.com/scopeware/dualadc/internal/errs"
	"github.com/scopeware/dualadc/internal/regio"
)

// Logical register indices.
const (
	RegOutputDivider = iota
	RegInputDivider
	RegVCODivider
	RegFilterRange
	RegChargePump
	RegLockDetect
	RegPhaseFreqDetect
	RegTestMode
	RegPowerDown
	RegOutputMux
	RegSyncDelay
	RegDutyCycle
	RegRefSelect
	RegSpreadSpectrum
	RegReserved0
	RegReserved1
	RegCalibration
	RegStatusMirror
	RegBoardRevTrim
	RegScratch
	numLogicalRegisters
)

// noMapping marks a logical register that has no backing physical byte on
// this board revision; writes to it are silently accepted and reads
// always return zero.
const noMapping = -1

// mapping associates a logical register with a physical byte address and
// the bit mask of that byte it occupies.
type mapping struct {
	physAddr int
	mask     byte
}

// defaultTable is the factory logical→physical translation, indexed by the
// Reg* constants above. Boards with revision-specific overrides start from
// this table and patch individual entries (see Init).
var defaultTable = [numLogicalRegisters]mapping{
	RegOutputDivider:   {physAddr: 0x00, mask: 0xff},
	RegInputDivider:    {physAddr: 0x01, mask: 0xff},
	RegVCODivider:      {physAddr: 0x02, mask: 0x3f},
	RegFilterRange:     {physAddr: 0x02, mask: 0xc0},
	RegChargePump:      {physAddr: 0x03, mask: 0x07},
	RegLockDetect:      {physAddr: 0x03, mask: 0x08},
	RegPhaseFreqDetect: {physAddr: 0x03, mask: 0x30},
	RegTestMode:        {physAddr: 0x04, mask: 0xff},
	RegPowerDown:       {physAddr: 0x05, mask: 0x01},
	RegOutputMux:       {physAddr: 0x05, mask: 0x06},
	RegSyncDelay:       {physAddr: 0x06, mask: 0xff},
	RegDutyCycle:       {physAddr: 0x07, mask: 0x0f},
	RegRefSelect:       {physAddr: 0x07, mask: 0x10},
	RegSpreadSpectrum:  {physAddr: 0x08, mask: 0xff},
	RegReserved0:       {physAddr: noMapping},
	RegReserved1:       {physAddr: noMapping},
	RegCalibration:     {physAddr: 0x09, mask: 0xff},
	RegStatusMirror:    {physAddr: 0x0a, mask: 0xff},
	RegBoardRevTrim:    {physAddr: 0x0b, mask: 0xff},
	RegScratch:         {physAddr: 0x0c, mask: 0xff},
}

// updateRegistersWord is written to the Device bank's clock-generator
// command register to latch every byte written since the previous commit
// into the synthesizer's active configuration.
const updateRegistersWord = 0x00023201

// cgCommandIndex and cgSyncIndex are Device-bank register indices used by
// the commit/sync handoff. They are board constants, not clockgen-specific,
// but are kept local here since clockgen is their only caller.
const (
	cgCommandIndex = 10
	cgSyncIndex    = 11
)

// Shim is the clock generator driver: it wraps a regio.Cache and exposes
// byte-granular reads/writes of the 20 logical registers, translating each
// through the board's mapping table.
type Shim struct {
	cache *regio.Cache
	log   *logrus.Entry
	table [numLogicalRegisters]mapping
}

// New returns a Shim using the factory mapping table.
func New(cache *regio.Cache, log *logrus.Entry) *Shim {
	return &Shim{cache: cache, log: log, table: defaultTable}
}

// Override replaces the mapping for one logical register, for board
// revisions whose synthesizer chip wires a logical field to a different
// physical byte/bit position than the factory default.
func (s *Shim) Override(reg int, physAddr int, mask byte) {
	s.table[reg] = mapping{physAddr: physAddr, mask: mask}
}

// WriteByte stages a write of value (masked to the logical register's bit
// field) into the cached physical byte. It does not commit the write to the
// synthesizer; call Commit to latch every staged byte.
func (s *Shim) WriteByte(reg int, value byte) error {
	if reg < 0 || reg >= numLogicalRegisters {
		return dualadc.E("clockgen.WriteByte", dualadc.InvalidArg, nil)
	}
	m := s.table[reg]
	if m.physAddr == noMapping {
		return nil
	}
	word, err := s.cache.Read(regio.Device, m.physAddr, regio.FromCache)
	if err != nil {
		return dualadc.E("clockgen.WriteByte", dualadc.Unexpected, err)
	}
	cur := byte(word)
	next := (cur &^ m.mask) | (value & m.mask)
	return s.cache.Write(regio.Device, m.physAddr, uint32(next), 0xff)
}

// ReadByte returns the current cached value of a logical register's bit
// field, shifted to bit 0 is not performed (callers compare against masked
// constants).
func (s *Shim) ReadByte(reg int) (byte, error) {
	if reg < 0 || reg >= numLogicalRegisters {
		return 0, dualadc.E("clockgen.ReadByte", dualadc.InvalidArg, nil)
	}
	m := s.table[reg]
	if m.physAddr == noMapping {
		return 0, nil
	}
	word, err := s.cache.Read(regio.Device, m.physAddr, regio.FromCache)
	if err != nil {
		return 0, dualadc.E("clockgen.ReadByte", dualadc.Unexpected, err)
	}
	return byte(word) & m.mask, nil
}

// Commit issues the Update-Registers command word, latching every byte
// written since the previous commit into the synthesizer's live
// configuration. The word must follow any batch of
// WriteByte calls, and precede a DCM reset handoff.
func (s *Shim) Commit() error {
	if err := s.cache.Write(regio.Device, cgCommandIndex, updateRegistersWord, 0xffffffff); err != nil {
		return dualadc.E("clockgen.Commit", dualadc.Unexpected, err)
	}
	return nil
}

// PulseSync drops the active-low CG_SYNC_ line and raises it again,
// synchronizing all clock outputs to the freshly committed configuration.
// The boot sequence is template load, deep write, sync pulse, then the DCM
// reset handoff.
func (s *Shim) PulseSync() error {
	if err := s.cache.Write(regio.Device, cgSyncIndex, 0x0, 0x1); err != nil {
		return dualadc.E("clockgen.PulseSync", dualadc.Unexpected, err)
	}
	return s.cache.Write(regio.Device, cgSyncIndex, 0x1, 0x1)
}

// DCM reset/lock-poll register layout. A board whose clock source just
// changed must have its acquisition-clock DCMs reset and relocked before
// the next Arm is allowed to proceed.
const (
	dcmResetIndex = 12
	dcmResetBit   = 0x1

	dcmStatusIndex = 13
	dcmLockedBit   = 0x1
)

// dcmFastPollIterations and dcmSlowPollIterations bound the DCM lock
// poll: a tight spin first, then a spaced-out poll, before giving up on
// this attempt.
const (
	dcmFastPollIterations = 1024
	dcmSlowPollIterations = 256
	dcmSlowPollSpacing    = 20 * time.Microsecond
	dcmRetryStall         = 25 * time.Millisecond
)

// ResetDCMs pulses the clock-domain module reset bit and polls for lock:
// up to 1024 fast iterations, then 256 iterations spaced
// 20µs apart; if still unlocked, stall 25ms and retry the whole sequence,
// bounded by a hard 1-second wall clock cap. Returns
// DcmSyncFailed if the cap is reached without a lock.
func (s *Shim) ResetDCMs() error {
	const op = "clockgen.ResetDCMs"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = dcmRetryStall
	b.MaxInterval = dcmRetryStall
	b.MaxElapsedTime = time.Second

	attempt := func() error {
		if err := s.pulseDCMReset(); err != nil {
			return backoff.Permanent(err)
		}
		if s.pollDCMLocked(dcmFastPollIterations, 0) {
			return nil
		}
		if s.pollDCMLocked(dcmSlowPollIterations, dcmSlowPollSpacing) {
			return nil
		}
		return dualadc.E(op, dualadc.DcmSyncFailed, nil)
	}

	if err := backoff.Retry(attempt, b); err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("clock dcms failed to lock")
		}
		return dualadc.E(op, dualadc.DcmSyncFailed, err)
	}
	return nil
}

func (s *Shim) pulseDCMReset() error {
	if err := s.cache.Write(regio.Device, dcmResetIndex, dcmResetBit, dcmResetBit); err != nil {
		return err
	}
	return s.cache.Write(regio.Device, dcmResetIndex, 0, dcmResetBit)
}

// pollDCMLocked reads the lock-status register up to iterations times,
// sleeping spacing between reads (spacing of 0 spins without sleeping),
// returning true as soon as the lock bit is observed set.
func (s *Shim) pollDCMLocked(iterations int, spacing time.Duration) bool {
	for i := 0; i < iterations; i++ {
		word, err := s.cache.Read(regio.Device, dcmStatusIndex, regio.FromHardware)
		if err == nil && word&dcmLockedBit != 0 {
			return true
		}
		if spacing > 0 {
			time.Sleep(spacing)
		}
	}
	return false
}

// Template is a named starting configuration for every logical register,
// used to seed a clean Init before per-board overrides and user-requested
// values are layered on.
type Template map[int]byte

// Init writes each logical register named in template or boardOverrides
// (may be nil; overrides win), then commits and pulses the sync handoff.
// Registers named in neither map are not written, and Init does not reset
// the DCMs; ResetDCMs does that.
func (s *Shim) Init(template Template, boardOverrides Template) error {
	merged := make(Template, len(template)+len(boardOverrides))
	for reg, v := range template {
		merged[reg] = v
	}
	for reg, v := range boardOverrides {
		merged[reg] = v
	}
	for reg := 0; reg < numLogicalRegisters; reg++ {
		v, ok := merged[reg]
		if !ok {
			continue
		}
		if err := s.WriteByte(reg, v); err != nil {
			return dualadc.E("clockgen.Init", dualadc.Unexpected, err)
		}
	}
	if err := s.Commit(); err != nil {
		return err
	}
	return s.PulseSync()
}
