package clockgen

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dualadc "github.com/scopeware/dualadc/internal/errs"
	"github.com/scopeware/dualadc/internal/regio"
)

func newTestShim(t *testing.T) (*Shim, *regio.FakeBus) {
	t.Helper()
	bus := regio.NewFakeBus()
	layout := map[regio.Bank]regio.BankLayout{
		regio.Device: {Words: 16, Serial: map[int]bool{}, Status: map[int]bool{}},
	}
	cache := regio.NewCache(bus, layout, logrus.NewEntry(logrus.New()))
	return New(cache, logrus.NewEntry(logrus.New())), bus
}

func TestWriteByteReadByteRoundTrip(t *testing.T) {
	s, _ := newTestShim(t)
	require.NoError(t, s.WriteByte(RegOutputDivider, 0x42))
	v, err := s.ReadByte(RegOutputDivider)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), v)
}

func TestAliasedRegistersShareByteButNotBits(t *testing.T) {
	s, _ := newTestShim(t)
	require.NoError(t, s.WriteByte(RegVCODivider, 0x3f))
	require.NoError(t, s.WriteByte(RegFilterRange, 0x80))

	vco, err := s.ReadByte(RegVCODivider)
	require.NoError(t, err)
	assert.Equal(t, byte(0x3f), vco, "writing the filter range field must not disturb the VCO divider field")

	fr, err := s.ReadByte(RegFilterRange)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), fr, "value is already positioned within its bit field, matching WriteByte's mask-only semantics")
}

func TestUnmappedRegisterIsInert(t *testing.T) {
	s, _ := newTestShim(t)
	require.NoError(t, s.WriteByte(RegReserved0, 0xff))
	v, err := s.ReadByte(RegReserved0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), v)
}

func TestOverrideChangesPhysicalMapping(t *testing.T) {
	s, _ := newTestShim(t)
	s.Override(RegScratch, 0x0f, 0xff)
	require.NoError(t, s.WriteByte(RegScratch, 0x99))
	v, err := s.ReadByte(RegScratch)
	require.NoError(t, err)
	assert.Equal(t, byte(0x99), v)
}

func TestCommitWritesUpdateRegistersWord(t *testing.T) {
	s, bus := newTestShim(t)
	var lastCommand uint32
	bus.OnWrite(func(bank regio.Bank, index int, value uint32) {
		if bank == regio.Device && index == cgCommandIndex {
			lastCommand = value
		}
	})
	require.NoError(t, s.Commit())
	assert.Equal(t, uint32(updateRegistersWord), lastCommand)
}

func TestInitAppliesTemplateThenOverridesThenCommits(t *testing.T) {
	s, bus := newTestShim(t)
	committed := false
	bus.OnWrite(func(bank regio.Bank, index int, value uint32) {
		if bank == regio.Device && index == cgCommandIndex && value == updateRegistersWord {
			committed = true
		}
	})
	tmpl := Template{RegOutputDivider: 0x10, RegInputDivider: 0x20}
	overrides := Template{RegOutputDivider: 0x11}

	require.NoError(t, s.Init(tmpl, overrides))
	assert.True(t, committed)

	v, err := s.ReadByte(RegOutputDivider)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), v, "board override must win over the template value")

	v2, err := s.ReadByte(RegInputDivider)
	require.NoError(t, err)
	assert.Equal(t, byte(0x20), v2)
}

func TestInvalidLogicalRegisterRejected(t *testing.T) {
	s, _ := newTestShim(t)
	require.Error(t, s.WriteByte(-1, 0))
	require.Error(t, s.WriteByte(numLogicalRegisters, 0))
	_, err := s.ReadByte(numLogicalRegisters)
	require.Error(t, err)
}

func TestResetDCMsSucceedsOnFastPoll(t *testing.T) {
	s, bus := newTestShim(t)
	bus.Poke(regio.Device, dcmStatusIndex, dcmLockedBit)
	require.NoError(t, s.ResetDCMs())
}

func TestResetDCMsPulsesResetBit(t *testing.T) {
	s, bus := newTestShim(t)
	var sawHigh, sawLow bool
	bus.OnWrite(func(bank regio.Bank, index int, value uint32) {
		if bank == regio.Device && index == dcmResetIndex {
			if value&dcmResetBit != 0 {
				sawHigh = true
			} else {
				sawLow = true
				bus.Poke(regio.Device, dcmStatusIndex, dcmLockedBit)
			}
		}
	})
	require.NoError(t, s.ResetDCMs())
	assert.True(t, sawHigh, "reset bit must be pulsed high")
	assert.True(t, sawLow, "reset bit must be pulsed low again")
}

func TestResetDCMsFailsWithDcmSyncFailedWhenNeverLocked(t *testing.T) {
	s, _ := newTestShim(t)
	err := s.ResetDCMs()
	require.Error(t, err)
	assert.Equal(t, dualadc.DcmSyncFailed, dualadc.KindOf(err))
}
