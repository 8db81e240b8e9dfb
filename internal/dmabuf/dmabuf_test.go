package dmabuf

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable() *Table {
	return NewTable(NewFakeAllocator(0x1000), logrus.NewEntry(logrus.New()))
}

func TestAllocateAssignsIncreasingIDs(t *testing.T) {
	tbl := newTestTable()
	b1, err := tbl.Allocate(4096, 1, 0)
	require.NoError(t, err)
	b2, err := tbl.Allocate(4096, 1, 0)
	require.NoError(t, err)
	assert.NotEqual(t, b1.ID, b2.ID)
	assert.Equal(t, 2, tbl.Count())
}

func TestAllocateRejectsNonPositiveSize(t *testing.T) {
	tbl := newTestTable()
	_, err := tbl.Allocate(0, 1, 0)
	require.Error(t, err)
}

func TestMapToUserspaceIsIdempotent(t *testing.T) {
	tbl := newTestTable()
	b, err := tbl.Allocate(4096, 1, 0)
	require.NoError(t, err)

	mapped, err := tbl.MapToUserspace(b.ID)
	require.NoError(t, err)
	addr1 := mapped.UserAddr
	require.NotZero(t, addr1)

	mapped2, err := tbl.MapToUserspace(b.ID)
	require.NoError(t, err)
	assert.Equal(t, addr1, mapped2.UserAddr, "mapping an already-mapped buffer must be a no-op")
}

func TestLookupExactVersusOffset(t *testing.T) {
	tbl := newTestTable()
	b, err := tbl.Allocate(4096, 1, 0)
	require.NoError(t, err)

	_, err = tbl.Lookup(b.KernelAddr+16, false, true)
	require.Error(t, err, "exact lookup must reject a mid-buffer address")

	found, err := tbl.Lookup(b.KernelAddr+16, false, false)
	require.NoError(t, err)
	assert.Equal(t, b.ID, found.ID)

	_, err = tbl.Lookup(b.KernelAddr+uintptr(b.Size)+1, false, false)
	require.Error(t, err, "an address past the buffer's extent must not resolve")
}

func TestFreeByUserAddr(t *testing.T) {
	tbl := newTestTable()
	b, err := tbl.Allocate(4096, 1, 0)
	require.NoError(t, err)
	mapped, err := tbl.MapToUserspace(b.ID)
	require.NoError(t, err)

	n, err := tbl.Free(FreeCriterion{ByUserAddr: &mapped.UserAddr})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, tbl.Count())
}

func TestFreeBySession(t *testing.T) {
	tbl := newTestTable()
	_, err := tbl.Allocate(4096, 1, 0)
	require.NoError(t, err)
	_, err = tbl.Allocate(4096, 2, 0)
	require.NoError(t, err)
	_, err = tbl.Allocate(4096, 1, 0)
	require.NoError(t, err)

	owner := 1
	n, err := tbl.Free(FreeCriterion{BySession: &owner})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, tbl.Count())
}

func TestFreeAllUserExcludesScratchAndUnmapped(t *testing.T) {
	tbl := newTestTable()
	user, err := tbl.Allocate(4096, 1, 0)
	require.NoError(t, err)
	_, err = tbl.MapToUserspace(user.ID)
	require.NoError(t, err)

	scratch, err := tbl.Allocate(4096, 0, Scratch)
	require.NoError(t, err)
	_, err = tbl.MapToUserspace(scratch.ID)
	require.NoError(t, err)

	_, err = tbl.Allocate(4096, 0, 0) // never mapped to userspace
	require.NoError(t, err)

	n, err := tbl.Free(FreeCriterion{AllUser: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the mapped, non-scratch buffer should be freed")
	assert.Equal(t, 2, tbl.Count())
}

func TestFreeAll(t *testing.T) {
	tbl := newTestTable()
	for i := 0; i < 5; i++ {
		_, err := tbl.Allocate(4096, i, 0)
		require.NoError(t, err)
	}
	n, err := tbl.Free(FreeCriterion{All: true})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, tbl.Count())
}

func TestConcurrentAllocateAndFreeDoNotRace(t *testing.T) {
	tbl := newTestTable()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := tbl.Allocate(4096, i, 0)
			if err != nil {
				return
			}
			owner := i
			_, _ = tbl.Free(FreeCriterion{BySession: &owner})
			_ = b
		}(i)
	}
	wg.Wait()
}
