package tsfifo

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSource feeds a Reader a scripted sequence of Available/ReadBatch
// results, modeling the hardware TS FIFO deterministically for tests.
type fakeSource struct {
	mu sync.Mutex

	items    []uint64 // remaining items to deliver
	overflow bool     // deliver one overflow-with-zero-items response next
}

func (f *fakeSource) Available() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overflow || len(f.items) > 0, nil
}

func (f *fakeSource) ReadBatch(dst []uint64) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overflow {
		f.overflow = false
		return 0, true, nil
	}
	n := copy(dst, f.items)
	f.items = f.items[n:]
	return n, false, nil
}

func (f *fakeSource) push(items ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, items...)
}

func readBinaryFile(t *testing.T, path string) []uint64 {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 0, len(data)%8)
	out := make([]uint64, len(data)/8)
	for i := range out {
		for b := 0; b < 8; b++ {
			out[i] |= uint64(data[i*8+b]) << (8 * b)
		}
	}
	return out
}

func TestReaderDrainsBeforeArmOnlyAfterArmed(t *testing.T) {
	src := &fakeSource{}
	path := filepath.Join(t.TempDir(), "ts.bin")
	r, err := Open(src, path, 0, nil)
	require.NoError(t, err)

	src.push(1, 2, 3)
	time.Sleep(20 * time.Millisecond) // give the goroutine a chance to misbehave if it doesn't wait for Arm
	require.Equal(t, uint64(0), r.Count())

	r.Arm()
	require.Eventually(t, func() bool { return r.Count() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(time.Second))

	got := readBinaryFile(t, path)
	require.Equal(t, []uint64{1, 2, 3}, got)
}

func TestReaderOverflowInsertsMarkerPair(t *testing.T) {
	src := &fakeSource{}
	path := filepath.Join(t.TempDir(), "ts.bin")
	r, err := Open(src, path, UseOverflowMarker, nil)
	require.NoError(t, err)
	r.Arm()

	src.mu.Lock()
	src.overflow = true
	src.mu.Unlock()
	require.Eventually(t, func() bool { return r.OverflowSeen() }, time.Second, time.Millisecond)

	src.push(10, 11)
	require.Eventually(t, func() bool { return r.Count() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(time.Second))

	got := readBinaryFile(t, path)
	require.Equal(t, []uint64{OverflowMarker, OverflowMarker, 10, 11}, got)
	require.True(t, r.OverflowSeen())
}

func TestReaderOverflowMarkerSuppressedWithoutFlag(t *testing.T) {
	src := &fakeSource{}
	path := filepath.Join(t.TempDir(), "ts.bin")
	r, err := Open(src, path, 0, nil)
	require.NoError(t, err)
	r.Arm()

	src.mu.Lock()
	src.overflow = true
	src.mu.Unlock()
	src.push(42)
	require.Eventually(t, func() bool { return r.Count() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(time.Second))

	got := readBinaryFile(t, path)
	require.Equal(t, []uint64{42}, got)
}

func TestReaderTextFormat(t *testing.T) {
	src := &fakeSource{}
	path := filepath.Join(t.TempDir(), "ts.txt")
	r, err := Open(src, path, TextFormat, nil)
	require.NoError(t, err)
	r.Arm()
	src.push(7, 8, 9)
	require.Eventually(t, func() bool { return r.Count() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(time.Second))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "7\n8\n9\n", string(data))
}

func TestReaderStopBeforeArmExitsCleanly(t *testing.T) {
	src := &fakeSource{}
	path := filepath.Join(t.TempDir(), "ts.bin")
	r, err := Open(src, path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, r.Stop(time.Second))
}
