package xfer

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/internal/statem"
)

// fakeEngine completes every chunk immediately, optionally truncating it
// or, once more than cancelAfter chunks have started, reporting zero
// bytes, to exercise FastDMA without real hardware.
type fakeEngine struct {
	shortenLast bool
	cancelAfter int
	started     int
	lastLength  int
}

func (f *fakeEngine) StartChunk(ctx context.Context, buf *dmabuf.Buffer, offset, length int) error {
	f.started++
	f.lastLength = length
	for i := 0; i < length; i++ {
		buf.Bytes()[offset+i] = byte(i)
	}
	return nil
}

func (f *fakeEngine) WaitChunk(ctx context.Context) (int, error) {
	if f.cancelAfter > 0 && f.started > f.cancelAfter {
		return 0, nil
	}
	if f.shortenLast && f.lastLength > 4 {
		return f.lastLength - 4, nil
	}
	return f.lastLength, nil
}

func newTestBuffer(t *testing.T, size int) *dmabuf.Buffer {
	t.Helper()
	tbl := dmabuf.NewTable(dmabuf.NewFakeAllocator(0x2000), logrus.NewEntry(logrus.New()))
	b, err := tbl.Allocate(size, 1, 0)
	require.NoError(t, err)
	return b
}

func armedMachine(t *testing.T, to statem.State) *statem.Machine {
	t.Helper()
	m := statem.New(logrus.NewEntry(logrus.New()))
	require.NoError(t, m.Arm(statem.ModeStandard, 1))
	require.NoError(t, m.BeginTransfer(to))
	return m
}

func TestFastDMARequiresXferFastState(t *testing.T) {
	m := statem.New(logrus.NewEntry(logrus.New()))
	buf := newTestBuffer(t, 1024)
	_, err := FastDMA(context.Background(), m, &fakeEngine{}, buf, 0, 256, logrus.NewEntry(logrus.New()))
	require.Error(t, err)
}

func TestFastDMATransfersWholeRequest(t *testing.T) {
	m := armedMachine(t, statem.XferFast)
	buf := newTestBuffer(t, 1024)
	eng := &fakeEngine{}
	res, err := FastDMA(context.Background(), m, eng, buf, 0, 512, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	assert.Equal(t, 512, res.BytesTransferred)
	assert.False(t, res.Cancelled)
	assert.Equal(t, 1, eng.started)
}

func TestFastDMARejectsOversizeRequest(t *testing.T) {
	m := armedMachine(t, statem.XferFast)
	buf := newTestBuffer(t, 128)
	_, err := FastDMA(context.Background(), m, &fakeEngine{}, buf, 0, 256, logrus.NewEntry(logrus.New()))
	require.Error(t, err)
}

