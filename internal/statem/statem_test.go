package statem

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

func newTestMachine() *Machine {
	return New(logrus.NewEntry(logrus.New()))
}

func TestArmIdleToAcq(t *testing.T) {
	m := newTestMachine()
	require.NoError(t, m.Arm(ModeStandard, 1))
	assert.Equal(t, Acq, m.State())
}

func TestArmRejectsWhenNotIdle(t *testing.T) {
	m := newTestMachine()
	require.NoError(t, m.Arm(ModeStandard, 1))
	err := m.Arm(ModeStandard, 1)
	require.Error(t, err)
	assert.Equal(t, dualadc.Busy, dualadc.KindOf(err))
}

func TestFullLifecycleFastTransfer(t *testing.T) {
	m := newTestMachine()
	require.NoError(t, m.Arm(ModeStandard, 1))
	require.NoError(t, m.BeginTransfer(XferFast))
	assert.Equal(t, XferFast, m.State())
	require.NoError(t, m.Complete(1))
	assert.Equal(t, Idle, m.State())
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := newTestMachine()
	require.NoError(t, m.Arm(ModeStandard, 1))
	require.NoError(t, m.BeginTransfer(XferFast))
	err := m.BeginTransfer(WRam)
	require.Error(t, err, "a fast transfer in flight admits only Idle")
}

func TestCompleteRejectsWrongOwner(t *testing.T) {
	m := newTestMachine()
	require.NoError(t, m.Arm(ModeStandard, 1))
	require.NoError(t, m.BeginTransfer(WRam))
	err := m.Complete(2)
	require.Error(t, err)
}

func TestAbortWakesWaiterImmediately(t *testing.T) {
	m := newTestMachine()
	require.NoError(t, m.Arm(ModeStandard, 1))
	require.NoError(t, m.BeginTransfer(XferFast))

	done := make(chan error, 1)
	go func() {
		done <- m.WaitInterruptible(context.Background())
	}()

	require.NoError(t, m.Abort(1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Abort")
	}
	assert.True(t, m.Cancelled())
}

func TestWaitInterruptibleHonorsContextCancellation(t *testing.T) {
	m := newTestMachine()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- m.WaitInterruptible(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("context cancellation did not unblock the waiter")
	}
}

func TestOnInterruptThenBottomHalfOrdering(t *testing.T) {
	m := newTestMachine()
	require.NoError(t, m.Arm(ModeStandard, 1))
	require.NoError(t, m.BeginTransfer(XferFast))

	var bottomHalfRan bool
	waiterSawComplete := make(chan bool, 1)

	go func() {
		err := m.WaitInterruptible(context.Background())
		waiterSawComplete <- (err == nil)
	}()

	m.OnInterrupt()
	m.BottomHalf(func() { bottomHalfRan = true })

	select {
	case ok := <-waiterSawComplete:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter never observed interrupt completion")
	}
	assert.True(t, bottomHalfRan)
}

func TestEventSetBeforeWaitIsStillObserved(t *testing.T) {
	e := NewEvent()
	e.Set()
	err := e.Wait(context.Background())
	require.NoError(t, err, "a Set that happened before Wait was called must still be observed")
}

func TestEventClearRequiresNewSet(t *testing.T) {
	e := NewEvent()
	e.Set()
	e.Clear()
	assert.False(t, e.IsSet())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.Wait(ctx)
	require.Error(t, err, "a cleared event must not be observed as set")
}

func TestStatsCountArmsAbortsInterrupts(t *testing.T) {
	m := newTestMachine()
	require.NoError(t, m.Arm(ModeStandard, 1))
	require.NoError(t, m.BeginTransfer(XferFast))
	m.OnInterrupt()
	require.NoError(t, m.Complete(1))
	require.NoError(t, m.Arm(ModeStandard, 1))
	require.NoError(t, m.Abort(1))

	arms, aborts, interrupts := m.Stats()
	assert.Equal(t, uint64(2), arms)
	assert.Equal(t, uint64(1), aborts)
	assert.Equal(t, uint64(1), interrupts)
}
