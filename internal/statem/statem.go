// Package statem implements the acquisition device state machine and the
// interrupt dispatch / bottom-half ordering around its completion event.
//
// The Event type is sticky and level-triggered rather than edge-triggered:
// the board's "samples complete" condition is a level that can be asserted
// before any waiter has called Wait, and must still be observed by a
// waiter that arrives after the edge. Event's Set/Wait/Clear therefore
// mirror a condition variable more than an epoll wait.
package statem

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// State is the device's current place in the acquisition lifecycle.
type State int

const (
	Idle State = iota
	Acq
	XferFast
	XferBuffered
	WRam
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acq:
		return "acquiring"
	case XferFast:
		return "transferring (fast dma)"
	case XferBuffered:
		return "transferring (buffered dma)"
	case WRam:
		return "writing onboard ram"
	default:
		return "state?"
	}
}

// Mode selects which acquisition/transfer strategy Arm will engage.
type Mode int

const (
	ModeStandard Mode = iota
	ModeDualChannel
	ModeRamAcquire
)

// transitions enumerates every State→State edge the machine allows. A
// BeginTransfer or Complete request naming an edge not in this table is
// rejected as InvalidMode; Arm does not consult the table and refuses with
// Busy unless the machine is Idle.
var transitions = map[State]map[State]bool{
	// Idle admits every transfer state directly: a fast-DMA read-back of
	// already-acquired onboard RAM, a driver-buffered transfer, and a
	// host-to-RAM write all start without a fresh acquisition arm. Arm
	// moves Idle→Acq for every Mode, including the continuous streaming
	// acquisition, so streaming chunks run Acq→XferBuffered.
	Idle: {Acq: true, XferFast: true, XferBuffered: true, WRam: true},
	Acq:  {XferFast: true, XferBuffered: true, WRam: true, Idle: true},
	XferFast: {Idle: true},
	// XferBuffered is maintained across internal sub-transfer completions;
	// only the final sub-transfer's completion drops it to Idle.
	XferBuffered: {XferBuffered: true, Idle: true},
	WRam:         {Idle: true},
}

// Event is a sticky, level-triggered wakeup: Set latches the condition
// until Clear runs, so a waiter that calls Wait after the Set has already
// happened still observes it, unlike a one-shot channel close.
type Event struct {
	mu   sync.Mutex
	cond *sync.Cond
	set  bool
}

// NewEvent returns a cleared Event.
func NewEvent() *Event {
	e := &Event{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Set latches the event and wakes every current and future waiter until
// Clear is called.
func (e *Event) Set() {
	e.mu.Lock()
	e.set = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Clear resets the event to unset.
func (e *Event) Clear() {
	e.mu.Lock()
	e.set = false
	e.mu.Unlock()
}

// IsSet reports the current latch state without blocking.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the event is set or ctx is done. A caller
// cancellation must unblock a waiter promptly, not just on device
// completion.
func (e *Event) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		for !e.set {
			e.cond.Wait()
		}
		e.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the helper goroutine's Cond.Wait so it re-checks e.set; if
		// the event is still unset it blocks again and stays parked until
		// the next Set.
		e.cond.Broadcast()
		return dualadc.E("statem.Event.Wait", dualadc.Cancelled, ctx.Err())
	}
}

// Machine is the per-device acquisition state machine: current State and
// Mode, the owning session for the DMA engine and the JTAG/serial bus, a
// cancellation flag, and the sticky samples-complete Event that Arm/Wait
// coordinate around.
type Machine struct {
	log *logrus.Entry

	mu        sync.Mutex // short lock: state + mode + owners; never held across Wait
	state     State
	mode      Mode
	dmaOwner  int
	jtagOwner int
	cancelled bool

	samplesComplete *Event

	armCount       uint64
	abortCount     uint64
	interruptsSeen uint64

	dmaCompleteCount uint64
	dmaBytesTotal    uint64
	acqCompleteCount uint64
}

// New returns a Machine in Idle state.
func New(log *logrus.Entry) *Machine {
	return &Machine{log: log, state: Idle, samplesComplete: NewEvent()}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition validates and applies a state edge under the short lock.
func (m *Machine) transition(op string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !transitions[m.state][to] {
		return dualadc.E(op, dualadc.InvalidMode, nil)
	}
	m.state = to
	return nil
}

// Arm transitions Idle→Acq, recording the requested mode and the session
// that will own the DMA engine for the duration of the acquisition. It
// refuses with Busy unless the machine is Idle. The Board's JTAG ownership
// is not consulted: the machine's own jtagOwner is never set.
func (m *Machine) Arm(mode Mode, sessionID int) error {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return dualadc.E("statem.Arm", dualadc.Busy, nil)
	}
	if m.jtagOwner != 0 && m.jtagOwner != sessionID {
		m.mu.Unlock()
		return dualadc.E("statem.Arm", dualadc.Busy, nil)
	}
	m.state = Acq
	m.mode = mode
	m.dmaOwner = sessionID
	m.cancelled = false
	m.armCount++
	m.mu.Unlock()

	m.samplesComplete.Clear()
	return nil
}

// BeginTransfer moves from the current state (Idle or Acq, per the
// transitions table) to to, one of XferFast, XferBuffered or WRam; the
// mode Arm recorded is not consulted.
func (m *Machine) BeginTransfer(to State) error {
	return m.transition("statem.BeginTransfer", to)
}

// Complete transitions back to Idle, releasing the DMA owner, and is the
// only path back to Idle from any of the transfer states.
func (m *Machine) Complete(sessionID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !transitions[m.state][Idle] {
		return dualadc.E("statem.Complete", dualadc.InvalidMode, nil)
	}
	if m.dmaOwner != 0 && m.dmaOwner != sessionID {
		return dualadc.E("statem.Complete", dualadc.Busy, nil)
	}
	m.state = Idle
	m.dmaOwner = 0
	return nil
}

// Abort requests cancellation of the current acquisition/transfer and
// wakes any blocked waiter immediately, without waiting for hardware
// completion.
func (m *Machine) Abort(sessionID int) error {
	m.mu.Lock()
	if m.state == Idle {
		m.mu.Unlock()
		return dualadc.E("statem.Abort", dualadc.InvalidMode, nil)
	}
	if m.dmaOwner != 0 && m.dmaOwner != sessionID {
		m.mu.Unlock()
		return dualadc.E("statem.Abort", dualadc.Busy, nil)
	}
	m.cancelled = true
	m.abortCount++
	m.mu.Unlock()

	m.samplesComplete.Set()
	return nil
}

// Cancelled reports whether the in-flight acquisition was aborted.
func (m *Machine) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// OnDMAComplete records a DMA-complete interrupt source: bump the
// completion counter, add the finished transfer's byte count to the
// running total, release the DMA owner, and latch the completion event.
// Interrupt-context safe: no blocking, no allocation.
func (m *Machine) OnDMAComplete(bytes int) {
	m.mu.Lock()
	m.interruptsSeen++
	m.dmaCompleteCount++
	m.dmaBytesTotal += uint64(bytes)
	m.dmaOwner = 0
	m.mu.Unlock()
	m.samplesComplete.Set()
}

// OnSamplesComplete records a samples-complete interrupt source: bump the
// acquisition-complete counter when an acquisition is in flight and latch
// the sticky completion event. The latch is set before returning, so a
// bottom half scheduled from the returned hint can never run ahead of a
// waiter observing the flag. The return value reports whether the current
// state calls for bottom-half work (an acquisition or RAM write is what
// the deferred unwind exists for; transfer states unwind on the waiter's
// thread).
func (m *Machine) OnSamplesComplete() bool {
	m.mu.Lock()
	m.interruptsSeen++
	if m.state != Idle {
		m.acqCompleteCount++
	}
	schedule := m.state == Acq || m.state == WRam
	m.mu.Unlock()
	m.samplesComplete.Set()
	return schedule
}

// OnInterrupt is the plain samples-complete top half used where the caller
// has no status word to split into sources (tests, the fake bus).
func (m *Machine) OnInterrupt() {
	m.OnSamplesComplete()
}

// BottomHalf runs the deferred work after an interrupt. The
// samples-complete flag must already be visible to any waiter before
// the owning session's completion callback runs, so that a waiter woken by
// WaitInterruptible never observes a state where the hardware says "done"
// but the software bookkeeping has not caught up.
func (m *Machine) BottomHalf(onComplete func()) {
	if onComplete != nil {
		onComplete()
	}
}

// WaitInterruptible blocks until the current acquisition's samples-complete
// event fires or ctx is cancelled.
func (m *Machine) WaitInterruptible(ctx context.Context) error {
	return m.samplesComplete.Wait(ctx)
}

// ClearCompletion resets the sticky samples-complete event. Arm clears it
// automatically when starting a fresh acquisition; a caller that issues
// another hardware operation without going through Arm again (a repeated
// streaming chunk, or a standalone RAM read-back) must clear it itself
// before starting that operation, or a wait for it will return immediately
// on the previous operation's stale completion.
func (m *Machine) ClearCompletion() {
	m.samplesComplete.Clear()
}

// Stats returns the cumulative arm/abort/interrupt counters. for
// diagnostics and tests of the dispatch ordering.
func (m *Machine) Stats() (arms, aborts, interrupts uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armCount, m.abortCount, m.interruptsSeen
}

// DMAStats returns the cumulative DMA-complete count, transferred byte
// total, and acquisition-complete count the interrupt top half maintains.
func (m *Machine) DMAStats() (completions, bytes, acqCompletions uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dmaCompleteCount, m.dmaBytesTotal, m.acqCompleteCount
}
