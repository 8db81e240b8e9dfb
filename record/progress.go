package record

import (
	"sync"
	"time"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// Status is the client-visible recording session state.
type Status int

const (
	Idle Status = iota
	InProgress
	Complete
	Cancelled
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in progress"
	case Complete:
		return "complete"
	case Cancelled:
		return "cancelled"
	case Error:
		return "error"
	default:
		return "status?"
	}
}

// Progress is the RecordingSession progress/error slot and snapshot buffer
// of a recording session, guarded by a single mutex independent of the
// device's short lock and device mutex.
// A Progress is shared between the recording engine goroutine(s) and any
// number of client-side status queries; it is never held across a
// blocking wait.
type Progress struct {
	mu sync.Mutex

	status    Status
	startedAt time.Time
	elapsedMs int64

	sampsRecorded int64
	xferCount     int64

	snapshotBuf     []uint16
	snapshotValid   int
	snapshotCounter uint64

	err         error
	errPreamble string

	stopRequested bool

	tsCount    uint64
	tsOverflow bool
}

// NewProgress returns a Progress in the Idle state.
func NewProgress() *Progress { return &Progress{status: Idle} }

// Begin marks the session InProgress and starts its elapsed-time clock.
func (p *Progress) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = InProgress
	p.startedAt = time.Now()
}

// Update records the sample and transfer counts, which any single reader
// observes monotonically non-decreasing; called by an engine roughly
// every 200ms or once per transfer, whichever an engine's loop shape makes
// natural.
func (p *Progress) Update(sampsRecorded, xferCount int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sampsRecorded = sampsRecorded
	p.xferCount = xferCount
	p.elapsedMs = time.Since(p.startedAt).Milliseconds()
}

// Snapshot copies data into the shared snapshot buffer and bumps the
// snapshot counter. The counter only ever increases when a new snapshot
// buffer is actually written.
func (p *Progress) Snapshot(data []uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cap(p.snapshotBuf) < len(data) {
		p.snapshotBuf = make([]uint16, len(data))
	}
	p.snapshotBuf = p.snapshotBuf[:len(data)]
	copy(p.snapshotBuf, data)
	p.snapshotValid = len(data)
	p.snapshotCounter++
}

// ReadSnapshot returns up to max samples of the most recent snapshot and
// the current snapshot counter: callers diff the returned counter against
// their last-seen value to detect new data.
func (p *Progress) ReadSnapshot(max int) ([]uint16, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.snapshotValid
	if max > 0 && n > max {
		n = max
	}
	out := make([]uint16, n)
	copy(out, p.snapshotBuf[:n])
	return out, p.snapshotCounter
}

// Fail captures err into the error slot if this is the first error this
// session has seen; subsequent calls are no-ops. It also transitions
// status to Error.
func (p *Progress) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	p.err = err
	p.errPreamble = dualadc.Preamble(err)
	p.status = Error
}

// Finish transitions a still-InProgress session to Complete. A session
// already in Error or Cancelled is left alone: Fail/RequestStop already
// recorded the terminal status.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == InProgress {
		p.status = Complete
	}
	p.elapsedMs = time.Since(p.startedAt).Milliseconds()
}

// RequestStop asks a running engine to stop at its next cooperative check
// point and marks the eventual terminal status Cancelled unless an error
// is recorded first.
func (p *Progress) RequestStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopRequested = true
}

// StopRequested reports whether RequestStop has been called.
func (p *Progress) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested
}

// MarkCancelled transitions to Cancelled if no error has already been
// recorded and the session is still InProgress.
func (p *Progress) MarkCancelled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == InProgress {
		p.status = Cancelled
	}
}

// SetTimestampResult records the final outcome of this session's
// tsfifo.Reader (entry count and sticky overflow flag), surfaced to
// clients through Status's Report.
func (p *Progress) SetTimestampResult(count uint64, overflow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tsCount = count
	p.tsOverflow = overflow
}

// Snapshot fields below report the current status, counters and error
// for a client's status query: status, elapsed time, samples recorded,
// transfer count, snapshot counter, error kind, optional error text.
type Report struct {
	Status          Status
	ElapsedMs       int64
	SampsRecorded   int64
	XferCount       int64
	SnapshotCounter uint64
	ErrKind         dualadc.Kind
	ErrText         string

	TimestampCount    uint64
	TimestampOverflow bool
}

// Status returns a point-in-time Report for a client's progress query.
func (p *Progress) Status() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := Report{
		Status:            p.status,
		ElapsedMs:         p.elapsedMs,
		SampsRecorded:     p.sampsRecorded,
		XferCount:         p.xferCount,
		SnapshotCounter:   p.snapshotCounter,
		TimestampCount:    p.tsCount,
		TimestampOverflow: p.tsOverflow,
	}
	if p.err != nil {
		r.ErrKind = dualadc.KindOf(p.err)
		r.ErrText = p.errPreamble
	}
	return r
}

// Err returns the session's first recorded error, or nil.
func (p *Progress) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
