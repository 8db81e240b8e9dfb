package dualadc

import (
	"sync"
	"sync/atomic"

	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/internal/statem"
)

// OpenFlags is the bit-flag-per-capability open-flags argument, kept as
// named bits rather than a struct of bools so callers can compose them.
type OpenFlags uint32

const (
	// OpenExclusive requests sole ownership of the board; Open fails with
	// Busy if any session is already open on the board. A later
	// non-exclusive Open is not refused.
	OpenExclusive OpenFlags = 1 << iota
)

var nextSessionID int64

// Session is a per-client handle to a Board. It carries the DMA-owner /
// JTAG-owner role state and the set of buffers this client allocated:
// releasing the last session on a device drains DMA, returns the device
// to standby, and frees all user buffers.
type Session struct {
	ID        int
	Board     *Board
	openFlags OpenFlags

	mu        sync.Mutex
	holdsJTAG bool
	holdsDMA  bool
	closed    bool
}

// Open creates a new Session on board, retaining the board's reference
// count. If flags includes OpenExclusive and another session is already
// open on this board, Open fails with Busy.
func Open(board *Board, flags OpenFlags) (*Session, error) {
	if board == nil {
		return nil, E("Open", InvalidArg, nil)
	}
	if flags&OpenExclusive != 0 && atomic.LoadInt32(&board.refCount) > 0 {
		return nil, E("Open", Busy, nil)
	}
	id := int(atomic.AddInt64(&nextSessionID, 1))
	board.retain()
	return &Session{ID: id, Board: board, openFlags: flags}, nil
}

// AcquireJTAG claims the JTAG role for this session on its board.
func (s *Session) AcquireJTAG() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return E("Session.AcquireJTAG", InvalidObjectHandle, nil)
	}
	if err := s.Board.acquireJTAG(s.ID); err != nil {
		return err
	}
	s.holdsJTAG = true
	return nil
}

// HoldsJTAG reports whether this session currently holds the JTAG role.
func (s *Session) HoldsJTAG() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdsJTAG
}

// ReleaseJTAG releases the JTAG role if this session holds it. A no-op
// otherwise.
func (s *Session) ReleaseJTAG() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdsJTAG {
		s.Board.releaseJTAG(s.ID)
		s.holdsJTAG = false
	}
}

// Arm claims the DMA-owner role and advances the board's state machine
// from Idle to Acq. If the board's
// clock source changed since the last Arm, it first resets and relocks the
// acquisition-clock DCMs (internal/clockgen.Shim.ResetDCMs), failing with
// DcmSyncFailed without touching the state machine if the DCMs never lock.
func (s *Session) Arm(mode statem.Mode) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return E("Session.Arm", InvalidObjectHandle, nil)
	}
	s.mu.Unlock()

	if s.Board.takeDCMResetNeeded() {
		if err := s.Board.Clock.ResetDCMs(); err != nil {
			s.Board.MarkDCMResetNeeded()
			return E("Session.Arm", DcmSyncFailed, err)
		}
	}

	if err := s.Board.State.Arm(mode, s.ID); err != nil {
		return err
	}
	s.mu.Lock()
	s.holdsDMA = true
	s.mu.Unlock()
	return nil
}

// Close releases every role this session holds. If this was the last open
// session on the board (refCount reaches zero), it also drains DMA
// (aborting any in-flight transfer), returns the device to Idle, and
// frees every user-space-mapped buffer this board's buffer table still
// holds. The driver-internal scratch buffer is never freed here: it
// lives as long as the device.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ReleaseJTAG()

	sessionID := s.ID
	if _, err := s.Board.Buffers.Free(dmabuf.FreeCriterion{BySession: &sessionID}); err != nil {
		return E("Session.Close", Unexpected, err)
	}

	if s.Board.release() == 0 {
		if s.Board.State.State() != statem.Idle {
			_ = s.Board.State.Abort(sessionID)
			_ = s.Board.State.Complete(sessionID)
		}
		if _, err := s.Board.Buffers.Free(dmabuf.FreeCriterion{AllUser: true}); err != nil {
			return E("Session.Close", Unexpected, err)
		}
	}
	return nil
}
