// Package tsfifo implements the timestamp FIFO reader: a secondary
// streaming reader that drains the hardware event timestamp FIFO
// concurrently with the main data path, writing entries to a binary or
// text file and detecting overflow.
//
// The poll loop waits for a quit signal with a bounded timeout, drains
// what is ready, and loops; the "ready" source is the FIFO-availability
// status bit and the quit signal is a channel close.
package tsfifo

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// fifoDepth is the hardware TS FIFO's capacity in entries, and the upper
// bound of one batch read.
const fifoDepth = 2048

// OverflowMarker is the sentinel value written twice into the output
// stream at an overflow gap, when UseOverflowMarker is set.
const OverflowMarker uint64 = 0xF1F0F1F0F1F0F1F0

// Source is the hardware surface a Reader drains, abstracted so production
// code backs it with register reads (RegisterSource) and tests back it
// with a fake.
type Source interface {
	// Available reports whether at least one timestamp is waiting (the
	// inverse of the TS-FIFO-empty status bit).
	Available() (bool, error)
	// ReadBatch drains up to len(dst) timestamps, returning how many were
	// actually read. If the FIFO reports overflow and delivers zero items,
	// n is 0 and overflow is true: the read-from-a-full-FIFO case, which
	// the caller must retry rather than treat as empty.
	ReadBatch(dst []uint64) (n int, overflow bool, err error)
}

// Writer is the output-file half of a Reader: WriteBatch is called with
// each batch of entries (including marker pairs) in stream order.
type Writer interface {
	WriteBatch(items []uint64) error
	Close() error
}

// Flags selects the timestamp reader's file format and overflow-marker
// behavior.
type Flags uint32

const (
	// TextFormat selects the decimal text writer instead of the binary
	// little-endian writer.
	TextFormat Flags = 1 << iota
	// Append opens the output file for append instead of truncating it.
	Append
	// UseOverflowMarker inserts OverflowMarker twice into the stream at an
	// overflow gap.
	UseOverflowMarker
)

// Has reports whether every bit in want is set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Reader is the per-device timestamp FIFO drain thread.
// Open starts its goroutine immediately, but the
// goroutine blocks until Arm is called, so the FIFO is never observed
// "empty forever" before the data path has actually begun acquiring.
type Reader struct {
	log       *logrus.Entry
	src       Source
	w         Writer
	useMarker bool

	armOnce  sync.Once
	armCh    chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu           sync.Mutex
	overflowSeen bool
	written      uint64
	err          error
}

// Open constructs the binary or text Writer named by flags, opens path
// (append or truncate per the Append flag), and starts the drain
// goroutine. Callers must call Arm once the data path has actually been
// armed, and Stop when the recording session ends.
func Open(src Source, path string, flags Flags, log *logrus.Entry) (*Reader, error) {
	const op = "tsfifo.Open"
	var w Writer
	var err error
	if flags.Has(TextFormat) {
		w, err = newTextWriter(path, flags.Has(Append))
	} else {
		w, err = newBinaryWriter(path, flags.Has(Append))
	}
	if err != nil {
		return nil, dualadc.E(op, dualadc.FileIoError, err)
	}

	r := &Reader{
		log:       log,
		src:       src,
		w:         w,
		useMarker: flags.Has(UseOverflowMarker),
		armCh:     make(chan struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Arm signals the drain goroutine that it may begin polling the FIFO.
// Idempotent: a second call is a no-op.
func (r *Reader) Arm() {
	r.armOnce.Do(func() { close(r.armCh) })
}

// Stop requests the drain goroutine to exit and waits up to timeout for it
// to do so, then closes the output file. Idempotent.
func (r *Reader) Stop(timeout time.Duration) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.done:
	case <-time.After(timeout):
		return dualadc.E("tsfifo.Reader.Stop", dualadc.TimedOut, nil)
	}
	if err := r.w.Close(); err != nil {
		return dualadc.E("tsfifo.Reader.Stop", dualadc.FileIoError, err)
	}
	return r.Err()
}

// OverflowSeen reports whether the TS FIFO was ever observed full. The
// flag is sticky: one overflow marks the whole run.
func (r *Reader) OverflowSeen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflowSeen
}

// Count returns the number of timestamp entries written so far (excluding
// overflow marker pairs).
func (r *Reader) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Err returns the first error the drain goroutine encountered, or nil.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *Reader) setOverflow() {
	r.mu.Lock()
	r.overflowSeen = true
	r.mu.Unlock()
}

func (r *Reader) addWritten(n int) {
	r.mu.Lock()
	r.written += uint64(n)
	r.mu.Unlock()
}

// run is the drain goroutine's loop: poll availability, batch-read,
// retry-on-full-FIFO, marker-then-write, 250ms quit-event sleep when
// nothing is available.
func (r *Reader) run() {
	defer close(r.done)

	select {
	case <-r.armCh:
	case <-r.stopCh:
		return
	}

	buf := make([]uint64, fifoDepth)
	pendingMarker := false

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		avail, err := r.src.Available()
		if err != nil {
			r.setErr(dualadc.E("tsfifo.Reader.run", dualadc.Unexpected, err))
			return
		}
		if !avail && !pendingMarker {
			select {
			case <-r.stopCh:
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		n, overflow, err := r.src.ReadBatch(buf)
		if err != nil {
			r.setErr(dualadc.E("tsfifo.Reader.run", dualadc.Unexpected, err))
			return
		}
		if overflow && n == 0 {
			r.setOverflow()
			pendingMarker = true
			if r.log != nil {
				r.log.Warn("timestamp fifo overflow, draining full fifo")
			}
			continue
		}
		if n == 0 {
			continue
		}

		if pendingMarker {
			if r.useMarker {
				if err := r.w.WriteBatch([]uint64{OverflowMarker, OverflowMarker}); err != nil {
					r.setErr(dualadc.E("tsfifo.Reader.run", dualadc.FileIoError, err))
					return
				}
			}
			pendingMarker = false
		}

		if err := r.w.WriteBatch(buf[:n]); err != nil {
			r.setErr(dualadc.E("tsfifo.Reader.run", dualadc.FileIoError, err))
			return
		}
		r.addWritten(n)
	}
}
