package record

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/scopeware/dualadc/internal/dmabuf"
	dualadc "github.com/scopeware/dualadc/internal/errs"
	"github.com/scopeware/dualadc/record/sink"
)

// noSentinelSlot is st.sentinel's value while the producer is still
// running; no slot index equals it, so the consumer's sentinel check does
// not fire.
const noSentinelSlot = -1

// chainedState is the producer/consumer bookkeeping shared across the
// free and ready semaphores; slotLen records how many bytes each slot's
// DMA actually delivered.
type chainedState struct {
	free, ready *semaphore.Weighted
	bufs        []*dmabuf.Buffer
	slotLen     []int

	// sentinel, once set to a slot index by the producer, tells the
	// consumer "stop after processing up to (but not including) this
	// slot": the producer hit an error or end-of-run after filling
	// slots earlier in the ring. -1 means no sentinel has been set.
	sentinel int

	stopMu sync.Mutex
	stop   bool
}

// requestStop tells the producer to stop filling new slots once it next
// checks in, without touching prog's stop-requested flag (that flag also
// drives RunChained's post-Wait cancelled/complete decision, and reaching
// TotalSamples is a normal completion, not a cancellation).
func (s *chainedState) requestStop() {
	s.stopMu.Lock()
	s.stop = true
	s.stopMu.Unlock()
}

func (s *chainedState) stopRequested() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stop
}

// RunChained implements the N-buffer chained streaming recorder: a
// producer goroutine that fills buffers as free slots become available
// and a consumer goroutine that drains them to snk as ready slots become
// available, absorbing consumer jitter the two-buffer ping-pong variant
// cannot. Selected when Params.Flags has DeepBuffering set.
func RunChained(ctx context.Context, dev Device, bufs []*dmabuf.Buffer, p Params, snk sink.Sink, prog *Progress, log *logrus.Entry) error {
	const op = "record.RunChained"
	n := len(bufs)

	var updater *srdcUpdater
	if p.Flags.Has(GenerateSrdcFile) {
		updater = newSrdcUpdater(time.Now(), srdcErrorLogger(log))
		snk.SetSrdcGenCallback(updater.callback())
	}

	if err := snk.Init(p.TotalSamples, p.channelCount()); err != nil {
		err = dualadc.E(op, dualadc.FileIoError, err)
		prog.Fail(err)
		return err
	}
	if err := dev.BeginStreaming(ctx); err != nil {
		err = dualadc.E(op, dualadc.Unexpected, err)
		prog.Fail(err)
		_ = snk.Release()
		return err
	}

	tsReader, err := startTimestamps(p, log)
	if err != nil {
		prog.Fail(err)
		_ = snk.Release()
		return err
	}

	prog.Begin()
	if tsReader != nil {
		tsReader.Arm()
	}

	st := &chainedState{
		free:     semaphore.NewWeighted(int64(n)),
		ready:    semaphore.NewWeighted(int64(n)),
		bufs:     bufs,
		slotLen:  make([]int, n),
		sentinel: noSentinelSlot,
	}
	// The ready semaphore models "slots with data waiting for the
	// consumer" and must start empty, but semaphore.Weighted always
	// starts fully available; drain it once up front so the consumer
	// blocks until the producer actually releases a slot.
	for i := 0; i < n; i++ {
		_ = st.ready.Acquire(context.Background(), 1)
	}

	chunkSamples := p.perTransfer()
	chunkBytes := chunkSamples * 2

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return chainedProducer(gctx, dev, st, chunkBytes, prog, op) })
	g.Go(func() error { return chainedConsumer(gctx, st, p, snk, prog, op) })

	runErr := g.Wait()
	if runErr != nil {
		prog.Fail(runErr)
	} else if ctx.Err() != nil || prog.StopRequested() {
		prog.MarkCancelled()
	}

	if err := dev.EndStreaming(); err != nil && log != nil {
		log.WithError(err).Warn("end streaming acquisition reported an error")
	}
	if err := snk.Release(); err != nil {
		prog.Fail(dualadc.E(op, dualadc.FileIoError, err))
	}
	stopTimestamps(tsReader, p, prog, log)
	if updater != nil {
		updater.finalize(time.Now())
	}
	prog.Finish()
	return prog.Err()
}

// chainedProducer fills free slots in ring order until stopped, an error
// occurs, or the caller's ctx is cancelled, setting st.sentinel to the
// first slot it did not fill so the consumer knows where the valid data
// ends.
func chainedProducer(ctx context.Context, dev Device, st *chainedState, chunkBytes int, prog *Progress, op string) error {
	n := len(st.bufs)
	for slot := 0; ; slot = (slot + 1) % n {
		if ctx.Err() != nil || prog.StopRequested() || st.stopRequested() {
			st.sentinel = slot
			st.ready.Release(1)
			return nil
		}

		if err := st.free.Acquire(ctx, 1); err != nil {
			st.sentinel = slot
			return nil
		}

		buf := st.bufs[slot]
		if err := dev.StartChunk(ctx, buf, 0, chunkBytes); err != nil {
			st.sentinel = slot
			st.ready.Release(1)
			return dualadc.E(op, dualadc.Unexpected, err)
		}
		got, overflow, err := dev.WaitChunk(ctx)
		if overflow {
			st.sentinel = slot
			st.ready.Release(1)
			return dualadc.E(op, dualadc.FifoOverflow, nil)
		}
		if err != nil {
			st.sentinel = slot
			st.ready.Release(1)
			if dualadc.KindOf(err) == dualadc.Cancelled {
				return nil
			}
			return dualadc.E(op, dualadc.Unexpected, err)
		}

		st.slotLen[slot] = got
		st.ready.Release(1)
	}
}

// chainedConsumer drains ready slots to snk in ring order until it
// reaches st.sentinel or the caller's ctx is cancelled.
func chainedConsumer(ctx context.Context, st *chainedState, p Params, snk sink.Sink, prog *Progress, op string) error {
	n := len(st.bufs)
	var recorded, xfers int64
	lastSnapshot := time.Now()

	for slot := 0; ; slot = (slot + 1) % n {
		if err := st.ready.Acquire(ctx, 1); err != nil {
			return nil
		}
		if st.sentinel == slot {
			return nil
		}

		samples := bytesToSamples(st.bufs[slot].Bytes()[:st.slotLen[slot]])
		toWrite := len(samples)
		if p.TotalSamples > 0 {
			remaining := p.TotalSamples - recorded
			if remaining <= 0 {
				st.requestStop()
				st.free.Release(1)
				return nil
			}
			if int64(toWrite) > remaining {
				toWrite = int(remaining)
			}
		}
		if err := snk.Write(samples[:toWrite]); err != nil {
			return dualadc.E(op, dualadc.FileIoError, err)
		}
		recorded += int64(toWrite)
		xfers++
		prog.Update(recorded, xfers)
		if p.Flags.Has(DoSnapshots) && snapshotDue(p, xfers, lastSnapshot) {
			prog.Snapshot(samples[:toWrite])
			lastSnapshot = time.Now()
		}

		if p.TotalSamples > 0 && recorded >= p.TotalSamples {
			st.requestStop()
			st.free.Release(1)
			return nil
		}

		st.free.Release(1)
	}
}
