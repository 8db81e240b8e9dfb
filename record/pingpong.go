package record

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scopeware/dualadc/internal/dmabuf"
	dualadc "github.com/scopeware/dualadc/internal/errs"
	"github.com/scopeware/dualadc/record/sink"
)

// RunPingPong implements the double-buffered PCIe streaming recorder:
// two DMA buffers, continuous FIFO-buffered PCI acquisition,
// and a single goroutine that overlaps processing buffer i-1 with the
// transfer into buffer i. This is the default streaming variant (selected
// when Params.Flags does not have DeepBuffering set).
func RunPingPong(ctx context.Context, dev Device, bufs [2]*dmabuf.Buffer, p Params, snk sink.Sink, prog *Progress, log *logrus.Entry) error {
	const op = "record.RunPingPong"

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

	chunkSamples := p.perTransfer()
	chunkBytes := chunkSamples * 2

	var recorded, xfers int64
	var prevValid bool
	var prevIdx, prevLen int
	i := 0
	lastSnapshot := time.Now()

	flushPrev := func() error {
		if !prevValid {
			return nil
		}
		samples := bytesToSamples(bufs[prevIdx%2].Bytes()[:prevLen])
		toWrite := len(samples)
		if p.TotalSamples > 0 {
			remaining := p.TotalSamples - recorded
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
		return nil
	}

	var cancelled bool
runLoop:
	for {
		if ctx.Err() != nil || prog.StopRequested() {
			prog.MarkCancelled()
			cancelled = true
			break
		}
		if p.TotalSamples > 0 && recorded >= p.TotalSamples {
			break
		}

		buf := bufs[i%2]
		if err := dev.StartChunk(ctx, buf, 0, chunkBytes); err != nil {
			prog.Fail(dualadc.E(op, dualadc.Unexpected, err))
			break
		}
		if err := flushPrev(); err != nil {
			prog.Fail(err)
			break
		}

		n, overflow, err := dev.WaitChunk(ctx)
		if overflow {
			prog.Fail(dualadc.E(op, dualadc.FifoOverflow, nil))
			break runLoop
		}
		if err != nil {
			if dualadc.KindOf(err) == dualadc.Cancelled {
				prog.MarkCancelled()
				cancelled = true
				break
			}
			prog.Fail(dualadc.E(op, dualadc.Unexpected, err))
			break
		}

		prevIdx, prevLen, prevValid = i, n, true
		i++
	}

	if prog.Err() == nil && !cancelled {
		if err := flushPrev(); err != nil {
			prog.Fail(err)
		}
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
