package record

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	dualadc "github.com/scopeware/dualadc/internal/errs"
	"github.com/scopeware/dualadc/record/sink"
)

// progressUpdatePeriod is how often RunRAM refreshes Progress counters.
const progressUpdatePeriod = 200 * time.Millisecond

// RunRAM implements the RAM-acquisition recording engine:
// repeated fixed-size onboard-RAM acquisitions, each drained through the
// buffered transfer path into snk, until TotalSamples have been recorded
// or the caller stops the session via prog.RequestStop or ctx
// cancellation. Only the needed prefix of the final cycle is written when
// TotalSamples isn't a multiple of the per-cycle acquisition size.
//
// Snapshots in this variant are a wall-clock-period-only re-read of the
// same RAM contents into the snapshot buffer, never a tap on the data
// already handed to snk.
func RunRAM(ctx context.Context, dev Device, p Params, snk sink.Sink, prog *Progress, log *logrus.Entry) error {
	const op = "record.RunRAM"

	acqSamples := p.perTransfer()

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
	buf := make([]uint16, acqSamples)

	var recorded, cycles int64
	lastUpdate := time.Now()
	lastSnapshot := time.Now()

	for {
		if ctx.Err() != nil || prog.StopRequested() {
			prog.MarkCancelled()
			break
		}
		if p.TotalSamples > 0 && recorded >= p.TotalSamples {
			break
		}

		if err := dev.AcquireRAM(ctx, acqSamples); err != nil {
			if dualadc.KindOf(err) == dualadc.Cancelled {
				prog.MarkCancelled()
				break
			}
			prog.Fail(dualadc.E(op, dualadc.Unexpected, err))
			break
		}
		n, err := dev.ReadRAM(ctx, buf)
		if err != nil {
			prog.Fail(dualadc.E(op, dualadc.Unexpected, err))
			break
		}

		toWrite := n
		if p.TotalSamples > 0 {
			remaining := p.TotalSamples - recorded
			if int64(toWrite) > remaining {
				toWrite = int(remaining)
			}
		}
		if err := snk.Write(buf[:toWrite]); err != nil {
			prog.Fail(dualadc.E(op, dualadc.FileIoError, err))
			break
		}
		recorded += int64(toWrite)
		cycles++

		if time.Since(lastUpdate) >= progressUpdatePeriod {
			prog.Update(recorded, cycles)
			lastUpdate = time.Now()
		}

		if p.Flags.Has(DoSnapshots) && snapshotDueByTime(p, lastSnapshot) {
			snapLen := p.SnapshotLengthSamples
			if snapLen <= 0 || snapLen > acqSamples {
				snapLen = acqSamples
			}
			snapBuf := make([]uint16, snapLen)
			if sn, err := dev.ReadRAM(ctx, snapBuf); err == nil {
				prog.Snapshot(snapBuf[:sn])
			} else if log != nil {
				log.WithError(err).Warn("snapshot re-read failed")
			}
			lastSnapshot = time.Now()
		}
	}

	prog.Update(recorded, cycles)
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

// snapshotDueByTime reports whether the RAM engine's wall-clock-only
// snapshot cadence has elapsed since last.
func snapshotDueByTime(p Params, last time.Time) bool {
	if p.SnapshotPeriodMs <= 0 {
		return false
	}
	return time.Since(last) >= time.Duration(p.SnapshotPeriodMs)*time.Millisecond
}
