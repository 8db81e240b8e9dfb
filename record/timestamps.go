package record

import (
	"time"

	"github.com/sirupsen/logrus"

	dualadc "github.com/scopeware/dualadc/internal/errs"
	"github.com/scopeware/dualadc/tsfifo"
)

// tsStopTimeout bounds how long a recording engine waits for the
// timestamp reader's drain goroutine to exit during teardown.
const tsStopTimeout = 2 * time.Second

// startTimestamps opens a tsfifo.Reader when p requests SAVE_TIMESTAMPS
// and supplies a TsSource. The returned Reader's Arm
// must be called once the data path has actually been armed; a nil
// return means no timestamp reader was requested.
func startTimestamps(p Params, log *logrus.Entry) (*tsfifo.Reader, error) {
	if !p.Flags.Has(SaveTimestamps) || p.TsSource == nil {
		return nil, nil
	}
	var flags tsfifo.Flags
	if p.Flags.Has(TimestampsAsText) {
		flags |= tsfifo.TextFormat
	}
	if p.Flags.Has(Append) {
		flags |= tsfifo.Append
	}
	if p.Flags.Has(UseTsFifoOvflMarker) {
		flags |= tsfifo.UseOverflowMarker
	}
	r, err := tsfifo.Open(p.TsSource, p.TimestampPath, flags, log)
	if err != nil {
		return nil, dualadc.E("record.startTimestamps", dualadc.FileIoError, err)
	}
	return r, nil
}

// stopTimestamps stops the timestamp reader (if any), folds its outcome
// into prog, and records a fatal error in prog only when AbortOpOnTsOvfl
// is set and an overflow was observed.
func stopTimestamps(r *tsfifo.Reader, p Params, prog *Progress, log *logrus.Entry) {
	if r == nil {
		return
	}
	if err := r.Stop(tsStopTimeout); err != nil && log != nil {
		log.WithError(err).Warn("timestamp reader did not stop cleanly")
	}
	overflow := r.OverflowSeen()
	prog.SetTimestampResult(r.Count(), overflow)
	if overflow && p.Flags.Has(AbortOpOnTsOvfl) {
		prog.Fail(dualadc.E("record.stopTimestamps", dualadc.TimestampFifoOverflow, nil))
	}
}
