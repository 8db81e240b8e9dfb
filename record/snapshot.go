package record

import "time"

// snapshotDue reports whether a streaming engine's snapshot cadence has
// elapsed: either every K transfers or every T milliseconds, whichever
// Params set. The RAM engine uses snapshotDueByTime exclusively; its
// snapshots are by wall-clock period only.
func snapshotDue(p Params, xfers int64, last time.Time) bool {
	if p.SnapshotPeriodTransfers > 0 {
		return xfers%int64(p.SnapshotPeriodTransfers) == 0
	}
	if p.SnapshotPeriodMs > 0 {
		return time.Since(last) >= time.Duration(p.SnapshotPeriodMs)*time.Millisecond
	}
	return false
}
