package record

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scopeware/dualadc/record/sink"
	"github.com/scopeware/dualadc/record/srdc"
)

// srdcErrorLogger returns an onError callback that logs sidecar write
// failures rather than failing the recording; nil-safe when log is nil.
func srdcErrorLogger(log *logrus.Entry) func(path string, err error) {
	return func(path string, err error) {
		if log != nil {
			log.WithError(err).WithField("path", path).Warn("srdc sidecar update failed")
		}
	}
}

// srdcUpdater wraps a sink's SrdcCallback to stamp RecArmTimeSec/Str at
// file-open time and backfill RecEndTimeSec/Str once the run finishes.
// Sidecar output paths are captured during the run for the post-run
// metadata update: the end time isn't known until Release, so each
// sidecar is written once at open and rewritten once at finalize.
type srdcUpdater struct {
	armSec int64
	armStr string

	onError func(path string, err error)

	mu      sync.Mutex
	fields  map[string]sink.SrdcFields
	written bool
}

func newSrdcUpdater(armTime time.Time, onError func(path string, err error)) *srdcUpdater {
	return &srdcUpdater{
		armSec:  armTime.Unix(),
		armStr:  armTime.Format(time.RFC3339),
		onError: onError,
		fields:  make(map[string]sink.SrdcFields),
	}
}

// callback returns the sink.SrdcCallback to install via
// sink.Sink.SetSrdcGenCallback.
func (u *srdcUpdater) callback() sink.SrdcCallback {
	return func(path string, fields sink.SrdcFields) {
		fields.RecArmTimeSec = u.armSec
		fields.RecArmTimeStr = u.armStr

		u.mu.Lock()
		u.fields[path] = fields
		u.mu.Unlock()

		if err := srdc.Write(path, fields); err != nil && u.onError != nil {
			u.onError(path, err)
		}
	}
}

// finalize rewrites every sidecar seen so far with the run's end time.
func (u *srdcUpdater) finalize(endTime time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.written {
		return
	}
	u.written = true

	endSec := endTime.Unix()
	endStr := endTime.Format(time.RFC3339)
	for path, fields := range u.fields {
		fields.RecEndTimeSec = endSec
		fields.RecEndTimeStr = endStr
		if err := srdc.Write(path, fields); err != nil && u.onError != nil {
			u.onError(path, err)
		}
	}
}
