// Package srdc writes the human-readable sidecar file a Sink emits
// alongside each data file it creates: the recording-metadata field set
// (arm/end times, sample format, channel layout) as a plain key/value
// text file. The vendor's binary sidecar layout is not reproduced.
package srdc

import (
	"bufio"
	"fmt"
	"os"

	dualadc "github.com/scopeware/dualadc/internal/errs"
	"github.com/scopeware/dualadc/record/sink"
)

// Write renders fields as "key: value" lines to path, overwriting any
// existing file. Field order is fixed so a diff between two sidecar files
// stays stable.
func Write(path string, fields sink.SrdcFields) error {
	f, err := os.Create(path)
	if err != nil {
		return dualadc.E("srdc.Write", dualadc.FileIoError, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	lines := []string{
		fmt.Sprintf("RecArmTimeSec: %d", fields.RecArmTimeSec),
		fmt.Sprintf("RecArmTimeStr: %s", fields.RecArmTimeStr),
		fmt.Sprintf("RecEndTimeSec: %d", fields.RecEndTimeSec),
		fmt.Sprintf("RecEndTimeStr: %s", fields.RecEndTimeStr),
		fmt.Sprintf("SampleFormat: %s", fields.SampleFormat),
		fmt.Sprintf("ChannelId: %d", fields.ChannelId),
		fmt.Sprintf("ChannelCount: %d", fields.ChannelCount),
		fmt.Sprintf("FileFormat: %s", fields.FileFormat),
		fmt.Sprintf("SampleRadix: %d", fields.SampleRadix),
		fmt.Sprintf("HeaderBytes: %d", fields.HeaderBytes),
		fmt.Sprintf("OperatorNotes: %s", fields.OperatorNotes),
	}
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return dualadc.E("srdc.Write", dualadc.FileIoError, err)
		}
	}
	if err := w.Flush(); err != nil {
		return dualadc.E("srdc.Write", dualadc.FileIoError, err)
	}
	return nil
}

// Callback returns a sink.SrdcCallback that writes each sidecar via Write,
// logging (rather than failing the recording) if a sidecar write fails:
// the sidecar is diagnostic, not part of the recorded data itself.
func Callback(onError func(path string, err error)) sink.SrdcCallback {
	return func(path string, fields sink.SrdcFields) {
		if err := Write(path, fields); err != nil && onError != nil {
			onError(path, err)
		}
	}
}
