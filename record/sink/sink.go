// Package sink implements the recording engines' output contract and its
// concrete implementations: null, binary, binary-segmented, dual-binary,
// dual-binary-segmented, text, and dual-text sinks, each wrapping
// *os.File directly rather than introducing an I/O abstraction layer.
// px14_file_io.cpp's segmented/dual-channel naming scheme
// (`<base>_<index>.<ext>`).
package sink

import (
	"path/filepath"
	"strconv"
)

// SampleFormat records whether a sink's output samples are signed or
// unsigned, for the SRDC sidecar's SampleFormat field.
type SampleFormat int

const (
	Unsigned SampleFormat = iota
	Signed
)

func (f SampleFormat) String() string {
	if f == Signed {
		return "Signed"
	}
	return "Unsigned"
}

// FileFormat records a sink's on-disk encoding, for the SRDC sidecar's
// FileFormat field.
type FileFormat int

const (
	Binary FileFormat = iota
	Text
)

func (f FileFormat) String() string {
	if f == Text {
		return "Text"
	}
	return "Binary"
}

// SrdcFields is the set of sidecar key/value fields a Sink reports back to
// its SetSrdcGenCallback hook after each file it opens.
type SrdcFields struct {
	RecArmTimeSec int64
	RecArmTimeStr string
	RecEndTimeSec int64
	RecEndTimeStr string
	SampleFormat  SampleFormat
	ChannelId     int
	ChannelCount  int
	FileFormat    FileFormat
	SampleRadix   int
	HeaderBytes   int
	OperatorNotes string
}

// SrdcCallback is invoked once per sidecar file a Sink creates.
type SrdcCallback func(path string, fields SrdcFields)

// Sink is the recording engine's output contract: Init is called once
// before the first Write, Write exactly once per processed chunk in
// order, Release exactly once at the end or on error.
type Sink interface {
	Init(totalSamples int64, channelCount int) error
	Write(samples []uint16) error
	Release() error
	SetSrdcGenCallback(cb SrdcCallback)
	GetCurrentFilePath() string
	GetCurrentFileSamples() int64
}

// NullSink discards every sample. Used by tests and by deep-buffered runs
// with no real output requested.
type NullSink struct{}

func (NullSink) Init(int64, int) error               { return nil }
func (NullSink) Write([]uint16) error                { return nil }
func (NullSink) Release() error                      { return nil }
func (NullSink) SetSrdcGenCallback(SrdcCallback)     {}
func (NullSink) GetCurrentFilePath() string          { return "" }
func (NullSink) GetCurrentFileSamples() int64        { return 0 }

// indexedPath returns path with index spliced in before the extension,
// e.g. indexedPath("out.bin", 3) → "out_3.bin".
func indexedPath(path string, index int) string {
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	return base + "_" + strconv.Itoa(index) + ext
}
