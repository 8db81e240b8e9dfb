package record

import "github.com/scopeware/dualadc/tsfifo"

// Flags is the recording configuration bit set. AssumeDualChannel,
// EmbedSrdcAsAFS, DoNotArm, UseUtilityBuffers and BootBuffersOkay are
// carried in Params, but no engine or sink reads them.
type Flags uint32

const (
	// Deinterleave splits the raw interleaved sample stream into two
	// per-channel output files.
	Deinterleave Flags = 1 << iota
	// AssumeDualChannel is carried so Params can be round-tripped
	// verbatim; no engine or sink reads it.
	AssumeDualChannel
	// SaveAsText selects a text.Sink family instead of binary.
	SaveAsText
	// HexOutput selects hexadecimal instead of decimal text formatting.
	HexOutput
	// ConvertToSigned XORs the MSB of each sample before it is written.
	ConvertToSigned
	// GenerateSrdcFile requests an SRDC sidecar per output file.
	GenerateSrdcFile
	// EmbedSrdcAsAFS is carried in Params but not acted on: no sidecar is
	// embedded as an alternate file stream, and setting it returns no
	// error.
	EmbedSrdcAsAFS
	// SaveTimestamps starts a tsfifo.Reader alongside the data path.
	SaveTimestamps
	// TimestampsAsText selects the timestamp reader's text writer.
	TimestampsAsText
	// Append opens the timestamp output file for append instead of
	// truncating it; the data sinks always create or truncate their files.
	Append
	// AbortOpOnTsOvfl fails the recording if the timestamp FIFO overflows.
	AbortOpOnTsOvfl
	// UseTsFifoOvflMarker inserts the sentinel marker pair into the
	// timestamp stream at an overflow gap.
	UseTsFifoOvflMarker
	// DoNotArm is carried in Params; no engine reads it, and every engine
	// arms the device itself.
	DoNotArm
	// DeepBuffering selects the chained streaming variant instead of
	// the default ping-pong variant.
	DeepBuffering
	// DoSnapshots enables the periodic snapshot facility.
	DoSnapshots
	// UseUtilityBuffers is carried in Params; no engine or sink reads it.
	UseUtilityBuffers
	// BootBuffersOkay is carried in Params; no engine or sink reads it.
	BootBuffersOkay
)

// Has reports whether every bit in want is set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Params carries everything the three recording engines and the sink
// factory need to run one recording session.
type Params struct {
	Flags Flags

	// TotalSamples caps the recording; 0 means indefinite (run until
	// stopped).
	TotalSamples int64
	// PerTransferSamples is the per-cycle RAM acquisition size or the
	// per-chunk streaming transfer size; 0 selects an
	// implementation default.
	PerTransferSamples int
	// ChainBuffers is the chained variant's buffer count; 0 selects an
	// implementation default.
	ChainBuffers int

	// SnapshotPeriodMs and SnapshotPeriodTransfers select the snapshot
	// cadence; at most one should be non-zero. SnapshotLengthSamples
	// caps how many samples RunRAM's snapshot re-reads; the streaming
	// engines snapshot each whole transfer.
	SnapshotPeriodMs        int
	SnapshotPeriodTransfers int
	SnapshotLengthSamples   int

	// OutputPath is the primary (or, with Deinterleave, channel-A) output
	// path. OutputPathB is the channel-B path when Deinterleave is set. An
	// empty OutputPath selects sink.NullSink.
	OutputPath  string
	OutputPathB string
	// MaxFileSegSamples, if non-zero, selects the segmented sink variant,
	// splitting output across `<path>_<index>.<ext>` files.
	MaxFileSegSamples int64

	// TimestampPath is the output file for the SAVE_TIMESTAMPS flag.
	TimestampPath string
	// TsSource is the hardware TS FIFO surface a tsfifo.Reader drains
	// when SaveTimestamps is set; nil disables the timestamp reader even
	// if the flag is set, e.g. when the caller has no TS FIFO to offer.
	TsSource tsfifo.Source

	// OperatorNotes is copied verbatim into every SRDC sidecar's
	// OperatorNotes field.
	OperatorNotes string
}

// defaultPerTransferSamples is used when Params.PerTransferSamples is 0.
const defaultPerTransferSamples = 32768

// defaultChainBuffers is used when Params.ChainBuffers is 0.
const defaultChainBuffers = 8

func (p Params) perTransfer() int {
	if p.PerTransferSamples > 0 {
		return p.PerTransferSamples
	}
	return defaultPerTransferSamples
}

func (p Params) chainBuffers() int {
	if p.ChainBuffers > 0 {
		return p.ChainBuffers
	}
	return defaultChainBuffers
}

func (p Params) channelCount() int {
	if p.Flags.Has(Deinterleave) {
		return 1
	}
	return 2
}
