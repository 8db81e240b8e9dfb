package record

import (
	"github.com/scopeware/dualadc/record/sink"
)

// BuildSink constructs the concrete Sink named by p's flags and paths:
// an empty OutputPath
// selects NullSink; otherwise Deinterleave picks the dual-file family,
// MaxFileSegSamples > 0 picks the segmented family, and SaveAsText picks
// text over binary. HexOutput and ConvertToSigned are threaded through to
// whichever concrete sink is selected.
func BuildSink(p Params) sink.Sink {
	if p.OutputPath == "" {
		return sink.NullSink{}
	}

	if p.Flags.Has(Deinterleave) {
		if p.Flags.Has(SaveAsText) {
			return &sink.DualTextSink{
				PathA:           p.OutputPath,
				PathB:           p.OutputPathB,
				HexOutput:       p.Flags.Has(HexOutput),
				ConvertToSigned: p.Flags.Has(ConvertToSigned),
			}
		}
		if p.MaxFileSegSamples > 0 {
			return &sink.DualBinarySegmentedSink{
				BasePathA:       p.OutputPath,
				BasePathB:       p.OutputPathB,
				MaxFileSeg:      p.MaxFileSegSamples,
				ConvertToSigned: p.Flags.Has(ConvertToSigned),
			}
		}
		return &sink.DualBinarySink{
			PathA:           p.OutputPath,
			PathB:           p.OutputPathB,
			ConvertToSigned: p.Flags.Has(ConvertToSigned),
		}
	}

	if p.Flags.Has(SaveAsText) {
		return &sink.TextSink{
			Path:            p.OutputPath,
			HexOutput:       p.Flags.Has(HexOutput),
			ConvertToSigned: p.Flags.Has(ConvertToSigned),
		}
	}
	if p.MaxFileSegSamples > 0 {
		return &sink.BinarySegmentedSink{
			BasePath:        p.OutputPath,
			MaxFileSeg:      p.MaxFileSegSamples,
			ConvertToSigned: p.Flags.Has(ConvertToSigned),
		}
	}
	return &sink.BinarySink{
		Path:            p.OutputPath,
		ConvertToSigned: p.Flags.Has(ConvertToSigned),
	}
}
