package sink

import (
	"bufio"
	"fmt"
	"os"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// signedOffset is the XOR applied to a raw unsigned sample to reinterpret
// it as a two's-complement signed value centered on zero (the
// ConvertToSigned transform).
const signedOffset = 0x8000

// TextSink writes one decimal or hexadecimal value per line. HexOutput
// selects base-16; ConvertToSigned XORs
// each sample with signedOffset before formatting it as a signed int16
// before formatting.
type TextSink struct {
	Path            string
	HexOutput       bool
	ConvertToSigned bool

	f       *os.File
	w       *bufio.Writer
	srdcCB  SrdcCallback
	written int64
}

func (s *TextSink) Init(totalSamples int64, channelCount int) error {
	f, err := os.Create(s.Path)
	if err != nil {
		return dualadc.E("sink.TextSink.Init", dualadc.FileIoError, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	if s.srdcCB != nil {
		sf := Unsigned
		if s.ConvertToSigned {
			sf = Signed
		}
		s.srdcCB(srdcPath(s.Path), SrdcFields{
			SampleFormat: sf,
			ChannelCount: channelCount,
			FileFormat:   Text,
			SampleRadix:  radixOf(s.HexOutput),
		})
	}
	return nil
}

func radixOf(hex bool) int {
	if hex {
		return 16
	}
	return 10
}

func (s *TextSink) formatLine(v uint16) string {
	if s.ConvertToSigned {
		signed := int16(v ^ signedOffset)
		if s.HexOutput {
			return fmt.Sprintf("%04X\n", uint16(signed))
		}
		return fmt.Sprintf("%d\n", signed)
	}
	if s.HexOutput {
		return fmt.Sprintf("%04X\n", v)
	}
	return fmt.Sprintf("%d\n", v)
}

func (s *TextSink) Write(samples []uint16) error {
	for _, v := range samples {
		if _, err := s.w.WriteString(s.formatLine(v)); err != nil {
			return dualadc.E("sink.TextSink.Write", dualadc.FileIoError, err)
		}
	}
	s.written += int64(len(samples))
	return nil
}

func (s *TextSink) Release() error {
	if s.f == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return dualadc.E("sink.TextSink.Release", dualadc.FileIoError, err)
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return dualadc.E("sink.TextSink.Release", dualadc.FileIoError, err)
	}
	return nil
}

func (s *TextSink) SetSrdcGenCallback(cb SrdcCallback) { s.srdcCB = cb }
func (s *TextSink) GetCurrentFilePath() string         { return s.Path }
func (s *TextSink) GetCurrentFileSamples() int64       { return s.written }

// DualTextSink is TextSink's two-channel counterpart: even-indexed
// samples (channel A) and odd-indexed samples (channel B) are split into
// separate text files, each honoring HexOutput/ConvertToSigned.
type DualTextSink struct {
	PathA, PathB    string
	HexOutput       bool
	ConvertToSigned bool

	a, b TextSink
}

func (s *DualTextSink) Init(totalSamples int64, channelCount int) error {
	s.a = TextSink{Path: s.PathA, HexOutput: s.HexOutput, ConvertToSigned: s.ConvertToSigned}
	s.b = TextSink{Path: s.PathB, HexOutput: s.HexOutput, ConvertToSigned: s.ConvertToSigned}
	if err := s.a.Init(totalSamples, 1); err != nil {
		return err
	}
	return s.b.Init(totalSamples, 1)
}

func (s *DualTextSink) Write(samples []uint16) error {
	chA := make([]uint16, 0, len(samples)/2+1)
	chB := make([]uint16, 0, len(samples)/2+1)
	for i, v := range samples {
		if i%2 == 0 {
			chA = append(chA, v)
		} else {
			chB = append(chB, v)
		}
	}
	if err := s.a.Write(chA); err != nil {
		return err
	}
	return s.b.Write(chB)
}

func (s *DualTextSink) Release() error {
	errA := s.a.Release()
	errB := s.b.Release()
	if errA != nil {
		return errA
	}
	return errB
}

func (s *DualTextSink) SetSrdcGenCallback(cb SrdcCallback) {
	s.a.SetSrdcGenCallback(cb)
	s.b.SetSrdcGenCallback(cb)
}
func (s *DualTextSink) GetCurrentFilePath() string   { return s.a.GetCurrentFilePath() }
func (s *DualTextSink) GetCurrentFileSamples() int64 { return s.a.GetCurrentFileSamples() }
