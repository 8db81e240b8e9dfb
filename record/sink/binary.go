package sink

import (
	"encoding/binary"
	"os"

	dualadc "github.com/scopeware/dualadc/internal/errs"
)

// BinarySink writes every sample, little-endian uint16, to a single file.
// ConvertToSigned XORs each sample with signedOffset before writing it,
// reinterpreting the raw unsigned stream as two's-complement signed.
type BinarySink struct {
	Path            string
	ConvertToSigned bool

	f          *os.File
	srdcCB     SrdcCallback
	written    int64
	openedAt   int64
}

func (s *BinarySink) Init(totalSamples int64, channelCount int) error {
	f, err := os.Create(s.Path)
	if err != nil {
		return dualadc.E("sink.BinarySink.Init", dualadc.FileIoError, err)
	}
	s.f = f
	if s.srdcCB != nil {
		sf := Unsigned
		if s.ConvertToSigned {
			sf = Signed
		}
		s.srdcCB(srdcPath(s.Path), SrdcFields{
			SampleFormat: sf,
			ChannelCount: channelCount,
			FileFormat:   Binary,
			SampleRadix:  16,
		})
	}
	return nil
}

func (s *BinarySink) Write(samples []uint16) error {
	buf := make([]byte, len(samples)*2)
	for i, v := range samples {
		if s.ConvertToSigned {
			v ^= signedOffset
		}
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	if _, err := s.f.Write(buf); err != nil {
		return dualadc.E("sink.BinarySink.Write", dualadc.FileIoError, err)
	}
	s.written += int64(len(samples))
	return nil
}

func (s *BinarySink) Release() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return dualadc.E("sink.BinarySink.Release", dualadc.FileIoError, err)
	}
	return nil
}

func (s *BinarySink) SetSrdcGenCallback(cb SrdcCallback) { s.srdcCB = cb }
func (s *BinarySink) GetCurrentFilePath() string         { return s.Path }
func (s *BinarySink) GetCurrentFileSamples() int64       { return s.written }

// BinarySegmentedSink writes samples across a sequence of files, each
// holding at most MaxFileSeg samples, named per indexedPath
// (`out_0.bin`, `out_1.bin`, ...).
type BinarySegmentedSink struct {
	BasePath        string
	MaxFileSeg      int64
	ConvertToSigned bool

	index      int
	cur        *os.File
	curWritten int64
	srdcCB     SrdcCallback
	channels   int
}

func (s *BinarySegmentedSink) Init(totalSamples int64, channelCount int) error {
	s.channels = channelCount
	return s.openNext()
}

func (s *BinarySegmentedSink) openNext() error {
	if s.cur != nil {
		if err := s.cur.Close(); err != nil {
			return dualadc.E("sink.BinarySegmentedSink.openNext", dualadc.FileIoError, err)
		}
	}
	path := indexedPath(s.BasePath, s.index)
	f, err := os.Create(path)
	if err != nil {
		return dualadc.E("sink.BinarySegmentedSink.openNext", dualadc.FileIoError, err)
	}
	s.cur = f
	s.curWritten = 0
	if s.srdcCB != nil {
		sf := Unsigned
		if s.ConvertToSigned {
			sf = Signed
		}
		s.srdcCB(srdcPath(path), SrdcFields{
			SampleFormat: sf,
			ChannelCount: s.channels,
			FileFormat:   Binary,
			SampleRadix:  16,
		})
	}
	s.index++
	return nil
}

func (s *BinarySegmentedSink) Write(samples []uint16) error {
	for len(samples) > 0 {
		room := s.MaxFileSeg - s.curWritten
		if room <= 0 {
			if err := s.openNext(); err != nil {
				return err
			}
			room = s.MaxFileSeg
		}
		n := int64(len(samples))
		if n > room {
			n = room
		}
		chunk := samples[:n]
		buf := make([]byte, len(chunk)*2)
		for i, v := range chunk {
			if s.ConvertToSigned {
				v ^= signedOffset
			}
			binary.LittleEndian.PutUint16(buf[i*2:], v)
		}
		if _, err := s.cur.Write(buf); err != nil {
			return dualadc.E("sink.BinarySegmentedSink.Write", dualadc.FileIoError, err)
		}
		s.curWritten += n
		samples = samples[n:]
	}
	return nil
}

func (s *BinarySegmentedSink) Release() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	if err != nil {
		return dualadc.E("sink.BinarySegmentedSink.Release", dualadc.FileIoError, err)
	}
	return nil
}

func (s *BinarySegmentedSink) SetSrdcGenCallback(cb SrdcCallback) { s.srdcCB = cb }
func (s *BinarySegmentedSink) GetCurrentFilePath() string {
	return indexedPath(s.BasePath, s.index-1)
}
func (s *BinarySegmentedSink) GetCurrentFileSamples() int64 { return s.curWritten }

// DualBinarySink splits even-indexed (channel A) and odd-indexed
// (channel B) samples into two binary files.
type DualBinarySink struct {
	PathA, PathB    string
	ConvertToSigned bool

	a, b   BinarySink
}

func (s *DualBinarySink) Init(totalSamples int64, channelCount int) error {
	s.a.Path = s.PathA
	s.a.ConvertToSigned = s.ConvertToSigned
	s.b.Path = s.PathB
	s.b.ConvertToSigned = s.ConvertToSigned
	if err := s.a.Init(totalSamples, 1); err != nil {
		return err
	}
	return s.b.Init(totalSamples, 1)
}

func (s *DualBinarySink) Write(samples []uint16) error {
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

func (s *DualBinarySink) Release() error {
	errA := s.a.Release()
	errB := s.b.Release()
	if errA != nil {
		return errA
	}
	return errB
}

func (s *DualBinarySink) SetSrdcGenCallback(cb SrdcCallback) {
	s.a.SetSrdcGenCallback(cb)
	s.b.SetSrdcGenCallback(cb)
}
func (s *DualBinarySink) GetCurrentFilePath() string   { return s.a.GetCurrentFilePath() }
func (s *DualBinarySink) GetCurrentFileSamples() int64 { return s.a.GetCurrentFileSamples() }

// DualBinarySegmentedSink is DualBinarySink's segmented counterpart.
type DualBinarySegmentedSink struct {
	BasePathA, BasePathB string
	MaxFileSeg           int64
	ConvertToSigned      bool

	a, b BinarySegmentedSink
}

func (s *DualBinarySegmentedSink) Init(totalSamples int64, channelCount int) error {
	s.a = BinarySegmentedSink{BasePath: s.BasePathA, MaxFileSeg: s.MaxFileSeg, ConvertToSigned: s.ConvertToSigned}
	s.b = BinarySegmentedSink{BasePath: s.BasePathB, MaxFileSeg: s.MaxFileSeg, ConvertToSigned: s.ConvertToSigned}
	if err := s.a.Init(totalSamples, 1); err != nil {
		return err
	}
	return s.b.Init(totalSamples, 1)
}

func (s *DualBinarySegmentedSink) Write(samples []uint16) error {
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

func (s *DualBinarySegmentedSink) Release() error {
	errA := s.a.Release()
	errB := s.b.Release()
	if errA != nil {
		return errA
	}
	return errB
}

func (s *DualBinarySegmentedSink) SetSrdcGenCallback(cb SrdcCallback) {
	s.a.SetSrdcGenCallback(cb)
	s.b.SetSrdcGenCallback(cb)
}
func (s *DualBinarySegmentedSink) GetCurrentFilePath() string   { return s.a.GetCurrentFilePath() }
func (s *DualBinarySegmentedSink) GetCurrentFileSamples() int64 { return s.a.GetCurrentFileSamples() }

// srdcPath appends the fixed SRDC sidecar extension to an output path,
// keying each sidecar by the data file it describes.
func srdcPath(outPath string) string { return outPath + ".srdc" }
