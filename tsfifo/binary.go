package tsfifo

import (
	"encoding/binary"
	"os"
)

// binaryWriter writes each timestamp as a little-endian uint64.
type binaryWriter struct {
	f *os.File
}

func newBinaryWriter(path string, append bool) (*binaryWriter, error) {
	flag := os.O_WRONLY | os.O_CREATE
	if append {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	return &binaryWriter{f: f}, nil
}

func (w *binaryWriter) WriteBatch(items []uint64) error {
	buf := make([]byte, 8*len(items))
	for i, v := range items {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	_, err := w.f.Write(buf)
	return err
}

func (w *binaryWriter) Close() error { return w.f.Close() }
