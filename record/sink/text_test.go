package sink

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestTextSinkDecimalUnsigned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	s := &TextSink{Path: path}
	require.NoError(t, s.Init(3, 1))
	require.NoError(t, s.Write([]uint16{0, 32768, 65535}))
	require.NoError(t, s.Release())

	assert.Equal(t, []string{"0", "32768", "65535"}, readLines(t, path))
}

func TestTextSinkHexOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	s := &TextSink{Path: path, HexOutput: true}
	require.NoError(t, s.Init(2, 1))
	require.NoError(t, s.Write([]uint16{0x0001, 0xBEEF}))
	require.NoError(t, s.Release())

	assert.Equal(t, []string{"0001", "BEEF"}, readLines(t, path))
}

// TestTextSinkConvertToSigned:
// each raw sample is XORed with 0x8000 before being formatted, turning the
// unsigned midpoint (0x8000) into zero.
func TestTextSinkConvertToSigned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	s := &TextSink{Path: path, ConvertToSigned: true}
	require.NoError(t, s.Init(3, 1))
	require.NoError(t, s.Write([]uint16{0x8000, 0x0000, 0xFFFF}))
	require.NoError(t, s.Release())

	assert.Equal(t, []string{"0", "-32768", "32767"}, readLines(t, path))
}

func TestTextSinkConvertToSignedAndHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	s := &TextSink{Path: path, ConvertToSigned: true, HexOutput: true}
	require.NoError(t, s.Init(1, 1))
	require.NoError(t, s.Write([]uint16{0x8000}))
	require.NoError(t, s.Release())

	assert.Equal(t, []string{"0000"}, readLines(t, path))
}

func TestTextSinkReportsSrdcSampleFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	s := &TextSink{Path: path, ConvertToSigned: true}
	var gotFields SrdcFields
	s.SetSrdcGenCallback(func(_ string, f SrdcFields) { gotFields = f })
	require.NoError(t, s.Init(1, 1))
	assert.Equal(t, Signed, gotFields.SampleFormat)
	assert.Equal(t, Text, gotFields.FileFormat)
}

func TestDualTextSinkSplitsChannels(t *testing.T) {
	pathA := filepath.Join(t.TempDir(), "a.txt")
	pathB := filepath.Join(t.TempDir(), "b.txt")
	s := &DualTextSink{PathA: pathA, PathB: pathB}
	require.NoError(t, s.Init(4, 2))
	require.NoError(t, s.Write([]uint16{100, 200, 300, 400}))
	require.NoError(t, s.Release())

	assert.Equal(t, []string{"100", "300"}, readLines(t, pathA))
	assert.Equal(t, []string{"200", "400"}, readLines(t, pathB))
}

func TestNullSinkIsNoOp(t *testing.T) {
	var s NullSink
	require.NoError(t, s.Init(100, 2))
	require.NoError(t, s.Write([]uint16{1, 2, 3}))
	require.NoError(t, s.Release())
	assert.Equal(t, "", s.GetCurrentFilePath())
	assert.Zero(t, s.GetCurrentFileSamples())
	assert.False(t, strings.Contains(s.GetCurrentFilePath(), "."))
}
