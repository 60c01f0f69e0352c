package wal

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCrashedSegment writes n single entry records to segment 1 and drops
// the store without sealing. It returns the segment path and the offset at
// which every record starts, plus the final end offset.
func writeCrashedSegment(t *testing.T, dir string, n int) (string, []int64) {
	t.Helper()
	s, err := OpenSegmentStore(testStoreOptions(t, dir))
	require.NoError(t, err)
	var offsets []int64
	for i := 1; i <= n; i++ {
		seg, err := s.Writable()
		require.NoError(t, err)
		offsets = append(offsets, seg.Offset)
		writeTestFrame(t, s, uint64(i))
	}
	info, ok := s.Get(1)
	require.True(t, ok)
	offsets = append(offsets, info.Offset)
	s.Crash()
	return info.Path, offsets
}

func scanAll(t *testing.T, path string) (ScanResult, []core.LogEntry, error) {
	t.Helper()
	var got []core.LogEntry
	res, err := ScanSegment(path, func(e core.LogEntry) error {
		got = append(got, e)
		return nil
	})
	return res, got, err
}

func TestScanSegment_SealedSegment(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSegmentStore(testStoreOptions(t, dir))
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		writeTestFrame(t, s, i)
	}
	require.NoError(t, s.Close())

	res, got, err := scanAll(t, filepath.Join(dir, "00000001.wal"))
	require.NoError(t, err)
	assert.True(t, res.Sealed)
	assert.False(t, res.Torn)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, 4, res.Records, "three entries and the seal marker")
	assert.Equal(t, uint64(1), res.FirstSeq)
	assert.Equal(t, uint64(3), res.LastSeq)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.SeqNum)
		assert.Equal(t, uint64(1), e.SegmentID)
	}
}

func TestScanSegment_TornTail(t *testing.T) {
	testCases := []struct {
		name   string
		damage func(t *testing.T, path string, offsets []int64)
		reason string
		want   int
	}{
		{
			name: "record cut short",
			damage: func(t *testing.T, path string, offsets []int64) {
				require.NoError(t, os.Truncate(path, offsets[3]-3))
			},
			reason: "record runs past end of file",
			want:   2,
		},
		{
			name: "partial record header",
			damage: func(t *testing.T, path string, offsets []int64) {
				appendBytes(t, path, []byte{0x10, 0x00, 0x01})
			},
			reason: "partial record header",
			want:   3,
		},
		{
			name: "checksum mismatch followed by zeros",
			damage: func(t *testing.T, path string, offsets []int64) {
				flipByte(t, path, offsets[3]-1)
				appendBytes(t, path, make([]byte, 32))
			},
			reason: "checksum mismatch in last record",
			want:   2,
		},
		{
			name: "damaged header with nothing after it",
			damage: func(t *testing.T, path string, offsets []int64) {
				appendBytes(t, path, bytes.Repeat([]byte{0xEE}, core.RecordHeaderSize))
			},
			reason: "damaged header in last record",
			want:   3,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path, offsets := writeCrashedSegment(t, t.TempDir(), 3)
			tc.damage(t, path, offsets)

			res, got, err := scanAll(t, path)
			require.NoError(t, err)
			assert.True(t, res.Torn)
			assert.Equal(t, tc.reason, res.TornReason)
			assert.Len(t, got, tc.want)
			assert.Equal(t, offsets[tc.want], res.ValidEnd)
			assert.Positive(t, res.TornBytes())

			require.NoError(t, TruncateSegment(path, res.ValidEnd))
			res, got, err = scanAll(t, path)
			require.NoError(t, err)
			assert.False(t, res.Torn, "truncation removes the torn tail")
			assert.Len(t, got, tc.want)
		})
	}
}

func TestScanSegment_TrailingZerosAreEndOfData(t *testing.T) {
	path, offsets := writeCrashedSegment(t, t.TempDir(), 2)
	appendBytes(t, path, make([]byte, 1024))

	res, got, err := scanAll(t, path)
	require.NoError(t, err)
	assert.False(t, res.Torn)
	assert.Len(t, got, 2)
	assert.Equal(t, offsets[2], res.ValidEnd)
}

func TestScanSegment_MidLogCorruption(t *testing.T) {
	path, offsets := writeCrashedSegment(t, t.TempDir(), 3)
	flipByte(t, path, offsets[1]-1)

	res, got, err := scanAll(t, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorruption)
	assert.ErrorIs(t, err, core.ErrChecksumFailure)
	var cerr *core.CorruptionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, offsets[0], cerr.Offset)
	assert.Empty(t, got)
	assert.False(t, res.Torn)
}

func TestScanSegment_DamagedLengthMidLog(t *testing.T) {
	testCases := []struct {
		name   string
		length uint32
	}{
		{name: "length past end of file", length: 0x00FFFFFF},
		{name: "length inside the file", length: 5},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path, offsets := writeCrashedSegment(t, t.TempDir(), 5)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			binary.LittleEndian.PutUint32(data[offsets[1]:], tc.length)
			require.NoError(t, os.WriteFile(path, data, 0644))

			res, got, err := scanAll(t, path)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrCorruption)
			assert.ErrorIs(t, err, core.ErrChecksumFailure)
			var cerr *core.CorruptionError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, offsets[1], cerr.Offset)
			assert.Len(t, got, 1)
			assert.False(t, res.Torn)
		})
	}
}

func TestScanSegment_ZeroLengthFollowedByData(t *testing.T) {
	path, _ := writeCrashedSegment(t, t.TempDir(), 1)
	appendBytes(t, path, append(make([]byte, core.RecordHeaderSize), 0xAB))

	_, _, err := scanAll(t, path)
	assert.ErrorIs(t, err, core.ErrCorruption)
}

func TestScanSegment_IncompleteHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), core.FormatSegmentFileName(3))
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0644))

	res, _, err := scanAll(t, path)
	require.NoError(t, err)
	assert.True(t, res.Torn)
	assert.False(t, res.HeaderValid)
	assert.Equal(t, uint64(3), res.SegmentID)
}

func TestScanSegment_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), core.FormatSegmentFileName(1))
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0644))

	_, _, err := scanAll(t, path)
	assert.ErrorIs(t, err, core.ErrCorruption)
}

func appendBytes(t *testing.T, path string, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(b)
	require.NoError(t, err)
}

func flipByte(t *testing.T, path string, off int64) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[off] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))
}
