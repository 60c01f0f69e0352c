package datafile

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/failpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docs(collectionID uint64, seqs ...uint64) []core.LogEntry {
	out := make([]core.LogEntry, len(seqs))
	for i, seq := range seqs {
		out[i] = core.LogEntry{
			SeqNum:       seq,
			Type:         core.EntryTypeInsert,
			CollectionID: collectionID,
			Key:          []byte(fmt.Sprintf("k%d", seq)),
			Value:        []byte(fmt.Sprintf(`{"n":%d}`, seq)),
		}
	}
	return out
}

func openTestStore(t *testing.T, dir string, fp *failpoint.Registry) *Store {
	t.Helper()
	s, err := Open(Options{Dir: dir, FailPoints: fp})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func loadAll(t *testing.T, s *Store, id uint64) ([]core.LogEntry, LoadResult) {
	t.Helper()
	var got []core.LogEntry
	res, err := s.Load(id, func(e core.LogEntry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	return got, res
}

func TestStore_LazyCreation(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, nil)

	assert.Empty(t, s.Collections())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is created before the first write")

	n, err := s.Append(3, docs(3, 1, 2))
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Equal(t, []uint64{3}, s.Collections())
	assert.FileExists(t, filepath.Join(dir, "collection-3", "datafile-00000001.db"))
	assert.Equal(t, uint64(2), s.LastSeq(3))
}

func TestStore_AppendAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	_, err = s.Append(1, docs(1, 1, 3, 5))
	require.NoError(t, err)
	_, err = s.Append(2, docs(2, 2, 4))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir, nil)
	assert.Equal(t, []uint64{1, 2}, s2.Collections())
	got, res := loadAll(t, s2, 1)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(5), res.LastSeq)
	assert.Equal(t, []byte(`{"n":3}`), got[1].Value)
}

func TestStore_AppendSkipsStoredEntries(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	_, err := s.Append(1, docs(1, 1, 2))
	require.NoError(t, err)

	n, err := s.Append(1, docs(1, 1, 2))
	require.NoError(t, err)
	assert.Zero(t, n, "copying the same entries again writes nothing")

	_, err = s.Append(1, docs(1, 2, 3))
	require.NoError(t, err)
	got, _ := loadAll(t, s, 1)
	assert.Len(t, got, 3)
}

func TestStore_AppendAfterReopenWithoutLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	_, err = s.Append(1, docs(1, 1, 2))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir, nil)
	_, err = s2.Append(1, docs(1, 2, 3))
	require.NoError(t, err)
	got, _ := loadAll(t, s2, 1)
	assert.Len(t, got, 3)
}

func TestStore_CreateDatafileFailPoint(t *testing.T) {
	dir := t.TempDir()
	fp := failpoint.New(nil)
	s := openTestStore(t, dir, fp)

	fp.Arm(failpoint.CreateDatafile)
	_, err := s.Append(1, docs(1, 1))
	assert.ErrorIs(t, err, core.ErrAllocationFailure)
	assert.NoDirExists(t, filepath.Join(dir, "collection-1"))

	fp.DisarmAll()
	_, err = s.Append(1, docs(1, 1))
	require.NoError(t, err)

	// An existing datafile keeps taking writes while the fail point is armed.
	fp.Arm(failpoint.CreateDatafile)
	_, err = s.Append(1, docs(1, 2))
	assert.NoError(t, err)
}

func TestStore_RotatesDatafiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, MaxFileSize: 128})
	require.NoError(t, err)
	defer s.Close()
	for seq := uint64(1); seq <= 10; seq++ {
		_, err := s.Append(1, docs(1, seq))
		require.NoError(t, err)
	}
	files, err := os.ReadDir(filepath.Join(dir, "collection-1"))
	require.NoError(t, err)
	assert.Greater(t, len(files), 1)

	got, res := loadAll(t, s, 1)
	assert.Len(t, got, 10)
	assert.Equal(t, len(files), res.Files)
}

func TestStore_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	_, err = s.Append(1, docs(1, 1, 2, 3))
	require.NoError(t, err)
	s.Crash()

	path := filepath.Join(dir, "collection-1", "datafile-00000001.db")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	s2 := openTestStore(t, dir, nil)
	got, res := loadAll(t, s2, 1)
	assert.Len(t, got, 2)
	assert.Positive(t, res.TruncatedBytes)
	assert.Equal(t, uint64(2), res.LastSeq)

	_, err = s2.Append(1, docs(1, 3))
	require.NoError(t, err)
	got, _ = loadAll(t, s2, 1)
	assert.Len(t, got, 3)
}

func TestStore_MidFileCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	_, err = s.Append(1, docs(1, 1, 2, 3))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "collection-1", "datafile-00000001.db")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[core.FileHeaderSize+core.RecordHeaderSize+2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	s2 := openTestStore(t, dir, nil)
	_, err = s2.Load(1, nil)
	assert.ErrorIs(t, err, core.ErrCorruption)
}

func TestStore_DamagedLengthInNewestDatafile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	_, err = s.Append(1, docs(1, 1, 2, 3, 4, 5))
	require.NoError(t, err)
	require.NoError(t, s.Sync(1))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "collection-1", "datafile-00000001.db")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	first, ok := core.ParseRecordHeader(data[core.FileHeaderSize:])
	require.True(t, ok)
	second := core.FileHeaderSize + core.RecordHeaderSize + int64(first.Length)
	binary.LittleEndian.PutUint32(data[second:], 0x00FFFFFF)
	require.NoError(t, os.WriteFile(path, data, 0644))

	s2 := openTestStore(t, dir, nil)
	var got []core.LogEntry
	_, err = s2.Load(1, func(e core.LogEntry) error {
		got = append(got, e)
		return nil
	})
	require.ErrorIs(t, err, core.ErrCorruption)
	assert.ErrorIs(t, err, core.ErrChecksumFailure)
	assert.Len(t, got, 1)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, after, "the datafile is not truncated")
}

func TestStore_Drop(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, nil)
	_, err := s.Append(4, docs(4, 1))
	require.NoError(t, err)

	require.NoError(t, s.Drop(4))
	assert.NoDirExists(t, filepath.Join(dir, "collection-4"))
	assert.Empty(t, s.Collections())
	assert.Zero(t, s.LastSeq(4))
	require.NoError(t, s.Drop(4), "dropping twice is harmless")
}

func TestStore_RejectsForeignEntries(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	_, err := s.Append(1, docs(2, 1))
	assert.Error(t, err)
}

func TestStore_ClosedStore(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = s.Append(1, docs(1, 1))
	assert.ErrorIs(t, err, core.ErrClosed)
}
