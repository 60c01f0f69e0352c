package recovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapApplier keeps the latest value per key and the last applied seq per collection.
type mapApplier struct {
	applied map[uint64]uint64
	docs    map[string]string
}

func newMapApplier() *mapApplier {
	return &mapApplier{applied: map[uint64]uint64{}, docs: map[string]string{}}
}

func (a *mapApplier) AppliedSeq(id uint64) uint64 { return a.applied[id] }

func (a *mapApplier) Apply(e core.LogEntry) error {
	key := fmt.Sprintf("%d/%s", e.CollectionID, e.Key)
	switch e.Type {
	case core.EntryTypeInsert, core.EntryTypeUpdate:
		a.docs[key] = string(e.Value)
	case core.EntryTypeRemove:
		delete(a.docs, key)
	}
	a.applied[e.CollectionID] = e.SeqNum
	return nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []string
}

func (s *stateRecorder) OnEvent(_ context.Context, e hooks.HookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, e.Payload().(hooks.RecoveryStatePayload).To)
	return nil
}
func (s *stateRecorder) Priority() int { return 0 }
func (s *stateRecorder) IsAsync() bool { return false }

func walOptions(dir string) wal.Options {
	return wal.Options{
		Dir:         dir,
		SegmentSize: 2048,
		SyncMode:    core.WALSyncDisabled,
		FreeSpace:   func(string) (uint64, error) { return 1 << 40, nil },
	}
}

// writeLog appends n inserts starting after startSeq and crashes the WAL.
func writeLog(t *testing.T, dir string, startSeq uint64, n int) {
	t.Helper()
	m, err := wal.Open(walOptions(dir))
	require.NoError(t, err)
	require.NoError(t, m.Start(startSeq))
	for i := 0; i < n; i++ {
		_, err := m.Append(context.Background(), core.LogEntry{
			Type:         core.EntryTypeInsert,
			CollectionID: 1,
			Key:          []byte(fmt.Sprintf("doc-%d", int(startSeq)+i+1)),
			Value:        []byte(`{"value":1}`),
		})
		require.NoError(t, err)
	}
	m.Crash()
}

func openStore(t *testing.T, dir string) *wal.SegmentStore {
	t.Helper()
	s, err := wal.OpenSegmentStore(wal.StoreOptions{Dir: dir, SegmentSize: 2048})
	require.NoError(t, err)
	t.Cleanup(func() { s.Crash() })
	return s
}

func runReplay(t *testing.T, dir string, applier *mapApplier, cp core.Checkpoint) (Result, error) {
	t.Helper()
	r := New(Options{Store: openStore(t, dir), Applier: applier, Checkpoint: cp})
	return r.Run(context.Background())
}

func TestReplayer_CleanLog(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 100)

	hm := hooks.NewHookManager(nil)
	rec := &stateRecorder{}
	hm.Register(hooks.EventPostRecoveryState, rec)

	applier := newMapApplier()
	r := New(Options{Store: openStore(t, dir), Applier: applier, HookManager: hm})
	assert.Equal(t, StateIdle, r.State())
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateReady, r.State())
	assert.Equal(t, StateReady, res.State)
	assert.Equal(t, []string{"scanning", "replaying", "reconciling", "ready"}, rec.states)
	assert.Equal(t, 100, res.EntriesReplayed)
	assert.Equal(t, uint64(100), res.LastSeq)
	assert.Greater(t, res.SegmentsScanned, 1)
	assert.Len(t, applier.docs, 100)
}

func TestReplayer_Idempotent(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 20)

	applier := newMapApplier()
	first, err := runReplay(t, dir, applier, core.Checkpoint{})
	require.NoError(t, err)
	snapshot := fmt.Sprint(applier.docs)

	second, err := runReplay(t, dir, applier, core.Checkpoint{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.EntriesReplayed)
	assert.Equal(t, 20, second.EntriesSkipped)
	assert.Equal(t, first.LastSeq, second.LastSeq)
	assert.Equal(t, snapshot, fmt.Sprint(applier.docs))

	fresh := newMapApplier()
	_, err = runReplay(t, dir, fresh, core.Checkpoint{})
	require.NoError(t, err)
	assert.Equal(t, applier.docs, fresh.docs)
}

func lastSegmentPath(t *testing.T, dir string) string {
	t.Helper()
	s := openStore(t, dir)
	list := s.List()
	require.NotEmpty(t, list)
	return list[len(list)-1].Path
}

func TestReplayer_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 10)
	path := lastSegmentPath(t, dir)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	applier := newMapApplier()
	res, err := runReplay(t, dir, applier, core.Checkpoint{})
	require.NoError(t, err)
	assert.Equal(t, 9, res.EntriesReplayed)
	assert.Equal(t, uint64(9), res.LastSeq)
	assert.Positive(t, res.TruncatedBytes)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), info.Size()-3, "the torn record is removed from disk")

	res, err = runReplay(t, dir, newMapApplier(), core.Checkpoint{})
	require.NoError(t, err)
	assert.Zero(t, res.TruncatedBytes)
	assert.Equal(t, 9, res.EntriesReplayed)
}

func TestReplayer_TornRecordInEarlierSegmentFails(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 100)
	list := openStore(t, dir).List()
	require.Greater(t, len(list), 1)

	// Cut the first segment in the middle of a record.
	require.NoError(t, os.Truncate(list[0].Path, core.FileHeaderSize+20))

	r := New(Options{Store: openStore(t, dir), Applier: newMapApplier()})
	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, core.ErrCorruption)
	assert.Equal(t, StateFailed, r.State())
}

func TestReplayer_MidLogChecksumFailure(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 5)
	path := lastSegmentPath(t, dir)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[core.FileHeaderSize+core.RecordHeaderSize+3] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	res, err := runReplay(t, dir, newMapApplier(), core.Checkpoint{})
	assert.ErrorIs(t, err, core.ErrCorruption)
	assert.ErrorIs(t, err, core.ErrChecksumFailure)
	assert.Equal(t, StateFailed, res.State)
}

func TestReplayer_DiscardsHeaderlessSegment(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 3)
	list := openStore(t, dir).List()
	partial := fmt.Sprintf("%s/%s", dir, core.FormatSegmentFileName(list[len(list)-1].ID+1))
	require.NoError(t, os.WriteFile(partial, []byte{0x0D}, 0644))

	res, err := runReplay(t, dir, newMapApplier(), core.Checkpoint{})
	require.NoError(t, err)
	assert.Len(t, res.Discarded, 1)
	assert.NoFileExists(t, partial)
	assert.Equal(t, uint64(3), res.LastSeq)
}

func TestReplayer_SequenceOrderViolations(t *testing.T) {
	testCases := []struct {
		name     string
		restart  uint64
		contains string
	}{
		{name: "repeated number", restart: 2, contains: "duplicate sequence number 3"},
		{name: "decreasing number", restart: 0, contains: "sequence number 1 after 3"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeLog(t, dir, 0, 3)
			// A second writer that wrongly restarts numbering.
			writeLog(t, dir, tc.restart, 1)

			applier := newMapApplier()
			res, err := runReplay(t, dir, applier, core.Checkpoint{})
			require.ErrorIs(t, err, core.ErrCorruption)
			assert.Contains(t, err.Error(), tc.contains)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, uint64(3), applier.applied[1], "nothing past the violation is applied")
		})
	}
}

func TestReplayer_GapAtSegmentBoundaryIsTolerated(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 3)
	writeLog(t, dir, 10, 2)

	applier := newMapApplier()
	res, err := runReplay(t, dir, applier, core.Checkpoint{})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), res.LastSeq)
	assert.Equal(t, 5, res.EntriesReplayed)
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, uint64(3), res.Gaps[0].After)
	assert.Equal(t, uint64(11), res.Gaps[0].Next)
}

func TestReplayer_DamagedLengthMidLogFails(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 5)
	path := lastSegmentPath(t, dir)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Point the second record's length past the end of the file.
	first, ok := core.ParseRecordHeader(data[core.FileHeaderSize:])
	require.True(t, ok)
	second := core.FileHeaderSize + core.RecordHeaderSize + int64(first.Length)
	binary.LittleEndian.PutUint32(data[second:], 0x00FFFFFF)
	require.NoError(t, os.WriteFile(path, data, 0644))

	applier := newMapApplier()
	res, err := runReplay(t, dir, applier, core.Checkpoint{})
	require.ErrorIs(t, err, core.ErrCorruption)
	assert.ErrorIs(t, err, core.ErrChecksumFailure)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, res.TruncatedBytes)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, after, "a corrupt segment is left untouched")
}

func TestReplayer_StateBehindCheckpointFails(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 3)

	// The checkpoint says collection 1 reached seq 40 in its datafiles, but
	// only seqs up to 3 were rebuilt.
	cp := core.Checkpoint{Collections: map[uint64]uint64{1: 40}}
	res, err := runReplay(t, dir, newMapApplier(), cp)
	require.ErrorIs(t, err, core.ErrCorruption)
	assert.Contains(t, err.Error(), "collection 1 rebuilt up to sequence 3, checkpoint recorded 40")
	assert.Equal(t, StateFailed, res.State)
}

func TestReplayer_DroppedCollectionIsExemptFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	m, err := wal.Open(walOptions(dir))
	require.NoError(t, err)
	require.NoError(t, m.Start(0))
	_, err = m.Append(context.Background(), core.NewMarker(core.MarkerDropCollection, 2, nil))
	require.NoError(t, err)
	m.Crash()

	// Crash after the collector removed the datafiles of collection 2 but
	// before it wrote the checkpoint that forgets it.
	cp := core.Checkpoint{Collections: map[uint64]uint64{2: 7}}
	res, err := runReplay(t, dir, newMapApplier(), cp)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, res.Dropped)
}

func TestReplayer_CheckpointCoverage(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, 150)
	store := openStore(t, dir)
	list := store.List()
	require.Greater(t, len(list), 2)

	// Pretend the collector copied the first segment into datafiles.
	applier := newMapApplier()
	first, err := wal.ScanSegment(list[0].Path, nil)
	require.NoError(t, err)
	applier.applied[1] = first.LastSeq
	cp := core.Checkpoint{LastCollectedSegment: list[0].ID, LastSeq: first.LastSeq, Collections: map[uint64]uint64{1: first.LastSeq}}

	r := New(Options{Store: store, Applier: applier, Checkpoint: cp})
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Entries, res.EntriesSkipped)
	assert.Equal(t, 150-first.Entries, res.EntriesReplayed)
	assert.Equal(t, []uint64{list[0].ID}, res.Collectible)

	seg, ok := store.Get(list[0].ID)
	require.True(t, ok)
	assert.Equal(t, wal.SegmentCollectible, seg.State)
	assert.Equal(t, first.LastSeq, seg.LastSeq)
}

func TestReplayer_LastSeqFromCheckpointWhenLogIsEmpty(t *testing.T) {
	res, err := runReplay(t, t.TempDir(), newMapApplier(), core.Checkpoint{LastCollectedSegment: 7, LastSeq: 99})
	require.NoError(t, err)
	assert.Equal(t, uint64(99), res.LastSeq)
}
