package engine

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/failpoint"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectionDir(dataDir string, id uint64) string {
	return filepath.Join(dataDir, core.CollectionDirName, core.FormatCollectionDirName(id))
}

func TestCollector_MovesSealedSegmentsIntoDatafiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.HookManager = hooks.NewHookManager(nil)
	runs := newEventListener(nil)
	opts.HookManager.Register(hooks.EventPostCollectorRun, runs)

	db, err := Open(ctx, opts)
	require.NoError(t, err)
	info, err := db.CreateCollection(ctx, "c", WriteOptions{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := db.Insert(ctx, "c", "", doc(`{"n": 1}`), WriteOptions{})
		require.NoError(t, err)
	}
	last := db.LastAppended()

	_, err = os.Stat(collectionDir(dir, info.ID))
	require.True(t, os.IsNotExist(err), "datafiles are created lazily")

	require.NoError(t, db.Flush(ctx, true, true))

	_, err = os.Stat(collectionDir(dir, info.ID))
	require.NoError(t, err)
	props, err := db.WALProperties()
	require.NoError(t, err)
	require.Len(t, props.Segments, 1, "collected segments are deleted")
	assert.Equal(t, wal.SegmentWritable, props.Segments[0].State)

	cp, found, err := checkpoint.Read(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), cp.LastCollectedSegment)
	assert.Equal(t, last, cp.LastSeq)
	assert.Equal(t, last, cp.AppliedFor(info.ID))
	assert.Equal(t, info.ID, cp.LastCollectionID)

	ev := <-runs.events
	payload := ev.Payload().(hooks.PostCollectorRunPayload)
	assert.Equal(t, []uint64{1}, payload.Segments)
	assert.Equal(t, 21, payload.Entries)
	require.NoError(t, db.Close())

	// Everything now comes from datafiles.
	db = openTestDB(t, testOptions(dir))
	assert.Zero(t, db.RecoveryResult().EntriesReplayed)
	count, err := db.Count("c")
	require.NoError(t, err)
	assert.Equal(t, 20, count)
	assert.Equal(t, last, db.LastAppended())
}

func TestCollector_FailureSurfacesAsFlushFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := openTestDB(t, testOptions(dir))

	_, err := db.CreateCollection(ctx, "c", WriteOptions{})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "c", "k", doc(`{}`), WriteOptions{})
	require.NoError(t, err)

	db.SetFaultPoint(failpoint.CreateDatafile)
	err = db.Flush(ctx, true, true)
	require.ErrorIs(t, err, core.ErrFlushFailure)
	assert.ErrorIs(t, err, core.ErrAllocationFailure)

	props, err := db.WALProperties()
	require.NoError(t, err)
	require.Len(t, props.Segments, 2)
	assert.Equal(t, wal.SegmentSealed, props.Segments[0].State, "segment stays until collected")
	_, found, err := checkpoint.Read(dir)
	require.NoError(t, err)
	assert.False(t, found)

	// A flush that only waits for sync is unaffected.
	require.NoError(t, db.Flush(ctx, true, false))

	db.ClearFaultPoints()
	require.NoError(t, db.Flush(ctx, true, true))
	props, err = db.WALProperties()
	require.NoError(t, err)
	require.Len(t, props.Segments, 1)
	assert.Equal(t, uint64(1), props.Collected)
}

func TestCollector_CrashBeforeCheckpointRecopiesSafely(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(ctx, testOptions(dir))
	require.NoError(t, err)
	_, err = db.CreateCollection(ctx, "c", WriteOptions{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := db.Insert(ctx, "c", "", doc(`{}`), WriteOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush(ctx, true, true))
	for i := 0; i < 5; i++ {
		_, err := db.Insert(ctx, "c", "", doc(`{}`), WriteOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush(ctx, true, false))

	// Keep the state from before the second segment is collected, then put
	// it back after the crash: the datafiles hold the segment but the
	// checkpoint does not know.
	cpPath := filepath.Join(dir, core.CheckpointFileName)
	segPath := filepath.Join(dir, core.WALDirName, core.FormatSegmentFileName(2))
	savedCheckpoint := mustRead(t, cpPath)
	savedSegment := mustRead(t, segPath)
	require.NoError(t, db.collector.collect(ctx))
	db.Crash()
	require.NoError(t, os.WriteFile(cpPath, savedCheckpoint, 0644))
	require.NoError(t, os.WriteFile(segPath, savedSegment, 0644))

	db = openTestDB(t, testOptions(dir))
	assert.Equal(t, 5, db.RecoveryResult().EntriesSkipped)
	assert.Zero(t, db.RecoveryResult().EntriesReplayed)
	count, err := db.Count("c")
	require.NoError(t, err)
	assert.Equal(t, 15, count)

	require.NoError(t, db.Flush(ctx, true, true))
	count, err = db.Count("c")
	require.NoError(t, err)
	assert.Equal(t, 15, count)
	cp, _, err := checkpoint.Read(dir)
	require.NoError(t, err)
	// The segment that was writable at the crash is collected too.
	assert.Equal(t, uint64(3), cp.LastCollectedSegment)
}

func TestCollector_DropRemovesDatafiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(ctx, testOptions(dir))
	require.NoError(t, err)
	old, err := db.CreateCollection(ctx, "c", WriteOptions{})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "c", "k", doc(`{}`), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, db.Flush(ctx, true, true))
	_, err = os.Stat(collectionDir(dir, old.ID))
	require.NoError(t, err)

	require.NoError(t, db.DropCollection(ctx, "c", WriteOptions{}))
	_, err = db.Count("c")
	assert.ErrorIs(t, err, core.ErrCollectionNotFound)
	assert.ErrorIs(t, db.DropCollection(ctx, "c", WriteOptions{}), core.ErrCollectionNotFound)

	recreated, err := db.CreateCollection(ctx, "c", WriteOptions{})
	require.NoError(t, err)
	assert.Greater(t, recreated.ID, old.ID)

	require.NoError(t, db.Flush(ctx, true, true))
	_, err = os.Stat(collectionDir(dir, old.ID))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, db.Close())

	db = openTestDB(t, testOptions(dir))
	info, err := db.Collection("c")
	require.NoError(t, err)
	assert.Equal(t, recreated.ID, info.ID)
	assert.Zero(t, info.Count)
	assert.Len(t, db.Collections(), 1)
}

func TestDB_DatafilesBehindCheckpointAbortOpen(t *testing.T) {
	ctx := context.Background()

	// collected leaves one collection whose only copy of its documents is
	// a single datafile, and returns that file.
	collected := func(t *testing.T, dir string) string {
		db, err := Open(ctx, testOptions(dir))
		require.NoError(t, err)
		info, err := db.CreateCollection(ctx, "c", WriteOptions{})
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := db.Insert(ctx, "c", "", doc(`{"value": 1}`), WriteOptions{})
			require.NoError(t, err)
		}
		require.NoError(t, db.Flush(ctx, true, true))
		db.Crash()
		files, err := filepath.Glob(filepath.Join(collectionDir(dir, info.ID), core.DatafilePrefix+"*"+core.DatafileSuffix))
		require.NoError(t, err)
		require.Len(t, files, 1)
		return files[0]
	}

	t.Run("cut at a record boundary", func(t *testing.T) {
		dir := t.TempDir()
		path := collected(t, dir)
		data := mustRead(t, path)
		hdr, ok := core.ParseRecordHeader(data[core.FileHeaderSize:])
		require.True(t, ok)
		end := int(core.FileHeaderSize) + core.RecordHeaderSize + int(hdr.Length)
		require.Less(t, end, len(data))
		require.NoError(t, os.WriteFile(path, data[:end], 0644))

		_, err := Open(ctx, testOptions(dir))
		require.ErrorIs(t, err, core.ErrCorruption)
		assert.ErrorContains(t, err, "checkpoint recorded")
	})

	t.Run("damaged length", func(t *testing.T) {
		dir := t.TempDir()
		path := collected(t, dir)
		data := mustRead(t, path)
		binary.LittleEndian.PutUint32(data[core.FileHeaderSize:], 0x00FFFFFF)
		require.NoError(t, os.WriteFile(path, data, 0644))

		_, err := Open(ctx, testOptions(dir))
		require.ErrorIs(t, err, core.ErrCorruption)
		assert.ErrorIs(t, err, core.ErrChecksumFailure)
		assert.Equal(t, data, mustRead(t, path), "a corrupt datafile is never truncated")
	})
}

func TestCollector_BackgroundLoop(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t.TempDir())
	opts.CollectorInterval = 10 * time.Millisecond
	db := openTestDB(t, opts)

	_, err := db.CreateCollection(ctx, "c", WriteOptions{})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "c", "k", doc(`{}`), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, db.Flush(ctx, true, false))

	require.Eventually(t, func() bool {
		props, err := db.WALProperties()
		return err == nil && props.Collected == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}
