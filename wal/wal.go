// Package wal implements the write-ahead log: a directory of fixed capacity
// segment files, a manager that assigns sequence numbers and appends records,
// and a syncer that turns appended records into durable ones.
package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/failpoint"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/sys"
)

// Options holds configuration for the WAL.
type Options struct {
	Dir          string
	SegmentSize  int64
	Compression  core.CompressionType
	MinFreeBytes uint64
	VerifyWrites bool
	SyncMode     core.WALSyncMode
	SyncInterval time.Duration
	FailPoints   *failpoint.Registry
	HookManager  hooks.HookManager
	Logger       *slog.Logger
	// FreeSpace overrides the free disk space check, mostly for tests.
	FreeSpace func(dir string) (uint64, error)
}

// Manager serializes all mutating operations into the log. A single mutex
// covers sequence assignment, the write and any rotation it triggers, so the
// order of sequence numbers is the order of records on disk.
type Manager struct {
	opts        Options
	store       *SegmentStore
	syncer      *Syncer
	logger      *slog.Logger
	hookManager hooks.HookManager
	bufPool     *core.BytesPool

	mu      sync.Mutex
	lastSeq uint64
	started bool
	closed  bool
}

// FlushResult reports what a flush did.
type FlushResult struct {
	// SealedSegment is the id of the segment sealed by the flush, or zero.
	SealedSegment uint64
	// LastSeq is the last sequence number appended when the flush started.
	LastSeq uint64
}

// Open opens the WAL directory. Existing segments are loaded but not
// replayed; the caller runs recovery over Store() and then calls Start with
// the last recovered sequence number. Appends fail with core.ErrNotReady
// until then.
func Open(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = core.WALMaxSegmentSize
	}
	logger := opts.Logger.With("component", "WAL")

	store, err := OpenSegmentStore(StoreOptions{
		Dir:          opts.Dir,
		SegmentSize:  opts.SegmentSize,
		Compression:  opts.Compression,
		MinFreeBytes: opts.MinFreeBytes,
		VerifyWrites: opts.VerifyWrites,
		FailPoints:   opts.FailPoints,
		HookManager:  opts.HookManager,
		Logger:       opts.Logger,
		FreeSpace:    opts.FreeSpace,
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:        opts,
		store:       store,
		logger:      logger,
		hookManager: opts.HookManager,
		bufPool:     core.NewBytesPool(4096, 1<<20),
	}
	m.syncer = NewSyncer(SyncerOptions{
		Mode:         opts.SyncMode,
		Interval:     opts.SyncInterval,
		SyncFn:       m.syncNow,
		LastAppended: m.LastAppended,
		Logger:       opts.Logger,
		HookManager:  opts.HookManager,
	})
	store.onSeal = func(info SegmentInfo) {
		// A sealed segment was fsynced and every earlier one was sealed before it.
		m.syncer.advance(info.LastSeq)
	}
	store.onRotate = func(oldID, newID uint64) {
		logger.Info("Rotated to new WAL segment", "old_segment_id", oldID, "new_segment_id", newID)
		_ = hooks.Trigger(context.Background(), m.hookManager, hooks.NewPostWALRotateEvent(hooks.PostWALRotatePayload{
			OldSegmentID:   oldID,
			NewSegmentID:   newID,
			NewSegmentPath: store.Dir() + string(os.PathSeparator) + core.FormatSegmentFileName(newID),
		}))
	}
	return m, nil
}

// Store returns the segment store.
func (m *Manager) Store() *SegmentStore { return m.store }

// Syncer returns the flush/sync controller.
func (m *Manager) Syncer() *Syncer { return m.syncer }

// Path returns the WAL directory.
func (m *Manager) Path() string { return m.store.Dir() }

// Start makes the WAL writable. lastSeq is the highest sequence number found
// by recovery; numbering continues after it. Recovered segments are fsynced
// so the starting DurabilityMark is truthful.
func (m *Manager) Start(lastSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	if m.started {
		return errors.New("wal already started")
	}
	for _, seg := range m.store.List() {
		if err := syncFile(seg.Path); err != nil {
			return fmt.Errorf("failed to sync recovered segment %d: %w", seg.ID, err)
		}
	}
	m.lastSeq = lastSeq
	lastAppended.Set(int64(lastSeq))
	m.started = true
	m.syncer.Start(lastSeq)
	m.logger.Info("WAL ready for writes", "last_seq", lastSeq, "segments", len(m.store.List()))
	return nil
}

func syncFile(path string) error {
	f, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// LastAppended returns the sequence number of the last appended entry.
func (m *Manager) LastAppended() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}

// DurabilityMark returns the highest sequence number on stable storage.
func (m *Manager) DurabilityMark() uint64 {
	return m.syncer.DurabilityMark()
}

// Append writes a single entry and returns its sequence number.
func (m *Manager) Append(ctx context.Context, entry core.LogEntry) (uint64, error) {
	entries := []core.LogEntry{entry}
	return m.AppendBatch(ctx, entries)
}

// AppendBatch writes entries as one atomic record. Sequence numbers are
// assigned consecutively and stored into entries; the last one is returned.
// On failure nothing was written and the entries must not be applied.
func (m *Manager) AppendBatch(ctx context.Context, entries []core.LogEntry) (uint64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, core.ErrClosed
	}
	if !m.started {
		m.mu.Unlock()
		return 0, core.ErrNotReady
	}

	first := m.lastSeq + 1
	for i := range entries {
		entries[i].SeqNum = first + uint64(i)
	}
	last := first + uint64(len(entries)) - 1

	framep := m.bufPool.Get()
	scratchp := m.bufPool.Get()
	frame, scratch, err := encodeFrame(*framep, *scratchp, entries, m.store.compressor)
	var segID uint64
	if err == nil {
		segID, err = m.store.appendFrame(frame, first, last, len(entries))
	}
	*framep, *scratchp = frame[:0], scratch[:0]
	m.bufPool.Put(framep)
	m.bufPool.Put(scratchp)

	if err != nil {
		if errors.Is(err, errTruncateFailed) {
			// The numbers are burnt: the record may be partly on disk.
			m.lastSeq = last
			lastAppended.Set(int64(last))
			m.logger.Error("Sequence numbers lost to a failed write; the segment was sealed", "first_seq", first, "last_seq", last, "error", err)
		}
		m.mu.Unlock()
		for i := range entries {
			entries[i].SeqNum = 0
		}
		appendFailures.Add(1)
		_ = hooks.Trigger(ctx, m.hookManager, hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{
			FirstSeq: first, LastSeq: last, Entries: len(entries), Error: err,
		}))
		return 0, err
	}
	m.lastSeq = last
	lastAppended.Set(int64(last))
	m.mu.Unlock()

	bytesWritten.Add(int64(len(frame)))
	entriesWritten.Add(int64(len(entries)))
	_ = hooks.Trigger(ctx, m.hookManager, hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{
		FirstSeq: first, LastSeq: last, Entries: len(entries), Bytes: len(frame), SegmentID: segID,
	}))
	return last, nil
}

// Commit waits for seq to become durable when the caller asked for it or the
// WAL runs in always mode.
func (m *Manager) Commit(ctx context.Context, seq uint64, waitForSync bool) error {
	if !waitForSync && m.syncer.Mode() != core.WALSyncAlways {
		return nil
	}
	return m.syncer.WaitForSync(ctx, seq)
}

// WaitForSync blocks until DurabilityMark >= seq.
func (m *Manager) WaitForSync(ctx context.Context, seq uint64) error {
	return m.syncer.WaitForSync(ctx, seq)
}

// syncNow fsyncs the writable segment and reports the sequence it covers.
// The append lock is held so no record can slip in unsynced.
func (m *Manager) syncNow() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastSeq
	if err := m.store.syncActive(); err != nil {
		return 0, err
	}
	return last, nil
}

// Rotate seals the writable segment, if it holds entries, and acquires a new one.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	info, sealed, err := m.store.SealActive()
	if err != nil {
		return err
	}
	next, err := m.store.Writable()
	if err != nil {
		return err
	}
	if sealed {
		rotations.Add(1)
		m.store.onRotate(info.ID, next.ID)
	}
	return nil
}

// Flush seals the writable segment, which makes everything appended so far
// durable, and then acquires a fresh writable segment. If no segment can be
// acquired the flush fails with core.ErrFlushFailure; the sealed data stays
// durable. With waitForSync the call also waits for the DurabilityMark to
// cover the last sequence number appended when the flush started.
func (m *Manager) Flush(ctx context.Context, waitForSync bool) (FlushResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return FlushResult{}, core.ErrClosed
	}
	res := FlushResult{LastSeq: m.lastSeq}
	info, sealed, err := m.store.SealActive()
	if sealed {
		res.SealedSegment = info.ID
	}
	if err != nil {
		m.mu.Unlock()
		return res, fmt.Errorf("%w: %w", core.ErrFlushFailure, err)
	}
	next, err := m.store.Writable()
	if err == nil && sealed {
		rotations.Add(1)
		m.store.onRotate(info.ID, next.ID)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("WAL flush could not acquire a writable segment", "sealed_segment", res.SealedSegment, "error", err)
		return res, fmt.Errorf("%w: %w", core.ErrFlushFailure, err)
	}
	if waitForSync {
		if err := m.syncer.WaitForSync(ctx, res.LastSeq); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Close seals the writable segment and stops the syncer.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	last := m.lastSeq
	err := m.store.Close()
	m.mu.Unlock()

	m.syncer.Stop()
	if err != nil {
		m.logger.Error("Error during WAL close.", "error", err)
		return err
	}
	m.logger.Info("WAL closed.", "last_seq", last, "durability_mark", m.DurabilityMark())
	return nil
}

// Crash abandons the WAL without sealing or syncing, leaving the files as a
// killed process would.
func (m *Manager) Crash() {
	m.mu.Lock()
	m.closed = true
	m.store.Crash()
	m.mu.Unlock()
	m.syncer.Stop()
	m.logger.Warn("WAL abandoned without sync")
}
