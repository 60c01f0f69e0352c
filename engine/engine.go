// Package engine is the document store facade. It owns the WAL, the
// collection datafiles and the collector that moves sealed segments into
// them, and it runs crash recovery before accepting writes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/datafile"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/recovery"
	"github.com/INLOpen/nexusdoc/sys"
	"github.com/INLOpen/nexusdoc/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// DB is an open document store.
type DB struct {
	opts    Options
	dataDir string
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *EngineMetrics

	unlock    func() error
	wal       *wal.Manager
	datafiles *datafile.Store
	collector *collector

	// ddlMu serializes collection creation and removal.
	ddlMu            sync.Mutex
	nextCollectionID uint64

	mu          sync.RWMutex
	collections map[uint64]*Collection
	byName      map[string]*Collection

	keyGen    atomic.Uint64
	ready     atomic.Bool
	closed    atomic.Bool
	startedAt time.Time
	recovery  recovery.Result
}

// Open opens or creates the store in opts.DataDir. It returns only after
// recovery reached the ready state.
func Open(ctx context.Context, opts Options) (*DB, error) {
	opts.setDefaults()
	if opts.DataDir == "" {
		return nil, errors.New("engine: data directory is required")
	}
	db := &DB{
		opts:        opts,
		dataDir:     opts.DataDir,
		logger:      opts.Logger.With("component", "Engine"),
		metrics:     opts.Metrics,
		collections: make(map[uint64]*Collection),
		byName:      make(map[string]*Collection),
		startedAt:   time.Now(),
	}
	if opts.TracerProvider != nil {
		db.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexusdoc/engine")
	} else {
		db.tracer = noop.NewTracerProvider().Tracer("")
	}

	ctx, span := db.tracer.Start(ctx, "DB.Open")
	defer span.End()
	span.SetAttributes(attribute.String("db.data_dir", opts.DataDir))
	if err := db.open(ctx, span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		db.closed.Store(true)
		db.abandon()
		db.logger.Error("Engine failed to start", "data_dir", opts.DataDir, "error", err)
		return nil, err
	}
	return db, nil
}

func (db *DB) open(ctx context.Context, span trace.Span) (err error) {
	opts := db.opts
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", opts.DataDir, err)
	}
	if db.unlock, err = sys.LockDir(opts.DataDir, core.LockFileName, opts.LockTimeout); err != nil {
		return fmt.Errorf("failed to lock data directory: %w", err)
	}
	if err := hooks.Trigger(ctx, opts.HookManager, hooks.NewPreStartEngineEvent(hooks.EngineLifecyclePayload{DataDir: opts.DataDir})); err != nil {
		return fmt.Errorf("engine start cancelled by hook: %w", err)
	}

	cp, found, err := checkpoint.Read(opts.DataDir)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if found {
		db.logger.Info("Loaded checkpoint", "last_collected_segment", cp.LastCollectedSegment, "last_seq", cp.LastSeq, "collections", len(cp.Collections))
	}

	db.datafiles, err = datafile.Open(datafile.Options{
		Dir:         filepath.Join(opts.DataDir, core.CollectionDirName),
		MaxFileSize: opts.DatafileMaxSize,
		FailPoints:  opts.FailPoints,
		HookManager: opts.HookManager,
		Logger:      opts.Logger,
	})
	if err != nil {
		return err
	}
	datafileSeq, err := db.loadDatafiles(ctx, cp)
	if err != nil {
		return err
	}

	db.wal, err = wal.Open(wal.Options{
		Dir:          filepath.Join(opts.DataDir, core.WALDirName),
		SegmentSize:  opts.WALSegmentSize,
		Compression:  opts.WALCompression,
		MinFreeBytes: opts.WALMinFreeBytes,
		VerifyWrites: opts.WALVerifyWrites,
		SyncMode:     opts.WALSyncMode,
		SyncInterval: opts.WALSyncInterval,
		FailPoints:   opts.FailPoints,
		HookManager:  opts.HookManager,
		Logger:       opts.Logger,
		FreeSpace:    opts.FreeSpace,
	})
	if err != nil {
		return err
	}

	res, err := db.recover(ctx, cp, datafileSeq)
	if err != nil {
		return err
	}
	db.recovery = res

	db.nextCollectionID = cp.LastCollectionID + 1
	for id := range db.collections {
		if id >= db.nextCollectionID {
			db.nextCollectionID = id + 1
		}
	}
	db.keyGen.Store(res.LastSeq)

	if err := db.wal.Start(res.LastSeq); err != nil {
		return err
	}
	db.collector, err = newCollector(collectorOptions{
		dataDir:          opts.DataDir,
		store:            db.wal.Store(),
		datafiles:        db.datafiles,
		checkpoint:       cp,
		interval:         opts.CollectorInterval,
		workers:          opts.CollectorWorkers,
		lastCollectionID: db.lastCollectionID,
		hookManager:      opts.HookManager,
		logger:           opts.Logger,
		tracer:           db.tracer,
		metrics:          db.metrics,
	})
	if err != nil {
		return err
	}
	db.collector.start()

	db.ready.Store(true)
	span.SetAttributes(attribute.Int64("db.last_seq", int64(res.LastSeq)), attribute.Int("db.collections", len(db.collections)))
	db.logger.Info("Engine ready", "data_dir", opts.DataDir, "collections", len(db.collections), "last_seq", res.LastSeq, "startup", time.Since(db.startedAt))
	_ = hooks.Trigger(ctx, opts.HookManager, hooks.NewPostStartEngineEvent(hooks.EngineLifecyclePayload{DataDir: opts.DataDir}))
	return nil
}

// loadDatafiles rebuilds collections from their datafiles in parallel and
// returns the highest sequence number found.
func (db *DB) loadDatafiles(ctx context.Context, cp core.Checkpoint) (uint64, error) {
	ids := db.datafiles.Collections()
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(db.opts.CollectorWorkers)
	var loaded atomic.Int64
	for _, id := range ids {
		g.Go(func() error {
			res, err := db.datafiles.Load(id, db.Apply)
			if err != nil {
				return fmt.Errorf("failed to load datafiles of collection %d: %w", id, err)
			}
			loaded.Add(int64(res.Entries))
			if res.TruncatedBytes > 0 {
				db.metrics.RecoveryTruncatedBytes.Add(res.TruncatedBytes)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var last uint64
	for _, id := range ids {
		got := db.datafiles.LastSeq(id)
		// Entries up to the checkpoint are only in datafiles; their segments are gone.
		if want := cp.AppliedFor(id); got < want {
			return 0, &core.CorruptionError{Reason: fmt.Sprintf("datafiles of collection %d end at sequence %d, checkpoint recorded %d", id, got, want)}
		}
		last = max(last, got)
	}
	db.metrics.RecoveryDatafileLoadTotal.Add(loaded.Load())
	db.logger.Info("Loaded collection datafiles", "collections", len(ids), "entries", loaded.Load(), "last_seq", last)
	return last, nil
}

func (db *DB) recover(ctx context.Context, cp core.Checkpoint, datafileSeq uint64) (recovery.Result, error) {
	ctx, span := db.tracer.Start(ctx, "Recovery.Run")
	defer span.End()

	replayer := recovery.New(recovery.Options{
		Store:       db.wal.Store(),
		Checkpoint:  cp,
		Applier:     db,
		LastSeq:     datafileSeq,
		HookManager: db.opts.HookManager,
		Logger:      db.opts.Logger,
	})
	res, err := replayer.Run(ctx)
	span.SetAttributes(
		attribute.String("recovery.state", res.State.String()),
		attribute.Int("recovery.segments", res.SegmentsScanned),
		attribute.Int("recovery.replayed", res.EntriesReplayed),
		attribute.Int64("recovery.truncated_bytes", res.TruncatedBytes),
	)
	db.metrics.RecoveryDurationSeconds.Set(res.Duration.Seconds())
	db.metrics.RecoveryReplayedTotal.Add(int64(res.EntriesReplayed))
	db.metrics.RecoveryTruncatedBytes.Add(res.TruncatedBytes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recovery failed")
		return res, fmt.Errorf("recovery failed: %w", err)
	}
	return res, nil
}

// AppliedSeq returns the highest sequence number applied to a collection.
func (db *DB) AppliedSeq(collectionID uint64) uint64 {
	db.mu.RLock()
	c := db.collections[collectionID]
	db.mu.RUnlock()
	if c == nil {
		return 0
	}
	return c.appliedSeq()
}

// Apply applies a recovered entry from a datafile or the WAL.
func (db *DB) Apply(e core.LogEntry) error {
	if kind, payload, ok := e.Marker(); ok {
		switch kind {
		case core.MarkerCreateCollection:
			return db.registerCollection(newCollection(e.CollectionID, string(payload), e.SeqNum))
		case core.MarkerDropCollection:
			db.unregisterCollection(e.CollectionID)
			return nil
		}
	}
	db.mu.RLock()
	c := db.collections[e.CollectionID]
	db.mu.RUnlock()
	if c == nil {
		// The collection was dropped later in the log.
		db.logger.Debug("Skipping entry of unknown collection", "collection_id", e.CollectionID, "seq", e.SeqNum)
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(e)
}

func (db *DB) registerCollection(c *Collection) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if existing, ok := db.collections[c.ID]; ok {
		if existing.Name != c.Name {
			return fmt.Errorf("%w: collection %d recreated as %q, was %q", core.ErrCorruption, c.ID, c.Name, existing.Name)
		}
		return nil
	}
	if other, ok := db.byName[c.Name]; ok {
		return fmt.Errorf("%w: collection name %q used by %d and %d", core.ErrCorruption, c.Name, other.ID, c.ID)
	}
	db.collections[c.ID] = c
	db.byName[c.Name] = c
	return nil
}

func (db *DB) unregisterCollection(id uint64) *Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	c := db.collections[id]
	if c == nil {
		return nil
	}
	delete(db.collections, id)
	delete(db.byName, c.Name)
	return c
}

func (db *DB) lastCollectionID() uint64 {
	db.ddlMu.Lock()
	defer db.ddlMu.Unlock()
	return db.nextCollectionID - 1
}

func (db *DB) collection(name string) (*Collection, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	c := db.byName[name]
	db.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, name)
	}
	return c, nil
}

func (db *DB) checkReady() error {
	if db.closed.Load() {
		return core.ErrClosed
	}
	if !db.ready.Load() {
		return core.ErrNotReady
	}
	return nil
}

// Collections lists the collections ordered by name.
func (db *DB) Collections() []CollectionInfo {
	db.mu.RLock()
	cols := make([]*Collection, 0, len(db.byName))
	for _, c := range db.byName {
		cols = append(cols, c)
	}
	db.mu.RUnlock()
	out := make([]CollectionInfo, 0, len(cols))
	for _, c := range cols {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Collection returns the properties of the named collection.
func (db *DB) Collection(name string) (CollectionInfo, error) {
	c, err := db.collection(name)
	if err != nil {
		return CollectionInfo{}, err
	}
	return c.info(), nil
}

// RecoveryResult reports what the last recovery did.
func (db *DB) RecoveryResult() recovery.Result { return db.recovery }

// DataDir returns the data directory.
func (db *DB) DataDir() string { return db.dataDir }

// Close stops the collector, seals the writable segment and closes all files.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx := context.Background()
	_ = hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPreCloseEngineEvent(hooks.EngineLifecyclePayload{DataDir: db.dataDir}))
	db.ready.Store(false)

	var errs []error
	if db.collector != nil {
		db.collector.stop()
	}
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wal: %w", err))
		}
	}
	if db.datafiles != nil {
		if err := db.datafiles.Close(); err != nil {
			errs = append(errs, fmt.Errorf("datafiles: %w", err))
		}
	}
	if db.unlock != nil {
		if err := db.unlock(); err != nil {
			errs = append(errs, fmt.Errorf("lock: %w", err))
		}
	}
	_ = hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPostCloseEngineEvent(hooks.EngineLifecyclePayload{DataDir: db.dataDir}))
	db.opts.HookManager.Stop()
	err := errors.Join(errs...)
	if err != nil {
		db.logger.Error("Engine closed with errors", "error", err)
		return err
	}
	db.logger.Info("Engine closed", "data_dir", db.dataDir)
	return nil
}

// Crash drops every file handle without sealing, syncing or writing a
// checkpoint, leaving the directory as a killed process would. Unsynced
// data may still reach the disk through the page cache.
func (db *DB) Crash() {
	if !db.closed.CompareAndSwap(false, true) {
		return
	}
	db.ready.Store(false)
	db.abandon()
	db.logger.Warn("Engine crashed on request", "data_dir", db.dataDir)
}

// abandon releases whatever Open acquired, without any orderly shutdown.
func (db *DB) abandon() {
	if db.collector != nil {
		db.collector.stop()
	}
	if db.wal != nil {
		db.wal.Crash()
	}
	if db.datafiles != nil {
		db.datafiles.Crash()
	}
	if db.unlock != nil {
		_ = db.unlock()
		db.unlock = nil
	}
}
