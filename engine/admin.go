package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/wal"
	"go.opentelemetry.io/otel/attribute"
)

// Flush seals the writable WAL segment, making every earlier write durable,
// and acquires a new one. It fails with core.ErrFlushFailure when no new
// segment can be acquired. waitForSync waits for the DurabilityMark to
// cover the writes that preceded the flush. waitForCollector additionally
// waits until sealed segments were copied into datafiles; a collector
// failure is reported as core.ErrFlushFailure.
func (db *DB) Flush(ctx context.Context, waitForSync, waitForCollector bool) (err error) {
	start := time.Now()
	ctx, span := db.tracer.Start(ctx, "DB.Flush")
	defer span.End()
	span.SetAttributes(attribute.Bool("db.wait_for_sync", waitForSync), attribute.Bool("db.wait_for_collector", waitForCollector))

	if err := db.checkReady(); err != nil {
		return err
	}
	payload := hooks.WALFlushPayload{WaitForSync: waitForSync, WaitForCollector: waitForCollector}
	if err := hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPreWALFlushEvent(payload)); err != nil {
		return fmt.Errorf("flush cancelled by hook: %w", err)
	}
	db.metrics.FlushTotal.Add(1)
	defer func() {
		payload.Duration = time.Since(start)
		payload.DurabilityMark = db.wal.DurabilityMark()
		payload.Error = err
		observeLatency(db.metrics.FlushLatencyHist, payload.Duration.Seconds())
		if err != nil {
			db.metrics.FlushErrorsTotal.Add(1)
			recordSpanError(span, err)
			db.logger.Warn("Flush failed", "wait_for_sync", waitForSync, "wait_for_collector", waitForCollector, "error", err)
		}
		_ = hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPostWALFlushEvent(payload))
	}()

	res, err := db.wal.Flush(ctx, waitForSync || waitForCollector)
	payload.SealedSegment = res.SealedSegment
	span.SetAttributes(attribute.Int64("wal.sealed_segment", int64(res.SealedSegment)), attribute.Int64("wal.last_seq", int64(res.LastSeq)))
	if err != nil {
		return err
	}
	if waitForCollector {
		if err := db.collector.collect(ctx); err != nil {
			return fmt.Errorf("%w: collector: %w", core.ErrFlushFailure, err)
		}
	}
	return nil
}

// SetFaultPoint arms a named fail point.
func (db *DB) SetFaultPoint(name string) {
	db.opts.FailPoints.Arm(name)
}

// ClearFaultPoint disarms a named fail point.
func (db *DB) ClearFaultPoint(name string) {
	db.opts.FailPoints.Disarm(name)
}

// ClearFaultPoints disarms every fail point.
func (db *DB) ClearFaultPoints() {
	db.opts.FailPoints.DisarmAll()
}

// FaultPoints lists the armed fail points.
func (db *DB) FaultPoints() []string {
	return db.opts.FailPoints.List()
}

// WALProperties describes the state of the log.
type WALProperties struct {
	SyncMode       core.WALSyncMode  `json:"syncMode"`
	LastAppended   uint64            `json:"lastAppended"`
	DurabilityMark uint64            `json:"durabilityMark"`
	Collected      uint64            `json:"lastCollectedSegment"`
	Segments       []wal.SegmentInfo `json:"segments"`
	FaultPoints    []string          `json:"faultPoints"`
	SyncLatencyP50 time.Duration     `json:"syncLatencyP50"`
	SyncLatencyP99 time.Duration     `json:"syncLatencyP99"`
}

// WALProperties returns a snapshot of the log state.
func (db *DB) WALProperties() (WALProperties, error) {
	if err := db.checkReady(); err != nil {
		return WALProperties{}, err
	}
	return WALProperties{
		SyncMode:       db.wal.Syncer().Mode(),
		LastAppended:   db.wal.LastAppended(),
		DurabilityMark: db.wal.DurabilityMark(),
		Collected:      db.collector.checkpoint().LastCollectedSegment,
		Segments:       db.wal.Store().List(),
		FaultPoints:    db.FaultPoints(),
		SyncLatencyP50: wal.SyncLatency(0.5),
		SyncLatencyP99: wal.SyncLatency(0.99),
	}, nil
}

// DurabilityMark returns the highest sequence number on stable storage.
func (db *DB) DurabilityMark() uint64 { return db.wal.DurabilityMark() }

// LastAppended returns the highest sequence number written to the log.
func (db *DB) LastAppended() uint64 { return db.wal.LastAppended() }
