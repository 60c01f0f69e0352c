package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/datafile"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/wal"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type collectorOptions struct {
	dataDir          string
	store            *wal.SegmentStore
	datafiles        *datafile.Store
	checkpoint       core.Checkpoint
	interval         time.Duration
	workers          int
	lastCollectionID func() uint64
	hookManager      hooks.HookManager
	logger           *slog.Logger
	tracer           trace.Tracer
	metrics          *EngineMetrics
}

// collector copies sealed segments into collection datafiles, records its
// progress in the checkpoint and then deletes the segments. Segments are
// processed strictly in id order; a failure leaves the segment sealed and
// the next pass starts over from it.
type collector struct {
	opts   collectorOptions
	logger *slog.Logger
	pool   *ants.Pool

	// runMu serializes passes.
	runMu sync.Mutex
	cpMu  sync.Mutex
	cp    core.Checkpoint

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newCollector(opts collectorOptions) (*collector, error) {
	c := &collector{
		opts:   opts,
		logger: opts.logger.With("component", "Collector"),
		cp:     opts.checkpoint,
		stopCh: make(chan struct{}),
	}
	if c.cp.Collections == nil {
		c.cp.Collections = make(map[uint64]uint64)
	}
	pool, err := ants.NewPool(opts.workers, ants.WithPanicHandler(func(v any) {
		c.logger.Error("Collector worker panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create collector pool: %w", err)
	}
	c.pool = pool
	return c, nil
}

func (c *collector) start() {
	if c.opts.interval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.loop()
}

func (c *collector) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.collect(context.Background()); err != nil {
				c.logger.Warn("Background collection failed", "error", err)
			}
		}
	}
}

// stop ends the background loop, waits for a running pass and releases the pool.
func (c *collector) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		c.runMu.Lock()
		c.pool.Release()
		c.runMu.Unlock()
	})
}

func (c *collector) checkpoint() core.Checkpoint {
	c.cpMu.Lock()
	defer c.cpMu.Unlock()
	return c.cp
}

// collect runs one pass over every sealed segment.
func (c *collector) collect(ctx context.Context) (err error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	select {
	case <-c.stopCh:
		return core.ErrClosed
	default:
	}

	start := time.Now()
	ctx, span := c.opts.tracer.Start(ctx, "Collector.Run")
	defer span.End()

	run := hooks.PostCollectorRunPayload{}
	defer func() {
		run.Duration = time.Since(start)
		run.Error = err
		c.opts.metrics.CollectorRunsTotal.Add(1)
		observeLatency(c.opts.metrics.CollectorLatencyHist, run.Duration.Seconds())
		if err != nil {
			c.opts.metrics.CollectorErrorsTotal.Add(1)
			recordSpanError(span, err)
		}
		span.SetAttributes(attribute.Int("collector.segments", len(run.Segments)), attribute.Int("collector.entries", run.Entries))
		if len(run.Segments) > 0 || err != nil {
			_ = hooks.Trigger(ctx, c.opts.hookManager, hooks.NewPostCollectorRunEvent(run))
		}
	}()

	for _, seg := range c.opts.store.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch seg.State {
		case wal.SegmentWritable:
			return nil
		case wal.SegmentCollectible:
			// Covered by the checkpoint but not yet removed.
			if err := c.deleteSegment(seg.ID); err != nil {
				return err
			}
		case wal.SegmentSealed:
			if err := c.collectSegment(seg, &run); err != nil {
				return fmt.Errorf("failed to collect segment %d: %w", seg.ID, err)
			}
		}
	}
	return nil
}

func (c *collector) collectSegment(seg wal.SegmentInfo, run *hooks.PostCollectorRunPayload) error {
	groups := make(map[uint64][]core.LogEntry)
	var order, dropped []uint64
	scan, err := wal.ScanSegment(seg.Path, func(e core.LogEntry) error {
		if kind, _, ok := e.Marker(); ok && kind == core.MarkerDropCollection {
			dropped = append(dropped, e.CollectionID)
			delete(groups, e.CollectionID)
			return nil
		}
		if _, ok := groups[e.CollectionID]; !ok {
			order = append(order, e.CollectionID)
		}
		groups[e.CollectionID] = append(groups[e.CollectionID], e)
		return nil
	})
	if err != nil {
		return err
	}
	if scan.Torn {
		return &core.CorruptionError{SegmentID: seg.ID, Offset: scan.ValidEnd, Reason: "sealed segment has a torn record: " + scan.TornReason}
	}
	run.BytesRead += scan.ValidEnd

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		written int64
		touched []uint64
	)
	for _, id := range order {
		entries, ok := groups[id]
		if !ok {
			continue
		}
		touched = append(touched, id)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			n, err := c.opts.datafiles.Append(id, entries)
			if err == nil {
				err = c.opts.datafiles.Sync(id)
			}
			mu.Lock()
			defer mu.Unlock()
			written += n
			if err != nil {
				errs = append(errs, fmt.Errorf("collection %d: %w", id, err))
			}
		}
		if err := c.pool.Submit(task); err != nil {
			wg.Done()
			errs = append(errs, fmt.Errorf("collection %d: %w", id, err))
		}
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	for _, id := range dropped {
		if err := c.opts.datafiles.Drop(id); err != nil {
			return err
		}
	}

	next := c.checkpoint()
	next.Collections = maps.Clone(next.Collections)
	next.LastCollectedSegment = seg.ID
	next.LastSeq = max(next.LastSeq, scan.LastSeq)
	next.LastCollectionID = max(next.LastCollectionID, c.opts.lastCollectionID())
	for _, id := range touched {
		next.Collections[id] = c.opts.datafiles.LastSeq(id)
	}
	for _, id := range dropped {
		delete(next.Collections, id)
	}
	if err := checkpoint.Write(c.opts.dataDir, next); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	c.cpMu.Lock()
	c.cp = next
	c.cpMu.Unlock()
	c.opts.metrics.CheckpointsWrittenTotal.Add(1)

	if err := c.opts.store.MarkCollectible(seg.ID); err != nil {
		return err
	}
	if err := c.deleteSegment(seg.ID); err != nil {
		return err
	}

	run.Segments = append(run.Segments, seg.ID)
	run.Entries += scan.Entries
	run.BytesWritten += written
	c.opts.metrics.CollectorSegmentsTotal.Add(1)
	c.opts.metrics.CollectorEntriesTotal.Add(int64(scan.Entries))
	c.opts.metrics.CollectorBytesWritten.Add(written)
	c.logger.Info("Collected segment", "segment_id", seg.ID, "entries", scan.Entries, "collections", len(touched), "dropped", len(dropped), "bytes_written", written)
	return nil
}

func (c *collector) deleteSegment(id uint64) error {
	if err := c.opts.store.Delete(id); err != nil {
		return err
	}
	c.opts.metrics.SegmentsDeletedTotal.Add(1)
	return nil
}
