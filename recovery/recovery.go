// Package recovery rebuilds collection state from the WAL after a restart.
//
// A Replayer walks the states Scanning, Replaying and Reconciling and ends in
// Ready, or in Failed when the log is damaged beyond a torn tail.
package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/wal"
	"github.com/RoaringBitmap/roaring/roaring64"
)

// State is a phase of recovery.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateReplaying
	StateReconciling
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateReplaying:
		return "replaying"
	case StateReconciling:
		return "reconciling"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Applier receives replayed entries.
type Applier interface {
	// AppliedSeq returns the highest sequence number already reflected in the
	// collection, from its datafiles or earlier replay.
	AppliedSeq(collectionID uint64) uint64
	// Apply applies one entry whose sequence number is above AppliedSeq.
	Apply(entry core.LogEntry) error
}

// Options configures a Replayer.
type Options struct {
	Store      *wal.SegmentStore
	Checkpoint core.Checkpoint
	Applier    Applier
	// LastSeq is the highest sequence number known from datafiles. The log
	// may have been collected up to it.
	LastSeq     uint64
	HookManager hooks.HookManager
	Logger      *slog.Logger
}

// Gap is a jump in sequence numbers between two segments. It is left by an
// append whose write failed and could not be rolled back before the segment
// was sealed.
type Gap struct {
	SegmentID uint64
	After     uint64
	Next      uint64
}

// Result summarizes a recovery run.
type Result struct {
	State           State
	SegmentsScanned int
	EntriesReplayed int
	EntriesSkipped  int
	TruncatedBytes  int64
	// LastSeq is where sequence numbering continues from.
	LastSeq uint64
	// Discarded lists segments removed because they never received a header.
	Discarded []uint64
	// Collectible lists segments already covered by the checkpoint.
	Collectible []uint64
	// Gaps lists the tolerated sequence gaps at segment boundaries.
	Gaps []Gap
	// Dropped lists collections whose drop was found in the log.
	Dropped  []uint64
	Duration time.Duration
}

// Replayer drives one recovery.
type Replayer struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates a Replayer in the idle state.
func New(opts Options) *Replayer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Replayer{opts: opts, logger: opts.Logger.With("component", "Recovery")}
}

// State returns the current phase.
func (r *Replayer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replayer) transition(ctx context.Context, to State, cause error) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	if cause != nil {
		r.logger.Error("Recovery state change", "from", from.String(), "to", to.String(), "error", cause)
	} else {
		r.logger.Info("Recovery state change", "from", from.String(), "to", to.String())
	}
	_ = hooks.Trigger(ctx, r.opts.HookManager, hooks.NewPostRecoveryStateEvent(hooks.RecoveryStatePayload{
		From: from.String(), To: to.String(), Error: cause,
	}))
}

// Run performs the recovery. Running it again over the same files and
// applier changes nothing.
func (r *Replayer) Run(ctx context.Context) (res Result, err error) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if err != nil {
			r.transition(ctx, StateFailed, err)
		} else {
			r.transition(ctx, StateReady, nil)
		}
		res.State = r.State()
		_ = hooks.Trigger(ctx, r.opts.HookManager, hooks.NewPostRecoveryEvent(hooks.PostRecoveryPayload{
			State:           res.State.String(),
			SegmentsScanned: res.SegmentsScanned,
			EntriesReplayed: res.EntriesReplayed,
			EntriesSkipped:  res.EntriesSkipped,
			TruncatedBytes:  res.TruncatedBytes,
			LastSeq:         res.LastSeq,
			Duration:        res.Duration,
			Error:           err,
		}))
		if err == nil {
			r.logger.Info("Recovery complete", "segments", res.SegmentsScanned, "replayed", res.EntriesReplayed,
				"skipped", res.EntriesSkipped, "truncated_bytes", res.TruncatedBytes, "last_seq", res.LastSeq, "duration", res.Duration)
		}
	}()

	r.transition(ctx, StateScanning, nil)
	segments, err := r.scan()
	if err != nil {
		return res, err
	}

	r.transition(ctx, StateReplaying, nil)
	dropped := roaring64.New()
	if err := r.replay(ctx, segments, dropped, &res); err != nil {
		return res, err
	}

	r.transition(ctx, StateReconciling, nil)
	if err := r.reconcile(dropped, &res); err != nil {
		return res, err
	}
	return res, nil
}

// scan lists the segments in id order. The store already refuses duplicate
// ids when it loads the directory; the order is checked again here because
// replay depends on it.
func (r *Replayer) scan() ([]wal.SegmentInfo, error) {
	segments := r.opts.Store.List()
	for i := 1; i < len(segments); i++ {
		if segments[i].ID <= segments[i-1].ID {
			return nil, &core.CorruptionError{SegmentID: segments[i].ID, Reason: "segment ids out of order"}
		}
	}
	r.logger.Info("Found WAL segments", "count", len(segments), "last_collected_segment", r.opts.Checkpoint.LastCollectedSegment)
	return segments, nil
}

// replay applies every segment in order. Collections dropped by a replayed
// marker are added to dropped.
func (r *Replayer) replay(ctx context.Context, segments []wal.SegmentInfo, dropped *roaring64.Bitmap, res *Result) error {
	var lastSeq uint64
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		isLast := i == len(segments)-1
		var prevInSegment uint64

		scan, err := wal.ScanSegment(seg.Path, func(e core.LogEntry) error {
			switch {
			case e.SeqNum == lastSeq:
				return &core.CorruptionError{SegmentID: seg.ID, Reason: fmt.Sprintf("duplicate sequence number %d", e.SeqNum)}
			case e.SeqNum < lastSeq:
				return &core.CorruptionError{SegmentID: seg.ID, Reason: fmt.Sprintf("sequence number %d after %d", e.SeqNum, lastSeq)}
			case prevInSegment != 0 && e.SeqNum != prevInSegment+1:
				return &core.CorruptionError{SegmentID: seg.ID, Reason: fmt.Sprintf("gap from %d to %d inside a segment", prevInSegment, e.SeqNum)}
			}
			if prevInSegment == 0 && lastSeq != 0 && e.SeqNum != lastSeq+1 {
				r.logger.Warn("Sequence gap at segment boundary", "segment_id", seg.ID, "from", lastSeq, "to", e.SeqNum)
				res.Gaps = append(res.Gaps, Gap{SegmentID: seg.ID, After: lastSeq, Next: e.SeqNum})
			}
			lastSeq = e.SeqNum
			prevInSegment = e.SeqNum
			if kind, _, ok := e.Marker(); ok && kind == core.MarkerDropCollection {
				dropped.Add(e.CollectionID)
			}

			if e.SeqNum <= r.opts.Applier.AppliedSeq(e.CollectionID) {
				res.EntriesSkipped++
				return nil
			}
			if err := r.opts.Applier.Apply(e); err != nil {
				return fmt.Errorf("failed to apply entry %d from segment %d: %w", e.SeqNum, seg.ID, err)
			}
			res.EntriesReplayed++
			return nil
		})
		res.SegmentsScanned++
		if err != nil {
			return err
		}

		if scan.Torn {
			if !isLast {
				return &core.CorruptionError{SegmentID: seg.ID, Offset: scan.ValidEnd, Reason: "torn record in a segment that is not the last: " + scan.TornReason}
			}
			if err := r.repairTail(seg, scan, res); err != nil {
				return err
			}
			if !scan.HeaderValid {
				continue
			}
		}
		r.opts.Store.SetSegmentRange(seg.ID, scan.FirstSeq, scan.LastSeq, scan.Entries)
	}
	res.LastSeq = lastSeq
	return nil
}

func (r *Replayer) repairTail(seg wal.SegmentInfo, scan wal.ScanResult, res *Result) error {
	res.TruncatedBytes += scan.TornBytes()
	if !scan.HeaderValid {
		r.logger.Warn("Discarding segment without a complete header", "segment_id", seg.ID, "size", scan.FileSize)
		res.Discarded = append(res.Discarded, seg.ID)
		return r.opts.Store.Discard(seg.ID)
	}
	r.logger.Warn("Torn write at end of log", "segment_id", seg.ID, "reason", scan.TornReason, "valid_end", scan.ValidEnd, "bytes", scan.TornBytes())
	return r.opts.Store.TruncateTail(seg.ID, scan.ValidEnd)
}

// reconcile checks the rebuilt state against the checkpoint and marks the
// segments it covers collectible. Every collection the checkpoint names must
// have been rebuilt at least up to the recorded sequence number, unless the
// log dropped it.
func (r *Replayer) reconcile(dropped *roaring64.Bitmap, res *Result) error {
	cp := r.opts.Checkpoint
	res.Dropped = dropped.ToArray()
	for _, id := range slices.Sorted(maps.Keys(cp.Collections)) {
		if dropped.Contains(id) {
			continue
		}
		want := cp.Collections[id]
		if got := r.opts.Applier.AppliedSeq(id); got < want {
			return &core.CorruptionError{Reason: fmt.Sprintf("collection %d rebuilt up to sequence %d, checkpoint recorded %d", id, got, want)}
		}
	}
	if cp.LastSeq > res.LastSeq {
		res.LastSeq = cp.LastSeq
	}
	if r.opts.LastSeq > res.LastSeq {
		res.LastSeq = r.opts.LastSeq
	}
	r.opts.Store.SetNextID(cp.LastCollectedSegment + 1)

	for _, seg := range r.opts.Store.List() {
		if seg.ID > cp.LastCollectedSegment {
			continue
		}
		if err := r.opts.Store.MarkCollectible(seg.ID); err != nil {
			return fmt.Errorf("failed to mark segment %d collectible: %w", seg.ID, err)
		}
		res.Collectible = append(res.Collectible, seg.ID)
	}
	return nil
}
