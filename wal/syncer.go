package wal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
)

// DefaultSyncInterval is the background fsync period in interval mode.
const DefaultSyncInterval = 100 * time.Millisecond

type syncWaiter struct {
	seq  uint64
	done chan error
}

// Syncer owns the DurabilityMark: the highest sequence number known to be on
// stable storage. Callers that need durability register as waiters; one
// background goroutine fsyncs on their behalf so that a single fsync releases
// every waiter it covers.
type Syncer struct {
	mode     core.WALSyncMode
	interval time.Duration
	// syncFn makes everything appended so far durable and returns the last
	// sequence number it covered.
	syncFn       func() (uint64, error)
	lastAppended func() uint64
	logger       *slog.Logger
	hookManager  hooks.HookManager

	mark atomic.Uint64

	mu      sync.Mutex
	waiters []*syncWaiter
	running bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	Mode         core.WALSyncMode
	Interval     time.Duration
	SyncFn       func() (uint64, error)
	LastAppended func() uint64
	Logger       *slog.Logger
	HookManager  hooks.HookManager
}

// NewSyncer creates a stopped Syncer. Call Start to run it.
func NewSyncer(opts SyncerOptions) *Syncer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSyncInterval
	}
	if opts.Mode == "" {
		opts.Mode = core.WALSyncInterval
	}
	return &Syncer{
		mode:         opts.Mode,
		interval:     opts.Interval,
		syncFn:       opts.SyncFn,
		lastAppended: opts.LastAppended,
		logger:       opts.Logger.With("component", "WALSyncer"),
		hookManager:  opts.HookManager,
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the background sync loop with the mark set to initial.
func (s *Syncer) Start(initial uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.advance(initial)
	go s.loop()
	s.logger.Info("WAL syncer started", "mode", s.mode, "interval", s.interval, "durability_mark", initial)
}

// Stop ends the sync loop. Pending waiters fail with core.ErrClosed.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stop)
	<-s.done
}

// Mode returns the configured sync mode.
func (s *Syncer) Mode() core.WALSyncMode { return s.mode }

// DurabilityMark returns the highest sequence number confirmed on stable storage.
func (s *Syncer) DurabilityMark() uint64 {
	return s.mark.Load()
}

// advance raises the mark to seq. The mark never decreases.
func (s *Syncer) advance(seq uint64) {
	for {
		cur := s.mark.Load()
		if seq <= cur {
			return
		}
		if s.mark.CompareAndSwap(cur, seq) {
			durabilityMark.Set(int64(seq))
			return
		}
	}
}

// WaitForSync blocks until the DurabilityMark reaches seq. It fails with
// core.ErrFlushFailure if the fsync fails and with ctx.Err() when the
// caller gives up.
func (s *Syncer) WaitForSync(ctx context.Context, seq uint64) error {
	if seq <= s.DurabilityMark() {
		return nil
	}
	w := &syncWaiter{seq: seq, done: make(chan error, 1)}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return core.ErrClosed
	}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	s.requestSync()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		s.removeWaiter(w)
		return ctx.Err()
	}
}

func (s *Syncer) requestSync() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Syncer) removeWaiter(w *syncWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.waiters {
		if cur == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Syncer) loop() {
	defer close(s.done)
	var tick <-chan time.Time
	if s.mode == core.WALSyncInterval {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-s.kick:
			s.syncOnce()
		case <-tick:
			if s.lastAppended() > s.DurabilityMark() {
				s.syncOnce()
			}
		case <-s.stop:
			s.mu.Lock()
			waiters := s.waiters
			s.waiters = nil
			s.mu.Unlock()
			for _, w := range waiters {
				w.done <- core.ErrClosed
			}
			return
		}
	}
}

// syncOnce performs one group fsync and releases the waiters it covers.
func (s *Syncer) syncOnce() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	start := time.Now()
	covered, err := s.syncFn()
	elapsed := time.Since(start)
	syncs.Add(1)
	syncLatency.observe(elapsed)

	payload := hooks.PostWALSyncPayload{Waiters: len(waiters), Duration: elapsed}
	if err != nil {
		syncFailures.Add(1)
		s.logger.Error("WAL fsync failed", "waiters", len(waiters), "error", err)
		ferr := fmt.Errorf("%w: %v", core.ErrFlushFailure, err)
		for _, w := range waiters {
			w.done <- ferr
		}
		payload.Error = err
		payload.DurabilityMark = s.DurabilityMark()
		_ = hooks.Trigger(context.Background(), s.hookManager, hooks.NewPostWALSyncEvent(payload))
		return
	}

	s.advance(covered)
	mark := s.DurabilityMark()
	payload.DurabilityMark = mark

	var pending []*syncWaiter
	last := s.lastAppended()
	for _, w := range waiters {
		switch {
		case w.seq <= mark:
			w.done <- nil
		case w.seq > last:
			w.done <- fmt.Errorf("%w: sequence %d was never appended", core.ErrFlushFailure, w.seq)
		default:
			pending = append(pending, w)
		}
	}
	if len(pending) > 0 {
		s.mu.Lock()
		s.waiters = append(s.waiters, pending...)
		s.mu.Unlock()
		s.requestSync()
	}
	_ = hooks.Trigger(context.Background(), s.hookManager, hooks.NewPostWALSyncEvent(payload))
}
