package wal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	last  atomic.Uint64
	syncs atomic.Int64
	fail  atomic.Bool
	delay time.Duration
}

func (f *fakeLog) sync() (uint64, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.syncs.Add(1)
	if f.fail.Load() {
		return 0, errors.New("disk on fire")
	}
	return f.last.Load(), nil
}

func newTestSyncer(t *testing.T, mode core.WALSyncMode, log *fakeLog) *Syncer {
	t.Helper()
	s := NewSyncer(SyncerOptions{
		Mode:         mode,
		Interval:     5 * time.Millisecond,
		SyncFn:       log.sync,
		LastAppended: log.last.Load,
	})
	s.Start(0)
	t.Cleanup(s.Stop)
	return s
}

func TestSyncer_WaitForSyncAdvancesMark(t *testing.T) {
	log := &fakeLog{}
	s := newTestSyncer(t, core.WALSyncDisabled, log)

	log.last.Store(5)
	require.NoError(t, s.WaitForSync(context.Background(), 5))
	assert.Equal(t, uint64(5), s.DurabilityMark())

	// Already durable: no fsync needed.
	before := log.syncs.Load()
	require.NoError(t, s.WaitForSync(context.Background(), 3))
	assert.Equal(t, before, log.syncs.Load())
}

func TestSyncer_GroupCommit(t *testing.T) {
	log := &fakeLog{delay: 10 * time.Millisecond}
	s := newTestSyncer(t, core.WALSyncDisabled, log)

	const writers = 32
	log.last.Store(writers)
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			errs <- s.WaitForSync(context.Background(), seq)
		}(uint64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Less(t, log.syncs.Load(), int64(writers), "waiters share fsyncs")
	assert.Equal(t, uint64(writers), s.DurabilityMark())
}

func TestSyncer_FsyncFailure(t *testing.T) {
	log := &fakeLog{}
	s := newTestSyncer(t, core.WALSyncDisabled, log)
	log.last.Store(1)
	log.fail.Store(true)

	err := s.WaitForSync(context.Background(), 1)
	assert.ErrorIs(t, err, core.ErrFlushFailure)
	assert.Equal(t, uint64(0), s.DurabilityMark(), "the mark does not move on failure")
}

func TestSyncer_NeverAppendedSequence(t *testing.T) {
	log := &fakeLog{}
	s := newTestSyncer(t, core.WALSyncDisabled, log)
	log.last.Store(2)

	err := s.WaitForSync(context.Background(), 10)
	assert.ErrorIs(t, err, core.ErrFlushFailure)
}

func TestSyncer_ContextCancel(t *testing.T) {
	log := &fakeLog{delay: 50 * time.Millisecond}
	s := newTestSyncer(t, core.WALSyncDisabled, log)
	log.last.Store(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := s.WaitForSync(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSyncer_IntervalMode(t *testing.T) {
	log := &fakeLog{}
	s := newTestSyncer(t, core.WALSyncInterval, log)
	log.last.Store(7)

	assert.Eventually(t, func() bool { return s.DurabilityMark() == 7 }, time.Second, 5*time.Millisecond)
}

func TestSyncer_MarkIsMonotonic(t *testing.T) {
	s := NewSyncer(SyncerOptions{SyncFn: func() (uint64, error) { return 0, nil }, LastAppended: func() uint64 { return 0 }})
	s.advance(10)
	s.advance(4)
	assert.Equal(t, uint64(10), s.DurabilityMark())
}

func TestSyncer_StopFailsWaiters(t *testing.T) {
	block := make(chan struct{})
	s := NewSyncer(SyncerOptions{
		Mode: core.WALSyncDisabled,
		SyncFn: func() (uint64, error) {
			<-block
			return 0, nil
		},
		LastAppended: func() uint64 { return 1 },
	})
	s.Start(0)

	done := make(chan error, 1)
	go func() { done <- s.WaitForSync(context.Background(), 1) }()
	time.Sleep(10 * time.Millisecond)
	close(block)
	s.Stop()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Stop")
	}
	assert.ErrorIs(t, s.WaitForSync(context.Background(), 5), core.ErrClosed)
}
