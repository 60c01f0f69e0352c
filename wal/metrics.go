package wal

import (
	"expvar"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// Process wide WAL counters, served by the metrics server under /debug/vars.
var (
	bytesWritten       = expvar.NewInt("wal_bytes_written_total")
	entriesWritten     = expvar.NewInt("wal_entries_written_total")
	appendFailures     = expvar.NewInt("wal_append_failures_total")
	segmentsAllocated  = expvar.NewInt("wal_segments_allocated_total")
	allocationFailures = expvar.NewInt("wal_segment_allocation_failures_total")
	segmentsSealed     = expvar.NewInt("wal_segments_sealed_total")
	segmentsDeleted    = expvar.NewInt("wal_segments_deleted_total")
	rotations          = expvar.NewInt("wal_rotations_total")
	syncs              = expvar.NewInt("wal_syncs_total")
	syncFailures       = expvar.NewInt("wal_sync_failures_total")
	durabilityMark     = expvar.NewInt("wal_durability_mark")
	lastAppended       = expvar.NewInt("wal_last_appended_seq")

	syncLatency = newLatencyDigest()
)

func init() {
	expvar.Publish("wal_sync_latency_us", expvar.Func(func() interface{} {
		return map[string]float64{
			"p50": syncLatency.quantile(0.5),
			"p90": syncLatency.quantile(0.9),
			"p99": syncLatency.quantile(0.99),
		}
	}))
}

// latencyDigest keeps an approximate distribution of fsync durations.
type latencyDigest struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

func newLatencyDigest() *latencyDigest {
	td, err := tdigest.New()
	if err != nil {
		// Only fails on invalid options.
		panic(err)
	}
	return &latencyDigest{td: td}
}

func (l *latencyDigest) observe(d time.Duration) {
	l.mu.Lock()
	_ = l.td.AddWeighted(float64(d.Microseconds()), 1)
	l.mu.Unlock()
}

func (l *latencyDigest) quantile(q float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.td.Count() == 0 {
		return 0
	}
	return l.td.Quantile(q)
}

// SyncLatency returns the approximate fsync latency at quantile q.
func SyncLatency(q float64) time.Duration {
	return time.Duration(syncLatency.quantile(q)) * time.Microsecond
}
