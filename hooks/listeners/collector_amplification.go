package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusdoc/hooks"
)

var (
	collectorMetricsOnce   sync.Once
	collectorBytesRead     *expvar.Int
	collectorBytesWritten  *expvar.Int
	collectorRuns          *expvar.Int
	collectorFailedRuns    *expvar.Int
	collectorEntriesCopied *expvar.Int
)

func initCollectorMetrics() {
	collectorMetricsOnce.Do(func() {
		collectorBytesRead = expvar.NewInt("collector_wal_bytes_read_total")
		collectorBytesWritten = expvar.NewInt("collector_datafile_bytes_written_total")
		collectorRuns = expvar.NewInt("collector_runs_total")
		collectorFailedRuns = expvar.NewInt("collector_failed_runs_total")
		collectorEntriesCopied = expvar.NewInt("collector_entries_total")
		// Ratio of bytes written to datafiles to bytes read from sealed segments.
		expvar.Publish("collector_write_amplification", expvar.Func(func() interface{} {
			read := collectorBytesRead.Value()
			if read == 0 {
				return 0.0
			}
			return float64(collectorBytesWritten.Value()) / float64(read)
		}))
	})
}

// CollectorAmplificationListener tracks how many bytes the collector writes
// into datafiles for every byte of sealed WAL it consumes.
type CollectorAmplificationListener struct {
	logger *slog.Logger

	bytesRead    *expvar.Int
	bytesWritten *expvar.Int
	runs         *expvar.Int
	failedRuns   *expvar.Int
	entries      *expvar.Int
}

// NewCollectorAmplificationListener creates a new listener. It is safe to call more than once.
func NewCollectorAmplificationListener(logger *slog.Logger) *CollectorAmplificationListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initCollectorMetrics()
	return &CollectorAmplificationListener{
		logger:       logger.With("component", "CollectorAmplificationListener"),
		bytesRead:    collectorBytesRead,
		bytesWritten: collectorBytesWritten,
		runs:         collectorRuns,
		failedRuns:   collectorFailedRuns,
		entries:      collectorEntriesCopied,
	}
}

// OnEvent handles PostCollectorRun events.
func (l *CollectorAmplificationListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostCollectorRunPayload)
	if !ok {
		return nil
	}

	l.runs.Add(1)
	if payload.Error != nil {
		l.failedRuns.Add(1)
	}
	l.bytesRead.Add(payload.BytesRead)
	l.bytesWritten.Add(payload.BytesWritten)
	l.entries.Add(int64(payload.Entries))

	l.logger.Debug("Collector run processed",
		"segments", payload.Segments,
		"entries", payload.Entries,
		"bytes_read", payload.BytesRead,
		"bytes_written", payload.BytesWritten,
		"duration", payload.Duration,
		"error", payload.Error,
	)
	return nil
}

func (l *CollectorAmplificationListener) Priority() int { return 100 }

func (l *CollectorAmplificationListener) IsAsync() bool { return true }
