package engine

import (
	"log/slog"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/failpoint"
	"github.com/INLOpen/nexusdoc/hooks"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a DB.
type Options struct {
	DataDir string

	WALSyncMode     core.WALSyncMode
	WALSyncInterval time.Duration
	WALSegmentSize  int64
	WALCompression  core.CompressionType
	WALMinFreeBytes uint64
	WALVerifyWrites bool

	DatafileMaxSize int64

	// CollectorInterval is the pause between background collector passes.
	// Zero disables the background loop; Flush with waitForCollector still runs a pass.
	CollectorInterval time.Duration
	CollectorWorkers  int

	// LockTimeout bounds the wait for the data directory lock.
	LockTimeout time.Duration

	// FailPoints is consulted by the segment and datafile stores. A nil
	// registry is replaced by an empty one so the admin operations work.
	FailPoints     *failpoint.Registry
	HookManager    hooks.HookManager
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Metrics        *EngineMetrics

	// FreeSpace overrides the disk free space check used before segment allocation.
	FreeSpace func(dir string) (uint64, error)
}

// WriteOptions controls a single write.
type WriteOptions struct {
	// WaitForSync makes the write return only once it is on stable storage.
	WaitForSync bool
}

const (
	defaultCollectorWorkers = 4
	defaultLockTimeout      = 5 * time.Second
)

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.WALSyncMode == "" {
		o.WALSyncMode = core.WALSyncInterval
	}
	if o.WALSyncInterval <= 0 {
		o.WALSyncInterval = 100 * time.Millisecond
	}
	if o.CollectorWorkers <= 0 {
		o.CollectorWorkers = defaultCollectorWorkers
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.FailPoints == nil {
		o.FailPoints = failpoint.New(o.Logger)
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger)
	}
	if o.Metrics == nil {
		o.Metrics = NewEngineMetrics(false, "engine_")
	}
}
