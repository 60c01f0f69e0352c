package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/engine"
	"github.com/INLOpen/nexusdoc/failpoint"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/hooks/listeners"
	"go.opentelemetry.io/otel/trace"
)

// buildEngineOptions converts the loaded configuration into engine options.
func buildEngineOptions(cfg *config.Config, logger *slog.Logger, tp trace.TracerProvider) (engine.Options, error) {
	if err := cfg.Validate(); err != nil {
		return engine.Options{}, fmt.Errorf("invalid configuration: %w", err)
	}
	syncMode, _ := core.ParseWALSyncMode(cfg.Engine.WAL.SyncMode)
	compression, _ := config.ParseCompression(cfg.Engine.WAL.Compression)

	fp := failpoint.New(logger)
	for _, name := range cfg.Engine.FailPoints {
		fp.Arm(name)
	}

	return engine.Options{
		DataDir:           cfg.Engine.DataDir,
		WALSyncMode:       syncMode,
		WALSyncInterval:   config.ParseDuration(cfg.Engine.WAL.SyncInterval, 100*time.Millisecond, logger),
		WALSegmentSize:    cfg.Engine.WAL.SegmentSizeBytes,
		WALCompression:    compression,
		WALMinFreeBytes:   cfg.Engine.WAL.MinFreeBytes,
		WALVerifyWrites:   cfg.Engine.WAL.VerifyWrites,
		DatafileMaxSize:   cfg.Engine.Collector.DatafileMaxSizeBytes,
		CollectorInterval: config.ParseDuration(cfg.Engine.Collector.Interval, time.Second, logger),
		CollectorWorkers:  cfg.Engine.Collector.Workers,
		FailPoints:        fp,
		HookManager:       newHookManager(cfg, logger),
		Logger:            logger,
		TracerProvider:    tp,
		Metrics:           engine.NewEngineMetrics(true, "engine_"),
	}, nil
}

// newHookManager registers the operational listeners.
func newHookManager(cfg *config.Config, logger *slog.Logger) hooks.HookManager {
	hm := hooks.NewHookManager(logger)

	alerter := listeners.NewAllocationAlerterListener(logger)
	hm.Register(hooks.EventPostSegmentAllocate, alerter)
	hm.Register(hooks.EventPostWALFlush, alerter)
	logger.Info("Registered AllocationAlerterListener for PostSegmentAllocate and PostWALFlush events.")

	hm.Register(hooks.EventPostCollectorRun, listeners.NewCollectorAmplificationListener(logger))
	logger.Info("Registered CollectorAmplificationListener for PostCollectorRun events.")

	if cfg.Engine.MaxDocumentBytes > 0 {
		limiter := listeners.NewDocumentSizeLimiter(logger, []listeners.SizeRule{{MaxBytes: cfg.Engine.MaxDocumentBytes}})
		hm.Register(hooks.EventPreInsertDocument, limiter)
		logger.Info("Registered DocumentSizeLimiter for PreInsertDocument events.", "max_bytes", cfg.Engine.MaxDocumentBytes)
	}
	return hm
}
