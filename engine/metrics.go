package engine

import (
	"expvar"
	"fmt"
)

// EngineMetrics holds the expvar counters of one DB.
type EngineMetrics struct {
	PublishedGlobally bool

	InsertTotal       *expvar.Int
	InsertErrorsTotal *expvar.Int
	UpdateTotal       *expvar.Int
	RemoveTotal       *expvar.Int
	GetTotal          *expvar.Int
	SyncWaitsTotal    *expvar.Int
	SyncFailuresTotal *expvar.Int

	FlushTotal       *expvar.Int
	FlushErrorsTotal *expvar.Int

	CollectorRunsTotal        *expvar.Int
	CollectorErrorsTotal      *expvar.Int
	CollectorSegmentsTotal    *expvar.Int
	CollectorEntriesTotal     *expvar.Int
	CollectorBytesWritten     *expvar.Int
	SegmentsDeletedTotal      *expvar.Int
	CheckpointsWrittenTotal   *expvar.Int
	CollectionsCreatedTotal   *expvar.Int
	CollectionsDroppedTotal   *expvar.Int
	RecoveryDurationSeconds   *expvar.Float
	RecoveryReplayedTotal     *expvar.Int
	RecoveryTruncatedBytes    *expvar.Int
	RecoveryDatafileLoadTotal *expvar.Int

	InsertLatencyHist    *expvar.Map
	FlushLatencyHist     *expvar.Map
	CollectorLatencyHist *expvar.Map
}

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}

// NewEngineMetrics creates the counters. With publishGlobally they are
// registered in the expvar namespace under prefix, which the metrics server
// exposes on /debug/vars.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	newInt := func(_ string) *expvar.Int { return new(expvar.Int) }
	newFloat := func(_ string) *expvar.Float { return new(expvar.Float) }
	newMap := func(_ string) *expvar.Map { return new(expvar.Map).Init() }
	if publishGlobally {
		newInt, newFloat, newMap = publishExpvarInt, publishExpvarFloat, publishExpvarMap
	}

	em := &EngineMetrics{
		PublishedGlobally: publishGlobally,

		InsertTotal:       newInt(prefix + "insert_total"),
		InsertErrorsTotal: newInt(prefix + "insert_errors_total"),
		UpdateTotal:       newInt(prefix + "update_total"),
		RemoveTotal:       newInt(prefix + "remove_total"),
		GetTotal:          newInt(prefix + "get_total"),
		SyncWaitsTotal:    newInt(prefix + "sync_waits_total"),
		SyncFailuresTotal: newInt(prefix + "sync_failures_total"),

		FlushTotal:       newInt(prefix + "flush_total"),
		FlushErrorsTotal: newInt(prefix + "flush_errors_total"),

		CollectorRunsTotal:        newInt(prefix + "collector_runs_total"),
		CollectorErrorsTotal:      newInt(prefix + "collector_errors_total"),
		CollectorSegmentsTotal:    newInt(prefix + "collector_segments_total"),
		CollectorEntriesTotal:     newInt(prefix + "collector_entries_total"),
		CollectorBytesWritten:     newInt(prefix + "collector_bytes_written_total"),
		SegmentsDeletedTotal:      newInt(prefix + "segments_deleted_total"),
		CheckpointsWrittenTotal:   newInt(prefix + "checkpoints_written_total"),
		CollectionsCreatedTotal:   newInt(prefix + "collections_created_total"),
		CollectionsDroppedTotal:   newInt(prefix + "collections_dropped_total"),
		RecoveryDurationSeconds:   newFloat(prefix + "recovery_duration_seconds"),
		RecoveryReplayedTotal:     newInt(prefix + "recovery_replayed_entries_total"),
		RecoveryTruncatedBytes:    newInt(prefix + "recovery_truncated_bytes_total"),
		RecoveryDatafileLoadTotal: newInt(prefix + "recovery_datafile_entries_total"),

		InsertLatencyHist:    newMap(prefix + "insert_latency_seconds"),
		FlushLatencyHist:     newMap(prefix + "flush_latency_seconds"),
		CollectorLatencyHist: newMap(prefix + "collector_latency_seconds"),
	}
	for _, m := range []*expvar.Map{em.InsertLatencyHist, em.FlushLatencyHist, em.CollectorLatencyHist} {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(fmt.Sprintf("le_%.4f", b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}
	return em
}

// observeLatency records a duration in a cumulative histogram map.
func observeLatency(histMap *expvar.Map, seconds float64) {
	if histMap == nil {
		return
	}
	if v, ok := histMap.Get("count").(*expvar.Int); ok {
		v.Add(1)
	}
	if v, ok := histMap.Get("sum").(*expvar.Float); ok {
		v.Add(seconds)
	}
	for _, b := range latencyBuckets {
		if seconds > b {
			continue
		}
		if v, ok := histMap.Get(fmt.Sprintf("le_%.4f", b)).(*expvar.Int); ok {
			v.Add(1)
		}
	}
	if v, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		v.Add(1)
	}
}

// publishExpvarInt returns the published Int called name, resetting it if it
// already exists. It panics if name is taken by another type.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		mv.Init()
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
