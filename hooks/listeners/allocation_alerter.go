package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusdoc/hooks"
)

// AllocationAlerterListener logs a warning whenever a segment allocation or
// an administrative flush fails, which usually means the disk is full or a
// fail point is armed.
type AllocationAlerterListener struct {
	logger *slog.Logger
}

func NewAllocationAlerterListener(logger *slog.Logger) *AllocationAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AllocationAlerterListener{
		logger: logger.With("component", "AllocationAlerterListener"),
	}
}

// OnEvent handles PostSegmentAllocate and PostWALFlush events.
func (l *AllocationAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventPostSegmentAllocate:
		payload, ok := event.Payload().(hooks.SegmentPayload)
		if !ok {
			l.logger.Error("Received PostSegmentAllocate event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		if payload.Error != nil {
			l.logger.Warn("WAL segment allocation failed",
				"segment_id", payload.ID,
				"capacity", payload.Capacity,
				"error", payload.Error,
			)
		}
	case hooks.EventPostWALFlush:
		payload, ok := event.Payload().(hooks.WALFlushPayload)
		if !ok {
			l.logger.Error("Received PostWALFlush event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		if payload.Error != nil {
			l.logger.Warn("WAL flush failed",
				"wait_for_sync", payload.WaitForSync,
				"wait_for_collector", payload.WaitForCollector,
				"durability_mark", payload.DurabilityMark,
				"error", payload.Error,
			)
		}
	}
	return nil
}

func (l *AllocationAlerterListener) Priority() int { return 100 }

func (l *AllocationAlerterListener) IsAsync() bool { return true }
