package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
)

// SizeRule caps the body size of documents in one collection. An empty
// Collection applies to every collection without a rule of its own.
type SizeRule struct {
	Collection string
	MaxBytes   int
}

// DocumentSizeLimiter rejects inserts whose body exceeds the configured limit.
// It runs on PreInsertDocument, so a rejection cancels the write before it
// reaches the WAL.
type DocumentSizeLimiter struct {
	logger       *slog.Logger
	limits       map[string]int
	defaultLimit int
}

func NewDocumentSizeLimiter(logger *slog.Logger, rules []SizeRule) *DocumentSizeLimiter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &DocumentSizeLimiter{
		logger: logger.With("component", "DocumentSizeLimiter"),
		limits: make(map[string]int),
	}
	for _, rule := range rules {
		if rule.Collection == "" {
			l.defaultLimit = rule.MaxBytes
			continue
		}
		l.limits[rule.Collection] = rule.MaxBytes
	}
	return l
}

func (l *DocumentSizeLimiter) limitFor(collection string) int {
	if limit, ok := l.limits[collection]; ok {
		return limit
	}
	return l.defaultLimit
}

// OnEvent handles PreInsertDocument events.
func (l *DocumentSizeLimiter) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreInsertDocument {
		return nil
	}
	payload, ok := event.Payload().(hooks.PreInsertDocumentPayload)
	if !ok || payload.Body == nil {
		return nil
	}

	limit := l.limitFor(payload.Collection)
	if limit <= 0 || len(*payload.Body) <= limit {
		return nil
	}
	l.logger.Warn("Document rejected by size limit",
		"collection", payload.Collection,
		"key", payload.Key,
		"size", len(*payload.Body),
		"limit", limit,
	)
	return &core.ValidationError{
		Field:   "body",
		Value:   payload.Key,
		Message: fmt.Sprintf("document is %d bytes, limit for collection %q is %d", len(*payload.Body), payload.Collection, limit),
	}
}

func (l *DocumentSizeLimiter) Priority() int { return 10 }

func (l *DocumentSizeLimiter) IsAsync() bool { return false }
