package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CreateCollection logs a create marker and registers the collection. Its
// datafiles are created later by the collector.
func (db *DB) CreateCollection(ctx context.Context, name string, wo WriteOptions) (CollectionInfo, error) {
	ctx, span := db.tracer.Start(ctx, "DB.CreateCollection")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", name))

	if err := db.checkReady(); err != nil {
		return CollectionInfo{}, err
	}
	if err := hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPreCreateCollectionEvent(hooks.PreCreateCollectionPayload{Name: &name})); err != nil {
		return CollectionInfo{}, fmt.Errorf("create collection cancelled by hook: %w", err)
	}
	if err := core.ValidateCollectionName(name); err != nil {
		return CollectionInfo{}, err
	}

	db.ddlMu.Lock()
	db.mu.RLock()
	_, exists := db.byName[name]
	db.mu.RUnlock()
	if exists {
		db.ddlMu.Unlock()
		return CollectionInfo{}, fmt.Errorf("%w: %s", core.ErrCollectionExists, name)
	}
	id := db.nextCollectionID
	seq, err := db.wal.Append(ctx, core.NewMarker(core.MarkerCreateCollection, id, []byte(name)))
	if err != nil {
		db.ddlMu.Unlock()
		recordSpanError(span, err)
		return CollectionInfo{}, fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	db.nextCollectionID++
	c := newCollection(id, name, seq)
	err = db.registerCollection(c)
	db.ddlMu.Unlock()
	if err != nil {
		return CollectionInfo{}, err
	}

	db.metrics.CollectionsCreatedTotal.Add(1)
	db.logger.Info("Collection created", "collection", name, "collection_id", id, "seq", seq)
	_ = hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPostCreateCollectionEvent(hooks.CollectionPayload{ID: id, Name: name, SeqNum: seq}))
	if err := db.commit(ctx, seq, wo); err != nil {
		return c.info(), err
	}
	return c.info(), nil
}

// DropCollection logs a drop marker and forgets the collection. The collector
// removes its datafiles once the marker's segment is sealed.
func (db *DB) DropCollection(ctx context.Context, name string, wo WriteOptions) error {
	ctx, span := db.tracer.Start(ctx, "DB.DropCollection")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", name))

	db.ddlMu.Lock()
	c, err := db.collection(name)
	if err != nil {
		db.ddlMu.Unlock()
		return err
	}
	c.mu.Lock()
	seq, err := db.wal.Append(ctx, core.NewMarker(core.MarkerDropCollection, c.ID, nil))
	if err != nil {
		c.mu.Unlock()
		db.ddlMu.Unlock()
		recordSpanError(span, err)
		return fmt.Errorf("failed to drop collection %s: %w", name, err)
	}
	c.dropped = true
	c.lastApplied = seq
	c.mu.Unlock()
	db.unregisterCollection(c.ID)
	db.ddlMu.Unlock()

	db.metrics.CollectionsDroppedTotal.Add(1)
	db.logger.Info("Collection dropped", "collection", name, "collection_id", c.ID, "seq", seq)
	_ = hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPostDropCollectionEvent(hooks.CollectionPayload{ID: c.ID, Name: name, SeqNum: seq}))
	return db.commit(ctx, seq, wo)
}

// Insert stores a new document. The key is taken from the key argument, then
// from the body's _key attribute, and generated when both are empty.
// Inserting an existing key fails with core.ErrUniqueConstraint.
func (db *DB) Insert(ctx context.Context, collection, key string, body []byte, wo WriteOptions) (DocumentMeta, error) {
	start := time.Now()
	ctx, span := db.tracer.Start(ctx, "DB.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.Bool("db.wait_for_sync", wo.WaitForSync))
	db.metrics.InsertTotal.Add(1)

	meta, err := db.insert(ctx, collection, key, body, wo)
	observeLatency(db.metrics.InsertLatencyHist, time.Since(start).Seconds())
	if err != nil {
		db.metrics.InsertErrorsTotal.Add(1)
		recordSpanError(span, err)
	}
	_ = hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPostInsertDocumentEvent(hooks.DocumentPayload{
		Collection: collection, Key: meta.Key, SeqNum: revSeq(meta.Rev), WaitForSync: wo.WaitForSync, Error: err,
	}))
	return meta, err
}

func (db *DB) insert(ctx context.Context, collection, key string, body []byte, wo WriteOptions) (DocumentMeta, error) {
	c, err := db.collection(collection)
	if err != nil {
		return DocumentMeta{}, err
	}
	if err := hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPreInsertDocumentEvent(hooks.PreInsertDocumentPayload{
		Collection: collection, Key: key, Body: &body,
	})); err != nil {
		return DocumentMeta{}, fmt.Errorf("insert cancelled by hook: %w", err)
	}
	bodyKey, err := parseBody(body)
	if err != nil {
		return DocumentMeta{}, err
	}
	if key == "" {
		key = bodyKey
	}
	if key != "" {
		if err := core.ValidateDocumentKey(key); err != nil {
			return DocumentMeta{}, err
		}
	}

	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return DocumentMeta{}, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, collection)
	}
	if key == "" {
		key = db.generateKeyLocked(c)
	} else if _, exists := c.lookupLocked(key); exists {
		c.mu.Unlock()
		return DocumentMeta{Key: key}, fmt.Errorf("%w: key %s in collection %s", core.ErrUniqueConstraint, key, collection)
	}
	seq, err := db.appendAndApplyLocked(ctx, c, core.LogEntry{Type: core.EntryTypeInsert, Key: []byte(key), Value: body})
	c.mu.Unlock()
	if err != nil {
		return DocumentMeta{Key: key}, fmt.Errorf("failed to insert %s/%s: %w", collection, key, err)
	}
	meta := DocumentMeta{Key: key, Rev: formatRev(seq)}
	if err := db.commit(ctx, seq, wo); err != nil {
		return meta, fmt.Errorf("insert of %s/%s not durable: %w", collection, key, err)
	}
	return meta, nil
}

// generateKeyLocked returns an unused numeric key. The generator starts at
// the recovered sequence number so generated keys grow across restarts.
func (db *DB) generateKeyLocked(c *Collection) string {
	for {
		key := strconv.FormatUint(db.keyGen.Add(1), 10)
		if _, exists := c.lookupLocked(key); !exists {
			return key
		}
	}
}

// Update replaces the body of an existing document.
func (db *DB) Update(ctx context.Context, collection, key string, body []byte, wo WriteOptions) (DocumentMeta, error) {
	ctx, span := db.tracer.Start(ctx, "DB.Update")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.String("db.key", key))
	db.metrics.UpdateTotal.Add(1)

	meta, err := db.modify(ctx, collection, key, core.EntryTypeUpdate, body, wo)
	if err != nil {
		recordSpanError(span, err)
	}
	return meta, err
}

// Remove deletes a document.
func (db *DB) Remove(ctx context.Context, collection, key string, wo WriteOptions) (DocumentMeta, error) {
	ctx, span := db.tracer.Start(ctx, "DB.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.String("db.key", key))
	db.metrics.RemoveTotal.Add(1)

	meta, err := db.modify(ctx, collection, key, core.EntryTypeRemove, nil, wo)
	if err != nil {
		recordSpanError(span, err)
	}
	_ = hooks.Trigger(ctx, db.opts.HookManager, hooks.NewPostRemoveDocumentEvent(hooks.DocumentPayload{
		Collection: collection, Key: key, SeqNum: revSeq(meta.Rev), WaitForSync: wo.WaitForSync, Error: err,
	}))
	return meta, err
}

func (db *DB) modify(ctx context.Context, collection, key string, typ core.EntryType, body []byte, wo WriteOptions) (DocumentMeta, error) {
	c, err := db.collection(collection)
	if err != nil {
		return DocumentMeta{}, err
	}
	if typ == core.EntryTypeUpdate {
		if _, err := parseBody(body); err != nil {
			return DocumentMeta{}, err
		}
	}

	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return DocumentMeta{}, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, collection)
	}
	if _, exists := c.lookupLocked(key); !exists {
		c.mu.Unlock()
		return DocumentMeta{Key: key}, fmt.Errorf("%w: %s/%s", core.ErrDocumentNotFound, collection, key)
	}
	seq, err := db.appendAndApplyLocked(ctx, c, core.LogEntry{Type: typ, Key: []byte(key), Value: body})
	c.mu.Unlock()
	if err != nil {
		return DocumentMeta{Key: key}, fmt.Errorf("failed to %s %s/%s: %w", typ, collection, key, err)
	}
	meta := DocumentMeta{Key: key, Rev: formatRev(seq)}
	if err := db.commit(ctx, seq, wo); err != nil {
		return meta, fmt.Errorf("%s of %s/%s not durable: %w", typ, collection, key, err)
	}
	return meta, nil
}

// Truncate removes every document of a collection.
func (db *DB) Truncate(ctx context.Context, collection string, wo WriteOptions) error {
	ctx, span := db.tracer.Start(ctx, "DB.Truncate")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", collection))

	c, err := db.collection(collection)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrCollectionNotFound, collection)
	}
	seq, err := db.appendAndApplyLocked(ctx, c, core.NewMarker(core.MarkerTruncate, c.ID, nil))
	c.mu.Unlock()
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to truncate %s: %w", collection, err)
	}
	db.logger.Info("Collection truncated", "collection", collection, "seq", seq)
	return db.commit(ctx, seq, wo)
}

// appendAndApplyLocked logs e for c and applies it to memory only when the
// append succeeded. The caller holds c.mu.
func (db *DB) appendAndApplyLocked(ctx context.Context, c *Collection, e core.LogEntry) (uint64, error) {
	e.CollectionID = c.ID
	seq, err := db.wal.Append(ctx, e)
	if err != nil {
		return 0, err
	}
	e.SeqNum = seq
	if err := c.applyLocked(e); err != nil {
		return 0, err
	}
	return seq, nil
}

// commit makes a write durable when the caller asked for it.
func (db *DB) commit(ctx context.Context, seq uint64, wo WriteOptions) error {
	if wo.WaitForSync {
		db.metrics.SyncWaitsTotal.Add(1)
	}
	if err := db.wal.Commit(ctx, seq, wo.WaitForSync); err != nil {
		db.metrics.SyncFailuresTotal.Add(1)
		return err
	}
	return nil
}

// Get returns the current version of a document.
func (db *DB) Get(ctx context.Context, collection, key string) (Document, error) {
	_, span := db.tracer.Start(ctx, "DB.Get")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.String("db.key", key))
	db.metrics.GetTotal.Add(1)

	c, err := db.collection(collection)
	if err != nil {
		return Document{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.lookupLocked(key)
	if !ok {
		return Document{}, fmt.Errorf("%w: %s/%s", core.ErrDocumentNotFound, collection, key)
	}
	return Document{DocumentMeta: DocumentMeta{Key: key, Rev: formatRev(doc.rev)}, Body: doc.body}, nil
}

// Count returns the number of documents in a collection.
func (db *DB) Count(collection string) (int, error) {
	c, err := db.collection(collection)
	if err != nil {
		return 0, err
	}
	return c.info().Count, nil
}

// Keys returns up to limit document keys in key order; limit <= 0 returns all.
func (db *DB) Keys(collection string, limit int) ([]string, error) {
	c, err := db.collection(collection)
	if err != nil {
		return nil, err
	}
	return c.keys(limit), nil
}

func revSeq(rev string) uint64 {
	seq, _ := strconv.ParseUint(rev, 10, 64)
	return seq
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		return
	}
	span.SetStatus(codes.Error, err.Error())
}
