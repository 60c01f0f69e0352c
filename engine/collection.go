package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/skiplist"
)

// document is the newest version of a key. Removed documents stay in the
// skiplist as tombstones because the list has no delete.
type document struct {
	rev     uint64
	body    []byte
	removed bool
}

// Collection is the in-memory state of a collection: its live documents and
// the highest sequence number applied to them.
type Collection struct {
	ID   uint64
	Name string

	mu          sync.RWMutex
	docs        *skiplist.SkipList[string, *document]
	count       int
	lastApplied uint64
	dropped     bool
}

// CollectionInfo is a snapshot of a collection's properties.
type CollectionInfo struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	Count       int    `json:"count"`
	LastApplied uint64 `json:"lastApplied"`
}

// DocumentMeta identifies a document version.
type DocumentMeta struct {
	Key string `json:"_key"`
	Rev string `json:"_rev"`
}

// Document is a stored document. Body is the JSON object as it was written.
type Document struct {
	DocumentMeta
	Body json.RawMessage
}

// MarshalJSON merges _key and _rev into the body object.
func (d Document) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(d.Body) > 0 {
		if err := json.Unmarshal(d.Body, &fields); err != nil {
			return nil, err
		}
	}
	fields["_key"], _ = json.Marshal(d.Key)
	fields["_rev"], _ = json.Marshal(d.Rev)
	return json.Marshal(fields)
}

func formatRev(seq uint64) string { return strconv.FormatUint(seq, 10) }

func newCollection(id uint64, name string, seq uint64) *Collection {
	return &Collection{
		ID:          id,
		Name:        name,
		docs:        skiplist.NewWithComparator[string, *document](strings.Compare),
		lastApplied: seq,
	}
}

func (c *Collection) info() CollectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CollectionInfo{ID: c.ID, Name: c.Name, Count: c.count, LastApplied: c.lastApplied}
}

func (c *Collection) appliedSeq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastApplied
}

// lookupLocked returns the live document stored under key.
func (c *Collection) lookupLocked(key string) (*document, bool) {
	node, ok := c.docs.Seek(key)
	if !ok || node.Key() != key {
		return nil, false
	}
	doc := node.Value()
	if doc.removed {
		return nil, false
	}
	return doc, true
}

// applyLocked applies a logged entry. Entries at or below lastApplied were
// applied before and are ignored.
func (c *Collection) applyLocked(e core.LogEntry) error {
	if e.SeqNum <= c.lastApplied {
		return nil
	}
	switch {
	case e.Type.IsDocumentOp():
		c.applyDocumentLocked(e)
	case e.Type == core.EntryTypeMarker:
		kind, _, _ := e.Marker()
		switch kind {
		case core.MarkerTruncate:
			c.docs = skiplist.NewWithComparator[string, *document](strings.Compare)
			c.count = 0
		case core.MarkerCreateCollection:
		default:
			return fmt.Errorf("unexpected %q marker for collection %d", byte(kind), c.ID)
		}
	default:
		return fmt.Errorf("unknown entry type %s for collection %d", e.Type, c.ID)
	}
	c.lastApplied = e.SeqNum
	return nil
}

func (c *Collection) applyDocumentLocked(e core.LogEntry) {
	key := string(e.Key)
	_, exists := c.lookupLocked(key)
	if e.Type == core.EntryTypeRemove {
		if exists {
			c.count--
			c.docs.Insert(key, &document{rev: e.SeqNum, removed: true})
		}
		return
	}
	if !exists {
		c.count++
	}
	c.docs.Insert(key, &document{rev: e.SeqNum, body: e.Value})
}

// keys returns the live document keys in order.
func (c *Collection) keys(limit int) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, min(c.count, max(limit, 0)))
	c.docs.Range(func(key string, doc *document) bool {
		if doc.removed {
			return true
		}
		out = append(out, key)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// parseBody checks that body is a JSON object and returns the _key it
// carries, if any.
func parseBody(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", &core.ValidationError{Field: "body", Value: abbreviate(trimmed), Message: "document must be a JSON object"}
	}
	var meta struct {
		Key *string `json:"_key"`
	}
	if err := json.Unmarshal(trimmed, &meta); err != nil {
		return "", &core.ValidationError{Field: "body", Value: abbreviate(trimmed), Message: err.Error()}
	}
	if meta.Key == nil {
		return "", nil
	}
	return *meta.Key, nil
}

func abbreviate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}
