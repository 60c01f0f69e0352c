package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryType_IsDocumentOp(t *testing.T) {
	for _, typ := range []EntryType{EntryTypeInsert, EntryTypeUpdate, EntryTypeRemove} {
		assert.True(t, typ.IsDocumentOp(), typ.String())
	}
	for _, typ := range []EntryType{EntryTypeMarker, EntryTypeBatch, EntryType(0)} {
		assert.False(t, typ.IsDocumentOp(), typ.String())
	}
}

func TestLogEntry_Marker(t *testing.T) {
	e := NewMarker(MarkerTruncate, 4, []byte("p"))
	kind, payload, ok := e.Marker()
	assert.True(t, ok)
	assert.Equal(t, MarkerTruncate, kind)
	assert.Equal(t, []byte("p"), payload)

	doc := LogEntry{Type: EntryTypeInsert, Key: []byte("k")}
	_, _, ok = doc.Marker()
	assert.False(t, ok)
}
