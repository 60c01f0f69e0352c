package core

import "fmt"

// EntryType defines the type of an entry in the WAL or a collection datafile.
type EntryType byte

const (
	// EntryTypeInsert creates a new document.
	EntryTypeInsert EntryType = 'I'
	// EntryTypeUpdate replaces the body of an existing document.
	EntryTypeUpdate EntryType = 'U'
	// EntryTypeRemove is a tombstone for a single document.
	EntryTypeRemove EntryType = 'R'
	// EntryTypeMarker carries a structural event. The kind is the first byte of the value.
	EntryTypeMarker EntryType = 'M'
	// EntryTypeBatch groups several entries into a single atomic WAL record.
	EntryTypeBatch EntryType = 'B'
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeInsert:
		return "insert"
	case EntryTypeUpdate:
		return "update"
	case EntryTypeRemove:
		return "remove"
	case EntryTypeMarker:
		return "marker"
	case EntryTypeBatch:
		return "batch"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// IsDocumentOp reports whether the entry mutates a document.
func (t EntryType) IsDocumentOp() bool {
	return t == EntryTypeInsert || t == EntryTypeUpdate || t == EntryTypeRemove
}

// MarkerKind identifies the structural event a marker entry records.
type MarkerKind byte

const (
	MarkerCreateCollection MarkerKind = 'c'
	MarkerDropCollection   MarkerKind = 'd'
	MarkerTruncate         MarkerKind = 't'
	// MarkerSeal is the last record of a sealed segment.
	MarkerSeal MarkerKind = 's'
)

// LogEntry is a single operation recorded in the WAL. It is immutable once appended.
type LogEntry struct {
	SeqNum       uint64
	Type         EntryType
	CollectionID uint64
	Key          []byte
	Value        []byte

	// SegmentID is filled in by readers and is not part of the encoding.
	SegmentID uint64
}

// NewMarker builds a marker entry whose value starts with the marker kind.
func NewMarker(kind MarkerKind, collectionID uint64, payload []byte) LogEntry {
	value := make([]byte, 0, len(payload)+1)
	value = append(value, byte(kind))
	value = append(value, payload...)
	return LogEntry{Type: EntryTypeMarker, CollectionID: collectionID, Value: value}
}

// Marker returns the marker kind and payload of a marker entry.
func (e *LogEntry) Marker() (MarkerKind, []byte, bool) {
	if e.Type != EntryTypeMarker || len(e.Value) == 0 {
		return 0, nil, false
	}
	return MarkerKind(e.Value[0]), e.Value[1:], true
}
