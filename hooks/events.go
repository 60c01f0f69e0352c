package hooks

import (
	"time"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Segment store
	EventPreSegmentAllocate  EventType = "PreSegmentAllocate"
	EventPostSegmentAllocate EventType = "PostSegmentAllocate"
	EventPostSegmentSeal     EventType = "PostSegmentSeal"
	EventPostSegmentDelete   EventType = "PostSegmentDelete"

	// WAL manager and syncer
	EventPostWALAppend EventType = "PostWALAppend"
	EventPostWALRotate EventType = "PostWALRotate"
	EventPostWALSync   EventType = "PostWALSync"
	EventPreWALFlush   EventType = "PreWALFlush"
	EventPostWALFlush  EventType = "PostWALFlush"

	// Datafiles and collector
	EventPostDatafileCreate EventType = "PostDatafileCreate"
	EventPostCollectorRun   EventType = "PostCollectorRun"

	// Recovery
	EventPostRecoveryState EventType = "PostRecoveryState"
	EventPostRecovery      EventType = "PostRecovery"

	// Collections and documents
	EventPreCreateCollection  EventType = "PreCreateCollection"
	EventPostCreateCollection EventType = "PostCreateCollection"
	EventPostDropCollection   EventType = "PostDropCollection"
	EventPreInsertDocument    EventType = "PreInsertDocument"
	EventPostInsertDocument   EventType = "PostInsertDocument"
	EventPostRemoveDocument   EventType = "PostRemoveDocument"

	// Engine lifecycle
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"
)

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// NewEvent builds an event of an arbitrary type.
func NewEvent(eventType EventType, payload interface{}) HookEvent {
	return &BaseEvent{eventType: eventType, payload: payload}
}

// SegmentPayload describes a WAL segment for allocation, seal and delete events.
type SegmentPayload struct {
	ID       uint64
	Path     string
	Capacity int64
	// Size is the number of bytes in use (header plus records).
	Size     int64
	FirstSeq uint64
	LastSeq  uint64
	Error    error
}

func NewPreSegmentAllocateEvent(payload SegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPreSegmentAllocate, payload: payload}
}

func NewPostSegmentAllocateEvent(payload SegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentAllocate, payload: payload}
}

func NewPostSegmentSealEvent(payload SegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentSeal, payload: payload}
}

func NewPostSegmentDeleteEvent(payload SegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentDelete, payload: payload}
}

// PostWALAppendPayload contains data after a WAL append operation.
type PostWALAppendPayload struct {
	FirstSeq  uint64
	LastSeq   uint64
	Entries   int
	Bytes     int
	SegmentID uint64
	Error     error
}

func NewPostWALAppendEvent(payload PostWALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALAppend, payload: payload}
}

// PostWALRotatePayload contains information about a WAL rotation.
type PostWALRotatePayload struct {
	OldSegmentID   uint64
	NewSegmentID   uint64
	NewSegmentPath string
}

func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// PostWALSyncPayload reports one group fsync.
type PostWALSyncPayload struct {
	DurabilityMark uint64
	Waiters        int
	Duration       time.Duration
	Error          error
}

func NewPostWALSyncEvent(payload PostWALSyncPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALSync, payload: payload}
}

// WALFlushPayload describes an administrative flush request.
type WALFlushPayload struct {
	WaitForSync      bool
	WaitForCollector bool
	// SealedSegment is the segment sealed by the flush, zero if nothing was sealed.
	SealedSegment  uint64
	DurabilityMark uint64
	Duration       time.Duration
	Error          error
}

func NewPreWALFlushEvent(payload WALFlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPreWALFlush, payload: payload}
}

func NewPostWALFlushEvent(payload WALFlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALFlush, payload: payload}
}

// DatafilePayload describes a newly created collection datafile.
type DatafilePayload struct {
	CollectionID uint64
	DatafileID   uint64
	Path         string
}

func NewPostDatafileCreateEvent(payload DatafilePayload) HookEvent {
	return &BaseEvent{eventType: EventPostDatafileCreate, payload: payload}
}

// PostCollectorRunPayload summarizes one collector pass.
type PostCollectorRunPayload struct {
	Segments     []uint64
	Entries      int
	BytesRead    int64
	BytesWritten int64
	Duration     time.Duration
	Error        error
}

func NewPostCollectorRunEvent(payload PostCollectorRunPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCollectorRun, payload: payload}
}

// RecoveryStatePayload is fired on every recovery state transition.
type RecoveryStatePayload struct {
	From  string
	To    string
	Error error
}

func NewPostRecoveryStateEvent(payload RecoveryStatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecoveryState, payload: payload}
}

// PostRecoveryPayload contains information about a completed recovery.
type PostRecoveryPayload struct {
	State           string
	SegmentsScanned int
	EntriesReplayed int
	EntriesSkipped  int
	TruncatedBytes  int64
	LastSeq         uint64
	Duration        time.Duration
	Error           error
}

func NewPostRecoveryEvent(payload PostRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

// PreCreateCollectionPayload lets listeners veto or rename a new collection.
type PreCreateCollectionPayload struct {
	Name *string
}

func NewPreCreateCollectionEvent(payload PreCreateCollectionPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCreateCollection, payload: payload}
}

// CollectionPayload describes a created or dropped collection.
type CollectionPayload struct {
	ID     uint64
	Name   string
	SeqNum uint64
}

func NewPostCreateCollectionEvent(payload CollectionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCreateCollection, payload: payload}
}

func NewPostDropCollectionEvent(payload CollectionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostDropCollection, payload: payload}
}

// PreInsertDocumentPayload lets listeners inspect or reject a document before
// it is logged. Body points at the JSON body so a listener may rewrite it.
type PreInsertDocumentPayload struct {
	Collection string
	Key        string
	Body       *[]byte
}

func NewPreInsertDocumentEvent(payload PreInsertDocumentPayload) HookEvent {
	return &BaseEvent{eventType: EventPreInsertDocument, payload: payload}
}

// DocumentPayload describes a document write after it was logged.
type DocumentPayload struct {
	Collection  string
	Key         string
	SeqNum      uint64
	WaitForSync bool
	Error       error
}

func NewPostInsertDocumentEvent(payload DocumentPayload) HookEvent {
	return &BaseEvent{eventType: EventPostInsertDocument, payload: payload}
}

func NewPostRemoveDocumentEvent(payload DocumentPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRemoveDocument, payload: payload}
}

// EngineLifecyclePayload is used for engine start/close events.
type EngineLifecyclePayload struct {
	DataDir string
}

func NewPreStartEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreStartEngine, payload: payload}
}

func NewPostStartEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: payload}
}

func NewPreCloseEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: payload}
}

func NewPostCloseEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: payload}
}
