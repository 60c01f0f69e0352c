package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/nexusdoc/compressors"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/failpoint"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/sys"
	"github.com/shirou/gopsutil/v3/disk"
)

// StoreOptions configures a SegmentStore.
type StoreOptions struct {
	Dir         string
	SegmentSize int64
	Compression core.CompressionType
	// MinFreeBytes is kept free on the volume in addition to a new segment's capacity.
	MinFreeBytes uint64
	// VerifyWrites reads every record back after writing it.
	VerifyWrites bool
	FailPoints   *failpoint.Registry
	HookManager  hooks.HookManager
	Logger       *slog.Logger
	// FreeSpace reports free bytes on the volume holding dir. Defaults to gopsutil.
	FreeSpace func(dir string) (uint64, error)
}

// SegmentStore owns the segment files of one WAL directory. Segments live in
// an arena ordered by id; at most one of them, the one at the active index,
// is writable.
type SegmentStore struct {
	dir        string
	opts       StoreOptions
	compressor core.Compressor
	logger     *slog.Logger

	mu       sync.Mutex
	segments []*Segment
	active   int
	nextID   uint64
	closed   bool
	onSeal   func(SegmentInfo)
	onRotate func(oldID, newID uint64)
}

func diskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// OpenSegmentStore loads the segment files found in opts.Dir. Segments left
// by a previous process are treated as sealed; new writes always go to a
// freshly allocated segment.
func OpenSegmentStore(opts StoreOptions) (*SegmentStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = core.WALMaxSegmentSize
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = diskFree
	}
	compressor, err := compressors.ForType(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	s := &SegmentStore{
		dir:        opts.Dir,
		opts:       opts,
		compressor: compressor,
		logger:     opts.Logger.With("component", "SegmentStore"),
		active:     -1,
		nextID:     1,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SegmentStore) load() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", s.dir, err)
	}
	seen := make(map[uint64]string)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		id, err := core.ParseSegmentFileName(file.Name())
		if err != nil {
			continue
		}
		if prev, dup := seen[id]; dup {
			return &core.CorruptionError{SegmentID: id, Reason: fmt.Sprintf("duplicate segment id in %s and %s", prev, file.Name())}
		}
		seen[id] = file.Name()

		info, err := file.Info()
		if err != nil {
			return fmt.Errorf("failed to stat segment %s: %w", file.Name(), err)
		}
		s.segments = append(s.segments, &Segment{
			ID:       id,
			Path:     filepath.Join(s.dir, file.Name()),
			Capacity: s.opts.SegmentSize,
			Offset:   info.Size(),
			State:    SegmentSealed,
		})
	}
	sort.Slice(s.segments, func(i, j int) bool { return s.segments[i].ID < s.segments[j].ID })
	if n := len(s.segments); n > 0 {
		s.nextID = s.segments[n-1].ID + 1
	}
	s.logger.Info("Loaded WAL segments", "dir", s.dir, "count", len(s.segments), "next_id", s.nextID)
	return nil
}

// Dir returns the WAL directory.
func (s *SegmentStore) Dir() string { return s.dir }

// Compression returns the compression used for new segments.
func (s *SegmentStore) Compression() core.CompressionType { return s.compressor.Type() }

// SetNextID makes sure new segments get ids of at least id. Recovery uses it
// so that ids never go back below segments already collected and deleted.
func (s *SegmentStore) SetNextID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.nextID {
		s.nextID = id
	}
}

// Allocate creates a new segment and makes it the writable one.
func (s *SegmentStore) Allocate() (SegmentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SegmentInfo{}, core.ErrClosed
	}
	if s.active >= 0 {
		return SegmentInfo{}, fmt.Errorf("segment %d is still writable", s.segments[s.active].ID)
	}
	seg, err := s.allocateLocked()
	if err != nil {
		return SegmentInfo{}, err
	}
	return seg.info(), nil
}

// Writable returns the writable segment, allocating one if there is none.
func (s *SegmentStore) Writable() (SegmentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SegmentInfo{}, core.ErrClosed
	}
	seg, err := s.writableLocked()
	if err != nil {
		return SegmentInfo{}, err
	}
	return seg.info(), nil
}

// Seal makes the segment immutable. Sealing the writable segment leaves the
// store without one until the next call to Writable.
func (s *SegmentStore) Seal(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg := s.findLocked(id)
	if seg == nil {
		return fmt.Errorf("segment %d not found", id)
	}
	return s.sealLocked(seg)
}

// SealActive seals the writable segment if it holds entries and returns its
// final state. ok is false when there was nothing to seal.
func (s *SegmentStore) SealActive() (info SegmentInfo, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active < 0 {
		return SegmentInfo{}, false, nil
	}
	seg := s.segments[s.active]
	if seg.Entries == 0 {
		return SegmentInfo{}, false, nil
	}
	err = s.sealLocked(seg)
	return seg.info(), true, err
}

// List returns every known segment in id order, including partially written ones.
func (s *SegmentStore) List() []SegmentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SegmentInfo, len(s.segments))
	for i, seg := range s.segments {
		out[i] = seg.info()
	}
	return out
}

// Get returns the segment with the given id.
func (s *SegmentStore) Get(id uint64) (SegmentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg := s.findLocked(id); seg != nil {
		return seg.info(), true
	}
	return SegmentInfo{}, false
}

// MarkCollectible records that every entry of a sealed segment is reflected
// in datafiles.
func (s *SegmentStore) MarkCollectible(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg := s.findLocked(id)
	if seg == nil {
		return fmt.Errorf("segment %d not found", id)
	}
	switch seg.State {
	case SegmentCollectible:
		return nil
	case SegmentSealed:
		seg.State = SegmentCollectible
		s.logger.Debug("Segment is collectible", "segment_id", id)
		return nil
	default:
		return fmt.Errorf("segment %d is %s and cannot become collectible", id, seg.State)
	}
}

// Delete removes a collectible segment from disk.
func (s *SegmentStore) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("segment %d not found", id)
	}
	seg := s.segments[idx]
	if seg.State != SegmentCollectible {
		return fmt.Errorf("segment %d is %s and cannot be deleted", id, seg.State)
	}
	return s.removeLocked(idx)
}

// Discard removes a segment that holds no usable data, such as a file left
// behind by a crash during allocation. It bypasses the lifecycle and is only
// meant for recovery.
func (s *SegmentStore) Discard(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("segment %d not found", id)
	}
	if idx == s.active {
		return fmt.Errorf("segment %d is writable", id)
	}
	return s.removeLocked(idx)
}

// TruncateTail cuts a non-writable segment at size, dropping a torn record.
func (s *SegmentStore) TruncateTail(id uint64, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg := s.findLocked(id)
	if seg == nil {
		return fmt.Errorf("segment %d not found", id)
	}
	if seg.State == SegmentWritable {
		return fmt.Errorf("segment %d is writable", id)
	}
	if err := TruncateSegment(seg.Path, size); err != nil {
		return err
	}
	s.logger.Warn("Truncated torn tail of segment", "segment_id", id, "old_size", seg.Offset, "new_size", size)
	seg.Offset = size
	return nil
}

// SetSegmentRange records the sequence range found in a segment by recovery.
func (s *SegmentStore) SetSegmentRange(id uint64, first, last uint64, entries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg := s.findLocked(id); seg != nil {
		seg.FirstSeq, seg.LastSeq, seg.Entries = first, last, entries
	}
}

// Close seals the writable segment if it holds entries and removes it if it
// is empty.
func (s *SegmentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.active < 0 {
		return nil
	}
	seg := s.segments[s.active]
	if seg.Entries > 0 {
		return s.sealLocked(seg)
	}
	s.active = -1
	if err := seg.close(); err != nil {
		s.logger.Error("Failed to close empty segment", "segment_id", seg.ID, "error", err)
	}
	return s.removeLocked(s.indexLocked(seg.ID))
}

// Crash drops every file handle without sealing or syncing.
func (s *SegmentStore) Crash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, seg := range s.segments {
		seg.drop()
	}
	s.active = -1
}

func (s *SegmentStore) findLocked(id uint64) *Segment {
	if idx := s.indexLocked(id); idx >= 0 {
		return s.segments[idx]
	}
	return nil
}

func (s *SegmentStore) indexLocked(id uint64) int {
	idx := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].ID >= id })
	if idx < len(s.segments) && s.segments[idx].ID == id {
		return idx
	}
	return -1
}

func (s *SegmentStore) removeLocked(idx int) error {
	seg := s.segments[idx]
	_ = seg.close()
	if err := sys.Remove(seg.Path); err != nil {
		return fmt.Errorf("failed to remove segment %s: %w", seg.Path, err)
	}
	seg.State = SegmentDeleted
	s.segments = append(s.segments[:idx], s.segments[idx+1:]...)
	switch {
	case s.active == idx:
		s.active = -1
	case s.active > idx:
		s.active--
	}
	segmentsDeleted.Add(1)
	s.logger.Info("Deleted WAL segment", "segment_id", seg.ID, "path", seg.Path)
	_ = hooks.Trigger(context.Background(), s.opts.HookManager, hooks.NewPostSegmentDeleteEvent(hooks.SegmentPayload{
		ID: seg.ID, Path: seg.Path, Capacity: seg.Capacity, Size: seg.Offset, FirstSeq: seg.FirstSeq, LastSeq: seg.LastSeq,
	}))
	return nil
}

func (s *SegmentStore) writableLocked() (*Segment, error) {
	if s.active >= 0 {
		return s.segments[s.active], nil
	}
	if err := s.opts.FailPoints.Check(failpoint.GetWritableLogfile, core.ErrNoWritableSegment); err != nil {
		return nil, err
	}
	seg, err := s.allocateLocked()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrNoWritableSegment, err)
	}
	return seg, nil
}

func (s *SegmentStore) allocateLocked() (*Segment, error) {
	id := s.nextID
	path := filepath.Join(s.dir, core.FormatSegmentFileName(id))
	payload := hooks.SegmentPayload{ID: id, Path: path, Capacity: s.opts.SegmentSize}

	fail := func(err error) (*Segment, error) {
		allocationFailures.Add(1)
		payload.Error = err
		s.logger.Warn("WAL segment allocation failed", "segment_id", id, "error", err)
		_ = hooks.Trigger(context.Background(), s.opts.HookManager, hooks.NewPostSegmentAllocateEvent(payload))
		return nil, err
	}

	if err := hooks.Trigger(context.Background(), s.opts.HookManager, hooks.NewPreSegmentAllocateEvent(payload)); err != nil {
		return fail(fmt.Errorf("%w: %v", core.ErrAllocationFailure, err))
	}
	if err := s.opts.FailPoints.Check(failpoint.CreateLogfile, core.ErrAllocationFailure); err != nil {
		return fail(err)
	}
	need := uint64(s.opts.SegmentSize) + s.opts.MinFreeBytes
	if free, err := s.opts.FreeSpace(s.dir); err != nil {
		s.logger.Debug("Could not determine free disk space", "dir", s.dir, "error", err)
	} else if free < need {
		return fail(fmt.Errorf("%w: %d bytes free, %d needed for segment %d", core.ErrAllocationFailure, free, need, id))
	}

	f, err := createSegmentFile(path, s.opts.SegmentSize, s.compressor.Type())
	if err != nil {
		return fail(fmt.Errorf("%w: %v", core.ErrAllocationFailure, err))
	}
	if err := sys.SyncDir(s.dir); err != nil {
		s.logger.Warn("Failed to sync WAL directory", "dir", s.dir, "error", err)
	}

	seg := &Segment{
		ID:          id,
		Path:        path,
		Capacity:    s.opts.SegmentSize,
		Offset:      core.FileHeaderSize,
		State:       SegmentWritable,
		compression: s.compressor.Type(),
		file:        f,
	}
	s.segments = append(s.segments, seg)
	s.active = len(s.segments) - 1
	s.nextID = id + 1
	segmentsAllocated.Add(1)
	s.logger.Info("Allocated WAL segment", "segment_id", id, "path", path, "capacity", seg.Capacity)
	_ = hooks.Trigger(context.Background(), s.opts.HookManager, hooks.NewPostSegmentAllocateEvent(payload))
	return seg, nil
}

// sealLocked writes the seal marker, syncs and closes the segment. The
// segment is sealed even when that fails, since a failed fsync leaves the
// page cache state unknown and the file must not take more writes.
func (s *SegmentStore) sealLocked(seg *Segment) error {
	if seg.State != SegmentWritable {
		return nil
	}
	var werr error
	if seg.file != nil {
		marker := core.NewMarker(core.MarkerSeal, 0, sealPayload(seg))
		frame, _, err := encodeFrame(nil, nil, []core.LogEntry{marker}, s.compressor)
		if err == nil {
			err = seg.writeFrame(frame, false)
		}
		if err == nil {
			seg.Offset += int64(len(frame))
		}
		werr = err
	}
	serr := seg.sync()
	if cerr := seg.close(); cerr != nil && serr == nil {
		serr = cerr
	}

	seg.State = SegmentSealed
	if s.active >= 0 && s.segments[s.active] == seg {
		s.active = -1
	}
	segmentsSealed.Add(1)

	payload := hooks.SegmentPayload{
		ID: seg.ID, Path: seg.Path, Capacity: seg.Capacity, Size: seg.Offset,
		FirstSeq: seg.FirstSeq, LastSeq: seg.LastSeq,
	}
	if serr != nil {
		payload.Error = serr
		_ = hooks.Trigger(context.Background(), s.opts.HookManager, hooks.NewPostSegmentSealEvent(payload))
		return fmt.Errorf("%w: sync of sealed segment %d: %v", core.ErrFlushFailure, seg.ID, serr)
	}
	if werr != nil {
		// The data before the marker is synced; only the marker is missing.
		s.logger.Warn("Sealed segment without seal marker", "segment_id", seg.ID, "error", werr)
	}
	s.logger.Info("Sealed WAL segment", "segment_id", seg.ID, "first_seq", seg.FirstSeq, "last_seq", seg.LastSeq, "entries", seg.Entries, "size", seg.Offset)
	if s.onSeal != nil {
		s.onSeal(seg.info())
	}
	_ = hooks.Trigger(context.Background(), s.opts.HookManager, hooks.NewPostSegmentSealEvent(payload))
	return nil
}

func sealPayload(seg *Segment) []byte {
	buf := binary.AppendUvarint(nil, seg.LastSeq)
	return binary.AppendUvarint(buf, uint64(seg.Entries))
}

// appendFrame writes frame to the writable segment, rotating first when the
// frame does not fit. It is the only path that writes records.
func (s *SegmentStore) appendFrame(frame []byte, first, last uint64, entries int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, core.ErrClosed
	}
	if int64(len(frame)) > s.opts.SegmentSize-core.FileHeaderSize-sealReserve {
		return 0, fmt.Errorf("%w: record of %d bytes, segment capacity %d", core.ErrRecordTooLarge, len(frame), s.opts.SegmentSize)
	}

	seg, err := s.writableLocked()
	if err != nil {
		return 0, err
	}
	if seg.Entries > 0 && int64(len(frame)) > seg.remaining() {
		oldID := seg.ID
		if err := s.sealLocked(seg); err != nil {
			return 0, err
		}
		if seg, err = s.writableLocked(); err != nil {
			return 0, err
		}
		rotations.Add(1)
		if s.onRotate != nil {
			s.onRotate(oldID, seg.ID)
		}
	}

	if err := seg.writeFrame(frame, s.opts.VerifyWrites); err != nil {
		if errors.Is(err, errTruncateFailed) {
			s.abandonLocked(seg, len(frame))
		}
		return 0, err
	}
	seg.Offset += int64(len(frame))
	if seg.FirstSeq == 0 {
		seg.FirstSeq = first
	}
	seg.LastSeq = last
	seg.Entries += entries
	return seg.ID, nil
}

// abandonLocked retires a segment whose tail holds a partial record that
// could not be truncated. The partial bytes are zeroed so a reader sees a
// clean end of data, and no seal marker is written after them.
func (s *SegmentStore) abandonLocked(seg *Segment, n int) {
	if _, err := seg.file.WriteAt(make([]byte, n), seg.Offset); err != nil {
		s.logger.Error("Could not clear partial record; the segment will fail recovery", "segment_id", seg.ID, "offset", seg.Offset, "error", err)
	}
	_ = seg.sync()
	_ = seg.close()
	seg.State = SegmentSealed
	if s.active >= 0 && s.segments[s.active] == seg {
		s.active = -1
	}
	s.logger.Error("Abandoned WAL segment after failed write", "segment_id", seg.ID, "offset", seg.Offset)
}

// syncActive fsyncs the writable segment.
func (s *SegmentStore) syncActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active < 0 {
		return nil
	}
	return s.segments[s.active].sync()
}
