// Package datafile stores the at-rest form of collections. Each collection
// owns a directory of datafiles holding its entries in sequence order. The
// directory and its first datafile are created the first time the collector
// writes to the collection.
package datafile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/failpoint"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/sys"
)

// DefaultMaxFileSize is the size after which a collection starts a new datafile.
const DefaultMaxFileSize = 64 * 1024 * 1024

// Options configures a Store.
type Options struct {
	// Dir is the root directory holding one subdirectory per collection.
	Dir         string
	MaxFileSize int64
	FailPoints  *failpoint.Registry
	HookManager hooks.HookManager
	Logger      *slog.Logger
}

// Store manages the datafiles of every collection.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	collections map[uint64]*collection
	closed      bool
}

// collection holds the files of one collection. Its own mutex lets the
// collector write to different collections in parallel.
type collection struct {
	mu       sync.Mutex
	id       uint64
	dir      string
	fileIDs  []uint64
	active   sys.FileHandle
	activeID uint64
	size     int64
	lastSeq  uint64
	// loaded is set once lastSeq reflects the files on disk.
	loaded  bool
	dropped bool
}

// LoadResult summarizes what Load read for a collection.
type LoadResult struct {
	Files          int
	Entries        int
	LastSeq        uint64
	TruncatedBytes int64
}

// Open scans opts.Dir for existing collection directories. No file is
// created until the first Append.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create datafile directory %s: %w", opts.Dir, err)
	}
	s := &Store{
		dir:         opts.Dir,
		opts:        opts,
		logger:      opts.Logger.With("component", "DatafileStore"),
		collections: make(map[uint64]*collection),
	}
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read datafile directory %s: %w", opts.Dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := parseCollectionDirName(e.Name())
		if !ok {
			continue
		}
		c := &collection{id: id, dir: filepath.Join(opts.Dir, e.Name())}
		if c.fileIDs, err = listDatafiles(c.dir); err != nil {
			return nil, err
		}
		s.collections[id] = c
	}
	s.logger.Info("Datafile store opened", "dir", opts.Dir, "collections", len(s.collections))
	return s, nil
}

func parseCollectionDirName(name string) (uint64, bool) {
	const prefix = "collection-"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 64)
	return id, err == nil
}

func listDatafiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection directory %s: %w", dir, err)
	}
	var ids []uint64
	for _, e := range entries {
		if id, err := core.ParseDatafileName(e.Name()); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Collections returns the ids of collections that have datafiles on disk.
func (s *Store) Collections() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.collections))
	for id, c := range s.collections {
		if !c.dropped && len(c.fileIDs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LastSeq returns the highest sequence number stored for a collection.
func (s *Store) LastSeq(collectionID uint64) uint64 {
	c := s.get(collectionID, false)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

func (s *Store) get(id uint64, create bool) *collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if (!ok || c.dropped) && create {
		c = &collection{id: id, dir: filepath.Join(s.dir, core.FormatCollectionDirName(id))}
		s.collections[id] = c
	}
	return c
}

// Load reads every datafile of a collection in order and calls fn for each
// entry. A record cut short at the end of the last datafile is truncated
// away; any other damage is returned as a *core.CorruptionError.
func (s *Store) Load(collectionID uint64, fn func(core.LogEntry) error) (LoadResult, error) {
	var res LoadResult
	c := s.get(collectionID, false)
	if c == nil {
		return res, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.loadLocked(c, fn)
}

func (s *Store) loadLocked(c *collection, fn func(core.LogEntry) error) (LoadResult, error) {
	var res LoadResult
	collectionID := c.id
	for i, fileID := range c.fileIDs {
		path := filepath.Join(c.dir, core.FormatDatafileName(fileID))
		last := i == len(c.fileIDs)-1
		validEnd, size, err := readDatafile(path, fileID, func(e core.LogEntry) error {
			if e.SeqNum <= res.LastSeq && res.Entries > 0 {
				return &core.CorruptionError{SegmentID: fileID, Reason: fmt.Sprintf("sequence %d after %d in datafile %s", e.SeqNum, res.LastSeq, path)}
			}
			res.LastSeq = e.SeqNum
			res.Entries++
			if fn != nil {
				return fn(e)
			}
			return nil
		})
		res.Files++
		if err != nil {
			return res, err
		}
		if validEnd < size {
			if !last {
				return res, &core.CorruptionError{SegmentID: fileID, Offset: validEnd, Reason: "torn record in datafile " + path + " that is not the newest"}
			}
			if err := truncateFile(path, validEnd); err != nil {
				return res, err
			}
			res.TruncatedBytes = size - validEnd
			s.logger.Warn("Truncated torn tail of datafile", "collection_id", collectionID, "path", path, "bytes", size-validEnd)
		}
	}
	if res.LastSeq > c.lastSeq {
		c.lastSeq = res.LastSeq
	}
	c.loaded = true
	return res, nil
}

// readDatafile validates and decodes every record of one datafile. It
// returns the offset after the last intact record; a torn tail is reported
// through that offset and is not an error.
func readDatafile(path string, fileID uint64, fn func(core.LogEntry) error) (validEnd, size int64, err error) {
	f, err := sys.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open datafile %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read datafile %s: %w", path, err)
	}
	size = int64(len(data))
	if size < core.FileHeaderSize {
		// Crash while the file was being created.
		return 0, size, nil
	}
	if _, err := core.ReadFileHeader(bytes.NewReader(data[:core.FileHeaderSize]), core.DatafileMagicNumber); err != nil {
		return 0, size, &core.CorruptionError{SegmentID: fileID, Reason: "bad datafile header in " + path, Err: err}
	}

	pos := core.FileHeaderSize
	for {
		validEnd = pos
		if pos == size {
			return validEnd, size, nil
		}
		if core.AllZero(data[pos:]) || size-pos < core.RecordHeaderSize {
			return validEnd, size, nil
		}
		hdr, ok := core.ParseRecordHeader(data[pos:])
		if !ok {
			if core.AllZero(data[pos+core.RecordHeaderSize:]) {
				return validEnd, size, nil
			}
			return validEnd, size, &core.CorruptionError{SegmentID: fileID, Offset: pos, Reason: "record header checksum mismatch in datafile " + path, Err: core.ErrChecksumFailure}
		}
		end := pos + core.RecordHeaderSize + int64(hdr.Length)
		if end > size {
			return validEnd, size, nil
		}
		payload := data[pos+core.RecordHeaderSize : end]
		if core.RecordChecksum(payload) != hdr.PayloadSum {
			if core.AllZero(data[end:]) {
				return validEnd, size, nil
			}
			return validEnd, size, &core.CorruptionError{SegmentID: fileID, Offset: pos, Reason: "checksum mismatch in datafile " + path, Err: core.ErrChecksumFailure}
		}
		e, n, err := core.DecodeEntry(payload)
		if err != nil || n != len(payload) {
			return validEnd, size, &core.CorruptionError{SegmentID: fileID, Offset: pos, Reason: "undecodable record in datafile " + path, Err: err}
		}
		if err := fn(e); err != nil {
			return validEnd, size, err
		}
		pos = end
	}
}

func truncateFile(path string, size int64) error {
	f, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate datafile %s: %w", path, err)
	}
	return f.Sync()
}

// Append writes entries, all belonging to one collection and in sequence
// order, to the collection's newest datafile. The collection directory and
// datafile are created on first use. Entries already stored are skipped, so
// copying the same segment twice is harmless. It returns the bytes written.
func (s *Store) Append(collectionID uint64, entries []core.LogEntry) (int64, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, core.ErrClosed
	}
	c := s.get(collectionID, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		if _, err := s.loadLocked(c, nil); err != nil {
			return 0, err
		}
	}

	var buf, payload []byte
	last := c.lastSeq
	for i := range entries {
		e := &entries[i]
		if e.CollectionID != collectionID {
			return 0, fmt.Errorf("entry %d belongs to collection %d, not %d", e.SeqNum, e.CollectionID, collectionID)
		}
		if e.SeqNum <= last {
			continue
		}
		payload = core.AppendEntry(payload[:0], e)
		buf = core.AppendRecordHeader(buf, payload)
		buf = append(buf, payload...)
		last = e.SeqNum
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if c.active != nil && c.size+int64(len(buf)) > s.opts.MaxFileSize && c.size > core.FileHeaderSize {
		if err := c.closeActive(); err != nil {
			return 0, err
		}
		if err := s.createDatafile(c); err != nil {
			return 0, err
		}
	}
	if c.active == nil {
		if err := s.openActive(c); err != nil {
			return 0, err
		}
	}
	if _, err := c.active.WriteAt(buf, c.size); err != nil {
		if terr := c.active.Truncate(c.size); terr != nil {
			s.logger.Error("Failed to truncate datafile after write error", "collection_id", collectionID, "error", terr)
		}
		return 0, fmt.Errorf("failed to write datafile for collection %d: %w", collectionID, err)
	}
	c.size += int64(len(buf))
	c.lastSeq = last
	return int64(len(buf)), nil
}

// openActive opens the newest datafile for appending, or creates one.
func (s *Store) openActive(c *collection) error {
	if n := len(c.fileIDs); n > 0 {
		id := c.fileIDs[n-1]
		path := filepath.Join(c.dir, core.FormatDatafileName(id))
		f, err := sys.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("failed to open datafile %s: %w", path, err)
		}
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		if stat.Size() >= core.FileHeaderSize && stat.Size() < s.opts.MaxFileSize {
			c.active, c.activeID, c.size = f, id, stat.Size()
			return nil
		}
		f.Close()
	}
	return s.createDatafile(c)
}

func (s *Store) createDatafile(c *collection) error {
	var id uint64 = 1
	if n := len(c.fileIDs); n > 0 {
		id = c.fileIDs[n-1] + 1
	}
	path := filepath.Join(c.dir, core.FormatDatafileName(id))
	if err := s.opts.FailPoints.Check(failpoint.CreateDatafile, core.ErrAllocationFailure); err != nil {
		s.logger.Warn("Datafile creation failed", "collection_id", c.id, "path", path, "error", err)
		return err
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("%w: create collection directory %s: %v", core.ErrAllocationFailure, c.dir, err)
	}
	f, err := sys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: create datafile %s: %v", core.ErrAllocationFailure, path, err)
	}
	var hb bytes.Buffer
	header := core.NewFileHeader(core.DatafileMagicNumber, core.CompressionNone)
	_ = binary.Write(&hb, binary.LittleEndian, &header)
	if _, err := f.WriteAt(hb.Bytes(), 0); err != nil {
		f.Close()
		_ = sys.Remove(path)
		return fmt.Errorf("%w: write datafile header %s: %v", core.ErrAllocationFailure, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = sys.Remove(path)
		return fmt.Errorf("%w: sync datafile %s: %v", core.ErrAllocationFailure, path, err)
	}
	if err := sys.SyncDir(c.dir); err != nil {
		s.logger.Warn("Failed to sync collection directory", "dir", c.dir, "error", err)
	}
	c.fileIDs = append(c.fileIDs, id)
	c.active, c.activeID, c.size = f, id, core.FileHeaderSize
	s.logger.Info("Created datafile", "collection_id", c.id, "path", path)
	_ = hooks.Trigger(context.Background(), s.opts.HookManager, hooks.NewPostDatafileCreateEvent(hooks.DatafilePayload{
		CollectionID: c.id, DatafileID: id, Path: path,
	}))
	return nil
}

func (c *collection) closeActive() error {
	if c.active == nil {
		return nil
	}
	err := c.active.Sync()
	if cerr := c.active.Close(); err == nil {
		err = cerr
	}
	c.active = nil
	return err
}

// Sync fsyncs the open datafile of a collection.
func (s *Store) Sync(collectionID uint64) error {
	c := s.get(collectionID, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	if err := c.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync datafile of collection %d: %w", collectionID, err)
	}
	return nil
}

// Drop deletes every datafile of a collection.
func (s *Store) Drop(collectionID uint64) error {
	c := s.get(collectionID, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		_ = c.active.Close()
		c.active = nil
	}
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("failed to remove collection directory %s: %w", c.dir, err)
	}
	if err := sys.SyncDir(s.dir); err != nil {
		s.logger.Warn("Failed to sync datafile directory", "dir", s.dir, "error", err)
	}
	c.dropped = true
	c.fileIDs = nil
	s.mu.Lock()
	if s.collections[collectionID] == c {
		delete(s.collections, collectionID)
	}
	s.mu.Unlock()
	s.logger.Info("Dropped collection datafiles", "collection_id", collectionID)
	return nil
}

// Close syncs and closes every open datafile.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	cols := make([]*collection, 0, len(s.collections))
	for _, c := range s.collections {
		cols = append(cols, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range cols {
		c.mu.Lock()
		if err := c.closeActive(); err != nil {
			errs = append(errs, fmt.Errorf("collection %d: %w", c.id, err))
		}
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Crash closes every datafile without syncing.
func (s *Store) Crash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, c := range s.collections {
		c.mu.Lock()
		if c.active != nil {
			_ = c.active.Close()
			c.active = nil
		}
		c.mu.Unlock()
	}
}
