// Package checkpoint persists how far the collector has copied the WAL into
// collection datafiles.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// File layout: magic u32 | version u8 | last collected segment u64 |
// last seq u64 | last collection id u64 | count u32 | count x (collection id
// u64, seq u64) | crc32 of everything before it.

// Write atomically writes the checkpoint to dir using write-temp, fsync, rename.
func Write(dir string, cp core.Checkpoint) error {
	var buf bytes.Buffer
	encode(&buf, cp)

	tempPath := filepath.Join(dir, core.FormatTempFilename(core.CheckpointFileName, "tmp"))
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}
	// Close before renaming for Windows compatibility.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}

	finalPath := filepath.Join(dir, core.CheckpointFileName)
	if err := sys.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}
	return sys.SyncDir(dir)
}

func encode(buf *bytes.Buffer, cp core.Checkpoint) {
	ids := make([]uint64, 0, len(cp.Collections))
	for id := range cp.Collections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	le := binary.LittleEndian
	var scratch [8]byte
	le.PutUint32(scratch[:4], core.CheckpointMagicNumber)
	buf.Write(scratch[:4])
	buf.WriteByte(core.FormatVersion)
	for _, v := range []uint64{cp.LastCollectedSegment, cp.LastSeq, cp.LastCollectionID} {
		le.PutUint64(scratch[:], v)
		buf.Write(scratch[:])
	}
	le.PutUint32(scratch[:4], uint32(len(ids)))
	buf.Write(scratch[:4])
	for _, id := range ids {
		le.PutUint64(scratch[:], id)
		buf.Write(scratch[:])
		le.PutUint64(scratch[:], cp.Collections[id])
		buf.Write(scratch[:])
	}
	le.PutUint32(scratch[:4], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(scratch[:4])
}

// Read reads the checkpoint from dir. found is false, with no error, when no
// checkpoint has been written yet.
func Read(dir string) (cp core.Checkpoint, found bool, err error) {
	path := filepath.Join(dir, core.CheckpointFileName)
	file, err := sys.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.Checkpoint{}, false, nil
		}
		return core.Checkpoint{}, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return core.Checkpoint{}, true, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	cp, err = decode(data)
	if err != nil {
		return core.Checkpoint{}, true, err
	}
	return cp, true, nil
}

const fixedSize = 4 + 1 + 8*3 + 4

func decode(data []byte) (core.Checkpoint, error) {
	le := binary.LittleEndian
	if len(data) < 4 {
		return core.Checkpoint{}, fmt.Errorf("checkpoint file too short: %d bytes", len(data))
	}
	if magic := le.Uint32(data); magic != core.CheckpointMagicNumber {
		return core.Checkpoint{}, fmt.Errorf("invalid checkpoint magic number: got %x, want %x", magic, core.CheckpointMagicNumber)
	}
	if len(data) < fixedSize+4 {
		return core.Checkpoint{}, fmt.Errorf("checkpoint file too short: %d bytes", len(data))
	}
	body, sum := data[:len(data)-4], le.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return core.Checkpoint{}, fmt.Errorf("checkpoint %w", core.ErrChecksumFailure)
	}
	if v := body[4]; v > core.FormatVersion {
		return core.Checkpoint{}, fmt.Errorf("unsupported checkpoint version %d", v)
	}

	cp := core.Checkpoint{
		LastCollectedSegment: le.Uint64(body[5:]),
		LastSeq:              le.Uint64(body[13:]),
		LastCollectionID:     le.Uint64(body[21:]),
	}
	count := int(le.Uint32(body[29:]))
	rest := body[fixedSize:]
	if len(rest) != count*16 {
		return core.Checkpoint{}, fmt.Errorf("checkpoint lists %d collections but holds %d bytes of entries", count, len(rest))
	}
	if count > 0 {
		cp.Collections = make(map[uint64]uint64, count)
	}
	for i := 0; i < count; i++ {
		cp.Collections[le.Uint64(rest[i*16:])] = le.Uint64(rest[i*16+8:])
	}
	return cp, nil
}
