package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and file naming used across the storage engine.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// DatafileMagicNumber identifies a collection datafile.
	DatafileMagicNumber uint32 = 0x44415446 // "DATF"
	// CheckpointMagicNumber identifies the collector checkpoint file.
	CheckpointMagicNumber uint32 = 0x54504B43
)

// --- File Names & Suffixes ---
const (
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// DatafilePrefix is the prefix for collection datafiles, e.g. datafile-00000001.db
	DatafilePrefix = "datafile-"
	DatafileSuffix = ".db"
	// CheckpointFileName is the name of the file storing collector progress.
	CheckpointFileName = "CHECKPOINT"
	// LockFileName guards a data directory against concurrent use.
	LockFileName = "LOCK"

	WALDirName        = "journals"
	CollectionDirName = "collections"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// WALMaxSegmentSize is the default capacity of a WAL segment file.
	WALMaxSegmentSize = 32 * 1024 * 1024 // 32 MiB
)

// Checkpoint records how far the collector has materialized the log into datafiles.
type Checkpoint struct {
	// LastCollectedSegment is the highest segment whose entries are all in datafiles.
	LastCollectedSegment uint64
	// LastSeq is the highest sequence number contained in collected segments.
	LastSeq uint64
	// LastCollectionID is the highest collection id ever assigned, so ids of
	// dropped collections are not handed out again.
	LastCollectionID uint64
	// Collections maps collection id to the highest sequence number in its datafiles.
	Collections map[uint64]uint64
}

// AppliedFor returns the highest sequence number durably materialized for a collection.
func (c Checkpoint) AppliedFor(collectionID uint64) uint64 {
	if c.Collections == nil {
		return 0
	}
	return c.Collections[collectionID]
}

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// FormatSegmentFileName creates a segment file name from its id.
func FormatSegmentFileName(id uint64) string {
	return fmt.Sprintf("%08d%s", id, WALFileSuffix)
}

// ParseSegmentFileName extracts the id from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// FormatDatafileName creates a datafile name from its id.
func FormatDatafileName(id uint64) string {
	return fmt.Sprintf("%s%08d%s", DatafilePrefix, id, DatafileSuffix)
}

// ParseDatafileName extracts the id from a datafile name.
func ParseDatafileName(name string) (uint64, error) {
	if !strings.HasPrefix(name, DatafilePrefix) || !strings.HasSuffix(name, DatafileSuffix) {
		return 0, fmt.Errorf("file %s is not a datafile", name)
	}
	name = strings.TrimSuffix(strings.TrimPrefix(name, DatafilePrefix), DatafileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// FormatCollectionDirName names the directory holding one collection's datafiles.
func FormatCollectionDirName(id uint64) string {
	return fmt.Sprintf("collection-%d", id)
}
