package core

import (
	"fmt"
	"strings"
)

// WALSyncMode defines how frequently the WAL is synced to disk.
type WALSyncMode string

const (
	WALSyncAlways   WALSyncMode = "always"   // Sync after every append
	WALSyncInterval WALSyncMode = "interval" // Sync periodically in the background
	WALSyncDisabled WALSyncMode = "disabled" // Sync only on seal, flush or explicit wait
)

// ParseWALSyncMode converts a configuration string into a WALSyncMode.
func ParseWALSyncMode(s string) (WALSyncMode, error) {
	switch WALSyncMode(strings.ToLower(strings.TrimSpace(s))) {
	case WALSyncAlways:
		return WALSyncAlways, nil
	case WALSyncInterval, "":
		return WALSyncInterval, nil
	case WALSyncDisabled:
		return WALSyncDisabled, nil
	}
	return "", fmt.Errorf("invalid wal sync mode %q", s)
}
