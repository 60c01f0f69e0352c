//go:build !unix

package sys

// SyncDir is a no-op where directory handles cannot be synced.
func SyncDir(dir string) error {
	return nil
}
