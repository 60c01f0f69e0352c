//go:build unix

package sys

import "os"

// SyncDir fsyncs a directory so that file creations, renames and removals in
// it survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
