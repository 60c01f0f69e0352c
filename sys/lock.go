package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// DefaultLockStaleTTL is the age after which a pid/timestamp lock file left
// behind by a dead process may be broken.
var DefaultLockStaleTTL = 30 * time.Second

// LockDir takes an exclusive lock on dir/name. It prefers an OS level lock,
// which the kernel releases when the process dies, and falls back to an
// O_EXCL lock file with stale detection on platforms without one.
func LockDir(dir, name string, timeout time.Duration) (func() error, error) {
	lockPath := filepath.Join(dir, name)
	release, err := AcquireOSFileLock(lockPath, timeout)
	if err == nil {
		writeLockOwner(lockPath)
		return release, nil
	}
	if !errors.Is(err, ErrOSFileLockNotSupported) {
		return nil, fmt.Errorf("%w: %s: %v", ErrLocked, lockPath, err)
	}
	retries := int(timeout / (25 * time.Millisecond))
	return AcquireFileLock(lockPath, retries, 25*time.Millisecond, DefaultLockStaleTTL)
}

// writeLockOwner records pid and timestamp for diagnostics; errors are ignored.
func writeLockOwner(lockPath string) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(os.Getpid()))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
	_ = os.WriteFile(lockPath, buf, 0644)
}

// AcquireFileLock tries to create the lock file at lockPath using an atomic
// create (O_EXCL). It retries up to maxRetries with retryInterval. If
// staleTTL > 0, an existing lock file whose recorded timestamp (or modtime)
// is older than staleTTL is removed and acquisition retried. The release
// function removes the lock file only if it still belongs to this process.
func AcquireFileLock(lockPath string, maxRetries int, retryInterval time.Duration, staleTTL time.Duration) (func() error, error) {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			pid := uint32(os.Getpid())
			ts := uint64(time.Now().UTC().UnixNano())
			buf := make([]byte, 12)
			binary.LittleEndian.PutUint32(buf[0:4], pid)
			binary.LittleEndian.PutUint64(buf[4:12], ts)
			_, _ = f.Write(buf)
			f.Close()
			release := func() error {
				b, err := os.ReadFile(lockPath)
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				if len(b) >= 12 && binary.LittleEndian.Uint32(b[0:4]) == pid && binary.LittleEndian.Uint64(b[4:12]) == ts {
					return os.Remove(lockPath)
				}
				return nil
			}
			return release, nil
		}
		lastErr = err

		if os.IsExist(err) && staleTTL > 0 && lockAge(lockPath) > staleTTL {
			_ = os.Remove(lockPath)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		time.Sleep(retryInterval)
	}
	if lastErr == nil {
		lastErr = ErrLocked
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrLocked, lockPath, lastErr)
}

func lockAge(lockPath string) time.Duration {
	now := time.Now().UTC()
	if b, err := os.ReadFile(lockPath); err == nil && len(b) >= 12 {
		if ts := int64(binary.LittleEndian.Uint64(b[4:12])); ts > 0 {
			return now.Sub(time.Unix(0, ts))
		}
	}
	if info, err := os.Stat(lockPath); err == nil {
		return now.Sub(info.ModTime())
	}
	return 0
}
