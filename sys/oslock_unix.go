//go:build unix

package sys

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrOSFileLockNotSupported is returned on platforms without flock.
var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

// AcquireOSFileLock acquires an advisory exclusive flock on lockPath, retrying
// until timeout elapses. The kernel drops the lock if the process dies, so a
// lock file left behind by a crash never blocks a restart.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() error {
				_ = unix.Flock(fd, unix.LOCK_UN)
				return f.Close()
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || time.Now().After(deadline) {
			_ = f.Close()
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
