package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another daemon holds the storage resource.
var ErrLocked = errors.New("another daemon instance holds the storage resource")

// ResourceLock is an exclusive advisory lock on a file. Only one daemon may
// hold it at a time.
type ResourceLock struct {
	path string
	file *os.File
}

// NewResourceLock returns a lock on path. Nothing is acquired yet.
func NewResourceLock(path string) *ResourceLock {
	return &ResourceLock{path: path}
}

// TryLock acquires the lock without blocking.
func (l *ResourceLock) TryLock() error {
	if l.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w (%s)", ErrLocked, l.path)
		}
		return fmt.Errorf("locking %s: %w", l.path, err)
	}

	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	l.file = f
	return nil
}

// Unlock releases the lock.
func (l *ResourceLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
