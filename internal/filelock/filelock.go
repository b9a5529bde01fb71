// Package filelock provides advisory file-based locking so credential files
// shared between processes are never read or written concurrently.
package filelock

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLock guards a file path with a sibling .lock file.
type FileLock struct {
	path     string
	file     *os.File
	acquired bool
	mu       sync.Mutex
}

// New creates a lock for the given path.
func New(path string) *FileLock {
	return &FileLock{
		path: path + ".lock",
	}
}

// Lock acquires the lock, polling until the timeout elapses.
func (fl *FileLock) Lock(timeout time.Duration) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.acquired {
		return fmt.Errorf("lock already acquired")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
		if err == nil {
			fl.file = file
			fl.acquired = true
			return nil
		}

		if os.IsExist(err) {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	return fmt.Errorf("timeout acquiring lock after %v", timeout)
}

// Unlock releases the lock and removes the lock file.
func (fl *FileLock) Unlock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if !fl.acquired {
		return nil
	}

	var err error
	if fl.file != nil {
		err = fl.file.Close()
		fl.file = nil
	}

	if removeErr := os.Remove(fl.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err == nil {
			err = fmt.Errorf("failed to remove lock file: %w", removeErr)
		}
	}

	fl.acquired = false
	return err
}

// WithLock runs fn while holding the lock.
func (fl *FileLock) WithLock(timeout time.Duration, fn func() error) error {
	if err := fl.Lock(timeout); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}
