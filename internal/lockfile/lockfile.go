// Package lockfile guards single-daemon startup with an advisory file lock.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is a held daemon lock. Release it with Unlock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the daemon lock under dir without blocking. A second daemon
// for the same workspace fails fast instead of fighting over the socket.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, "daemon.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another daemon already holds %s", fl.Path())
	}
	return &Lock{fl: fl}, nil
}

// Held reports whether some process currently holds the daemon lock under
// dir, without acquiring it.
func Held(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, "daemon.lock")); err != nil {
		return false
	}
	fl := flock.New(filepath.Join(dir, "daemon.lock"))
	ok, err := fl.TryLock()
	if err != nil || !ok {
		return true
	}
	_ = fl.Unlock()
	return false
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return l.fl.Unlock()
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}
