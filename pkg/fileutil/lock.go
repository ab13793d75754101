package fileutil

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when a Lock could not be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for file lock")

const lockPollInterval = 10 * time.Millisecond

// Lock is an exclusive advisory lock on a file, held with flock(2). It
// serializes writers living in different processes. flock locks belong to
// the open file description, so a Lock also carries an in-process mutex:
// two goroutines using the same Lock exclude each other too.
type Lock struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewLock returns a Lock on path. The file is created on first acquisition.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire blocks until the lock is held or timeout expires.
func (l *Lock) Acquire(timeout time.Duration) error {
	l.mu.Lock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		l.mu.Unlock()
		return errors.Wrapf(err, "creating directory of %s", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return errors.Wrapf(err, "opening lock file %s", l.path)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.f = f
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			f.Close()
			l.mu.Unlock()
			return errors.Wrapf(err, "locking %s", l.path)
		}
		if time.Now().After(deadline) {
			f.Close()
			l.mu.Unlock()
			return errors.Wrapf(ErrLockTimeout, "%s", l.path)
		}
		time.Sleep(lockPollInterval)
	}
}

// Release drops the lock. It must only be called after a successful Acquire.
func (l *Lock) Release() error {
	f := l.f
	l.f = nil
	defer l.mu.Unlock()

	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "unlocking %s", l.path)
}
