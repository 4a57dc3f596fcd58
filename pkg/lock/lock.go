// Package lock implements the advisory shared/exclusive lock that
// coordinates parallel host processes on a single jacket (spec.md §4.2).
// It wraps an OS flock on a sentinel file whose contents double as the
// jacket info blob.
package lock

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/g4field/sgfa/pkg/errs"
)

// Mode is the lock state held on a Lock's sentinel file.
type Mode int

const (
	Unlocked Mode = iota
	Shared
	Exclusive
)

// Lock is an advisory lock bound to a single sentinel file (the jacket
// info blob). The zero value is not usable; construct with Open.
//
// A Lock is not safe for concurrent use by multiple goroutines (spec.md
// §5: "the jacket object is not safe to share across threads without
// external serialization"); it coordinates processes, not goroutines.
type Lock struct {
	f    *os.File
	mode Mode
}

// Open opens (without creating) the sentinel file at path and returns an
// unlocked Lock bound to it.
func Open(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NonExistentf("lock: sentinel file %s does not exist", path)
		}
		return nil, errs.Wrap("lock: open sentinel file", err)
	}
	return &Lock{f: f}, nil
}

// Create creates the sentinel file at path (failing if it already
// exists) and returns an unlocked Lock bound to it.
func Create(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.Conflictf("lock: sentinel file %s already exists", path)
		}
		return nil, errs.Wrap("lock: create sentinel file", err)
	}
	return &Lock{f: f}, nil
}

// Mode reports the lock's current state.
func (l *Lock) Mode() Mode { return l.mode }

// File returns the underlying sentinel file handle, for callers that need
// to read or rewrite the jacket info blob while holding the lock.
func (l *Lock) File() *os.File { return l.f }

// Shared acquires a shared (read) lock, blocking until available. It is a
// Sanity error to call this while already holding any lock; upgrading
// from shared to exclusive is not atomic (spec.md §4.2), so callers that
// need exclusive access must Unlock first and reacquire.
func (l *Lock) Shared() error {
	if l.mode != Unlocked {
		return errs.Sanityf("lock: cannot acquire shared lock while already %v", l.mode)
	}
	if err := flock(l.f, unix.LOCK_SH); err != nil {
		return err
	}
	l.mode = Shared
	return nil
}

// Exclusive acquires an exclusive (write) lock, blocking until available.
func (l *Lock) Exclusive() error {
	if l.mode != Unlocked {
		return errs.Sanityf("lock: cannot acquire exclusive lock while already %v", l.mode)
	}
	if err := flock(l.f, unix.LOCK_EX); err != nil {
		return err
	}
	l.mode = Exclusive
	return nil
}

// Unlock releases whatever lock is currently held.
func (l *Lock) Unlock() error {
	if l.mode == Unlocked {
		return nil
	}
	if err := flock(l.f, unix.LOCK_UN); err != nil {
		return err
	}
	l.mode = Unlocked
	return nil
}

// Close releases the lock (if held) and closes the sentinel file handle.
func (l *Lock) Close() error {
	if err := l.Unlock(); err != nil {
		return err
	}
	return l.f.Close()
}

// WithShared acquires a shared lock, runs fn, and releases the lock on
// every exit path including a panic unwinding through fn.
func (l *Lock) WithShared(fn func() error) error {
	if err := l.Shared(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}

// WithExclusive acquires an exclusive lock, runs fn, and releases the
// lock on every exit path including a panic unwinding through fn.
func (l *Lock) WithExclusive(fn func() error) error {
	if err := l.Exclusive(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}

// flock retries on EINTR, the way a signal-interrupted blocking flock
// call must be resubmitted rather than treated as failure.
func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errs.Wrap("lock: flock", err)
		}
		return nil
	}
}

func (m Mode) String() string {
	switch m {
	case Unlocked:
		return "unlocked"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}
