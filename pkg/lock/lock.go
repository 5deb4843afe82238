// Package lock serializes mutating scarab invocations with an advisory
// file lock next to the package database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when another process holds the lock for longer
// than the configured timeout.
var ErrLockTimeout = errors.New("timed out waiting for the package database lock")

var pollEvery = 100 * time.Millisecond

// Lock is a held database lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire opens or creates path and takes an exclusive lock on it, polling
// until timeout elapses. A zero timeout tries exactly once.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	fl := flock.New(path)

	if timeout <= 0 {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w (%s)", ErrLockTimeout, path)
		}
		return &Lock{fl: fl}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fl.TryLockContext(waitCtx, pollEvery)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s (%s)", ErrLockTimeout, timeout, path)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w after %s (%s)", ErrLockTimeout, timeout, path)
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks the file. It is safe to call on a nil or released lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return err
}

// With acquires the lock, runs fn and releases the lock.
func With(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	l, err := Acquire(ctx, path, timeout)
	if err != nil {
		return err
	}
	defer func() {
		_ = l.Release()
	}()
	return fn()
}
