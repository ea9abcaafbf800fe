// Package filelock provides exclusive advisory locks on files, shared between processes through
// flock(2). Locks are tied to the open file description, so two Acquire calls within one process
// also exclude each other.
package filelock

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when the lock could not be acquired before the timeout.
var ErrTimeout = errors.New("timed out waiting for file lock")

const (
	initialPoll = 5 * time.Millisecond
	maxPoll     = 250 * time.Millisecond
)

// Lock is a held exclusive lock.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if needed) the file at path and takes an exclusive lock on it, polling
// until timeout elapses. A non-positive timeout tries exactly once.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) // #nosec G304
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file %s", path)
	}

	try := func() error {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			return err
		default:
			return backoff.Permanent(errors.Wrapf(err, "locking %s", path))
		}
	}

	if timeout <= 0 {
		err = try()
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initialPoll
		b.MaxInterval = maxPoll
		b.MaxElapsedTime = timeout
		err = backoff.Retry(try, backoff.WithContext(b, ctx))
	}

	switch {
	case err == nil:
		return &Lock{f: f}, nil
	case ctx.Err() != nil:
		_ = f.Close()
		return nil, ctx.Err()
	case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
		_ = f.Close()
		return nil, errors.Wrapf(ErrTimeout, "%s after %s", path, timeout)
	default:
		_ = f.Close()
		return nil, err
	}
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() { l.f = nil }()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		return errors.Wrap(err, "unlocking")
	}
	return l.f.Close()
}
