package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/twoears/hcomb/pkg/filelock"
)

var fileNames = map[List]string{
	Registry: "hyperparameter_combinations.json",
	Queue:    "hyperparameter_combinations_to_run.json",
}

// File keeps each list in its own JSON file inside a directory shared by all workers. A sidecar
// "<file>.lock" carries the flock so that data files can be replaced by atomic rename.
type File struct {
	dir string
}

// NewFile returns a File store rooted at dir, creating dir if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating store directory %s", dir)
	}
	return &File{dir: dir}, nil
}

// Path returns the data file of list.
func (s *File) Path(list List) string {
	return filepath.Join(s.dir, fileNames[list])
}

func (s *File) lock(ctx context.Context, list List, timeout time.Duration) (*filelock.Lock, error) {
	if _, ok := fileNames[list]; !ok {
		return nil, errors.Errorf("unknown list %q", list)
	}
	l, err := filelock.Acquire(ctx, s.Path(list)+".lock", timeout)
	if errors.Is(err, filelock.ErrTimeout) {
		return nil, errors.Wrapf(ErrLockTimeout, "%s: %s", list, err)
	}
	return l, err
}

// Init implements Store.
func (s *File) Init(ctx context.Context, list List, timeout time.Duration) (created bool, err error) {
	l, err := s.lock(ctx, list, timeout)
	if err != nil {
		return false, err
	}
	defer func() {
		if rErr := l.Release(); rErr != nil {
			err = multierror.Append(err, rErr).ErrorOrNil()
		}
	}()

	if ok, err := s.Exists(ctx, list); err != nil || ok {
		return false, err
	}
	bs, err := encodeList(nil)
	if err != nil {
		return false, err
	}
	if err := s.replace(list, bs); err != nil {
		return false, err
	}
	return true, nil
}

// Exists implements Store.
func (s *File) Exists(_ context.Context, list List) (bool, error) {
	switch _, err := os.Stat(s.Path(list)); {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.Wrapf(err, "checking %s", s.Path(list))
	}
}

// WithLock implements Store.
func (s *File) WithLock(
	ctx context.Context, list List, timeout time.Duration, fn func(Tx) error,
) (err error) {
	if ok, err := s.Exists(ctx, list); err != nil {
		return err
	} else if !ok {
		return notInitialized(list)
	}

	l, err := s.lock(ctx, list, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rErr := l.Release(); rErr != nil {
			err = multierror.Append(err, rErr).ErrorOrNil()
		}
	}()

	tx := &stagedTx{load: func() ([]byte, error) {
		bs, err := os.ReadFile(s.Path(list))
		if os.IsNotExist(err) {
			return nil, notInitialized(list)
		}
		return bs, errors.Wrapf(err, "reading %s", s.Path(list))
	}}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	return s.replace(list, tx.staged)
}

// replace writes bs to a temporary file next to the data file and renames it into place.
func (s *File) replace(list List, bs []byte) error {
	f, err := os.CreateTemp(s.dir, fileNames[list]+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary list file")
	}
	tmp := f.Name()
	if _, err := f.Write(bs); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "syncing %s", tmp)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "closing %s", tmp)
	}
	if err := os.Rename(tmp, s.Path(list)); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s", tmp)
	}
	return nil
}

// Close implements Store.
func (s *File) Close() error { return nil }
