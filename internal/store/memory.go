package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Memory is an in-process Store. Each list has a one-slot semaphore so lock waits honor the
// timeout like the file-backed store does.
type Memory struct {
	mu    sync.Mutex
	data  map[List][]byte
	locks map[List]chan struct{}
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[List][]byte),
		locks: map[List]chan struct{}{
			Registry: make(chan struct{}, 1),
			Queue:    make(chan struct{}, 1),
		},
	}
}

func (s *Memory) acquire(ctx context.Context, list List, timeout time.Duration) (func(), error) {
	sem, ok := s.locks[list]
	if !ok {
		return nil, errors.Errorf("unknown list %q", list)
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	default:
	}
	if expired == nil {
		return nil, errors.Wrapf(ErrLockTimeout, "%s", list)
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-expired:
		return nil, errors.Wrapf(ErrLockTimeout, "%s after %s", list, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Memory) get(list List) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.data[list]
	return bs, ok
}

func (s *Memory) set(list List, bs []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[list] = bs
}

// Init implements Store.
func (s *Memory) Init(ctx context.Context, list List, timeout time.Duration) (bool, error) {
	release, err := s.acquire(ctx, list, timeout)
	if err != nil {
		return false, err
	}
	defer release()
	if _, ok := s.get(list); ok {
		return false, nil
	}
	s.set(list, []byte("[]"))
	return true, nil
}

// Exists implements Store.
func (s *Memory) Exists(_ context.Context, list List) (bool, error) {
	_, ok := s.get(list)
	return ok, nil
}

// WithLock implements Store.
func (s *Memory) WithLock(
	ctx context.Context, list List, timeout time.Duration, fn func(Tx) error,
) error {
	if _, ok := s.get(list); !ok {
		return notInitialized(list)
	}
	release, err := s.acquire(ctx, list, timeout)
	if err != nil {
		return err
	}
	defer release()

	tx := &stagedTx{load: func() ([]byte, error) {
		bs, _ := s.get(list)
		return bs, nil
	}}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.dirty {
		s.set(list, tx.staged)
	}
	return nil
}

// Close implements Store.
func (s *Memory) Close() error { return nil }
