// Package store persists the hcomb registry and the to-run queue. Every read-modify-write of a
// list happens inside WithLock, which holds that list's exclusive lock across processes for the
// whole callback.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/twoears/hcomb/pkg/model"
)

// List names one of the persisted lists.
type List string

const (
	// Registry is the append-only log of every combination ever registered.
	Registry List = "registry"
	// Queue is the to-run queue filled by the sampler and drained by workers.
	Queue List = "to_run"
)

var (
	// ErrLockTimeout is returned when a list's lock is not acquired within the timeout.
	ErrLockTimeout = errors.New("timed out waiting for lock")
	// ErrNotInitialized is returned when a list is accessed before Init created it.
	ErrNotInitialized = errors.New("list not initialized")
)

// Tx is the view of a list handed to a WithLock callback.
type Tx interface {
	// Read returns the list as last written in this transaction, or as stored.
	Read() ([]model.HComb, error)
	// Write replaces the whole list. The write becomes durable only if the callback returns nil.
	Write([]model.HComb) error
}

// Store is a lock-capable storage medium for the two lists.
type Store interface {
	// Init creates list as an empty list if it does not exist yet, under its lock. It reports
	// whether this call created it.
	Init(ctx context.Context, list List, timeout time.Duration) (bool, error)
	// Exists reports whether list has been initialized.
	Exists(ctx context.Context, list List) (bool, error)
	// WithLock runs fn while holding the exclusive lock on list, waiting at most timeout for it.
	WithLock(ctx context.Context, list List, timeout time.Duration, fn func(Tx) error) error
	Close() error
}

func encodeList(hs []model.HComb) ([]byte, error) {
	if hs == nil {
		hs = []model.HComb{}
	}
	bs, err := json.Marshal(hs)
	if err != nil {
		return nil, errors.Wrap(err, "encoding hcomb list")
	}
	return bs, nil
}

func decodeList(bs []byte) ([]model.HComb, error) {
	var hs []model.HComb
	if len(bs) == 0 {
		return []model.HComb{}, nil
	}
	if err := json.Unmarshal(bs, &hs); err != nil {
		return nil, errors.Wrap(err, "decoding hcomb list")
	}
	if hs == nil {
		hs = []model.HComb{}
	}
	return hs, nil
}

// stagedTx buffers writes until the owning backend commits them.
type stagedTx struct {
	load   func() ([]byte, error)
	staged []byte
	dirty  bool
}

func (t *stagedTx) Read() ([]model.HComb, error) {
	if t.dirty {
		return decodeList(t.staged)
	}
	bs, err := t.load()
	if err != nil {
		return nil, err
	}
	return decodeList(bs)
}

func (t *stagedTx) Write(hs []model.HComb) error {
	bs, err := encodeList(hs)
	if err != nil {
		return err
	}
	t.staged, t.dirty = bs, true
	return nil
}

func notInitialized(list List) error {
	return errors.Wrapf(ErrNotInitialized, "%s", list)
}
