package hcomb

import (
	"github.com/pkg/errors"

	"github.com/twoears/hcomb/internal/store"
)

var (
	// ErrLockTimeout is returned when a list lock is not acquired in time. Callers decide whether
	// to retry.
	ErrLockTimeout = store.ErrLockTimeout
	// ErrQueueNotInitialized means no to-run queue exists yet; the sampler has to run first.
	ErrQueueNotInitialized = errors.New("to-run queue not initialized")
	// ErrRegistryNotInitialized means the registry is missing.
	ErrRegistryNotInitialized = errors.New("registry not initialized")
	// ErrMergeTargetNotFound means a finished stage-2 run has no stage-1 counterpart.
	ErrMergeTargetNotFound = errors.New("cannot find hcomb in stage 1")
	// ErrUnknownID is returned for an ID outside the registry.
	ErrUnknownID = errors.New("unknown hcomb id")
	// ErrAlreadyFinished is returned when mutating a finished combination.
	ErrAlreadyFinished = errors.New("hcomb already finished")
	// ErrInvalidProgress is returned for a progress report that would break the record's
	// invariants.
	ErrInvalidProgress = errors.New("invalid progress report")
)

// translate maps store-level precondition failures onto the manager's sentinels.
func translate(err error, list store.List) error {
	if !errors.Is(err, store.ErrNotInitialized) {
		return err
	}
	switch list {
	case store.Queue:
		return errors.Wrap(ErrQueueNotInitialized, err.Error())
	default:
		return errors.Wrap(ErrRegistryNotInitialized, err.Error())
	}
}
