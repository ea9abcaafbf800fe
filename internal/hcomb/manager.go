// Package hcomb coordinates workers over the shared registry and to-run queue. Every operation is
// one critical section on a single list: lock, read the whole list, mutate it in memory, write it
// back, unlock. No operation ever holds both locks.
package hcomb

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twoears/hcomb/internal/store"
	"github.com/twoears/hcomb/pkg/check"
	"github.com/twoears/hcomb/pkg/mmath"
	"github.com/twoears/hcomb/pkg/model"
	"github.com/twoears/hcomb/pkg/ptrs"
)

// DefaultTimeout is the lock wait used when Config.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// Config configures a Manager.
type Config struct {
	// Timeout bounds every lock wait.
	Timeout time.Duration
	// AlwaysAppend registers every candidate under a fresh ID, even if an equal entry exists.
	AlwaysAppend bool
}

// Registration is the outcome of RegisterOrReuse.
type Registration struct {
	ID    int
	HComb model.HComb
	// Reused is true when an existing registry entry was matched.
	Reused bool
}

// Manager implements claim, register, progress and finish semantics on top of a store.Store.
type Manager struct {
	store        store.Store
	timeout      time.Duration
	alwaysAppend bool
	log          *log.Entry
}

// NewManager returns a Manager over s and creates the registry if it does not exist yet.
func NewManager(ctx context.Context, s store.Store, cfg Config) (*Manager, error) {
	m := &Manager{
		store:        s,
		timeout:      cfg.Timeout,
		alwaysAppend: cfg.AlwaysAppend,
		log:          log.WithField("component", "hcomb-manager"),
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	created, err := s.Init(ctx, store.Registry, m.timeout)
	if err != nil {
		return nil, errors.Wrap(err, "initializing registry")
	}
	if created {
		m.log.Info("created empty hcomb registry")
	}
	return m, nil
}

// WithTimeout returns a copy of the manager that waits at most d for locks.
func (m *Manager) WithTimeout(d time.Duration) *Manager {
	c := *m
	c.timeout = d
	return &c
}

// Timeout is the current lock wait bound.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

func (m *Manager) withList(
	ctx context.Context, list store.List, fn func(hs []model.HComb) ([]model.HComb, error),
) error {
	err := m.store.WithLock(ctx, list, m.timeout, func(tx store.Tx) error {
		hs, err := tx.Read()
		if err != nil {
			return err
		}
		out, err := fn(hs)
		if err != nil || out == nil {
			return err
		}
		return tx.Write(out)
	})
	return translate(err, list)
}

// ClaimNext pops the head of the to-run queue. ok is false when the queue is empty.
func (m *Manager) ClaimNext(ctx context.Context) (h model.HComb, ok bool, err error) {
	defer observe("claim_next", time.Now(), &err)
	err = m.withList(ctx, store.Queue, func(hs []model.HComb) ([]model.HComb, error) {
		if len(hs) == 0 {
			return nil, nil
		}
		h, ok = hs[0], true
		return hs[1:], nil
	})
	if err != nil {
		return model.HComb{}, false, err
	}
	return h, ok, nil
}

// find returns the indices of all entries whose key equals k.
func find(hs []model.HComb, k model.Key) []int {
	var matches []int
	for i := range hs {
		if hs[i].Key() == k {
			matches = append(matches, i)
		}
	}
	return matches
}

func (m *Manager) first(hs []model.HComb, k model.Key) (int, bool) {
	matches := find(hs, k)
	if len(matches) == 0 {
		return 0, false
	}
	if len(matches) > 1 {
		duplicateMatches.Inc()
		ids := make([]int, len(matches))
		for i, idx := range matches {
			ids[i] = hs[idx].ID
		}
		m.log.WithField("hcomb-ids", ids).
			Warn("registry holds several entries for the same work, using the first")
	}
	return matches[0], true
}

// RegisterOrReuse returns the registry entry equal to candidate under model.Key, or appends
// candidate with the next free ID.
func (m *Manager) RegisterOrReuse(
	ctx context.Context, candidate model.HComb,
) (reg Registration, err error) {
	defer observe("register_or_reuse", time.Now(), &err)
	if err := check.Validate(candidate); err != nil {
		return Registration{}, errors.Wrap(err, "invalid hcomb")
	}
	err = m.withList(ctx, store.Registry, func(hs []model.HComb) ([]model.HComb, error) {
		if !m.alwaysAppend {
			if i, ok := m.first(hs, candidate.Key()); ok {
				reg = Registration{ID: hs[i].ID, HComb: hs[i].Clone(), Reused: true}
				return nil, nil
			}
		}
		h := candidate.Clone()
		h.ID = len(hs)
		reg = Registration{ID: h.ID, HComb: h.Clone()}
		return append(hs, h), nil
	})
	if err != nil {
		return Registration{}, err
	}
	outcome := "fresh"
	if reg.Reused {
		outcome = "reused"
	}
	registrations.WithLabelValues(outcome).Inc()
	return reg, nil
}

// update applies fn to the registry entry id and persists the result.
func (m *Manager) update(
	ctx context.Context, id int, fn func(hs []model.HComb, h *model.HComb) error,
) (model.HComb, error) {
	var out model.HComb
	err := m.withList(ctx, store.Registry, func(hs []model.HComb) ([]model.HComb, error) {
		if id < 0 || id >= len(hs) {
			return nil, errors.Wrapf(ErrUnknownID, "%d (registry has %d entries)", id, len(hs))
		}
		if err := fn(hs, &hs[id]); err != nil {
			return nil, err
		}
		out = hs[id].Clone()
		return hs, nil
	})
	return out, err
}

func alreadyFinished(id int) error {
	return errors.Wrapf(ErrAlreadyFinished, "hcomb %d", id)
}

// SetClaimMetadata records which worker is running id.
func (m *Manager) SetClaimMetadata(
	ctx context.Context, id int, hostname string, batchSize int,
) (h model.HComb, err error) {
	defer observe("set_claim_metadata", time.Now(), &err)
	return m.update(ctx, id, func(_ []model.HComb, h *model.HComb) error {
		if h.Finished {
			return alreadyFinished(id)
		}
		h.Hostname = hostname
		h.BatchSize = batchSize
		return nil
	})
}

// ReportEpoch records one finished epoch on the fold at position foldIndex in AllFolds.
// bestEpoch is the 1-based epoch with the best metric so far, as decided by the caller.
func (m *Manager) ReportEpoch(
	ctx context.Context, id, foldIndex int, valMetric float64, bestEpoch int, elapsedMinutes float64,
) (h model.HComb, err error) {
	defer observe("report_epoch", time.Now(), &err)
	return m.update(ctx, id, func(_ []model.HComb, h *model.HComb) error {
		if h.Finished {
			return alreadyFinished(id)
		}
		if foldIndex < 0 || foldIndex >= len(h.EpochsFinished) {
			return errors.Wrapf(ErrInvalidProgress, "fold index %d out of range", foldIndex)
		}
		epochs := h.EpochsFinished[foldIndex] + 1
		if bestEpoch < 0 || bestEpoch > epochs {
			return errors.Wrapf(ErrInvalidProgress,
				"best epoch %d outside [0, %d]", bestEpoch, epochs)
		}
		h.EpochsFinished[foldIndex] = epochs
		h.BestEpochs[foldIndex] = model.BestEpoch{Epoch: bestEpoch}
		h.ValMetric[foldIndex] = valMetric
		h.ElapsedMinutes = mmath.Max(h.ElapsedMinutes, elapsedMinutes)
		return nil
	})
}

// Finish marks id finished and stores its aggregates. A stage-2 run is merged with its stage-1
// counterpart in the same critical section; the merged values are stored on the stage-2 entry.
func (m *Manager) Finish(
	ctx context.Context, id int, valMetricMean, valMetricStd, elapsedMinutes float64,
) (h model.HComb, err error) {
	defer observe("finish", time.Now(), &err)
	return m.update(ctx, id, func(hs []model.HComb, h *model.HComb) error {
		if h.Finished {
			return alreadyFinished(id)
		}
		h.Finished = true
		h.ValMetricMean = valMetricMean
		h.ValMetricStd = valMetricStd
		h.ElapsedMinutes = mmath.Max(h.ElapsedMinutes, elapsedMinutes)
		if h.Stage != model.Stage2 {
			return nil
		}
		i, ok := m.first(hs, h.Key().WithStage(model.Stage1))
		if !ok {
			return errors.Wrapf(ErrMergeTargetNotFound, "hcomb %d", id)
		}
		return mergeStage1(h, hs[i])
	})
}

func mergeStage1(h *model.HComb, s1 model.HComb) error {
	n := len(h.AllFolds)
	if len(s1.EpochsFinished) != n || len(s1.BestEpochs) != n || len(s1.ValMetric) != n {
		return errors.Wrapf(ErrInvalidProgress,
			"stage-1 hcomb %d has progress for a different number of folds", s1.ID)
	}
	h.EpochsFinished = mmath.AddElementwise(h.EpochsFinished, s1.EpochsFinished)
	for f := range h.BestEpochs {
		h.BestEpochs[f] = model.BestEpoch{
			Epoch:  h.BestEpochs[f].Epoch,
			Stage1: ptrs.Ptr(s1.BestEpochs[f].Epoch),
		}
	}
	h.ValMetric = mmath.AddElementwise(h.ValMetric, s1.ValMetric)
	h.ValMetricMean = mmath.Mean(h.ValMetric)
	h.ValMetricStd = mmath.Std(h.ValMetric)
	h.ElapsedMinutes += s1.ElapsedMinutes
	return nil
}

// ReplaceAt overwrites the registry entry id with h. It is the escape hatch for patching stale
// state, e.g. when a resumed worker's checkpoint disagrees with the registry.
func (m *Manager) ReplaceAt(ctx context.Context, id int, h model.HComb) (err error) {
	defer observe("replace_at", time.Now(), &err)
	if h.ID != id {
		return errors.Errorf("cannot store hcomb %d at id %d", h.ID, id)
	}
	if err := check.Validate(h); err != nil {
		return errors.Wrap(err, "invalid hcomb")
	}
	_, err = m.update(ctx, id, func(_ []model.HComb, cur *model.HComb) error {
		*cur = h.Clone()
		return nil
	})
	return err
}

// Get returns a copy of the registry entry id.
func (m *Manager) Get(ctx context.Context, id int) (model.HComb, error) {
	var out model.HComb
	err := m.withList(ctx, store.Registry, func(hs []model.HComb) ([]model.HComb, error) {
		if id < 0 || id >= len(hs) {
			return nil, errors.Wrapf(ErrUnknownID, "%d (registry has %d entries)", id, len(hs))
		}
		out = hs[id]
		return nil, nil
	})
	return out, err
}

// List returns the whole registry.
func (m *Manager) List(ctx context.Context) ([]model.HComb, error) {
	return m.snapshot(ctx, store.Registry)
}

// Pending returns the to-run queue without claiming anything.
func (m *Manager) Pending(ctx context.Context) ([]model.HComb, error) {
	return m.snapshot(ctx, store.Queue)
}

func (m *Manager) snapshot(ctx context.Context, list store.List) ([]model.HComb, error) {
	var out []model.HComb
	err := m.withList(ctx, list, func(hs []model.HComb) ([]model.HComb, error) {
		out = hs
		return nil, nil
	})
	return out, err
}

// String implements fmt.Stringer.
func (r Registration) String() string {
	if r.Reused {
		return fmt.Sprintf("hcomb %d (reused)", r.ID)
	}
	return fmt.Sprintf("hcomb %d (new)", r.ID)
}
