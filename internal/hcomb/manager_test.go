package hcomb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gotest.tools/assert"

	"github.com/twoears/hcomb/internal/store"
	"github.com/twoears/hcomb/pkg/model"
	"github.com/twoears/hcomb/pkg/ptrs"
)

func newManager(t *testing.T, s store.Store, cfg Config) *Manager {
	m, err := NewManager(context.Background(), s, cfg)
	require.NoError(t, err)
	return m
}

func seedQueue(t *testing.T, s store.Store, hs ...model.HComb) {
	ctx := context.Background()
	_, err := s.Init(ctx, store.Queue, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.WithLock(ctx, store.Queue, time.Second, func(tx store.Tx) error {
		return tx.Write(hs)
	}))
}

func twoFolds() model.HComb {
	h := model.NewHComb()
	h.AllFolds = []int{1, 2}
	h.ResetProgress()
	return h
}

func candidates(n int) []model.HComb {
	out := make([]model.HComb, n)
	for i := range out {
		h := model.NewHComb()
		h.LearningRate = 0.001 * float64(i+1)
		out[i] = h
	}
	return out
}

func TestNewManagerInitializesRegistry(t *testing.T) {
	s := store.NewMemory()
	m := newManager(t, s, Config{})
	assert.Equal(t, m.Timeout(), DefaultTimeout)
	assert.Equal(t, m.WithTimeout(time.Second).Timeout(), time.Second)
	assert.Equal(t, m.Timeout(), DefaultTimeout)

	hs, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(hs), 0)

	// A second manager over the same store finds the registry in place.
	newManager(t, s, Config{})
}

func TestClaimNextFIFO(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	m := newManager(t, s, Config{})

	_, _, err := m.ClaimNext(ctx)
	require.True(t, errors.Is(err, ErrQueueNotInitialized), "got %v", err)

	queue := candidates(3)
	seedQueue(t, s, queue...)
	for i := range queue {
		h, ok, err := m.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		if diff := cmp.Diff(queue[i], h); diff != "" {
			t.Fatalf("claim %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	_, ok, err := m.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Assert(t, !ok)

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(pending), 0)

	// Claiming never touches the registry.
	hs, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(hs), 0)
}

func TestRegisterOrReuse(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), Config{})

	base := model.NewHComb()
	reg, err := m.RegisterOrReuse(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, 0)
	assert.Assert(t, !reg.Reused)
	assert.Equal(t, reg.HComb.ID, 0)
	assert.Equal(t, reg.String(), "hcomb 0 (new)")

	// Progress, identity, worker and metric fields are ignored.
	same := base.Clone()
	same.Hostname = "gpu-7"
	same.BatchSize = 128
	same.Metric = "F1"
	same.EpochsFinished[0] = 3
	same.ElapsedMinutes = 12
	reg, err = m.RegisterOrReuse(ctx, same)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, 0)
	assert.Assert(t, reg.Reused)
	assert.Equal(t, reg.HComb.Hostname, "")

	// Any comparable field, stage included, makes it new work.
	for i, mutate := range []func(h *model.HComb){
		func(h *model.HComb) { h.Stage = model.Stage2 },
		func(h *model.HComb) { h.WithHiddenMLP(300) },
		func(h *model.HComb) { h.InputDropout = 0.1 },
	} {
		h := base.Clone()
		mutate(&h)
		reg, err = m.RegisterOrReuse(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, reg.ID, i+1)
		assert.Assert(t, !reg.Reused)
	}

	hs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, hs, 4)
	for i, h := range hs {
		assert.Equal(t, h.ID, i)
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	m := newManager(t, store.NewMemory(), Config{})
	h := model.NewHComb()
	h.UnitsPerLayerMLP = []int{7}
	_, err := m.RegisterOrReuse(context.Background(), h)
	assert.ErrorContains(t, err, "last output layer")
}

func TestAlwaysAppendAndDuplicateWarning(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	appender := newManager(t, s, Config{AlwaysAppend: true})

	h := model.NewHComb()
	for i := 0; i < 2; i++ {
		reg, err := appender.RegisterOrReuse(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, reg.ID, i)
		assert.Assert(t, !reg.Reused)
	}

	hook := test.NewGlobal()
	defer hook.Reset()
	reg, err := newManager(t, s, Config{}).RegisterOrReuse(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, 0)
	assert.Assert(t, reg.Reused)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel {
			warned = true
			assert.DeepEqual(t, e.Data["hcomb-ids"], []int{0, 1})
		}
	}
	assert.Assert(t, warned)
}

func TestReportEpochMonotonic(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), Config{})
	reg, err := m.RegisterOrReuse(ctx, twoFolds())
	require.NoError(t, err)

	for e := 1; e <= 4; e++ {
		h, err := m.ReportEpoch(ctx, reg.ID, 1, 0.5+float64(e)/10, e, float64(e))
		require.NoError(t, err)
		assert.DeepEqual(t, h.EpochsFinished, []int{0, e})
		assert.Equal(t, h.BestEpochs[1].Epoch, e)
		assert.Equal(t, h.ValMetric[1], 0.5+float64(e)/10)
	}

	// Elapsed time never decreases.
	h, err := m.ReportEpoch(ctx, reg.ID, 1, 0.7, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, h.ElapsedMinutes, 4.0)
	assert.DeepEqual(t, h.EpochsFinished, []int{0, 5})

	_, err = m.ReportEpoch(ctx, reg.ID, 0, 0.7, 2, 5)
	require.True(t, errors.Is(err, ErrInvalidProgress), "got %v", err)
	_, err = m.ReportEpoch(ctx, reg.ID, 2, 0.7, 1, 5)
	require.True(t, errors.Is(err, ErrInvalidProgress), "got %v", err)
	_, err = m.ReportEpoch(ctx, 9, 0, 0.7, 1, 5)
	require.True(t, errors.Is(err, ErrUnknownID), "got %v", err)

	// Rejected reports leave the record alone.
	got, err := m.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.DeepEqual(t, got.EpochsFinished, []int{0, 5})
}

func TestSetClaimMetadata(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), Config{})
	reg, err := m.RegisterOrReuse(ctx, model.NewHComb())
	require.NoError(t, err)

	h, err := m.SetClaimMetadata(ctx, reg.ID, "node-3", 128)
	require.NoError(t, err)
	assert.Equal(t, h.Hostname, "node-3")
	assert.Equal(t, h.BatchSize, 128)

	h, err = m.SetClaimMetadata(ctx, reg.ID, "node-4", 64)
	require.NoError(t, err)
	assert.Equal(t, h.Hostname, "node-4")
}

func TestFinishIsFinal(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), Config{})
	reg, err := m.RegisterOrReuse(ctx, model.NewHComb())
	require.NoError(t, err)

	h, err := m.Finish(ctx, reg.ID, 0.8, 0.05, 30)
	require.NoError(t, err)
	assert.Assert(t, h.Finished)
	assert.Equal(t, h.ValMetricMean, 0.8)
	assert.Equal(t, h.ValMetricStd, 0.05)
	assert.Equal(t, h.ElapsedMinutes, 30.0)

	_, err = m.Finish(ctx, reg.ID, 0.9, 0, 31)
	require.True(t, errors.Is(err, ErrAlreadyFinished), "got %v", err)
	_, err = m.ReportEpoch(ctx, reg.ID, 0, 0.9, 1, 31)
	require.True(t, errors.Is(err, ErrAlreadyFinished), "got %v", err)
	_, err = m.SetClaimMetadata(ctx, reg.ID, "x", 1)
	require.True(t, errors.Is(err, ErrAlreadyFinished), "got %v", err)
}

func TestFinishKeepsElapsedMinutes(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), Config{})
	reg, err := m.RegisterOrReuse(ctx, model.NewHComb())
	require.NoError(t, err)

	_, err = m.ReportEpoch(ctx, reg.ID, 2, 0.5, 1, 10)
	require.NoError(t, err)
	h, err := m.Finish(ctx, reg.ID, 0.5, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, h.ElapsedMinutes, 10.0)

	got, err := m.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ElapsedMinutes, 10.0)
}

func TestFinishMergesStage2(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), Config{})

	s1 := twoFolds()
	reg1, err := m.RegisterOrReuse(ctx, s1)
	require.NoError(t, err)
	s1 = reg1.HComb
	s1.EpochsFinished = []int{5, 3}
	s1.BestEpochs = []model.BestEpoch{{Epoch: 4}, {Epoch: 2}}
	s1.ValMetric = []float64{0.5, 0.25}
	s1.ElapsedMinutes = 10
	require.NoError(t, m.ReplaceAt(ctx, reg1.ID, s1))

	s2 := twoFolds()
	s2.Stage = model.Stage2
	reg2, err := m.RegisterOrReuse(ctx, s2)
	require.NoError(t, err)
	assert.Equal(t, reg2.ID, 1)
	s2 = reg2.HComb
	s2.EpochsFinished = []int{2, 4}
	s2.BestEpochs = []model.BestEpoch{{Epoch: 1}, {Epoch: 3}}
	s2.ValMetric = []float64{0.25, 0.5}
	require.NoError(t, m.ReplaceAt(ctx, reg2.ID, s2))

	h, err := m.Finish(ctx, reg2.ID, 0.1, 0.1, 5)
	require.NoError(t, err)
	assert.DeepEqual(t, h.EpochsFinished, []int{7, 7})
	assert.DeepEqual(t, h.BestEpochs, []model.BestEpoch{
		{Epoch: 1, Stage1: ptrs.Ptr(4)},
		{Epoch: 3, Stage1: ptrs.Ptr(2)},
	})
	assert.DeepEqual(t, h.ValMetric, []float64{0.75, 0.75})
	assert.Equal(t, h.ValMetricMean, 0.75)
	assert.Equal(t, h.ValMetricStd, 0.0)
	assert.Equal(t, h.ElapsedMinutes, 15.0)
	assert.Assert(t, h.Finished)

	stored, err := m.Get(ctx, reg2.ID)
	require.NoError(t, err)
	require.Equal(t, h, stored)

	// The stage-1 record is left as it was.
	got1, err := m.Get(ctx, reg1.ID)
	require.NoError(t, err)
	require.Equal(t, s1, got1)
}

func TestFinishMergeTargetNotFound(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), Config{})
	h := twoFolds()
	h.Stage = model.Stage2
	reg, err := m.RegisterOrReuse(ctx, h)
	require.NoError(t, err)

	_, err = m.Finish(ctx, reg.ID, 0.5, 0, 1)
	require.True(t, errors.Is(err, ErrMergeTargetNotFound), "got %v", err)

	got, err := m.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Assert(t, !got.Finished)
}

func TestReplaceAt(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), Config{})
	reg, err := m.RegisterOrReuse(ctx, model.NewHComb())
	require.NoError(t, err)

	h := reg.HComb
	h.EpochsFinished[2] = 9
	require.NoError(t, m.ReplaceAt(ctx, reg.ID, h))
	got, err := m.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, got.EpochsFinished[2], 9)

	h.ID = 4
	assert.ErrorContains(t, m.ReplaceAt(ctx, reg.ID, h), "cannot store hcomb 4 at id 0")
	err = m.ReplaceAt(ctx, 4, h)
	require.True(t, errors.Is(err, ErrUnknownID), "got %v", err)
}

func TestReplaceAtRejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), Config{})
	reg, err := m.RegisterOrReuse(ctx, model.NewHComb())
	require.NoError(t, err)

	h := reg.HComb
	h.EpochsFinished = h.EpochsFinished[:2]
	assert.ErrorContains(t, m.ReplaceAt(ctx, reg.ID, h), "progress vectors")

	got, err := m.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, len(got.EpochsFinished), len(got.AllFolds))
	_, err = m.ReportEpoch(ctx, reg.ID, 5, 0.5, 1, 1)
	require.NoError(t, err)
}

func TestLockTimeoutPropagates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	m := newManager(t, s, Config{}).WithTimeout(20 * time.Millisecond)

	require.NoError(t, s.WithLock(ctx, store.Registry, time.Second, func(store.Tx) error {
		_, err := m.RegisterOrReuse(ctx, model.NewHComb())
		require.True(t, errors.Is(err, ErrLockTimeout), "got %v", err)
		return nil
	}))
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := store.NewFile(dir)
	require.NoError(t, err)
	const n = 40
	queue := candidates(n)
	seedQueue(t, s, queue...)

	const workers = 4
	var mu sync.Mutex
	seen := map[string]int{}
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		// Each worker gets its own store and manager, like separate processes would.
		ws, err := store.NewFile(dir)
		require.NoError(t, err)
		m := newManager(t, ws, Config{Timeout: 10 * time.Second})
		g.Go(func() error {
			for {
				h, ok, err := m.ClaimNext(ctx)
				if err != nil || !ok {
					return err
				}
				if _, err := m.RegisterOrReuse(ctx, h); err != nil {
					return err
				}
				mu.Lock()
				seen[h.Fingerprint()]++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, seen, n)
	for fp, count := range seen {
		require.Equal(t, 1, count, fmt.Sprintf("claimed more than once: %s", fp))
	}

	m := newManager(t, s, Config{})
	hs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, hs, n)
	for i, h := range hs {
		require.Equal(t, i, h.ID)
	}
}
