package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gotest.tools/assert"

	"github.com/twoears/hcomb/internal/hcomb"
	"github.com/twoears/hcomb/internal/store"
	"github.com/twoears/hcomb/pkg/model"
)

// fakeTrainer returns metric (e+1)/10 for epoch e and advances the clock one minute per epoch.
type fakeTrainer struct {
	clock      clockwork.FakeClock
	checkpoint map[int]Checkpoint
	epochs     map[int][]int
	failAt     int
}

func newFakeTrainer(clock clockwork.FakeClock) *fakeTrainer {
	return &fakeTrainer{
		clock:      clock,
		checkpoint: map[int]Checkpoint{},
		epochs:     map[int][]int{},
		failAt:     -1,
	}
}

func (f *fakeTrainer) Checkpoint(_ context.Context, fold Fold) (Checkpoint, bool, error) {
	cp, ok := f.checkpoint[fold.ValFold]
	return cp, ok, nil
}

func (f *fakeTrainer) Epoch(_ context.Context, fold Fold, e int) (float64, error) {
	if e == f.failAt {
		return 0, errors.New("out of GPU memory")
	}
	f.epochs[fold.ValFold] = append(f.epochs[fold.ValFold], e)
	f.clock.Advance(time.Minute)
	return float64(e+1) / 10, nil
}

type fixture struct {
	store   store.Store
	manager *hcomb.Manager
	clock   clockwork.FakeClock
	trainer *fakeTrainer
	cfg     Config
}

func newFixture(t *testing.T) *fixture {
	s := store.NewMemory()
	m, err := hcomb.NewManager(context.Background(), s, hcomb.Config{Timeout: time.Second})
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.SavePath = t.TempDir()
	cfg.Hostname = "gpu-node"
	cfg.BatchSize = 32
	return &fixture{store: s, manager: m, clock: clock, trainer: newFakeTrainer(clock), cfg: cfg}
}

func (f *fixture) enqueue(t *testing.T, hs ...model.HComb) {
	ctx := context.Background()
	_, err := f.store.Init(ctx, store.Queue, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.store.WithLock(ctx, store.Queue, time.Second, func(tx store.Tx) error {
		queued, err := tx.Read()
		if err != nil {
			return err
		}
		return tx.Write(append(queued, hs...))
	}))
}

func (f *fixture) loop(t *testing.T, exec Executor) *Loop {
	if exec == nil {
		exec = CrossValidation{Trainer: f.trainer}
	}
	l, err := New(f.cfg, f.manager, exec, f.clock)
	require.NoError(t, err)
	return l
}

func shortRun() model.HComb {
	h := model.NewHComb()
	h.MaxEpochs = 3
	return h
}

func TestLoopRunsQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cfg.MetricsTextfile = filepath.Join(t.TempDir(), "hcomb.prom")
	a, b := shortRun(), shortRun()
	b.LearningRate = 0.01
	f.enqueue(t, a, b)

	summary, err := f.loop(t, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, summary, Summary{Ran: 2})

	hs, err := f.manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, hs, 2)
	for i, h := range hs {
		assert.Equal(t, h.ID, i)
		assert.Assert(t, h.Finished)
		assert.Equal(t, h.Hostname, "gpu-node")
		assert.Equal(t, h.BatchSize, 32)
		// Stage 1 validates on fold 3, at index 2.
		assert.DeepEqual(t, h.EpochsFinished, []int{0, 0, 3, 0, 0, 0})
		assert.Equal(t, h.BestEpochs[2].Epoch, 3)
		assert.Equal(t, h.ValMetric[2], 0.3)
		assert.Equal(t, h.ValMetricMean, 0.3)
		assert.Equal(t, h.ValMetricStd, 0.0)
		assert.Equal(t, h.ElapsedMinutes, 3.0)

		dir := filepath.Join(f.cfg.SavePath, "stage1", "hcomb_"+string(rune('0'+i)))
		snap, err := model.LoadFromDir(dir)
		require.NoError(t, err)
		assert.Equal(t, snap.ID, i)
		_, err = os.Stat(filepath.Join(dir, "val_fold3"))
		require.NoError(t, err)
	}

	pending, err := f.manager.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(pending), 0)

	bs, err := os.ReadFile(f.cfg.MetricsTextfile)
	require.NoError(t, err)
	assert.Assert(t, len(bs) > 0)
}

func TestLoopSkipsFinished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := shortRun()
	reg, err := f.manager.RegisterOrReuse(ctx, h)
	require.NoError(t, err)
	_, err = f.manager.Finish(ctx, reg.ID, 0.9, 0, 10)
	require.NoError(t, err)
	f.enqueue(t, h)

	summary, err := f.loop(t, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, summary, Summary{Skipped: 1})
	assert.Equal(t, len(f.trainer.epochs), 0)

	got, err := f.manager.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ValMetricMean, 0.9)
}

func TestLoopResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := shortRun()
	h.MaxEpochs = 5
	reg, err := f.manager.RegisterOrReuse(ctx, h)
	require.NoError(t, err)
	_, err = f.manager.ReportEpoch(ctx, reg.ID, 2, 0.1, 1, 1)
	require.NoError(t, err)
	f.enqueue(t, h)

	// The checkpoint is one epoch ahead of the registry.
	f.trainer.checkpoint[3] = Checkpoint{EpochsFinished: 2, ValMetric: 0.2}
	summary, err := f.loop(t, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, summary, Summary{Ran: 1})
	assert.DeepEqual(t, f.trainer.epochs[3], []int{2, 3, 4})

	got, err := f.manager.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, got.EpochsFinished[2], 5)
	assert.Equal(t, got.BestEpochs[2].Epoch, 5)
	// Elapsed time continues from the minute recorded before the restart.
	assert.Equal(t, got.ElapsedMinutes, 4.0)
}

func TestLoopResetsReusedModelDir(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cfg.ResetHCombs = true
	f.cfg.ModelDirTemplate = `{{ .Hostname | upper }}/s{{ .Stage }}-{{ printf "%03d" .ID }}`
	h := shortRun()
	_, err := f.manager.RegisterOrReuse(ctx, h)
	require.NoError(t, err)

	dir := filepath.Join(f.cfg.SavePath, "GPU-NODE", "s1-000")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stale := filepath.Join(dir, "stale.hdf5")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))
	f.enqueue(t, h)

	_, err = f.loop(t, nil).Run(ctx)
	require.NoError(t, err)
	_, err = os.Stat(stale)
	assert.Assert(t, os.IsNotExist(err))
	_, err = model.LoadFromDir(dir)
	require.NoError(t, err)
}

func TestLoopStopsOnExecutorError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.trainer.failAt = 1
	f.enqueue(t, shortRun(), shortRun())

	_, err := f.loop(t, nil).Run(ctx)
	assert.ErrorContains(t, err, "out of GPU memory")

	hs, err := f.manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Assert(t, !hs[0].Finished)
	assert.Equal(t, hs[0].EpochsFinished[2], 1)
}

func TestLoopRetriesLockTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager = f.manager.WithTimeout(10 * time.Millisecond)
	f.cfg.LockRetryMaxElapsed = 10 * time.Second
	f.enqueue(t, shortRun())

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.store.WithLock(ctx, store.Queue, time.Second, func(store.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	time.AfterFunc(100*time.Millisecond, func() { close(release) })

	summary, err := f.loop(t, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, summary, Summary{Ran: 1})
}

func TestReportEpochRetriesLockTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager = f.manager.WithTimeout(10 * time.Millisecond)
	f.cfg.LockRetryMaxElapsed = 10 * time.Second
	f.enqueue(t, shortRun())

	summary, err := f.loop(t, ExecutorFunc(func(ctx context.Context, job *Job) (Result, error) {
		held := make(chan struct{})
		go func() {
			_ = f.store.WithLock(ctx, store.Registry, time.Second, func(store.Tx) error {
				close(held)
				time.Sleep(100 * time.Millisecond)
				return nil
			})
		}()
		<-held
		if err := job.Reporter.ReportEpoch(ctx, 2, 0.5, 1); err != nil {
			return Result{}, err
		}
		return Result{ValMetricMean: 0.5}, nil
	})).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, summary, Summary{Ran: 1})

	h, err := f.manager.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, h.EpochsFinished[2], 1)
}

func TestLoopWithoutRetryFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager = f.manager.WithTimeout(10 * time.Millisecond)
	f.cfg.LockRetryMaxElapsed = 0
	f.enqueue(t, shortRun())

	require.NoError(t, f.store.WithLock(ctx, store.Queue, time.Second, func(store.Tx) error {
		_, err := f.loop(t, nil).Run(ctx)
		require.True(t, errors.Is(err, hcomb.ErrLockTimeout), "got %v", err)
		return nil
	}))
}

func TestLoopQueueNotInitialized(t *testing.T) {
	f := newFixture(t)
	_, err := f.loop(t, nil).Run(context.Background())
	require.True(t, errors.Is(err, hcomb.ErrQueueNotInitialized), "got %v", err)
}

func TestExecutorFunc(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueue(t, shortRun())

	var seen *Job
	summary, err := f.loop(t, ExecutorFunc(func(ctx context.Context, job *Job) (Result, error) {
		seen = job
		f.clock.Advance(90 * time.Second)
		return Result{ValMetricMean: 0.42, ValMetricStd: 0.01}, nil
	})).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, summary, Summary{Ran: 1})
	assert.Equal(t, seen.ID, 0)
	assert.Equal(t, seen.HComb().Hostname, "gpu-node")

	h, err := f.manager.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, h.ValMetricMean, 0.42)
	assert.Equal(t, h.ElapsedMinutes, 1.5)
}

func TestInvalidConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.ModelDirTemplate = "{{ .ID"
	_, err := New(f.cfg, f.manager, nil, f.clock)
	assert.ErrorContains(t, err, "invalid model_dir_template")
}
