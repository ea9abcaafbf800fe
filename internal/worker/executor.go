package worker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twoears/hcomb/internal/hcomb"
	"github.com/twoears/hcomb/pkg/mmath"
	"github.com/twoears/hcomb/pkg/model"
)

// Executor trains one claimed combination. It reports progress through job.Reporter and returns
// the aggregate validation metric; the loop marks the combination finished.
type Executor interface {
	Run(ctx context.Context, job *Job) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *Job) (Result, error)

// Run implements Executor.
func (f ExecutorFunc) Run(ctx context.Context, job *Job) (Result, error) {
	return f(ctx, job)
}

// Job is one claimed combination handed to an Executor.
type Job struct {
	ID       int
	ModelDir string
	Reporter *Reporter
}

// HComb returns the registry state as of the last report.
func (j *Job) HComb() model.HComb {
	return j.Reporter.hcomb.Clone()
}

// Result is what an Executor hands back on success.
type Result struct {
	ValMetricMean float64
	ValMetricStd  float64
}

// retryFunc runs op under the loop's lock-timeout retry policy.
type retryFunc func(ctx context.Context, what string, op func() error) error

// Reporter persists per-epoch progress of one job and keeps track of its wall-clock time.
// Manager calls are retried on lock timeouts like the loop's own.
type Reporter struct {
	manager *hcomb.Manager
	retry   retryFunc
	id      int
	hcomb   model.HComb
	clock   clockwork.Clock
	start   time.Time
	base    float64
	log     *log.Entry
}

func newReporter(
	m *hcomb.Manager, retry retryFunc, h model.HComb, clock clockwork.Clock, entry *log.Entry,
) *Reporter {
	return &Reporter{
		manager: m,
		retry:   retry,
		id:      h.ID,
		hcomb:   h.Clone(),
		clock:   clock,
		start:   clock.Now(),
		base:    mmath.Max(h.ElapsedMinutes, 0), // Keep minutes spent by earlier runs.
		log:     entry,
	}
}

// ElapsedMinutes is the time spent on the combination, earlier runs included.
func (r *Reporter) ElapsedMinutes() float64 {
	return r.base + r.clock.Since(r.start).Minutes()
}

// ReportEpoch records a finished epoch on the fold at foldIndex.
func (r *Reporter) ReportEpoch(
	ctx context.Context, foldIndex int, valMetric float64, bestEpoch int,
) error {
	var h model.HComb
	if err := r.retry(ctx, "report epoch", func() (err error) {
		h, err = r.manager.ReportEpoch(
			ctx, r.id, foldIndex, valMetric, bestEpoch, r.ElapsedMinutes())
		return err
	}); err != nil {
		return errors.Wrapf(err, "reporting epoch on fold index %d", foldIndex)
	}
	r.hcomb = h
	epochsReported.Inc()
	r.log.WithFields(log.Fields{
		"fold-index": foldIndex,
		"epoch":      h.EpochsFinished[foldIndex],
		"val-metric": valMetric,
		"best-epoch": bestEpoch,
	}).Debug("epoch finished")
	return nil
}

// Reconcile overwrites the fold's progress with the checkpointed state if the two disagree. It
// reports whether the registry was changed.
func (r *Reporter) Reconcile(
	ctx context.Context, foldIndex, checkpointEpochs int, valMetric float64,
) (bool, error) {
	h := r.hcomb.Clone()
	if foldIndex < 0 || foldIndex >= len(h.EpochsFinished) {
		return false, errors.Wrapf(hcomb.ErrInvalidProgress, "fold index %d out of range", foldIndex)
	}
	if h.EpochsFinished[foldIndex] == checkpointEpochs {
		return false, nil
	}
	r.log.WithFields(log.Fields{
		"fold-index": foldIndex,
		"registry":   h.EpochsFinished[foldIndex],
		"checkpoint": checkpointEpochs,
	}).Warn("registry progress differs from checkpoint, using checkpoint")
	h.EpochsFinished[foldIndex] = checkpointEpochs
	h.ValMetric[foldIndex] = valMetric
	if h.BestEpochs[foldIndex].Epoch > checkpointEpochs {
		h.BestEpochs[foldIndex].Epoch = checkpointEpochs
	}
	if err := r.retry(ctx, "reconcile", func() error {
		return r.manager.ReplaceAt(ctx, r.id, h)
	}); err != nil {
		return false, errors.Wrap(err, "reconciling with checkpoint")
	}
	r.hcomb = h
	return true, nil
}
