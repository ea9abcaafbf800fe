package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/twoears/hcomb/pkg/mmath"
	"github.com/twoears/hcomb/pkg/model"
)

// Checkpoint is the latest saved training state of one fold.
type Checkpoint struct {
	EpochsFinished int
	ValMetric      float64
}

// Fold is one validation fold of a job.
type Fold struct {
	// Index is the position of ValFold in AllFolds, the index used for progress reports.
	Index      int
	ValFold    int
	TrainFolds []int
	Dir        string
	HComb      model.HComb
}

// Trainer is a training framework seen one epoch at a time.
type Trainer interface {
	// Checkpoint returns the latest checkpoint in fold.Dir; ok is false if there is none. A found
	// checkpoint is expected to be loaded so training resumes from it.
	Checkpoint(ctx context.Context, fold Fold) (cp Checkpoint, ok bool, err error)
	// Epoch trains and validates the 0-based epoch e and returns the validation metric.
	Epoch(ctx context.Context, fold Fold, e int) (float64, error)
}

// CrossValidation is an Executor that runs every validation fold of a job, resuming each from its
// checkpoint and stopping early once the metric stalls for longer than the patience.
type CrossValidation struct {
	Trainer Trainer
}

// Run implements Executor.
func (c CrossValidation) Run(ctx context.Context, job *Job) (Result, error) {
	h := job.HComb()
	valFolds := h.ValFolds()
	final := make([]float64, 0, len(valFolds))
	for _, vf := range valFolds {
		fold := Fold{
			Index:      h.FoldIndex(vf),
			ValFold:    vf,
			TrainFolds: h.TrainFolds(vf),
			Dir:        filepath.Join(job.ModelDir, fmt.Sprintf("val_fold%d", vf)),
		}
		if fold.Index < 0 {
			return Result{}, errors.Errorf("validation fold %d not in %v", vf, h.AllFolds)
		}
		metric, err := c.runFold(ctx, job, fold)
		if err != nil {
			return Result{}, errors.Wrapf(err, "val fold %d", vf)
		}
		final = append(final, metric)
	}
	return Result{ValMetricMean: mmath.Mean(final), ValMetricStd: mmath.Std(final)}, nil
}

func (c CrossValidation) runFold(ctx context.Context, job *Job, fold Fold) (float64, error) {
	if err := os.MkdirAll(fold.Dir, 0o755); err != nil {
		return 0, errors.Wrap(err, "creating fold directory")
	}
	fold.HComb = job.HComb()
	cp, ok, err := c.Trainer.Checkpoint(ctx, fold)
	if err != nil {
		return 0, errors.Wrap(err, "reading checkpoint")
	}
	if ok {
		if _, err := job.Reporter.Reconcile(ctx, fold.Index, cp.EpochsFinished, cp.ValMetric); err != nil {
			return 0, err
		}
		fold.HComb = job.HComb()
	}

	h := fold.HComb
	metric := h.ValMetric[fold.Index]
	stopping := NewEarlyStopping(h.PatienceInEpochs)
	for e := h.EpochsFinished[fold.Index]; e < h.MaxEpochs; e++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		metric, err = c.Trainer.Epoch(ctx, fold, e)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d", e+1)
		}
		best, stop := stopping.Observe(e, metric)
		if err := job.Reporter.ReportEpoch(ctx, fold.Index, metric, best); err != nil {
			return 0, err
		}
		if stop {
			break
		}
	}
	return metric, nil
}
