// Package model holds the hyperparameter-combination record shared by the registry, the to-run
// queue, the sampler and the workers.
package model

import (
	"github.com/pkg/errors"

	"github.com/twoears/hcomb/pkg/check"
	"github.com/twoears/hcomb/pkg/ptrs"
)

// UnassignedID marks a combination that has not been registered yet.
const UnassignedID = -1

// Defaults used by NewHComb.
const (
	DefaultNClasses         = 13
	DefaultTimeSteps        = 2000
	DefaultNFeatures        = 160
	DefaultBatchSize        = 64
	DefaultMaxEpochs        = 50
	DefaultLearningRate     = 0.001
	DefaultDropout          = 0.25
	DefaultOutputThreshold  = 0.5
	DefaultPatienceInEpochs = 5
	DefaultLabelMode        = "blockbased"
	DefaultMaskVal          = -1
	DefaultMetric           = "BAC"
	numTrainScenes          = 80
	numFolds                = 6
)

// HComb is one point in hyperparameter space plus the progress of its cross-validation run.
type HComb struct {
	ID int `json:"id"`

	// Data and run shape; not sampled.
	NClasses         int     `json:"n_classes"`
	TimeSteps        int     `json:"time_steps"`
	NFeatures        int     `json:"n_features"`
	BatchSize        int     `json:"batch_size"`
	MaxEpochs        int     `json:"max_epochs"`
	OutputThreshold  float64 `json:"output_threshold"`
	TrainScenes      []int   `json:"train_scenes"`
	AllFolds         []int   `json:"all_folds"`
	Stage            Stage   `json:"stage"`
	LabelMode        string  `json:"label_mode"`
	MaskVal          int     `json:"mask_val"`
	ValStateful      bool    `json:"val_stateful"`
	PatienceInEpochs int     `json:"patience_in_epochs"`

	// Architecture.
	UnitsPerLayerLSTM []int `json:"units_per_layer_lstm"`
	UnitsPerLayerMLP  []int `json:"units_per_layer_mlp"`

	// Regularization.
	LearningRate      float64 `json:"learning_rate"`
	InputDropout      float64 `json:"input_dropout"`
	RecurrentDropout  float64 `json:"recurrent_dropout"`
	LSTMOutputDropout float64 `json:"lstm_output_dropout"`
	MLPOutputDropout  float64 `json:"mlp_output_dropout"`

	Metric   string `json:"metric"`
	Hostname string `json:"hostname"`

	// Progress, indexed by fold position in AllFolds.
	EpochsFinished []int       `json:"epochs_finished"`
	BestEpochs     []BestEpoch `json:"best_epochs"`
	ValMetric      []float64   `json:"val_metric"`
	ValMetricMean  float64     `json:"val_metric_mean"`
	ValMetricStd   float64     `json:"val_metric_std"`
	Finished       bool        `json:"finished"`
	ElapsedMinutes float64     `json:"elapsed_minutes"`
}

// BestEpoch is the 1-based epoch with the best validation metric on a fold. Once a stage-2 run
// has been merged with its stage-1 counterpart, Stage1 holds the stage-1 best epoch and Epoch the
// stage-2 one.
type BestEpoch struct {
	Epoch  int  `json:"epoch"`
	Stage1 *int `json:"stage1,omitempty"`
}

// NewHComb returns a combination with the default run shape, a three-layer LSTM and a single
// sigmoid output layer.
func NewHComb() HComb {
	h := HComb{
		ID:                UnassignedID,
		NClasses:          DefaultNClasses,
		TimeSteps:         DefaultTimeSteps,
		NFeatures:         DefaultNFeatures,
		BatchSize:         DefaultBatchSize,
		MaxEpochs:         DefaultMaxEpochs,
		OutputThreshold:   DefaultOutputThreshold,
		TrainScenes:       seq(1, numTrainScenes),
		AllFolds:          seq(1, numFolds),
		Stage:             Stage1,
		LabelMode:         DefaultLabelMode,
		MaskVal:           DefaultMaskVal,
		ValStateful:       true,
		PatienceInEpochs:  DefaultPatienceInEpochs,
		UnitsPerLayerLSTM: []int{581, 581, 581},
		UnitsPerLayerMLP:  []int{DefaultNClasses},
		LearningRate:      DefaultLearningRate,
		RecurrentDropout:  DefaultDropout,
		LSTMOutputDropout: DefaultDropout,
		MLPOutputDropout:  DefaultDropout,
		Metric:            DefaultMetric,
	}
	h.ResetProgress()
	return h
}

// WithHiddenMLP sets the hidden MLP layers and appends the NClasses-wide output layer.
func (h *HComb) WithHiddenMLP(units ...int) *HComb {
	h.UnitsPerLayerMLP = append(append([]int{}, units...), h.NClasses)
	return h
}

// ResetProgress zeroes all per-fold progress and the aggregates.
func (h *HComb) ResetProgress() {
	n := len(h.AllFolds)
	h.EpochsFinished = make([]int, n)
	h.BestEpochs = make([]BestEpoch, n)
	h.ValMetric = make([]float64, n)
	h.ValMetricMean = -1
	h.ValMetricStd = -1
	h.Finished = false
	h.ElapsedMinutes = -1
}

// Clone returns a deep copy. Nil slices stay nil so the copy has the same Fingerprint.
func (h HComb) Clone() HComb {
	out := h
	out.TrainScenes = cloneSlice(h.TrainScenes)
	out.AllFolds = cloneSlice(h.AllFolds)
	out.UnitsPerLayerLSTM = cloneSlice(h.UnitsPerLayerLSTM)
	out.UnitsPerLayerMLP = cloneSlice(h.UnitsPerLayerMLP)
	out.EpochsFinished = cloneSlice(h.EpochsFinished)
	out.ValMetric = cloneSlice(h.ValMetric)
	if h.BestEpochs != nil {
		out.BestEpochs = make([]BestEpoch, len(h.BestEpochs))
		for i, b := range h.BestEpochs {
			out.BestEpochs[i] = BestEpoch{Epoch: b.Epoch}
			if b.Stage1 != nil {
				out.BestEpochs[i].Stage1 = ptrs.Ptr(*b.Stage1)
			}
		}
	}
	return out
}

func cloneSlice[T any](xs []T) []T {
	if xs == nil {
		return nil
	}
	return append(make([]T, 0, len(xs)), xs...)
}

// FoldIndex returns the position of fold in AllFolds, or -1.
func (h HComb) FoldIndex(fold int) int {
	for i, f := range h.AllFolds {
		if f == fold {
			return i
		}
	}
	return -1
}

// TrainFolds are all folds except valFold.
func (h HComb) TrainFolds(valFold int) []int {
	var folds []int
	for _, f := range h.AllFolds {
		if f != valFold {
			folds = append(folds, f)
		}
	}
	return folds
}

// ValFolds are the folds held out for validation in this combination's stage.
func (h HComb) ValFolds() []int {
	return h.Stage.ValFolds(h.AllFolds)
}

// Validate implements the check.Validatable interface.
func (h HComb) Validate() []error {
	n := len(h.AllFolds)
	errs := []error{
		check.GreaterThan(h.NClasses, 0, "n_classes"),
		check.GreaterThan(n, 0, "all_folds must not be empty"),
		check.GreaterThan(len(h.UnitsPerLayerMLP), 0, "units_per_layer_mlp needs an output layer"),
		check.True(len(h.EpochsFinished) == n && len(h.BestEpochs) == n && len(h.ValMetric) == n,
			"progress vectors must have one entry per fold"),
	}
	if m := len(h.UnitsPerLayerMLP); m > 0 && h.UnitsPerLayerMLP[m-1] != h.NClasses {
		errs = append(errs, errors.Errorf(
			"last output layer should have %d (number of classes) units, has %d",
			h.NClasses, h.UnitsPerLayerMLP[m-1]))
	}
	for _, rate := range []float64{
		h.InputDropout, h.RecurrentDropout, h.LSTMOutputDropout, h.MLPOutputDropout,
	} {
		if rate < 0 || rate >= 1 {
			errs = append(errs, errors.Errorf("dropout rate %v outside [0, 1)", rate))
		}
	}
	return errs
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
