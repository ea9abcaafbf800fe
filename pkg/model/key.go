package model

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Key is the comparison projection of an HComb: every field that defines the underlying work.
// Identity, worker assignment, the metric name and all progress fields are left out, so two
// records with equal keys describe the same training run. Key is comparable and can be used as a
// map key.
type Key struct {
	NClasses          int
	TimeSteps         int
	NFeatures         int
	MaxEpochs         int
	OutputThreshold   float64
	TrainScenes       string
	AllFolds          string
	Stage             Stage
	LabelMode         string
	MaskVal           int
	ValStateful       bool
	PatienceInEpochs  int
	UnitsPerLayerLSTM string
	UnitsPerLayerMLP  string
	LearningRate      float64
	InputDropout      float64
	RecurrentDropout  float64
	LSTMOutputDropout float64
	MLPOutputDropout  float64
}

// Key projects h onto its comparable fields.
func (h HComb) Key() Key {
	return Key{
		NClasses:          h.NClasses,
		TimeSteps:         h.TimeSteps,
		NFeatures:         h.NFeatures,
		MaxEpochs:         h.MaxEpochs,
		OutputThreshold:   h.OutputThreshold,
		TrainScenes:       joinInts(h.TrainScenes),
		AllFolds:          joinInts(h.AllFolds),
		Stage:             h.Stage,
		LabelMode:         h.LabelMode,
		MaskVal:           h.MaskVal,
		ValStateful:       h.ValStateful,
		PatienceInEpochs:  h.PatienceInEpochs,
		UnitsPerLayerLSTM: joinInts(h.UnitsPerLayerLSTM),
		UnitsPerLayerMLP:  joinInts(h.UnitsPerLayerMLP),
		LearningRate:      h.LearningRate,
		InputDropout:      h.InputDropout,
		RecurrentDropout:  h.RecurrentDropout,
		LSTMOutputDropout: h.LSTMOutputDropout,
		MLPOutputDropout:  h.MLPOutputDropout,
	}
}

// WithStage returns the key with Stage replaced; used to find the stage-1 counterpart of a
// stage-2 run.
func (k Key) WithStage(s Stage) Key {
	k.Stage = s
	return k
}

// Fingerprint is a canonical encoding of the full record, used for structural deduplication of
// the to-run queue.
func (h HComb) Fingerprint() string {
	bs, err := json.Marshal(h)
	if err != nil {
		panic(errors.Wrap(err, "fingerprinting hcomb"))
	}
	return string(bs)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
