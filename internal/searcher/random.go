// Package searcher fills the to-run queue. The architecture axes are enumerated exhaustively in a
// fixed order; each grid point then draws its neuron budget and regularization strength at random.
package searcher

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twoears/hcomb/internal/store"
	"github.com/twoears/hcomb/pkg/check"
	"github.com/twoears/hcomb/pkg/model"
	"github.com/twoears/hcomb/pkg/mmath"
	"github.com/twoears/hcomb/pkg/nprand"
	"github.com/twoears/hcomb/pkg/set"
)

// Search space constants.
const (
	MaxNeuronsLSTM    = 2100
	MaxNeuronsMLP     = 1200
	MinTotalNeurons   = 500
	MaxTotalNeurons   = 3000
	MinRegularization = 0.25
	MaxRegularization = 0.75
	BatchSize         = 128
	PatienceInEpochs  = 5
	DefaultTimeSteps  = 1000
)

// DropoutFactors scale the global regularization strength per dropout site.
type DropoutFactors struct {
	Input, Recurrent, LSTMOutput, MLPOutput float64
}

var (
	// DropoutPresets are enumerated as the outermost axis.
	DropoutPresets = []DropoutFactors{
		{0, 0.5, 0.5, 1},
		{0, 1, 1, 1},
		{0, 1, 0, 1},
		{0, 0, 0, 0},
	}
	// LSTMLayers is the number of recurrent layers.
	LSTMLayers = []int{3, 4, 5}
	// MLPLayers is the number of hidden dense layers.
	MLPLayers = []int{1, 2}
	// LSTMNeuronRatios is the share of the neuron budget given to the recurrent part.
	LSTMNeuronRatios = []float64{0.75, 0.5, 0.25}
)

// knownTimeSteps are the clip lengths the data pipeline was tuned for; others only warn.
var knownTimeSteps = []int{1000, 500, 50}

// Config configures a RandomSearch.
type Config struct {
	Stage     model.Stage `json:"stage"`
	Metric    string      `json:"metric"`
	TimeSteps int         `json:"time_steps"`
	// Seed makes the draws reproducible. Nil seeds from the clock.
	Seed *uint32 `json:"seed,omitempty"`
}

// DefaultConfig returns the stage-1 search.
func DefaultConfig() Config {
	return Config{
		Stage:     model.Stage1,
		Metric:    model.DefaultMetric,
		TimeSteps: DefaultTimeSteps,
	}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	return []error{
		check.GreaterThan(int(c.Stage), 0, "stage must be positive"),
		check.GreaterThan(c.TimeSteps, 0, "time_steps must be positive"),
		check.NotEmpty(c.Metric, "metric must be set"),
	}
}

// RandomSearch generates candidates for the to-run queue.
type RandomSearch struct {
	Config
	rand *nprand.State
}

// New returns a RandomSearch for cfg.
func New(cfg Config) (*RandomSearch, error) {
	if err := check.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid search config")
	}
	seed := uint32(time.Now().UnixNano())
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	if check.In(cfg.TimeSteps, knownTimeSteps) != nil {
		log.Warnf("time_steps %d not in %v, using it nevertheless", cfg.TimeSteps, knownTimeSteps)
	}
	return &RandomSearch{Config: cfg, rand: nprand.New(seed)}, nil
}

// point is one cell of the enumerated grid.
type point struct {
	dropout    DropoutFactors
	lstmLayers int
	mlpLayers  int
	lstmRatio  float64
}

// grid enumerates the architecture axes with the dropout preset varying slowest.
func grid() []point {
	idx := cartesianProduct([]int{
		len(DropoutPresets), len(LSTMLayers), len(MLPLayers), len(LSTMNeuronRatios),
	})
	out := make([]point, 0, len(idx))
	for _, i := range idx {
		out = append(out, point{
			dropout:    DropoutPresets[i[0]],
			lstmLayers: LSTMLayers[i[1]],
			mlpLayers:  MLPLayers[i[2]],
			lstmRatio:  LSTMNeuronRatios[i[3]],
		})
	}
	return out
}

// GridSize is the number of distinct architecture points.
func GridSize() int {
	return len(DropoutPresets) * len(LSTMLayers) * len(MLPLayers) * len(LSTMNeuronRatios)
}

func (s *RandomSearch) sample(p point) model.HComb {
	total := int(s.rand.Uniform(MinTotalNeurons, MaxTotalNeurons))
	strength := s.rand.Uniform(MinRegularization, MaxRegularization)

	lstmTotal := int(float64(total) * p.lstmRatio)
	mlpTotal := total - lstmTotal

	h := model.NewHComb()
	h.UnitsPerLayerLSTM = repeat(mmath.Min(MaxNeuronsLSTM, lstmTotal)/p.lstmLayers, p.lstmLayers)
	h.WithHiddenMLP(repeat(mmath.Min(MaxNeuronsMLP, mlpTotal)/p.mlpLayers, p.mlpLayers)...)
	h.InputDropout = p.dropout.Input * strength
	h.RecurrentDropout = p.dropout.Recurrent * strength
	h.LSTMOutputDropout = p.dropout.LSTMOutput * strength
	h.MLPOutputDropout = p.dropout.MLPOutput * strength
	h.PatienceInEpochs = PatienceInEpochs
	h.BatchSize = BatchSize
	h.TimeSteps = s.TimeSteps
	h.Metric = s.Metric
	h.Stage = s.Stage
	return h
}

// Generate realizes the first n grid points, in grid order, with structural duplicates removed.
func (s *RandomSearch) Generate(n int) []model.HComb {
	points := grid()
	if n < len(points) {
		points = points[:mmath.Max(n, 0)]
	}
	hs := make([]model.HComb, 0, len(points))
	for _, p := range points {
		hs = append(hs, s.sample(p))
	}
	return dedup(hs)
}

// dedup keeps the first occurrence of every structurally equal record.
func dedup(hs []model.HComb) []model.HComb {
	seen := set.New[string]()
	out := make([]model.HComb, 0, len(hs))
	for _, h := range hs {
		if seen.Insert(h.Fingerprint()) {
			out = append(out, h)
		}
	}
	return out
}

// Enqueue generates n candidates and merges them into the to-run queue, creating it if needed.
// Existing entries keep their position; new ones are appended unless already queued. It returns
// the number of entries added.
func (s *RandomSearch) Enqueue(
	ctx context.Context, st store.Store, timeout time.Duration, n int,
) (int, error) {
	return Enqueue(ctx, st, timeout, s.Generate(n))
}

// Enqueue merges hs into the to-run queue of st.
func Enqueue(
	ctx context.Context, st store.Store, timeout time.Duration, hs []model.HComb,
) (int, error) {
	created, err := st.Init(ctx, store.Queue, timeout)
	if err != nil {
		return 0, errors.Wrap(err, "initializing to-run queue")
	}
	var added int
	err = st.WithLock(ctx, store.Queue, timeout, func(tx store.Tx) error {
		queued, err := tx.Read()
		if err != nil {
			return err
		}
		merged := dedup(append(queued, hs...))
		added = len(merged) - len(dedup(queued))
		return tx.Write(merged)
	})
	if err != nil {
		return 0, errors.Wrap(err, "writing to-run queue")
	}
	log.WithFields(log.Fields{
		"created": created,
		"added":   added,
	}).Info("enqueued hcombs")
	return added, nil
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}
