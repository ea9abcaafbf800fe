package worker

import "math"

// EarlyStopping tracks the best validation metric of one fold and decides when to stop. Higher
// metrics are better.
type EarlyStopping struct {
	Patience int

	best       float64
	bestEpoch  int
	withoutImp int
}

// NewEarlyStopping returns a tracker that stops after more than patience epochs without
// improvement. A non-positive patience never stops.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience, best: math.Inf(-1)}
}

// Observe records the metric of the 0-based epoch e. It returns the 1-based best epoch so far and
// whether training should stop.
func (s *EarlyStopping) Observe(e int, metric float64) (bestEpoch int, stop bool) {
	if metric > s.best {
		s.best = metric
		s.bestEpoch = e + 1
		s.withoutImp = 0
	} else {
		s.withoutImp++
	}
	return s.bestEpoch, s.withoutImp > s.Patience && s.Patience > 0
}

// Best returns the best metric and its 1-based epoch; the epoch is 0 before any observation.
func (s *EarlyStopping) Best() (float64, int) {
	return s.best, s.bestEpoch
}
