package hcomb

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	promNamespace = "hcomb"
	promSubsystem = "manager"
)

var (
	opLabels    = []string{"op"}
	opHistogram = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "seconds",
		Help:      "duration of manager operations, lock wait included",
		Buckets:   prom.DefBuckets,
	}, opLabels)
	opErrors = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "errors",
		Help:      "errors from manager operations",
	}, opLabels)
	registrations = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "registrations",
		Help:      "register-or-reuse outcomes",
	}, []string{"outcome"})
	duplicateMatches = prom.NewCounter(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "duplicate_matches",
		Help:      "lookups that matched more than one registry entry",
	})
)

func init() {
	prom.MustRegister(opHistogram)
	prom.MustRegister(opErrors)
	prom.MustRegister(registrations)
	prom.MustRegister(duplicateMatches)
}

// observe records the duration and outcome of op. Use as
// `defer observe("op", time.Now(), &err)`.
func observe(op string, start time.Time, err *error) {
	opHistogram.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *err != nil {
		opErrors.WithLabelValues(op).Inc()
	}
}
