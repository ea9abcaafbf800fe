package worker

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	promNamespace = "hcomb"
	promSubsystem = "worker"
)

var (
	hcombsProcessed = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "hcombs",
		Help:      "claimed combinations by outcome",
	}, []string{"outcome"})
	epochsReported = prom.NewCounter(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "epochs",
		Help:      "epochs reported to the registry",
	})
	lockRetries = prom.NewCounter(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "lock_retries",
		Help:      "manager calls retried after a lock timeout",
	})
)

func init() {
	prom.MustRegister(hcombsProcessed)
	prom.MustRegister(epochsReported)
	prom.MustRegister(lockRetries)
}

// flushMetrics writes the default registry to path in the node-exporter textfile format.
func flushMetrics(path string) error {
	if path == "" {
		return nil
	}
	return prom.WriteToTextfile(path, prom.DefaultGatherer)
}
