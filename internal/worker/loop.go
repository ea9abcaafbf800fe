// Package worker runs claimed combinations one after another until the to-run queue is empty.
// Several workers, typically one per GPU, share the same lists through the hcomb manager.
package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/cenkalti/backoff/v4"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twoears/hcomb/internal/hcomb"
	"github.com/twoears/hcomb/pkg/check"
	"github.com/twoears/hcomb/pkg/logger"
	"github.com/twoears/hcomb/pkg/model"
)

const (
	// DefaultModelDirTemplate lays model directories out by stage and ID.
	DefaultModelDirTemplate = "stage{{ .Stage }}/hcomb_{{ .ID }}"
	nameWords               = 2
	nameSep                 = "-"
)

// Config configures a Loop.
type Config struct {
	// SavePath is the root model directories are rendered under.
	SavePath string
	// Hostname and BatchSize are recorded on every claimed combination. A zero batch size keeps
	// the sampled one.
	Hostname  string
	BatchSize int
	// ResetHCombs removes the model directory of a reused combination before running it again.
	ResetHCombs bool
	// ModelDirTemplate is a text/template with sprig functions, rendered relative to SavePath.
	ModelDirTemplate string
	// LockRetryMaxElapsed bounds retries of manager calls that hit a lock timeout. Zero disables
	// retrying.
	LockRetryMaxElapsed time.Duration
	// MetricsTextfile, if set, receives the prometheus metrics when the loop returns.
	MetricsTextfile string
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		ModelDirTemplate:    DefaultModelDirTemplate,
		LockRetryMaxElapsed: 5 * time.Minute,
	}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	_, err := parseModelDir(c.ModelDirTemplate)
	return []error{
		check.GreaterThanOrEqualTo(c.BatchSize, 0, "batch_size must not be negative"),
		check.GreaterThanOrEqualTo(c.LockRetryMaxElapsed, 0,
			"lock_retry_max_elapsed must not be negative"),
		errors.Wrap(err, "invalid model_dir_template"),
	}
}

func parseModelDir(text string) (*template.Template, error) {
	return template.New("model-dir").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(text)
}

// ModelDirData is the data the model directory template is rendered with.
type ModelDirData struct {
	ID       int
	Stage    model.Stage
	Hostname string
	HComb    model.HComb
}

// Summary counts what a Loop did.
type Summary struct {
	Ran     int
	Skipped int
}

// Loop claims, registers and runs combinations until the queue is empty.
type Loop struct {
	cfg      Config
	manager  *hcomb.Manager
	executor Executor
	clock    clockwork.Clock
	modelDir *template.Template
	log      *log.Entry
}

// New returns a Loop. The clock drives elapsed-time reporting.
func New(
	cfg Config, m *hcomb.Manager, executor Executor, clock clockwork.Clock,
) (*Loop, error) {
	if err := check.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid worker config")
	}
	if cfg.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "looking up hostname")
		}
		cfg.Hostname = host
	}
	tmpl, err := parseModelDir(cfg.ModelDirTemplate)
	if err != nil {
		return nil, err
	}
	ctx := logger.Context{
		"worker":  petname.Generate(nameWords, nameSep),
		"session": uuid.New().String(),
		"host":    cfg.Hostname,
	}
	return &Loop{
		cfg:      cfg,
		manager:  m,
		executor: executor,
		clock:    clock,
		modelDir: tmpl,
		log:      logger.Entry(ctx),
	}, nil
}

// retry runs op again while it fails with a lock timeout, until LockRetryMaxElapsed has passed.
func (l *Loop) retry(ctx context.Context, what string, op func() error) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if l.cfg.LockRetryMaxElapsed > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = l.cfg.LockRetryMaxElapsed
		b = exp
	}
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !errors.Is(err, hcomb.ErrLockTimeout) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		lockRetries.Inc()
		l.log.WithError(err).Warnf("%s: lock busy, retrying in %s", what, next)
	})
}

// Run processes the queue until it is empty, the context is canceled, or a combination fails.
// Metrics are flushed on return.
func (l *Loop) Run(ctx context.Context) (summary Summary, err error) {
	defer func() {
		if ferr := flushMetrics(l.cfg.MetricsTextfile); ferr != nil {
			err = multierror.Append(err, errors.Wrap(ferr, "writing metrics textfile")).
				ErrorOrNil()
		}
	}()

	l.log.Info("worker started")
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		var (
			h  model.HComb
			ok bool
		)
		if err := l.retry(ctx, "claim", func() (err error) {
			h, ok, err = l.manager.ClaimNext(ctx)
			return err
		}); err != nil {
			return summary, errors.Wrap(err, "claiming next hcomb")
		}
		if !ok {
			l.log.WithFields(log.Fields{
				"ran":     summary.Ran,
				"skipped": summary.Skipped,
			}).Info("no more hcombs to run")
			return summary, nil
		}

		ran, err := l.runOne(ctx, h)
		if err != nil {
			hcombsProcessed.WithLabelValues("failed").Inc()
			return summary, err
		}
		if ran {
			summary.Ran++
			hcombsProcessed.WithLabelValues("finished").Inc()
		} else {
			summary.Skipped++
			hcombsProcessed.WithLabelValues("skipped").Inc()
		}
	}
}

func (l *Loop) runOne(ctx context.Context, candidate model.HComb) (bool, error) {
	var reg hcomb.Registration
	if err := l.retry(ctx, "register", func() (err error) {
		reg, err = l.manager.RegisterOrReuse(ctx, candidate)
		return err
	}); err != nil {
		return false, errors.Wrap(err, "registering hcomb")
	}
	entry := l.log.WithField("hcomb-id", reg.ID)
	if reg.HComb.Finished {
		entry.Warn("hcomb already evaluated, skipping")
		return false, nil
	}

	batchSize := l.cfg.BatchSize
	if batchSize == 0 {
		batchSize = reg.HComb.BatchSize
	}
	var h model.HComb
	if err := l.retry(ctx, "set claim metadata", func() (err error) {
		h, err = l.manager.SetClaimMetadata(ctx, reg.ID, l.cfg.Hostname, batchSize)
		return err
	}); err != nil {
		return false, errors.Wrap(err, "recording claim")
	}

	dir, err := l.prepareModelDir(h, reg.Reused)
	if err != nil {
		return false, err
	}

	entry.WithFields(log.Fields{"reused": reg.Reused, "model-dir": dir}).Info("running hcomb")
	job := &Job{
		ID:       reg.ID,
		ModelDir: dir,
		Reporter: newReporter(l.manager, l.retry, h, l.clock, entry),
	}
	res, err := l.executor.Run(ctx, job)
	if err != nil {
		return false, errors.Wrapf(err, "running hcomb %d", reg.ID)
	}

	var done model.HComb
	if err := l.retry(ctx, "finish", func() (err error) {
		done, err = l.manager.Finish(
			ctx, reg.ID, res.ValMetricMean, res.ValMetricStd, job.Reporter.ElapsedMinutes())
		return err
	}); err != nil {
		return false, errors.Wrapf(err, "finishing hcomb %d", reg.ID)
	}
	entry.WithFields(log.Fields{
		"val-metric-mean": done.ValMetricMean,
		"val-metric-std":  done.ValMetricStd,
		"elapsed-minutes": done.ElapsedMinutes,
	}).Info("hcomb finished")
	return true, nil
}

// prepareModelDir renders, optionally resets, creates and snapshots the model directory.
func (l *Loop) prepareModelDir(h model.HComb, reused bool) (string, error) {
	var buf bytes.Buffer
	if err := l.modelDir.Execute(&buf, ModelDirData{
		ID:       h.ID,
		Stage:    h.Stage,
		Hostname: l.cfg.Hostname,
		HComb:    h,
	}); err != nil {
		return "", errors.Wrap(err, "rendering model directory")
	}
	dir := filepath.Join(l.cfg.SavePath, buf.String())

	if l.cfg.ResetHCombs && reused {
		if err := os.RemoveAll(dir); err != nil {
			return "", errors.Wrapf(err, "resetting %s", dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %s", dir)
	}
	if err := h.SaveToDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}
