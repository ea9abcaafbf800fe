// Package config holds the settings shared by hcombctl and the workers.
package config

import (
	"time"

	"github.com/twoears/hcomb/internal/hcomb"
	"github.com/twoears/hcomb/internal/packer"
	"github.com/twoears/hcomb/internal/searcher"
	"github.com/twoears/hcomb/internal/store"
	"github.com/twoears/hcomb/internal/worker"
	"github.com/twoears/hcomb/pkg/check"
	"github.com/twoears/hcomb/pkg/logger"
)

// Config is the full configuration.
type Config struct {
	ConfigFile string `json:"config_file"`

	SavePath           string        `json:"save_path"`
	Backend            store.Backend `json:"backend"`
	DSN                string        `json:"dsn"`
	LockTimeout        Duration      `json:"lock_timeout"`
	AlwaysAppendHCombs bool          `json:"always_append_hcombs"`

	Log    logger.Config `json:"log"`
	Search SearchConfig  `json:"search"`
	Pack   packer.Config `json:"pack"`
	Worker WorkerConfig  `json:"worker"`
}

// SearchConfig configures the sampler.
type SearchConfig struct {
	searcher.Config
	NumHCombs int `json:"num_hcombs"`
}

// Validate implements the check.Validatable interface.
func (c SearchConfig) Validate() []error {
	return []error{
		check.GreaterThanOrEqualTo(c.NumHCombs, 0, "num_hcombs must not be negative"),
	}
}

// WorkerConfig configures worker loops.
type WorkerConfig struct {
	Hostname            string   `json:"hostname"`
	BatchSize           int      `json:"batch_size"`
	ResetHCombs         bool     `json:"reset_hcombs"`
	ModelDirTemplate    string   `json:"model_dir_template"`
	LockRetryMaxElapsed Duration `json:"lock_retry_max_elapsed"`
	MetricsTextfile     string   `json:"metrics_textfile"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	w := worker.DefaultConfig()
	return Config{
		SavePath:    ".",
		Backend:     store.BackendFile,
		LockTimeout: Duration(hcomb.DefaultTimeout),
		Log:         *logger.DefaultConfig(),
		Search: SearchConfig{
			Config:    searcher.DefaultConfig(),
			NumHCombs: searcher.GridSize(),
		},
		Pack: packer.Config{
			Rows:       64,
			Passes:     50,
			ClipFrames: 1000,
		},
		Worker: WorkerConfig{
			ModelDirTemplate:    w.ModelDirTemplate,
			LockRetryMaxElapsed: Duration(w.LockRetryMaxElapsed),
		},
	}
}

// Validate implements the check.Validatable interface. Nested sections validate themselves.
func (c Config) Validate() []error {
	errs := []error{
		check.NotEmpty(c.SavePath, "save_path must be set"),
		check.In(c.Backend, store.Backends, "backend"),
		check.GreaterThan(c.LockTimeout, 0, "lock_timeout must be positive"),
	}
	if c.Backend == store.BackendPostgres {
		errs = append(errs, check.NotEmpty(c.DSN, "dsn is required for the postgres backend"))
	}
	return errs
}

// Manager returns the hcomb manager settings.
func (c Config) Manager() hcomb.Config {
	return hcomb.Config{
		Timeout:      time.Duration(c.LockTimeout),
		AlwaysAppend: c.AlwaysAppendHCombs,
	}
}

// WorkerLoop returns the worker loop settings.
func (c Config) WorkerLoop() worker.Config {
	return worker.Config{
		SavePath:            c.SavePath,
		Hostname:            c.Worker.Hostname,
		BatchSize:           c.Worker.BatchSize,
		ResetHCombs:         c.Worker.ResetHCombs,
		ModelDirTemplate:    c.Worker.ModelDirTemplate,
		LockRetryMaxElapsed: time.Duration(c.Worker.LockRetryMaxElapsed),
		MetricsTextfile:     c.Worker.MetricsTextfile,
	}
}

// Validate implements the check.Validatable interface.
func (c WorkerConfig) Validate() []error {
	return worker.Config{
		BatchSize:           c.BatchSize,
		ModelDirTemplate:    c.ModelDirTemplate,
		LockRetryMaxElapsed: time.Duration(c.LockRetryMaxElapsed),
	}.Validate()
}
