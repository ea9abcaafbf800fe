// Package logger configures the process-wide logrus logger and carries per-job log fields.
package logger

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config selects the log level and whether output is colored.
type Config struct {
	Level string `json:"level"`
	Color bool   `json:"color"`
}

// DefaultConfig logs at info level with colors.
func DefaultConfig() *Config {
	return &Config{Level: logrus.InfoLevel.String(), Color: true}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return []error{errors.Wrap(err, "invalid log level")}
	}
	return nil
}

// SetLogrus applies c to the standard logger. Call it once, after c has been validated.
func SetLogrus(c Config) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		panic(err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   c.Color,
		DisableColors: !c.Color,
	})
}
