package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/twoears/hcomb/internal/config"
	"github.com/twoears/hcomb/internal/hcomb"
	"github.com/twoears/hcomb/internal/store"
	"github.com/twoears/hcomb/pkg/logger"
)

const envPrefix = "HCOMB_"

// app is the state shared by all subcommands once the configuration is loaded.
type app struct {
	v   *viper.Viper
	cfg *config.Config
}

func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	s, err := store.Open(ctx, a.cfg.Backend, a.cfg.SavePath, a.cfg.DSN)
	return s, errors.Wrapf(err, "opening %s store", a.cfg.Backend)
}

// withManager opens the store and a manager over it for the duration of fn.
func (a *app) withManager(
	ctx context.Context, fn func(s store.Store, m *hcomb.Manager) error,
) (err error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	m, err := hcomb.NewManager(ctx, s, a.cfg.Manager())
	if err != nil {
		return err
	}
	return fn(s, m)
}

func newRootCmd() *cobra.Command {
	v, err := config.NewViper()
	if err != nil {
		panic(err)
	}
	a := &app{v: v}
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:           "hcombctl",
		Short:         "manage hyperparameter combinations shared by training workers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindEnv(envPrefix, cmd); err != nil {
				return err
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			logger.SetLogrus(cfg.Log)
			a.cfg = cfg
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config-file", "", "path to a YAML configuration file")
	flags.String("level", defaults.Log.Level,
		"set the logging level (can be one of: debug, info, warn, error, or fatal)")
	flags.Bool("color", defaults.Log.Color, "enable colored output")
	flags.String("save-path", defaults.SavePath, "directory holding the lists and model directories")
	flags.String("backend", string(defaults.Backend), "storage backend (file, sqlite or postgres)")
	flags.String("dsn", "", "postgres connection string")
	flags.String("lock-timeout", "", "how long to wait for a list lock, e.g. 60s")
	flags.Bool("always-append-hcombs", false, "register every claimed hcomb under a new ID")
	a.bind(flags, map[string]string{
		"config-file":          "config_file",
		"level":                "log.level",
		"color":                "log.color",
		"save-path":            "save_path",
		"backend":              "backend",
		"dsn":                  "dsn",
		"lock-timeout":         "lock_timeout",
		"always-append-hcombs": "always_append_hcombs",
	})

	cmd.AddCommand(newCompletionCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd(a))
	cmd.AddCommand(newSampleCmd(a))
	cmd.AddCommand(newListCmd(a))
	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newPackCmd(a))

	return cmd
}
