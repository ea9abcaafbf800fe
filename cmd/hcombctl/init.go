package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twoears/hcomb/internal/hcomb"
	"github.com/twoears/hcomb/internal/store"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create the registry and an empty to-run queue if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withManager(ctx, func(s store.Store, m *hcomb.Manager) error {
				created, err := s.Init(ctx, store.Queue, m.Timeout())
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintln(cmd.OutOrStdout(), "created empty to-run queue")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "to-run queue already exists")
				}
				return nil
			})
		},
	}
}
