package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twoears/hcomb/internal/hcomb"
	"github.com/twoears/hcomb/internal/searcher"
	"github.com/twoears/hcomb/internal/store"
)

func newSampleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "sample hcombs and merge them into the to-run queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg.Search.Config
			if seed, _ := cmd.Flags().GetUint32("seed"); cmd.Flags().Changed("seed") {
				cfg.Seed = &seed
			}
			rs, err := searcher.New(cfg)
			if err != nil {
				return err
			}
			return a.withManager(ctx, func(s store.Store, m *hcomb.Manager) error {
				added, err := rs.Enqueue(ctx, s, m.Timeout(), a.cfg.Search.NumHCombs)
				if err != nil {
					return err
				}
				pending, err := m.Pending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %d hcombs, %d pending\n", added, len(pending))
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.Int("num-hcombs", searcher.GridSize(), "number of grid points to realize")
	flags.Int("stage", 1, "cross-validation stage of the sampled hcombs")
	flags.Int("time-steps", searcher.DefaultTimeSteps, "frames per training clip")
	flags.String("metric", "BAC", "validation metric name")
	flags.Uint32("seed", 0, "seed for reproducible sampling")
	a.bind(flags, map[string]string{
		"num-hcombs": "search.num_hcombs",
		"stage":      "search.stage",
		"time-steps": "search.time_steps",
		"metric":     "search.metric",
	})
	return cmd
}
