package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twoears/hcomb/internal/hcomb"
	"github.com/twoears/hcomb/internal/store"
	"github.com/twoears/hcomb/pkg/mmath"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "summarize the registry and the to-run queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withManager(ctx, func(_ store.Store, m *hcomb.Manager) error {
				hs, err := m.List(ctx)
				if err != nil {
					return err
				}
				pending, err := m.Pending(ctx)
				if err != nil {
					return err
				}
				var finished, started, epochs int
				best, bestID := -1.0, -1
				for _, h := range hs {
					epochs += mmath.Sum(h.EpochsFinished)
					switch {
					case h.Finished:
						finished++
						if h.ValMetricMean > best {
							best, bestID = h.ValMetricMean, h.ID
						}
					case h.Hostname != "":
						started++
					}
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "registered: %d\n", len(hs))
				fmt.Fprintf(out, "finished:   %d\n", finished)
				fmt.Fprintf(out, "started:    %d\n", started)
				fmt.Fprintf(out, "pending:    %d\n", len(pending))
				fmt.Fprintf(out, "epochs:     %d\n", epochs)
				if bestID >= 0 {
					fmt.Fprintf(out, "best:       hcomb %d (%.4f)\n", bestID, best)
				}
				return nil
			})
		},
	}
}
