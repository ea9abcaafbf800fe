package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/twoears/hcomb/internal/hcomb"
	"github.com/twoears/hcomb/internal/store"
	"github.com/twoears/hcomb/pkg/model"
)

func newListCmd(a *app) *cobra.Command {
	var asJSON, pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list registered hcombs, or the to-run queue with --pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withManager(ctx, func(_ store.Store, m *hcomb.Manager) error {
				list := m.List
				if pending {
					list = m.Pending
				}
				hs, err := list(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(hs)
				}
				return printTable(cmd.OutOrStdout(), hs)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full records as JSON")
	cmd.Flags().BoolVar(&pending, "pending", false, "list the to-run queue instead of the registry")
	return cmd
}

func printTable(out io.Writer, hs []model.HComb) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGE\tLSTM\tMLP\tDROPOUT\tEPOCHS\tMETRIC\tHOST\tFINISHED")
	for _, h := range hs {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%.2f/%.2f/%.2f/%.2f\t%s\t%s\t%s\t%t\n",
			h.ID, h.Stage, ints(h.UnitsPerLayerLSTM), ints(h.UnitsPerLayerMLP),
			h.InputDropout, h.RecurrentDropout, h.LSTMOutputDropout, h.MLPOutputDropout,
			ints(h.EpochsFinished), metric(h), h.Hostname, h.Finished)
	}
	return w.Flush()
}

func ints(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}

func metric(h model.HComb) string {
	if !h.Finished {
		return "-"
	}
	return fmt.Sprintf("%.3f±%.3f", h.ValMetricMean, h.ValMetricStd)
}
