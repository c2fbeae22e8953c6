package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/spf13/cobra"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise nodes and relations per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeFn, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			stats, err := store.RelationStats(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), stats, func(w io.Writer) { printStats(w, stats) })
		},
	}
}

func printStats(w io.Writer, s graph.Stats) {
	cats := make([]domain.Category, 0, len(s.Nodes))
	for c := range s.Nodes {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	fmt.Fprintln(w, "nodes")
	for _, c := range cats {
		fmt.Fprintf(w, "  %-12s %d\n", c, s.Nodes[c])
	}
	fmt.Fprintln(w, "relations")
	for _, t := range s.Relations {
		fmt.Fprintf(w, "  %-16s %6d  avg %.2f  verified %d  plausible %d  uncertain %d\n",
			t.Type, t.Total, t.AvgConfidence, t.Verified, t.Plausible, t.Uncertain)
	}
}
