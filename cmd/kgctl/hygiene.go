package main

import (
	"fmt"
	"io"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/hygiene"
	"github.com/spf13/cobra"
)

func newHygieneCmd(a *app) *cobra.Command {
	opts := hygiene.DefaultOptions()
	var (
		apply     bool
		skip      []string
		topKTypes []string
	)
	cmd := &cobra.Command{
		Use:   "hygiene",
		Short: "Migrate, deduplicate, canonicalize and prune relations",
		Long: `Run the graph hygiene pass. Without --apply the run is a dry run and only
reports what would change.

Examples:
  kgctl hygiene                          # dry run, all steps
  kgctl hygiene --apply                  # apply all steps
  kgctl hygiene --skip prune --apply     # keep low-confidence inferred edges
  kgctl hygiene --topk 5 --topk-types RELATED_TO --apply`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, step := range skip {
				switch step {
				case "migrate":
					opts.Migrate = false
				case "dedup":
					opts.Dedup = false
				case "canonicalize":
					opts.Canonicalize = false
				case "prune":
					opts.Prune = false
				default:
					return fmt.Errorf("unknown step %q", step)
				}
			}
			for _, t := range topKTypes {
				opts.TopKTypes = append(opts.TopKTypes, domain.RelationType(t))
			}

			s, err := a.schema()
			if err != nil {
				return err
			}
			store, closeFn, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := hygiene.NewOptimizer(store, s, a.log).Run(cmd.Context(), opts, apply)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), report, func(w io.Writer) { printReport(w, report) })
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the changes instead of a dry run")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "steps to skip: migrate, dedup, canonicalize, prune")
	cmd.Flags().Float64Var(&opts.PruneThreshold, "prune-threshold", opts.PruneThreshold, "confidence below which inferred edges are pruned")
	cmd.Flags().IntVar(&opts.TopKPerNode, "topk", 0, "keep at most this many outgoing edges per node and type (0 = off)")
	cmd.Flags().StringSliceVar(&topKTypes, "topk-types", nil, "relation types the top-K cap applies to (default all)")
	return cmd
}

func printReport(w io.Writer, r hygiene.Report) {
	mode := "dry run"
	if r.Applied {
		mode = "applied"
	}
	fmt.Fprintf(w, "hygiene %s (%s) in %s\n", r.RunID, mode, r.Duration)
	fmt.Fprintf(w, "  relations:      %d -> %d\n", r.TotalBefore, r.TotalAfter)
	fmt.Fprintf(w, "  migrated:       %d (potential duplicates %d)\n", r.Migrated, r.PotentialDuplicates)
	fmt.Fprintf(w, "  deduplicated:   %d\n", r.Deduplicated)
	fmt.Fprintf(w, "  canonicalized:  %d\n", r.Canonicalized)
	fmt.Fprintf(w, "  pruned:         %d\n", r.Pruned)
	fmt.Fprintf(w, "  capped:         %d\n", r.Capped)
}
