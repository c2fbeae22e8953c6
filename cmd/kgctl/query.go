package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/query"
	"github.com/spf13/cobra"
)

// withEngine opens the store and runs f against a query engine.
func (a *app) withEngine(ctx context.Context, f func(*query.Engine) error) error {
	s, err := a.schema()
	if err != nil {
		return err
	}
	store, closeFn, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return f(query.NewEngine(store, s, a.log))
}

func newDiagnoseCmd(a *app) *cobra.Command {
	var (
		depth   int
		minConf float64
	)
	cmd := &cobra.Command{
		Use:   "diagnose <symptom>",
		Short: "List root-cause chains and solutions for a symptom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(q *query.Engine) error {
				d, err := q.Diagnose(cmd.Context(), args[0], depth, minConf)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), d, func(w io.Writer) { printDiagnosis(w, d) })
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", query.DefaultDiagnoseDepth, "maximum chain length")
	cmd.Flags().Float64Var(&minConf, "min-confidence", query.DefaultMinConfidence, "confidence floor")
	return cmd
}

func newPreventCmd(a *app) *cobra.Command {
	var minConf float64
	cmd := &cobra.Command{
		Use:   "prevent <symptom>",
		Short: "List prevention measures for a symptom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(q *query.Engine) error {
				p, err := q.PreventionMeasures(cmd.Context(), args[0], minConf)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), p, func(w io.Writer) {
					fmt.Fprintf(w, "%d prevention measures for %s\n", p.Total, p.Symptom)
					for _, m := range p.Measures {
						fmt.Fprintf(w, "  %.2f  %s\n", m.Confidence, m.Name)
					}
				})
			})
		},
	}
	cmd.Flags().Float64Var(&minConf, "min-confidence", query.DefaultMinConfidence, "confidence floor")
	return cmd
}

func newTestsCmd(a *app) *cobra.Command {
	var (
		category string
		minConf  float64
	)
	cmd := &cobra.Command{
		Use:   "tests <target>",
		Short: "List test cases and metrics covering a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(q *query.Engine) error {
				plan, err := q.TestPath(cmd.Context(), args[0], domain.Category(category), minConf)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), plan, func(w io.Writer) {
					fmt.Fprintf(w, "%d tests, %d metrics for %s\n", plan.TotalTests, plan.TotalMetrics, plan.Target)
					for _, t := range plan.Tests {
						fmt.Fprintf(w, "  %.2f  %s (%s)\n", t.Confidence, t.Name, t.RelationType)
					}
					for _, m := range plan.Metrics {
						fmt.Fprintf(w, "  metric %s via %s\n", m.MetricName, m.TestName)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "target category (default any)")
	cmd.Flags().Float64Var(&minConf, "min-confidence", query.DefaultMinConfidence, "confidence floor")
	return cmd
}

func newDepsCmd(a *app) *cobra.Command {
	var (
		direction string
		depth     int
		minConf   float64
	)
	cmd := &cobra.Command{
		Use:   "deps <component>",
		Short: "Walk DEPENDS_ON chains from a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(q *query.Engine) error {
				r, err := q.Dependencies(cmd.Context(), args[0], direction, depth, minConf)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), r, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %d upstream, %d downstream\n", r.Component, r.TotalUpstream, r.TotalDownstream)
					for _, c := range r.Dependencies.Upstream {
						fmt.Fprintf(w, "  up    %s\n", formatChain(c))
					}
					for _, c := range r.Dependencies.Downstream {
						fmt.Fprintf(w, "  down  %s\n", formatChain(c))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", string(domain.Both), "upstream, downstream or both")
	cmd.Flags().IntVar(&depth, "depth", query.DefaultDependencyDepth, "maximum chain length")
	cmd.Flags().Float64Var(&minConf, "min-confidence", query.DefaultMinConfidence, "confidence floor")
	return cmd
}

func printDiagnosis(w io.Writer, d query.Diagnosis) {
	fmt.Fprintf(w, "%d causal chains for %s\n", d.TotalChains, d.Symptom)
	for _, c := range d.CausalChains {
		fmt.Fprintf(w, "  %s\n", formatChain(c))
	}
	fmt.Fprintf(w, "%d solutions\n", d.TotalSolutions)
	for _, s := range d.Solutions {
		eff := "-"
		if s.Effectiveness != nil {
			eff = fmt.Sprintf("%.2f", *s.Effectiveness)
		}
		fmt.Fprintf(w, "  %.2f  %s (effectiveness %s)\n", s.Confidence, s.Name, eff)
	}
}

// formatChain renders "0.81  a -[CAUSES]- b -[CAUSES]- c".
func formatChain(c query.Chain) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%.3f  ", c.Confidence)
	for i, n := range c.Nodes {
		if i > 0 {
			fmt.Fprintf(&b, " -[%s]- ", c.Relations[i-1].Type)
		}
		b.WriteString(n.Name)
	}
	return b.String()
}
