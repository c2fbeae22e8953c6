package main

import (
	"fmt"
	"sort"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/WessleyAI/faultgraph/pkg/fn"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newSchemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect or apply the relation schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective schema as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.schema()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(s); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Create the Neo4j constraints and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.schema()
			if err != nil {
				return err
			}
			store, closeFn, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			gs, ok := store.(*graph.GraphStore)
			if !ok {
				return fmt.Errorf("schema apply needs a Neo4j store")
			}
			types := relationTypes(s)
			if err := gs.EnsureSchema(cmd.Context(), types); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied for %d relation types\n", len(types))
			return nil
		},
	})
	return cmd
}

// relationTypes lists every type named anywhere in s, sorted.
func relationTypes(s domain.Schema) []domain.RelationType {
	var types []domain.RelationType
	for t := range s.Compatibility {
		types = append(types, t)
	}
	for from, to := range s.Migrations {
		types = append(types, from, to)
	}
	types = fn.Unique(append(types, s.Symmetric...))
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
