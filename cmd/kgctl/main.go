// Command kgctl is the operator CLI for the fault knowledge graph: schema
// setup, hygiene runs, diagnostic queries and conflict monitoring.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/WessleyAI/faultgraph/pkg/fn"
	"github.com/spf13/cobra"
)

// app carries the state shared by every subcommand.
type app struct {
	schemaPath string
	format     string
	log        *slog.Logger

	// openStore connects to the graph store. Replaced in tests.
	openStore func(ctx context.Context) (graph.Store, func(), error)
}

func newApp() *app {
	a := &app{log: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))}
	a.openStore = a.connect
	return a
}

func (a *app) connect(ctx context.Context) (graph.Store, func(), error) {
	cfg := graph.ConfigFromEnv(os.Getenv)
	driver, err := graph.ConnectRetry(ctx, cfg, fn.DefaultRetry)
	if err != nil {
		return nil, nil, err
	}
	return graph.New(driver, cfg.Database), func() { driver.Close(context.Background()) }, nil
}

func (a *app) schema() (domain.Schema, error) {
	return domain.LoadSchema(a.schemaPath)
}

// print writes v as indented JSON, or through human when --format=human
// and a formatter is given.
func (a *app) print(w io.Writer, v any, human func(io.Writer)) error {
	switch {
	case a.format == "human" && human != nil:
		human(w)
		return nil
	case a.format == "json" || a.format == "human":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s", a.format)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "kgctl",
		Short: "Operate the fault knowledge graph",
		Long: `kgctl manages the manufacturing fault knowledge graph.

Neo4j is configured through NEO4J_URL, NEO4J_USER, NEO4J_PASS and
NEO4J_DATABASE. Relation tables come from --schema or SCHEMA_PATH.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.schemaPath, "schema", os.Getenv("SCHEMA_PATH"), "schema YAML (default built-in)")
	root.PersistentFlags().StringVarP(&a.format, "format", "o", "human", "output format: human or json")

	root.AddCommand(
		newSchemaCmd(a),
		newHygieneCmd(a),
		newDiagnoseCmd(a),
		newPreventCmd(a),
		newTestsCmd(a),
		newDepsCmd(a),
		newStatsCmd(a),
		newConflictsCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp()
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		a.log.Error("command failed", "error", err)
		os.Exit(1)
	}
}
