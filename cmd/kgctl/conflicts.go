package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/WessleyAI/faultgraph/engine/conflict"
	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/ingest"
	"github.com/WessleyAI/faultgraph/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func newConflictsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Check or watch contradicting relations",
	}

	check := &cobra.Command{
		Use:     "check <type> <source-category>:<source> <target-category>:<target>",
		Short:   "List stored relations that contradict a proposed one",
		Example: `  kgctl conflicts check CAUSES Symptom:高湿环境 Symptom:腐蚀`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parseRef(args[1])
			if err != nil {
				return err
			}
			dst, err := parseRef(args[2])
			if err != nil {
				return err
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
			found, err := conflict.NewDetector(store, s).DetectConflicts(cmd.Context(), domain.RelationType(args[0]), src, dst)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), found, func(w io.Writer) {
				fmt.Fprintf(w, "%d conflicts\n", len(found))
				for _, c := range found {
					fmt.Fprintf(w, "  %s %s  %.2f  %s\n", c.ID, c.Type, c.Confidence, c.Evidence)
				}
			})
		},
	}

	var natsURL string
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print conflict notices published by ingest until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := nats.Connect(natsURL)
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer nc.Close()
			return a.watchConflicts(cmd.Context(), nc, cmd.OutOrStdout())
		},
	}
	watch.Flags().StringVar(&natsURL, "nats", envOr("NATS_URL", nats.DefaultURL), "NATS URL")

	cmd.AddCommand(check, watch)
	return cmd
}

// watchConflicts prints one JSON line per notice until ctx is done.
func (a *app) watchConflicts(ctx context.Context, nc *nats.Conn, w io.Writer) error {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	sub, err := natsutil.Subscribe(nc, ingest.ConflictSubject, func(_ context.Context, n ingest.ConflictNotice) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(n); err != nil {
			a.log.Error("write notice", "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// parseRef parses "Category:name". The name may itself contain colons.
func parseRef(s string) (domain.NodeRef, error) {
	cat, name, ok := strings.Cut(s, ":")
	if !ok || cat == "" || name == "" {
		return domain.NodeRef{}, fmt.Errorf("node %q: want <category>:<name>", s)
	}
	return domain.NodeRef{Category: domain.Category(cat), Name: name}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
