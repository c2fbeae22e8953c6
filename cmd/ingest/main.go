// Command ingest loads relation files from a directory into the knowledge
// graph and, optionally, consumes relations published on NATS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/WessleyAI/faultgraph/engine/ingest"
	"github.com/WessleyAI/faultgraph/pkg/fn"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

type options struct {
	dataDir    string
	stateFile  string
	interval   time.Duration
	batchSize  int
	workers    int
	schemaPath string
	natsURL    string
	consume    bool
	publish    bool
	rate       float64
	once       bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.StringVar(&o.dataDir, "dir", "/tmp/faultgraph-data", "directory to watch for relation files (.json, .jsonl)")
	fs.StringVar(&o.stateFile, "state", "", "processed files state (default <dir>/.ingest-state.json)")
	fs.DurationVar(&o.interval, "interval", 30*time.Second, "scan interval")
	fs.IntVar(&o.batchSize, "batch", 200, "relations per batch upsert")
	fs.IntVar(&o.workers, "workers", 4, "files decoded in parallel")
	fs.StringVar(&o.schemaPath, "schema", os.Getenv("SCHEMA_PATH"), "schema YAML (default built-in)")
	fs.StringVar(&o.natsURL, "nats", envOr("NATS_URL", nats.DefaultURL), "NATS URL")
	fs.BoolVar(&o.consume, "consume", false, "consume relations from NATS")
	fs.BoolVar(&o.publish, "publish", false, "publish file relations to NATS instead of writing them")
	fs.Float64Var(&o.rate, "rate", 50, "max consumed relations per second (0 = unlimited)")
	fs.BoolVar(&o.once, "once", false, "scan the directory once and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.batchSize <= 0 || o.workers <= 0 {
		return o, fmt.Errorf("batch and workers must be positive")
	}
	if o.stateFile == "" {
		o.stateFile = o.dataDir + "/.ingest-state.json"
	}
	return o, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		logger.Error("invalid flags", "error", err)
		os.Exit(2)
	}
	if err := run(opts, logger); err != nil {
		logger.Error("ingest exited with error", "error", err)
		os.Exit(1)
	}
}

func run(opts options, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schema := domain.DefaultSchema()
	if opts.schemaPath != "" {
		var err error
		if schema, err = domain.LoadSchema(opts.schemaPath); err != nil {
			return err
		}
	}

	// --- NATS (optional) ---
	var nc *nats.Conn
	if opts.consume || opts.publish {
		var err error
		nc, err = nats.Connect(opts.natsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		log.Info("connected to NATS", "url", opts.natsURL)
	}

	// --- Graph store ---
	var svc *ingest.Service
	if !opts.publish || opts.consume {
		cfg := graph.ConfigFromEnv(os.Getenv)
		driver, err := graph.ConnectRetry(ctx, cfg, fn.DefaultRetry)
		if err != nil {
			return err
		}
		defer driver.Close(context.Background())
		log.Info("connected to Neo4j", "url", cfg.URL)

		var notifier ingest.ConflictNotifier
		if nc != nil {
			notifier = ingest.NewNATSNotifier(nc)
		}
		svc = ingest.NewService(ingest.Deps{
			Store:    graph.New(driver, cfg.Database),
			Schema:   schema,
			Notifier: notifier,
			Logger:   log,
		})
	}

	if opts.consume {
		var limiter *rate.Limiter
		if opts.rate > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.rate), max(1, int(opts.rate)))
		}
		sub, err := ingest.StartConsumer(nc, svc, limiter)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer sub.Unsubscribe()
		log.Info("consuming relations", "subject", ingest.IngestSubject, "rate", opts.rate)
	}

	var out sink = storeSink{svc: svc}
	if opts.publish {
		out = natsSink{nc: nc}
	}
	w := &watcher{
		dir:       opts.dataDir,
		stateFile: opts.stateFile,
		batchSize: opts.batchSize,
		workers:   opts.workers,
		sink:      out,
		log:       log,
	}
	if err := os.MkdirAll(opts.dataDir, 0o755); err != nil {
		return err
	}
	log.Info("watching for relation files", "dir", opts.dataDir, "interval", opts.interval)

	w.scan(ctx)
	if opts.once && !opts.consume {
		return nil
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			if !opts.once {
				w.scan(ctx)
			}
		}
	}
}
