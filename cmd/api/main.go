// Package main implements the faultgraph API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/WessleyAI/faultgraph/engine/conflict"
	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	"github.com/WessleyAI/faultgraph/engine/hygiene"
	"github.com/WessleyAI/faultgraph/engine/ingest"
	"github.com/WessleyAI/faultgraph/engine/query"
	"github.com/WessleyAI/faultgraph/pkg/fn"
	"github.com/WessleyAI/faultgraph/pkg/mid"
	"github.com/WessleyAI/faultgraph/pkg/querycache"
	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	GRPCPort   string
	Neo4j      graph.Config
	SchemaPath string
	RedisAddr  string
	CacheTTL   time.Duration
	NATSURL    string
	CORSOrigin string
}

func loadConfig() Config {
	ttl, err := time.ParseDuration(envOr("CACHE_TTL", "5m"))
	if err != nil {
		ttl = 5 * time.Minute
	}
	return Config{
		Port:       envOr("PORT", "8080"),
		GRPCPort:   envOr("GRPC_PORT", "9090"),
		Neo4j:      graph.ConfigFromEnv(os.Getenv),
		SchemaPath: os.Getenv("SCHEMA_PATH"),
		RedisAddr:  os.Getenv("REDIS_ADDR"),
		CacheTTL:   ttl,
		NATSURL:    os.Getenv("NATS_URL"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),
	}
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

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schema, err := loadSchema(cfg.SchemaPath)
	if err != nil {
		return err
	}

	// --- Connect to Neo4j ---
	driver, err := graph.ConnectRetry(ctx, cfg.Neo4j, fn.DefaultRetry)
	if err != nil {
		return err
	}
	defer driver.Close(context.Background())

	store := graph.New(driver, cfg.Neo4j.Database)
	if err := store.EnsureSchema(ctx, knownTypes(schema)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	// --- Optional collaborators ---
	var cache *querycache.Cache
	if cfg.RedisAddr != "" {
		rdb, err := querycache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		cache = querycache.New(rdb, querycache.Options{TTL: cfg.CacheTTL, Logger: logger})
	}

	var notifier ingest.ConflictNotifier
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		notifier = ingest.NewNATSNotifier(nc)
	}

	detector := conflict.NewDetector(store, schema)
	srv := &server{
		ingest: ingest.NewService(ingest.Deps{
			Store:    store,
			Schema:   schema,
			Detector: detector,
			Notifier: notifier,
			Logger:   logger,
		}),
		detector: detector,
		query:    query.NewEngine(store, schema, logger),
		hygiene:  hygiene.NewOptimizer(store, schema, logger),
		store:    store,
		cache:    cache,
		log:      logger,
	}

	handler := mid.Chain(srv.routes(),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.OTel("faultgraph-api"),
		mid.CORS(cfg.CORSOrigin),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // hygiene runs are synchronous
		IdleTimeout:  120 * time.Second,
	}

	// --- gRPC health ---
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// --- Graceful shutdown ---
	errCh := make(chan error, 2)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()
	go func() {
		logger.Info("grpc health starting", "port", cfg.GRPCPort)
		errCh <- grpcSrv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			healthSrv.Shutdown()
			grpcSrv.Stop()
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	healthSrv.Shutdown()
	grpcSrv.GracefulStop()
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

func loadSchema(path string) (domain.Schema, error) {
	if path == "" {
		return domain.DefaultSchema(), nil
	}
	return domain.LoadSchema(path)
}

// knownTypes lists every type the store should index: the compatibility
// table plus legacy types handled by hygiene.
func knownTypes(s domain.Schema) []domain.RelationType {
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
