// Package querycache is a Redis read-through cache for query results. Cache
// failures never fail a query: the loader runs instead and a circuit breaker
// stops calling Redis while it is unhealthy.
package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/faultgraph/pkg/resilience"
	"github.com/cespare/xxhash/v2"
	goredis "github.com/redis/go-redis/v9"
)

// Client is the subset of the Redis API the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Incr(ctx context.Context, key string) *goredis.IntCmd
}

// Options configures a Cache.
type Options struct {
	Prefix  string        // key namespace, default "faultgraph"
	TTL     time.Duration // default 5m
	Breaker resilience.BreakerOpts
	Logger  *slog.Logger
}

// Cache stores JSON-encoded query results under a generation-scoped key.
// Invalidate bumps the generation so every earlier entry is skipped and
// left to expire.
type Cache struct {
	rdb     Client
	prefix  string
	ttl     time.Duration
	breaker *resilience.Breaker
	log     *slog.Logger
}

// Connect dials Redis at addr and verifies it with PING.
func Connect(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// New creates a Cache over rdb.
func New(rdb Client, opts Options) *Cache {
	if opts.Prefix == "" {
		opts.Prefix = "faultgraph"
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	bo := opts.Breaker
	bo.Ignore = func(err error) bool { return errors.Is(err, goredis.Nil) }
	bo.OnStateChange = func(from, to resilience.State) {
		log.Warn("querycache: breaker state", "from", from.String(), "to", to.String())
	}
	return &Cache{
		rdb:     rdb,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		breaker: resilience.NewBreaker(bo),
		log:     log,
	}
}

// Key builds a cache key for op and its arguments.
func Key(op string, args ...any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return op + ":" + strconv.FormatUint(xxhash.Sum64String(strings.Join(parts, "\x1f")), 16)
}

func (c *Cache) genKey() string { return c.prefix + ":gen" }

func (c *Cache) generation(ctx context.Context) (string, error) {
	var gen string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, c.genKey()).Result()
		if errors.Is(err, goredis.Nil) {
			gen = "0"
			return nil
		}
		gen = v
		return err
	})
	return gen, err
}

// Invalidate drops every cached entry by moving to a new generation.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.breaker.Call(ctx, func(ctx context.Context) error {
		return c.rdb.Incr(ctx, c.genKey()).Err()
	})
}

// Get returns the cached value for key or calls load and caches its result.
// A nil cache always calls load. Loader errors are returned and not cached.
func Get[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	gen, err := c.generation(ctx)
	if err != nil {
		c.log.Debug("querycache: generation unavailable", "error", err)
		return load(ctx)
	}
	full := c.prefix + ":" + gen + ":" + key

	var raw []byte
	err = c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		raw, err = c.rdb.Get(ctx, full).Bytes()
		return err
	})
	if err == nil {
		var v T
		if uerr := json.Unmarshal(raw, &v); uerr == nil {
			return v, nil
		}
		c.log.Warn("querycache: dropping undecodable entry", "key", full)
	} else if !errors.Is(err, goredis.Nil) {
		c.log.Debug("querycache: get failed", "key", full, "error", err)
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if data, merr := json.Marshal(v); merr == nil {
		serr := c.breaker.Call(ctx, func(ctx context.Context) error {
			return c.rdb.Set(ctx, full, data, c.ttl).Err()
		})
		if serr != nil {
			c.log.Debug("querycache: set failed", "key", full, "error", serr)
		}
	}
	return v, nil
}
