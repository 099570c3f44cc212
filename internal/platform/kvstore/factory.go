package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/redis/go-redis/v9"
)

// RedisDialer connects to the Redis server named by a redis:// URL.
type RedisDialer func(ctx context.Context, url string) (redis.UniversalClient, error)

type openConfig struct {
	table     string
	namespace string
	dialRedis RedisDialer
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

// WithTable sets the postgres table name.
func WithTable(table string) OpenOption {
	return func(c *openConfig) {
		c.table = table
	}
}

// WithKeyNamespace sets the redis key namespace.
func WithKeyNamespace(ns string) OpenOption {
	return func(c *openConfig) {
		c.namespace = ns
	}
}

// WithRedisDialer replaces the default redis connection logic, e.g. to apply
// pool settings.
func WithRedisDialer(d RedisDialer) OpenOption {
	return func(c *openConfig) {
		if d != nil {
			c.dialRedis = d
		}
	}
}

// Open builds a Store from a DSN:
//
//	memory://                    in-process map
//	file:///var/lib/dte/kv.json  JSON file (a bare path works too)
//	redis://host:6379/0          Redis
//	postgres://user@host/db      PostgreSQL via pgx
func Open(ctx context.Context, dsn string, opts ...OpenOption) (Store, error) {
	cfg := openConfig{dialRedis: dialRedis}
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store DSN is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store DSN: %w", err)
	}

	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFile(path)
	case "redis", "rediss":
		client, err := cfg.dialRedis(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, WithNamespace(cfg.namespace), withOwnedClient())
	case "postgres", "postgresql":
		return openPostgres(ctx, dsn, cfg.table)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func openPostgres(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	store, err := NewPostgres(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func dialRedis(ctx context.Context, rawURL string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("file store DSN has no path")
	}
	return path, nil
}
