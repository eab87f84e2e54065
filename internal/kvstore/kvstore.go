package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("not found")

// Store is the durable key/value record store backing conversation and
// model-selection state. Values are opaque byte records; callers own the
// serialization. Save must be fully durable before it returns.
type Store interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	Driver        string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func Open(ctx context.Context, cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case "sqlite", "postgres":
		return openSQL(ctx, normalizeDriver(cfg.Driver), cfg.DSN, cfg.AutoMigrate, cfg.MigrationsDir)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedis(rdb), nil
	default:
		return nil, fmt.Errorf("unsupported kv driver %q", cfg.Driver)
	}
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}
