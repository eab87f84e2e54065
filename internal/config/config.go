package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingStoreDSN  = errors.New("KV_DSN is required for sql drivers")
	ErrMissingEngineURL = errors.New("ENGINE_URL is required")
	ErrMissingMasterKey = errors.New("at least one master key is required when KV_ENCRYPT is on")
)

type Config struct {
	KV      KVConfig
	Engine  EngineConfig
	Catalog CatalogConfig
	Chat    ChatConfig
	HTTP    HTTPConfig
	Crypto  CryptoConfig
	Log     LogConfig
}

type KVConfig struct {
	Driver        string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Encrypt       bool
}

type EngineConfig struct {
	BaseURL       string
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type CatalogConfig struct {
	URL     string
	Timeout time.Duration
}

type ChatConfig struct {
	UseHistory bool
	FlushDelay time.Duration
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		KV: KVConfig{
			Driver:        strings.ToLower(mustEnv("KV_DRIVER", "sqlite")),
			DSN:           mustEnv("KV_DSN", "file:pocketllm.db?_pragma=busy_timeout(5000)"),
			AutoMigrate:   mustBool("KV_AUTO_MIGRATE", true),
			MigrationsDir: mustEnv("KV_MIGRATIONS_DIR", "migrations"),
			RedisAddr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			RedisPassword: mustEnv("REDIS_PASSWORD", ""),
			RedisDB:       mustInt("REDIS_DB", 0),
			Encrypt:       mustBool("KV_ENCRYPT", false),
		},
		Engine: EngineConfig{
			BaseURL:       mustEnv("ENGINE_URL", "http://127.0.0.1:8080"),
			ClientTimeout: mustDuration("ENGINE_TIMEOUT", 120*time.Second),
			MaxRetries:    mustInt("ENGINE_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("ENGINE_BACKOFF_BASE", 400*time.Millisecond),
		},
		Catalog: CatalogConfig{
			URL:     mustEnv("CATALOG_URL", ""),
			Timeout: mustDuration("CATALOG_TIMEOUT", 10*time.Second),
		},
		Chat: ChatConfig{
			UseHistory: mustBool("CHAT_USE_HISTORY", true),
			FlushDelay: mustDuration("CHAT_FLUSH_DELAY", 400*time.Millisecond),
		},
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("LISTEN_ADDR", ":8081"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.Engine.BaseURL == "" {
		return nil, ErrMissingEngineURL
	}
	switch cfg.KV.Driver {
	case "redis":
	default:
		if cfg.KV.DSN == "" {
			return nil, ErrMissingStoreDSN
		}
	}

	if cfg.KV.Encrypt {
		cc, err := loadCryptoConfig()
		if err != nil {
			return nil, err
		}
		cfg.Crypto = cc
	}

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
