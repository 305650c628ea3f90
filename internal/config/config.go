// Package config defines the top-level configuration for the bet ledger
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BETLEDGER_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Metadata MetadataConfig `toml:"metadata"`
	TxPool   TxPoolConfig   `toml:"txpool"`
	Identity IdentityConfig `toml:"identity"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// Ledger storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Operating modes.
const (
	ModeServer = "server"
	ModeWorker = "worker"
	ModeSweep  = "sweep"
)

// LedgerConfig selects where bets, pools and positions are persisted.
type LedgerConfig struct {
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the tx
// queue, receipts, caches and locks live in process.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters. It backs the
// metadata store and the archive export; when disabled metadata is kept in
// memory.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	ArchiveEnabled bool     `toml:"archive_enabled"`
	ArchiveAfter   duration `toml:"archive_after"`
}

// MetadataConfig tunes the metadata cache and the orphan sweeper.
type MetadataConfig struct {
	CacheSize     int      `toml:"cache_size"`
	CacheTTL      duration `toml:"cache_ttl"`
	SweepSchedule string   `toml:"sweep_schedule"`
	SweepGrace    duration `toml:"sweep_grace"`
	SweepDelete   bool     `toml:"sweep_delete"`
}

// TxPoolConfig tunes the submit-and-confirm workers.
type TxPoolConfig struct {
	Workers      int      `toml:"workers"`
	QueueSize    int      `toml:"queue_size"`
	MaxAttempts  int      `toml:"max_attempts"`
	RetryBackoff duration `toml:"retry_backoff"`
	DedupTTL     duration `toml:"dedup_ttl"`
}

// IdentityConfig controls signed-envelope acceptance.
type IdentityConfig struct {
	EnvelopeWindow duration `toml:"envelope_window"`
	NonceCacheSize int      `toml:"nonce_cache_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the audit endpoint. Empty disables it.
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	WaitTimeout duration `toml:"wait_timeout"`
	BetCacheTTL duration `toml:"bet_cache_ttl"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Backend:    BackendMemory,
			SQLitePath: "data/betledger.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "betledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "betledger",
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "betledger",
			ForcePathStyle: true,
			ArchiveAfter:   duration{30 * 24 * time.Hour},
		},
		Metadata: MetadataConfig{
			CacheSize:     1024,
			CacheTTL:      duration{time.Hour},
			SweepSchedule: "0 0 4 * * *",
			SweepGrace:    duration{24 * time.Hour},
		},
		TxPool: TxPoolConfig{
			Workers:      4,
			QueueSize:    1024,
			MaxAttempts:  3,
			RetryBackoff: duration{500 * time.Millisecond},
			DedupTTL:     duration{10 * time.Minute},
		},
		Identity: IdentityConfig{
			EnvelopeWindow: duration{5 * time.Minute},
			NonceCacheSize: 100_000,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   30,
			RateWindow:  duration{time.Minute},
			WaitTimeout: duration{30 * time.Second},
			BetCacheTTL: duration{5 * time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mode:     ModeServer,
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeServer: true,
	ModeWorker: true,
	ModeSweep:  true,
}

var validBackends = map[string]bool{
	BackendMemory:   true,
	BackendSQLite:   true,
	BackendPostgres: true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// scheduleParser accepts the six-field (seconds first) cron expressions the
// sweeper runs with.
var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, sweep)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	backend := strings.ToLower(c.Ledger.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, sqlite, postgres)", c.Ledger.Backend))
	}
	if backend == BackendSQLite && strings.TrimSpace(c.Ledger.SQLitePath) == "" {
		errs = append(errs, "ledger: sqlite_path must not be empty for the sqlite backend")
	}
	// A separate worker or sweeper only sees what another process wrote
	// when both share a database and a queue.
	if mode == ModeWorker || mode == ModeSweep {
		if backend == BackendMemory {
			errs = append(errs, fmt.Sprintf("ledger: mode %s needs a shared backend (sqlite or postgres)", mode))
		}
	}
	if mode == ModeWorker && !c.Redis.Enabled {
		errs = append(errs, "redis: must be enabled for worker mode")
	}

	// Postgres
	if backend == BackendPostgres {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.S3.ArchiveEnabled {
		if !c.S3.Enabled {
			errs = append(errs, "s3: archive_enabled requires s3.enabled")
		}
		if c.S3.ArchiveAfter.Duration <= 0 {
			errs = append(errs, "s3: archive_after must be > 0")
		}
	}

	// Metadata
	if c.Metadata.CacheSize < 1 {
		errs = append(errs, "metadata: cache_size must be >= 1")
	}
	if c.Metadata.SweepSchedule != "" {
		if _, err := scheduleParser.Parse(c.Metadata.SweepSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("metadata: invalid sweep_schedule %q: %v", c.Metadata.SweepSchedule, err))
		}
	}
	if c.Metadata.SweepGrace.Duration < 0 {
		errs = append(errs, "metadata: sweep_grace must not be negative")
	}

	// TxPool
	if c.TxPool.Workers < 1 {
		errs = append(errs, "txpool: workers must be >= 1")
	}
	if c.TxPool.QueueSize < 1 {
		errs = append(errs, "txpool: queue_size must be >= 1")
	}
	if c.TxPool.MaxAttempts < 1 {
		errs = append(errs, "txpool: max_attempts must be >= 1")
	}

	// Identity
	if c.Identity.EnvelopeWindow.Duration <= 0 {
		errs = append(errs, "identity: envelope_window must be > 0")
	}

	// Server
	if mode == ModeServer {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Server.WaitTimeout.Duration <= 0 {
			errs = append(errs, "server: wait_timeout must be > 0")
		}
	}

	// Notify: telegram needs both halves.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("metrics: path must start with /, got %q", c.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
