package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "betledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"

[ledger]
backend = "sqlite"
sqlite_path = "/tmp/ledger.db"

[txpool]
workers = 8
retry_backoff = "2s"

[identity]
envelope_window = "90s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Ledger.Backend)
	assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.SQLitePath)
	assert.Equal(t, 8, cfg.TxPool.Workers)
	assert.Equal(t, 2*time.Second, cfg.TxPool.RetryBackoff.Duration)
	assert.Equal(t, 90*time.Second, cfg.Identity.EnvelopeWindow.Duration)
	assert.Equal(t, 1024, cfg.TxPool.QueueSize, "unset keys keep their defaults")
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "betledger.toml")
	require.NoError(t, os.WriteFile(path, []byte("[ledger]\nbackend = \"memory\"\ncolour = \"red\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.colour")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BETLEDGER_LEDGER_BACKEND", "postgres")
	t.Setenv("BETLEDGER_POSTGRES_DSN", "postgres://u:p@db:5432/bets")
	t.Setenv("BETLEDGER_REDIS_ENABLED", "true")
	t.Setenv("BETLEDGER_TXPOOL_WORKERS", "not-a-number")
	t.Setenv("BETLEDGER_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("BETLEDGER_METADATA_SWEEP_GRACE", "6h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Ledger.Backend)
	assert.Equal(t, "postgres://u:p@db:5432/bets", cfg.Postgres.DSN)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 4, cfg.TxPool.Workers, "unparseable values are ignored")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 6*time.Hour, cfg.Metadata.SweepGrace.Duration)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Ledger.Backend = "mongo"
	cfg.TxPool.Workers = 0
	cfg.Metadata.SweepSchedule = "every tuesday"
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		`unknown backend "mongo"`,
		"txpool: workers",
		"invalid sweep_schedule",
		"telegram_token and telegram_chat_id",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateModeRequirements(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = ModeWorker
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a shared backend")
	assert.Contains(t, err.Error(), "redis: must be enabled")

	cfg.Ledger.Backend = BackendPostgres
	cfg.Redis.Enabled = true
	assert.NoError(t, cfg.Validate())

	cfg = Defaults()
	cfg.S3.ArchiveEnabled = true
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive_enabled requires s3.enabled")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "s3cret"
	cfg.Server.APIKey = "key"
	cfg.Notify.Events = []string{"bet_settled"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "", out.Redis.Password, "empty secrets stay empty")
	assert.Equal(t, "hunter2", cfg.Postgres.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "bet_settled", cfg.Notify.Events[0])
}
