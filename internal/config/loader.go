package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "LEDGER_DATABASE_DSN")
	setStr(&cfg.Database.Host, "LEDGER_DATABASE_HOST")
	setInt(&cfg.Database.Port, "LEDGER_DATABASE_PORT")
	setStr(&cfg.Database.Database, "LEDGER_DATABASE_NAME")
	setStr(&cfg.Database.User, "LEDGER_DATABASE_USER")
	setStr(&cfg.Database.Password, "LEDGER_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "LEDGER_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "LEDGER_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "LEDGER_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "LEDGER_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEDGER_S3_FORCE_PATH_STYLE")

	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "LEDGER_BROKER_BASE_URL")
	setStr(&cfg.Broker.WsURL, "LEDGER_BROKER_WS_URL")
	setStr(&cfg.Broker.APIKey, "LEDGER_BROKER_API_KEY")
	setStr(&cfg.Broker.APISecret, "LEDGER_BROKER_API_SECRET")
	setStr(&cfg.Broker.EncryptedSecretPath, "LEDGER_BROKER_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Broker.SecretPassword, "LEDGER_BROKER_SECRET_PASSWORD")
	setStr(&cfg.Broker.UserID, "LEDGER_BROKER_USER_ID")
	setBool(&cfg.Broker.StreamEnabled, "LEDGER_BROKER_STREAM_ENABLED")

	// ── CSV ──
	setStr(&cfg.CSV.SymbolColumn, "LEDGER_CSV_SYMBOL_COLUMN")
	setStr(&cfg.CSV.SideColumn, "LEDGER_CSV_SIDE_COLUMN")
	setStr(&cfg.CSV.QuantityColumn, "LEDGER_CSV_QUANTITY_COLUMN")
	setStr(&cfg.CSV.PriceColumn, "LEDGER_CSV_PRICE_COLUMN")
	setStr(&cfg.CSV.CommissionColumn, "LEDGER_CSV_COMMISSION_COLUMN")
	setStr(&cfg.CSV.ExecutedAtColumn, "LEDGER_CSV_EXECUTED_AT_COLUMN")
	setStr(&cfg.CSV.ExternalIDColumn, "LEDGER_CSV_EXTERNAL_ID_COLUMN")
	setStr(&cfg.CSV.TimeLayout, "LEDGER_CSV_TIME_LAYOUT")

	// ── Pipeline ──
	setBool(&cfg.Pipeline.Enabled, "LEDGER_PIPELINE_ENABLED")
	setDuration(&cfg.Pipeline.SyncInterval, "LEDGER_PIPELINE_SYNC_INTERVAL")
	setDuration(&cfg.Pipeline.SweepInterval, "LEDGER_PIPELINE_SWEEP_INTERVAL")
	setInt(&cfg.Pipeline.ArchiveRetentionDays, "LEDGER_PIPELINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Pipeline.ArchiveCron, "LEDGER_PIPELINE_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LEDGER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "LEDGER_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEDGER_MODE")
	setStr(&cfg.LogLevel, "LEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
