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
// built-in defaults, applies COLLARD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known COLLARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.SelfAddress, "COLLARD_ENGINE_SELF_ADDRESS")
	setStr(&cfg.Engine.FeeRecipient, "COLLARD_ENGINE_FEE_RECIPIENT")
	setInt64(&cfg.Engine.ProtocolFeeBIPS, "COLLARD_ENGINE_PROTOCOL_FEE_BIPS")

	// ── Oracle ──
	setStr(&cfg.Oracle.Mode, "COLLARD_ORACLE_MODE")
	setStr(&cfg.Oracle.RPCURL, "COLLARD_ORACLE_RPC_URL")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "COLLARD_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "COLLARD_FEED_WS_URL")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "COLLARD_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.SettleInterval, "COLLARD_KEEPER_SETTLE_INTERVAL")
	setDuration(&cfg.Keeper.ArchiveInterval, "COLLARD_KEEPER_ARCHIVE_INTERVAL")
	setDuration(&cfg.Keeper.ArchiveAge, "COLLARD_KEEPER_ARCHIVE_AGE")
	setInt(&cfg.Keeper.BatchSize, "COLLARD_KEEPER_BATCH_SIZE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COLLARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "COLLARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COLLARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COLLARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COLLARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COLLARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COLLARD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COLLARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COLLARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COLLARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "COLLARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COLLARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COLLARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COLLARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COLLARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COLLARD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COLLARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COLLARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COLLARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "COLLARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COLLARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COLLARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COLLARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COLLARD_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COLLARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COLLARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COLLARD_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "COLLARD_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COLLARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COLLARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COLLARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COLLARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "COLLARD_MODE")
	setStr(&cfg.LogLevel, "COLLARD_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
