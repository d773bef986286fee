// Package config defines the top-level configuration for the collar daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COLLARD_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Pairs    []PairConfig   `toml:"pairs"`
	Oracle   OracleConfig   `toml:"oracle"`
	Feed     FeedConfig     `toml:"feed"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the engine's own identity and fee policy.
type EngineConfig struct {
	// SelfAddress is the account the engine escrows taker funds under.
	SelfAddress string `toml:"self_address"`
	// FeeRecipient receives the protocol fee cut on rolls.
	FeeRecipient    string `toml:"fee_recipient"`
	ProtocolFeeBIPS int64  `toml:"protocol_fee_bips"`
}

// PairConfig declares one tradeable asset pair and the contracts allowed to
// open paired positions on it.
type PairConfig struct {
	Underlying string `toml:"underlying"`
	Cash       string `toml:"cash"`
	// AllowedContracts are the engine and provider contract addresses
	// authorized for this pair. The engine's own address must be included.
	AllowedContracts []string `toml:"allowed_contracts"`
}

// OracleConfig selects the price source.
type OracleConfig struct {
	// Mode is "history" (redis-backed observations from the price feed) or
	// "chain" (eth_call against on-chain aggregator feeds).
	Mode   string `toml:"mode"`
	RPCURL string `toml:"rpc_url"`
	// Feeds maps "underlying:cash" (hex addresses) to an aggregator contract.
	Feeds map[string]string `toml:"feeds"`
}

// FeedConfig holds the websocket price feed parameters.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	WsURL   string `toml:"ws_url"`
	// Symbols maps an upstream ticker symbol to "underlying:cash".
	Symbols map[string]string `toml:"symbols"`
}

// KeeperConfig holds the settlement and archival loop parameters.
type KeeperConfig struct {
	Enabled         bool     `toml:"enabled"`
	SettleInterval  duration `toml:"settle_interval"`
	ArchiveInterval duration `toml:"archive_interval"`
	ArchiveAge      duration `toml:"archive_age"`
	BatchSize       int      `toml:"batch_size"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per minute per account; 0 disables limiting.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds operator alert channel credentials. Alerts fire on
// invariant violations and persistent keeper failures.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			ProtocolFeeBIPS: 0,
		},
		Oracle: OracleConfig{
			Mode:  "history",
			Feeds: map[string]string{},
		},
		Feed: FeedConfig{
			Enabled: false,
			Symbols: map[string]string{},
		},
		Keeper: KeeperConfig{
			Enabled:         true,
			SettleInterval:  duration{30 * time.Second},
			ArchiveInterval: duration{24 * time.Hour},
			ArchiveAge:      duration{30 * 24 * time.Hour},
			BatchSize:       100,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "collard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "collard-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"invariant_violation", "settle_failed", "archive_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":  true,
	"keeper": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validOracleModes enumerates the accepted values for OracleConfig.Mode.
var validOracleModes = map[string]bool{
	"history": true,
	"chain":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, keeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine identity
	if !common.IsHexAddress(c.Engine.SelfAddress) {
		errs = append(errs, fmt.Sprintf("engine: self_address %q is not a hex address", c.Engine.SelfAddress))
	}
	if !common.IsHexAddress(c.Engine.FeeRecipient) {
		errs = append(errs, fmt.Sprintf("engine: fee_recipient %q is not a hex address", c.Engine.FeeRecipient))
	}
	if c.Engine.ProtocolFeeBIPS < 0 || c.Engine.ProtocolFeeBIPS > 10000 {
		errs = append(errs, fmt.Sprintf("engine: protocol_fee_bips must be 0-10000, got %d", c.Engine.ProtocolFeeBIPS))
	}

	// Pairs
	if len(c.Pairs) == 0 {
		errs = append(errs, "pairs: at least one asset pair must be configured")
	}
	for i, p := range c.Pairs {
		if !common.IsHexAddress(p.Underlying) {
			errs = append(errs, fmt.Sprintf("pairs[%d]: underlying %q is not a hex address", i, p.Underlying))
		}
		if !common.IsHexAddress(p.Cash) {
			errs = append(errs, fmt.Sprintf("pairs[%d]: cash %q is not a hex address", i, p.Cash))
		}
		if len(p.AllowedContracts) == 0 {
			errs = append(errs, fmt.Sprintf("pairs[%d]: allowed_contracts must not be empty", i))
		}
		for _, a := range p.AllowedContracts {
			if !common.IsHexAddress(a) {
				errs = append(errs, fmt.Sprintf("pairs[%d]: allowed contract %q is not a hex address", i, a))
			}
		}
	}

	// Oracle
	if !validOracleModes[strings.ToLower(c.Oracle.Mode)] {
		errs = append(errs, fmt.Sprintf("oracle: unknown mode %q (valid: history, chain)", c.Oracle.Mode))
	}
	if strings.EqualFold(c.Oracle.Mode, "chain") {
		if c.Oracle.RPCURL == "" {
			errs = append(errs, "oracle: rpc_url is required for chain mode")
		}
		if len(c.Oracle.Feeds) == 0 {
			errs = append(errs, "oracle: at least one aggregator feed is required for chain mode")
		}
	}
	for key, addr := range c.Oracle.Feeds {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("oracle: feed %q address %q is not a hex address", key, addr))
		}
	}

	// Feed
	if c.Feed.Enabled {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url must not be empty when the feed is enabled")
		}
		if len(c.Feed.Symbols) == 0 {
			errs = append(errs, "feed: at least one symbol mapping is required when the feed is enabled")
		}
	}

	// Keeper
	if c.Keeper.Enabled {
		if c.Keeper.SettleInterval.Duration <= 0 {
			errs = append(errs, "keeper: settle_interval must be positive")
		}
		if c.Keeper.BatchSize < 1 {
			errs = append(errs, "keeper: batch_size must be >= 1")
		}
	}

	// Postgres
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

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParsePairKey splits an "underlying:cash" key into its two addresses.
func ParsePairKey(key string) (underlying, cash common.Address, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return common.Address{}, common.Address{}, fmt.Errorf("config: pair key %q is not \"underlying:cash\"", key)
	}
	return common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), nil
}
