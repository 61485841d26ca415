// Package config defines the marketd configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by MARKETD_* environment variables.
type Config struct {
	Marketplace MarketplaceConfig `toml:"marketplace"`
	Ethereum    EthereumConfig    `toml:"ethereum"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// MarketplaceConfig selects where the ledger lives and who answers
// ownership questions.
type MarketplaceConfig struct {
	// Address is the marketplace identity in memory oracle mode. With the
	// ethereum oracle the operator key's address is used instead.
	Address string `toml:"address"`
	// Backend is "memory" or "postgres".
	Backend string `toml:"backend"`
	// Oracle is "memory" (in-process collections) or "ethereum".
	Oracle string `toml:"oracle"`
	// Deployer owns the development collection deployed at startup in
	// memory oracle mode.
	Deployer      string   `toml:"deployer"`
	DevCollection bool     `toml:"dev_collection"`
	LockKey       string   `toml:"lock_key"`
	LockTTL       duration `toml:"lock_ttl"`
}

// EthereumConfig holds the chain endpoint and the operator key.
type EthereumConfig struct {
	RPCURL              string   `toml:"rpc_url"`
	ChainID             int64    `toml:"chain_id"`
	PrivateKey          string   `toml:"private_key"`
	EncryptedKeyPath    string   `toml:"encrypted_key_path"`
	KeyPassword         string   `toml:"key_password"`
	ReceiptPollInterval duration `toml:"receipt_poll_interval"`
	ReceiptTimeout      duration `toml:"receipt_timeout"`
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

// RedisConfig holds Redis connection parameters. When disabled the daemon
// uses an in-process serializer and no event bus.
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

// S3Config holds S3-compatible object storage parameters.
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

// ArchiveConfig controls exporting old market events to S3.
type ArchiveConfig struct {
	Interval           duration `toml:"interval"`
	RetentionDays      int      `toml:"retention_days"`
	MultipartThreshold int64    `toml:"multipart_threshold"`
}

// duration wraps time.Duration so it can be written as "30s" in TOML.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port             int      `toml:"port"`
	CORSOrigins      []string `toml:"cors_origins"`
	RateLimit        int      `toml:"rate_limit"`
	RateLimitWindow  duration `toml:"rate_limit_window"`
	SignatureMaxSkew duration `toml:"signature_max_skew"`
	Metrics          bool     `toml:"metrics"`
}

// NotifyConfig holds chat notification credentials. Events lists the event
// kinds to forward, e.g. "ItemBought"; empty forwards all.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a configuration that runs entirely in process against a
// local Hardhat-style chain id.
func Defaults() Config {
	return Config{
		Marketplace: MarketplaceConfig{
			Address:       "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
			Backend:       "memory",
			Oracle:        "memory",
			Deployer:      "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			DevCollection: true,
			LockKey:       "marketplace",
			LockTTL:       duration{30 * time.Second},
		},
		Ethereum: EthereumConfig{
			RPCURL:              "http://127.0.0.1:8545",
			ChainID:             31337,
			ReceiptPollInterval: duration{time.Second},
			ReceiptTimeout:      duration{2 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "marketd",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketd-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:           duration{24 * time.Hour},
			RetentionDays:      90,
			MultipartThreshold: 64 << 20,
		},
		Server: ServerConfig{
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:        60,
			RateLimitWindow:  duration{time.Minute},
			SignatureMaxSkew: duration{5 * time.Minute},
			Metrics:          true,
		},
		Notify: NotifyConfig{
			Events: []string{"ItemBought", "ProceedsWithdrawn"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":  true,
	"archive": true,
	"full":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Marketplace
	switch c.Marketplace.Backend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("marketplace: unknown backend %q (valid: memory, postgres)", c.Marketplace.Backend))
	}
	switch c.Marketplace.Oracle {
	case "memory":
		if !common.IsHexAddress(c.Marketplace.Address) {
			errs = append(errs, fmt.Sprintf("marketplace: address %q is not a hex address", c.Marketplace.Address))
		}
		if c.Marketplace.DevCollection && !common.IsHexAddress(c.Marketplace.Deployer) {
			errs = append(errs, fmt.Sprintf("marketplace: deployer %q is not a hex address", c.Marketplace.Deployer))
		}
	case "ethereum":
		if c.Ethereum.RPCURL == "" {
			errs = append(errs, "ethereum: rpc_url must be set for the ethereum oracle")
		}
		if c.Ethereum.ChainID <= 0 {
			errs = append(errs, "ethereum: chain_id must be > 0")
		}
		if c.Ethereum.PrivateKey == "" && c.Ethereum.EncryptedKeyPath == "" {
			errs = append(errs, "ethereum: either private_key or encrypted_key_path must be set for the ethereum oracle")
		}
		if c.Ethereum.EncryptedKeyPath != "" && c.Ethereum.KeyPassword == "" {
			errs = append(errs, "ethereum: key_password is required when encrypted_key_path is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("marketplace: unknown oracle %q (valid: memory, ethereum)", c.Marketplace.Oracle))
	}
	if c.Marketplace.LockTTL.Duration <= 0 {
		errs = append(errs, "marketplace: lock_ttl must be > 0")
	}

	// Postgres
	if c.Marketplace.Backend == "postgres" || mode == "archive" {
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			errs = append(errs, "postgres: dsn or host must be set")
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
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

	// Archive
	if mode == "archive" || mode == "full" {
		if c.Marketplace.Backend != "postgres" && mode == "archive" {
			errs = append(errs, "archive: mode archive needs the postgres backend")
		}
		if !c.S3.Enabled && mode == "archive" {
			errs = append(errs, "archive: mode archive needs s3.enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if mode == "server" || mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
		if c.Server.SignatureMaxSkew.Duration <= 0 {
			errs = append(errs, "server: signature_max_skew must be > 0")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
