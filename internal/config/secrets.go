package config

import "github.com/alanyoungcy/nftmarketplace/internal/crypto"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Ethereum.PrivateKey)
	redact(&out.Ethereum.KeyPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	return out
}

// OperatorKey returns where the operator's private key comes from.
func (c *Config) OperatorKey() crypto.KeyConfig {
	return crypto.KeyConfig{
		RawPrivateKey:    c.Ethereum.PrivateKey,
		EncryptedKeyPath: c.Ethereum.EncryptedKeyPath,
		KeyPassword:      c.Ethereum.KeyPassword,
	}
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
