// Command marketd is the NFT marketplace daemon. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and starts the
// application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/nftmarketplace/internal/app"
	"github.com/alanyoungcy/nftmarketplace/internal/config"
	"github.com/alanyoungcy/nftmarketplace/internal/crypto"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (empty uses defaults)")
	encryptOut := flag.String("encrypt-key", "", "encrypt the configured operator key to this file and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if *encryptOut != "" {
		if err := encryptKey(cfg, *encryptOut); err != nil {
			logger.Error("failed to encrypt key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("operator key encrypted", slog.String("path", *encryptOut))
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("marketd starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("marketd stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// encryptKey writes the raw operator key from the configuration to path,
// sealed with the configured key password.
func encryptKey(cfg *config.Config, path string) error {
	if cfg.Ethereum.PrivateKey == "" || cfg.Ethereum.KeyPassword == "" {
		return errors.New("set MARKETD_ETHEREUM_PRIVATE_KEY and MARKETD_ETHEREUM_KEY_PASSWORD")
	}
	data, err := crypto.EncryptKey(cfg.Ethereum.PrivateKey, cfg.Ethereum.KeyPassword)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
