package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/nftmarketplace/internal/blob/s3"
	"github.com/alanyoungcy/nftmarketplace/internal/cache/memory"
	"github.com/alanyoungcy/nftmarketplace/internal/cache/redis"
	"github.com/alanyoungcy/nftmarketplace/internal/collection"
	"github.com/alanyoungcy/nftmarketplace/internal/config"
	"github.com/alanyoungcy/nftmarketplace/internal/crypto"
	"github.com/alanyoungcy/nftmarketplace/internal/domain"
	"github.com/alanyoungcy/nftmarketplace/internal/ledger"
	"github.com/alanyoungcy/nftmarketplace/internal/metrics"
	"github.com/alanyoungcy/nftmarketplace/internal/notify"
	"github.com/alanyoungcy/nftmarketplace/internal/payment"
	"github.com/alanyoungcy/nftmarketplace/internal/platform/ethereum"
	"github.com/alanyoungcy/nftmarketplace/internal/server/handler"
	"github.com/alanyoungcy/nftmarketplace/internal/service"
	"github.com/alanyoungcy/nftmarketplace/internal/store/postgres"
	"github.com/alanyoungcy/nftmarketplace/internal/txn"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	// Address is the marketplace identity the oracle must approve.
	Address common.Address

	// Ledger and settlement
	Ledger     domain.Ledger
	Serializer txn.Serializer
	Oracle     domain.OwnershipOracle
	Payments   domain.PaymentChannel
	Intake     domain.PaymentIntake

	// Wallets holds in-process balances. It is nil when value lives on a
	// chain, where buyers pay custody directly and name the transaction.
	Wallets *payment.Wallets

	// Collections is nil when ownership lives on a chain.
	Collections   *collection.Registry
	DevCollection *collection.Collection

	// Stores
	EventStore domain.EventStore
	AuditStore domain.AuditStore

	// Caches
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// Blob storage
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Health lists the pingable backends by name.
	Health map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Health:  make(map[string]handler.Pinger),
	}

	// --- Ownership oracle and payment channel ---
	var chainIntake func(domain.PaymentClaims) domain.PaymentIntake
	switch cfg.Marketplace.Oracle {
	case "ethereum":
		client, err := ethereum.Dial(ctx, cfg.Ethereum.RPCURL)
		if err != nil {
			return fail(fmt.Errorf("wire: ethereum: %w", err))
		}
		closers = append(closers, client.Close)
		deps.Health["ethereum"] = handler.PingFunc(func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		})

		key, err := crypto.LoadKey(cfg.OperatorKey())
		if err != nil {
			return fail(fmt.Errorf("wire: operator key: %w", err))
		}
		transactor := ethereum.NewTransactor(client, key, cfg.Ethereum.ChainID, cfg.Ethereum.ReceiptPollInterval.Duration, logger).
			WithReceiptTimeout(cfg.Ethereum.ReceiptTimeout.Duration)
		erc721, err := ethereum.NewERC721(client, transactor)
		if err != nil {
			return fail(fmt.Errorf("wire: erc721: %w", err))
		}
		native := ethereum.NewNativePayments(transactor)
		deps.Address = transactor.From()
		deps.Oracle = erc721
		deps.Payments = native
		chainIntake = func(claims domain.PaymentClaims) domain.PaymentIntake {
			return ethereum.NewChainIntake(client, cfg.Ethereum.ChainID, deps.Address, claims, native)
		}

	default:
		deps.Address = common.HexToAddress(cfg.Marketplace.Address)
		deps.Collections = collection.NewRegistry(deps.Address)
		deps.Oracle = deps.Collections
		deps.Wallets = payment.NewWallets(deps.Address)
		deps.Payments = deps.Wallets
		deps.Intake = deps.Wallets
		if cfg.Marketplace.DevCollection {
			deps.DevCollection = deps.Collections.DeployBasicNFT(common.HexToAddress(cfg.Marketplace.Deployer))
		}
	}

	// --- PostgreSQL ---
	var claims domain.PaymentClaims = ethereum.NewMemoryClaims()
	deps.Ledger = ledger.New()
	if cfg.Marketplace.Backend == "postgres" {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Ledger = postgres.NewLedger(pool)
		deps.EventStore = postgres.NewEventStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		claims = postgres.NewClaimStore(pool)
		deps.Health["postgres"] = handler.PingFunc(pool.Ping)
	}
	if chainIntake != nil {
		deps.Intake = chainIntake(claims)
	}

	// --- Redis, or in-process equivalents ---
	deps.Serializer = txn.NewMutexSerializer()
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Serializer = txn.NewLockSerializer(
			redis.NewLockManager(redisClient, logger),
			cfg.Marketplace.LockKey,
			cfg.Marketplace.LockTTL.Duration,
		)
		deps.Health["redis"] = handler.PingFunc(redisClient.Ping)
	} else {
		deps.SignalBus = memory.NewSignalBus()
		deps.RateLimiter = memory.NewRateLimiter()
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Health["s3"] = handler.PingFunc(s3Client.Health)

		// The archiver needs the durable event history.
		if deps.EventStore != nil {
			deps.Archiver = s3blob.NewEventArchiver(
				s3blob.NewWriter(s3Client),
				s3blob.NewReader(s3Client),
				deps.EventStore,
				deps.AuditStore,
				cfg.Archive.MultipartThreshold,
			)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// NewMarketplace builds the settlement service over deps, publishing
// committed events to every configured sink and recording metrics.
func NewMarketplace(deps *Dependencies, logger *slog.Logger) *service.MarketplaceService {
	var notifier service.EventNotifier
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	publisher := service.NewPublisher(deps.SignalBus, deps.EventStore, deps.AuditStore, notifier, logger)

	market := service.NewMarketplaceService(
		deps.Address,
		deps.Ledger,
		txn.NewManager(deps.Ledger, deps.Serializer),
		deps.Oracle,
		deps.Payments,
		publisher,
		logger,
	)
	if deps.Metrics != nil {
		market.WithRecorder(deps.Metrics)
	}
	return market
}
