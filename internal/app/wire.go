package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/collarlabs/collard/internal/authz"
	s3blob "github.com/collarlabs/collard/internal/blob/s3"
	"github.com/collarlabs/collard/internal/cache/redis"
	"github.com/collarlabs/collard/internal/config"
	"github.com/collarlabs/collard/internal/domain"
	"github.com/collarlabs/collard/internal/engine"
	"github.com/collarlabs/collard/internal/feed"
	"github.com/collarlabs/collard/internal/notify"
	"github.com/collarlabs/collard/internal/oracle"
	"github.com/collarlabs/collard/internal/provider"
	"github.com/collarlabs/collard/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore  domain.PositionStore
	RollOfferStore domain.RollOfferStore
	AuditStore     domain.AuditStore
	Ledger         domain.AssetLedger

	// Redis
	PriceHistory domain.PriceHistory
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Core
	Engine    *engine.Engine
	PriceFeed *feed.PriceFeed

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.RollOfferStore = postgres.NewRollOfferStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Ledger = postgres.NewLedger(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceHistory = redis.NewPriceHistory(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.PositionStore,
			deps.RollOfferStore,
			deps.AuditStore,
		)
	}

	// --- Pair authorization and provider registry ---
	selfAddr := common.HexToAddress(cfg.Engine.SelfAddress)
	allow := authz.NewAllowlist()
	providers := provider.NewRegistry()
	for _, p := range cfg.Pairs {
		pair := domain.AssetPair{
			Underlying: common.HexToAddress(p.Underlying),
			Cash:       common.HexToAddress(p.Cash),
		}
		for _, raw := range p.AllowedContracts {
			contract := common.HexToAddress(raw)
			allow.Allow(pair.Underlying, pair.Cash, contract)
			if contract != selfAddr {
				providers.Register(contract, provider.NewMemory(contract, pair, deps.Ledger, nil))
			}
		}
	}

	// --- Oracle ---
	var priceOracle domain.PriceOracle
	switch strings.ToLower(cfg.Oracle.Mode) {
	case "chain":
		ethClient, err := ethclient.DialContext(ctx, cfg.Oracle.RPCURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: eth rpc: %w", err)
		}
		closers = append(closers, ethClient.Close)

		chainOracle := oracle.NewChainOracle(ethClient, deps.PriceHistory, nil)
		for key, aggregator := range cfg.Oracle.Feeds {
			underlying, cash, err := config.ParsePairKey(key)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: oracle feeds: %w", err)
			}
			chainOracle.SetFeed(
				domain.AssetPair{Underlying: underlying, Cash: cash},
				common.HexToAddress(aggregator),
			)
		}
		priceOracle = chainOracle
	default:
		priceOracle = oracle.NewHistoryOracle(deps.PriceHistory)
	}

	// --- Engine ---
	deps.Engine = engine.New(engine.Config{
		Positions:       deps.PositionStore,
		Offers:          deps.RollOfferStore,
		Certs:           engine.NewCertificates(),
		Providers:       providers,
		Oracle:          priceOracle,
		Authz:           allow,
		Ledger:          deps.Ledger,
		Audit:           deps.AuditStore,
		Bus:             deps.SignalBus,
		Self:            selfAddr,
		FeeRecipient:    common.HexToAddress(cfg.Engine.FeeRecipient),
		ProtocolFeeBIPS: cfg.Engine.ProtocolFeeBIPS,
		Logger:          logger,
	})

	// --- Price feed ---
	if cfg.Feed.Enabled {
		pairs := make(map[string]domain.AssetPair, len(cfg.Feed.Symbols))
		for symbol, key := range cfg.Feed.Symbols {
			underlying, cash, err := config.ParsePairKey(key)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: feed symbols: %w", err)
			}
			pairs[symbol] = domain.AssetPair{Underlying: underlying, Cash: cash}
		}
		deps.PriceFeed = feed.NewPriceFeed(cfg.Feed.WsURL, pairs, deps.PriceHistory, deps.SignalBus, logger)
		closers = append(closers, deps.PriceFeed.Close)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
