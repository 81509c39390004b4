package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"offramp/internal/catalog"
	"offramp/internal/config"
	"offramp/internal/deadletter"
	"offramp/internal/escrow"
	"offramp/internal/idempotency"
	"offramp/internal/keylock"
	"offramp/internal/logging"
	"offramp/internal/metrics"
	"offramp/internal/quote"
	"offramp/internal/scheduler"
	"offramp/internal/server"
	"offramp/internal/settlement"
	"offramp/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var rdb *redis.Client
	if cfg.Storage.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		closers = append(closers, func() { _ = rdb.Close() })
	}

	repo, storeHealth, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeRepo)

	idem, closeIdem, err := openIdempotencyStore(ctx, cfg, repo, rdb)
	if err != nil {
		return err
	}
	closers = append(closers, closeIdem)

	var locker keylock.Locker = keylock.NewLocal()
	if cfg.Storage.Locker == "redis" {
		locker = keylock.NewRedisLocker(rdb, "offramp:lock:", 30*time.Second)
	}

	registry := metrics.NewRegistry()
	dlq := deadletter.NewQueue(cfg.Service.DLQPath)

	var gateway escrow.Gateway = escrow.NewMemoryGateway()
	var escrowHealth func(context.Context) error
	if cfg.Chain.PrivateKey != "" {
		eth, err := escrow.NewEthGateway(ctx, escrow.EthGatewayConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			ContractEscrow: cfg.Chain.EscrowContract,
		})
		if err != nil {
			return err
		}
		gateway = eth
		escrowHealth = eth.Ping
	} else {
		logger.Warn("CHAIN_PRIVATE_KEY not set, using in-memory escrow")
	}
	gateway = escrow.NewRetrying(gateway, cfg.Retry, registry, logger.Named("escrow"))

	cat, err := catalog.NewStatic(cfg.Providers, cfg.Rates)
	if err != nil {
		return err
	}
	engine := quote.NewEngine(cat)
	initiator := settlement.NewInitiator(engine, cat, repo, settlement.InitiatorConfig{
		DepositWindow: cfg.Settlement.DepositWindow,
		Metrics:       registry,
	}, logger.Named("initiator"))
	saga := settlement.NewSaga(repo, gateway, locker, settlement.SagaConfig{
		ResumeMaxAttempts: cfg.Settlement.ResumeMaxAttempts,
		DLQ:               dlq,
		Metrics:           registry,
	}, logger.Named("saga"))
	query := settlement.NewQuery(repo)

	jobCfg := scheduler.Config{Interval: cfg.Settlement.SweepInterval}
	if purger, ok := idem.(idempotency.Purger); ok {
		jobCfg.Idempotency = purger
	}
	jobs := scheduler.New(saga, query, dlq, registry, jobCfg, logger)
	if err := jobs.Start(); err != nil {
		return err
	}
	defer jobs.Stop()

	apiServer := server.NewServer(cfg, server.Deps{
		Catalog:      cat,
		Quotes:       engine,
		Initiator:    initiator,
		Saga:         saga,
		Query:        query,
		Idempotency:  idem,
		Locker:       locker,
		DLQ:          dlq,
		Metrics:      registry,
		EscrowHealth: escrowHealth,
		StoreHealth:  storeHealth,
	}, logger.Named("http"))

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func openRepository(ctx context.Context, cfg *config.AppConfig) (store.Repository, func(context.Context) error, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := store.NewPostgresRepository(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg.Ping, pg.Close, nil
	case "sqlite":
		lite, err := store.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return lite, lite.Ping, func() { _ = lite.Close() }, nil
	default:
		return store.NewMemory(), nil, func() {}, nil
	}
}

func openIdempotencyStore(ctx context.Context, cfg *config.AppConfig, repo store.Repository, rdb *redis.Client) (idempotency.Store, func(), error) {
	switch cfg.Service.IdempotencyStore {
	case "postgres":
		if pgRepo, ok := repo.(*store.PostgresRepository); ok {
			pg, err := idempotency.NewPostgresStoreWithPool(ctx, pgRepo.Pool())
			if err != nil {
				return nil, nil, err
			}
			return pg, pg.Close, nil
		}
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "redis":
		return idempotency.NewRedisStore(rdb, "offramp:idem:"), func() {}, nil
	case "memory":
		return idempotency.NewMemoryStore(), func() {}, nil
	default:
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}
