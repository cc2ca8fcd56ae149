// Command marketd runs the prediction market ledger: the sequencing engine,
// its Postgres event log, projections, NATS ingestion and the gRPC / HTTP
// front ends.
package main

import (
	"PredictionLedger/internal/access"
	rediscache "PredictionLedger/internal/cache/redis"
	"PredictionLedger/internal/collateral"
	"PredictionLedger/internal/config"
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/ingestion"
	"PredictionLedger/internal/observability"
	"PredictionLedger/internal/persistence"
	"PredictionLedger/internal/projection"
	"PredictionLedger/internal/query"
	"PredictionLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	rebuild := flag.Bool("rebuild-projections", false, "truncate and replay the projections before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %q: %v\n", *configPath, err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("marketd", observability.ParseLogLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, *rebuild, logger); err != nil {
		logger.Fatal().Err(err).Msg("marketd stopped")
	}
	logger.Info().Msg("marketd shutdown complete")
}

func run(cfg *config.Config, rebuild bool, logger zerolog.Logger) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)
	if err := db.PingContext(sigCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if cfg.Postgres.RunMigrations {
		migrator := persistence.NewMigrator(db, os.DirFS(cfg.Postgres.MigrationsDir), logger.With().Str("component", "migrator").Logger())
		if err := migrator.Up(sigCtx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Redis: sequencer lock and view cache ---
	var (
		lock      *rediscache.SequencerLock
		viewCache query.ViewCache
		invalid   projection.Invalidator
	)
	if cfg.Redis.Enabled {
		rc, err := rediscache.New(sigCtx, rediscache.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		healthChecker.AddCheck("redis", rc.Ping)

		lock = rediscache.NewSequencerLock(rc, cfg.Redis.LockName, cfg.Redis.LockTTL.Duration)
		if err := lock.Acquire(sigCtx); err != nil {
			return fmt.Errorf("sequencer lock: %w", err)
		}
		logger.Info().Str("lock", cfg.Redis.LockName).Msg("sequencer lock acquired")
		// Release only deletes a key this instance still owns
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = lock.Release(releaseCtx)
		}()

		mc := rediscache.NewMarketViewCache(rc, cfg.Redis.ViewTTL.Duration)
		viewCache, invalid = mc, mc
	}

	// --- Engine ---
	roles := access.NewRoles()
	if err := cfg.Roles.Apply(roles); err != nil {
		return err
	}
	bank := collateral.NewBank(collateral.NewToken(cfg.CollateralAsset(), cfg.Ledger.CollateralSymbol))

	persistChan := make(chan core.Output, cfg.Ledger.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.Ledger.ProjectionChanSize)
	publishChan := make(chan *event.Envelope, cfg.Ledger.PublishChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	engine, err := core.NewEngine(core.Config{
		RegistryAddress: cfg.RegistryAddress(),
		CollateralAsset: cfg.CollateralAsset(),
		Bank:            bank,
		Roles:           roles,
		LRUCapacity:     cfg.Ledger.LRUCapacity,
		DBChecker:       dbChecker,
		Metrics:         metrics,
		Logger:          logger.With().Str("component", "core").Logger(),
		PersistChan:     persistChan,
		ProjectionChan:  projectionChan,
	})
	if err != nil {
		return err
	}

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverEngine(sigCtx, engine, snapMgr, dbChecker, cfg.Ledger.LRUCapacity, logger); err != nil {
		return err
	}

	// --- Projections ---
	if rebuild {
		if err := projection.RebuildProjections(sigCtx, db, logger); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
	}
	watermark, err := projection.Watermark(sigCtx, db)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	if head := engine.GetSequence() - 1; watermark < head {
		logger.Warn().Int64("watermark", watermark).Int64("head", head).
			Msg("projections are behind the event log; restart with -rebuild-projections to catch up")
	}

	// --- Workers (stopped last, after the front ends) ---
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	back, backCtx := errgroup.WithContext(workCtx)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persistence.BatchSize,
		cfg.Persistence.FlushTimeout.Duration, metrics, logger.With().Str("component", "persistence").Logger())
	projWorker := projection.NewProjectionWorker(db, projectionChan, invalid, watermark, metrics,
		logger.With().Str("component", "projection").Logger())

	// --- NATS ---
	var subscriber *ingestion.CommandSubscriber
	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			cancelWork()
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", natsCheck(nc))

		if err := ingestion.EnsureStreams(sigCtx, js, logger); err != nil {
			cancelWork()
			return err
		}

		persistWorker.SetOutbound(publishChan)
		publisher := ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())
		back.Go(func() error { return ignoreCanceled(publisher.Run(backCtx)) })

		subscriber = ingestion.NewCommandSubscriber(js, engine, cfg.NATS.Durable, metrics,
			logger.With().Str("component", "ingestion").Logger())
	}

	back.Go(func() error { return ignoreCanceled(persistWorker.Run(backCtx)) })
	back.Go(func() error { return ignoreCanceled(projWorker.Run(backCtx)) })

	if subscriber != nil {
		if err := subscriber.Subscribe(sigCtx); err != nil {
			cancelWork()
			return err
		}
	}

	// The lock outlives the workers so no second instance starts before the
	// final snapshot is stored
	lockCtx, cancelLock := context.WithCancel(context.Background())
	defer cancelLock()
	var lockErr chan error // stays nil, and never fires, without Redis
	if lock != nil {
		lockErr = make(chan error, 1)
		go func() { lockErr <- lock.Hold(lockCtx) }()
	}

	// --- Front ends ---
	front, frontCtx := errgroup.WithContext(sigCtx)

	// A failing worker or a lost lock takes the whole process down
	go func() {
		select {
		case <-backCtx.Done():
			logger.Error().Msg("background worker stopped")
		case err := <-lockErr:
			logger.Error().Err(err).Msg("sequencer lock lost")
			lockErr <- err
		case <-frontCtx.Done():
			return
		}
		stop()
	}()

	qs := query.NewQueryService(engine, db, viewCache, metrics, logger.With().Str("component", "query").Logger())
	svc := server.NewService(engine, qs)

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, svc, metrics, logger.With().Str("component", "grpc").Logger())
	if cfg.Server.GRPCAddr != "" {
		front.Go(func() error { return grpcServer.Serve(frontCtx) })
	}
	if cfg.Server.HTTPAddr != "" {
		gateway, err := server.NewHTTPGateway(server.GatewayConfig{
			Addr:          cfg.Server.HTTPAddr,
			RatePerSecond: cfg.Server.RatePerSecond,
			RateBurst:     cfg.Server.RateBurst,
		}, svc, healthChecker, metrics, logger.With().Str("component", "http").Logger())
		if err != nil {
			cancelWork()
			return err
		}
		front.Go(func() error { return gateway.Serve(frontCtx) })
	}
	if cfg.Server.MetricsAddr != "" {
		front.Go(func() error { return serveMetrics(frontCtx, cfg.Server.MetricsAddr, logger) })
	}
	front.Go(func() error {
		runPeriodicSnapshots(frontCtx, engine, snapMgr, cfg.Ledger.SnapshotInterval, cfg.Ledger.SnapshotCheck.Duration, metrics, logger)
		return nil
	})

	grpcServer.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("marketd ready")

	// --- Shutdown: front ends, then a snapshot, then workers, then the lock ---
	frontErr := front.Wait()
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}

	// Taken under the engine mutex, so any in-flight command has finished
	final := engine.CreateSnapshotState()

	cancelWork()
	backErr := back.Wait()

	saveCtx, cancelSave := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSave()
	if err := saveSnapshot(saveCtx, snapMgr, final, metrics); err != nil {
		logger.Error().Err(err).Int64("sequence", final.Sequence).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
	}

	cancelLock()
	var holdErr error
	if lockErr != nil {
		holdErr = <-lockErr
	}

	return errors.Join(frontErr, backErr, holdErr)
}

// recoverEngine restores the newest verified snapshot and warms the dedup
// cache. Events logged after that snapshot cannot be re-derived, so a log
// that is ahead of the snapshot stops startup.
func recoverEngine(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker, lruCapacity int, logger zerolog.Logger) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		logger.Info().Int64("sequence", snap.Sequence).Int("markets", len(snap.Registry.Markets)).
			Msg("restored from snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("event log head: %w", err)
	}
	if restored := engine.GetSequence() - 1; head > restored {
		return fmt.Errorf("%w: event log head %d, restored state at %d", errLogAhead, head, restored)
	}

	if lruCapacity <= 0 || lruCapacity > 100_000 {
		lruCapacity = 100_000
	}
	keys, err := dbChecker.RecentKeys(ctx, lruCapacity)
	if err != nil {
		return fmt.Errorf("load recent request ids: %w", err)
	}
	engine.WarmLRU(keys)
	logger.Info().Int("keys", len(keys)).Msg("idempotency cache warmed")
	return nil
}

var errLogAhead = errors.New("event log is ahead of the newest verified snapshot")

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func natsCheck(nc *nats.Conn) observability.Check {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats: %s", nc.Status())
		}
		return nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
