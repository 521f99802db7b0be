package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
	"PerpSettle/internal/store"
	"github.com/grafana/pyroscope-go"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	sinkBuffer   = 4096
	shutdownWait = 30 * time.Second
)

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("PerpSettle starting")

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.PyroscopeURL != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "perpsettle",
			ServerAddress:   cfg.PyroscopeURL,
			Logger:          pyroscopeLogger{observability.NewLogger("pyroscope")},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			logger.Warn().Err(err).Msg("pyroscope disabled")
		} else {
			defer profiler.Stop()
		}
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Event log (Postgres via database/sql) ---
	var db *sql.DB
	if cfg.Persistent() {
		var err error
		db, err = sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres open")
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal().Err(err).Msg("postgres ping")
		}
		if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		healthChecker.AddCheck("postgres", db.PingContext)
		logger.Info().Msg("event log connected, migrations applied")
	}

	// --- Ledger store ---
	backend, rdb, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer backend.Close()
	healthChecker.AddCheck("store", backend.Ping)

	catalogue, err := config.LoadCatalogue(cfg.MarketsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load market catalogue")
	}
	seedTx := store.Begin(backend)
	if err := catalogue.Seed(ctx, seedTx); err != nil {
		logger.Fatal().Err(err).Msg("seed catalogue")
	}
	if err := seedTx.Commit(ctx); err != nil {
		logger.Fatal().Err(err).Msg("commit catalogue")
	}
	logger.Info().Int("markets", len(catalogue.Markets)).Int("assets", len(catalogue.Assets)).Msg("catalogue seeded")

	var refs oracle.ReferenceFeed
	if rdb != nil {
		refs = oracle.NewRedisReferenceFeed(rdb)
	} else {
		prices, err := catalogue.ReferencePricesUSD()
		if err != nil {
			logger.Fatal().Err(err).Msg("reference prices")
		}
		refs = oracle.NewStaticReferenceFeed(prices)
	}

	// --- Emitter sinks ---
	emitter := event.NewEmitter(func(sink string) {
		metrics.EventDrops.WithLabelValues(sink).Inc()
	})
	wsSink := emitter.Subscribe("ws", sinkBuffer)

	// --- Engine ---
	var persistChan chan core.Output
	if db != nil {
		persistChan = make(chan core.Output, cfg.PersistChanSize)
	}
	engineLogger := observability.NewLogger("engine")
	engine := core.NewEngine(backend, core.Options{
		Oracle:  oracle.NewValidator(refs, time.Now),
		Emitter: emitter,
		Metrics: metrics,
		Logger:  &engineLogger,
		Persist: persistChan,
	})

	var (
		replay   server.Replayer
		cmdStore ingestion.CommandStore
	)
	if db != nil {
		reader := persistence.NewLogReader(db)
		seq, tip, err := reader.Tip(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("read event log tip")
		}
		engine.Resume(seq, tip)
		logger.Info().Int64("sequence", seq).Str("state_hash", tip.String()).Msg("resumed from event log")
		replay = reader
		cmdStore = persistence.NewCommandLog(db)
	}

	dedup := ingestion.NewDeduplicator(cfg.IdempotencyLRUCapacity, cmdStore, observability.NewLogger("dedup"))
	dispatcher := ingestion.NewDispatcher(engine, dedup, cfg.CommandChanSize, metrics)

	// --- Goroutines ---
	errChan := make(chan error, 16)
	workersDone := make(chan struct{})
	dispatcherDone := make(chan struct{})

	go func() {
		defer close(dispatcherDone)
		if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	// The persistence worker outlives ctx: it drains until the engine's
	// output channel is closed after the dispatcher stops.
	go func() {
		defer close(workersDone)
		if persistChan == nil {
			return
		}
		w := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
		if err := w.Run(context.Background()); err != nil {
			logger.Error().Err(err).Msg("persistence worker stopped")
		}
	}()

	if db != nil {
		projSink := emitter.Subscribe("projection", sinkBuffer)
		go func() {
			if err := projection.NewProjectionWorker(db, projSink, metrics).Run(ctx); err != nil && err != context.Canceled {
				logger.Warn().Err(err).Msg("projection worker stopped")
			}
		}()
	}

	// --- NATS ---
	var (
		nc         *nats.Conn
		subscriber *ingestion.CommandSubscriber
	)
	if cfg.NATSURL != "" {
		var js jetstream.JetStream
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}

		natsSink := emitter.Subscribe("nats", sinkBuffer)
		go func() {
			if err := ingestion.NewEventPublisher(js, natsSink, metrics).Run(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("event publisher: %w", err)
			}
		}()

		subscriber = ingestion.NewCommandSubscriber(js, nc, dispatcher, metrics)
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS ingestion enabled")
	}

	// --- gRPC, gateway, websocket ---
	qs := query.NewService(backend, engine.Vault(), engine.Tip, db)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, server.NewSettlementService(qs, dispatcher), metrics)
	go func() {
		if err := grpcServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	conn, err := grpc.NewClient(loopback(cfg.GRPCAddr), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway dial")
	}
	defer conn.Close()
	gateway, err := server.NewGateway(conn)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway routes")
	}

	hub := server.NewEventHub(wsSink, replay, metrics)
	go hub.Run(ctx)

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, server.NewRouter(server.RouterDeps{
		Gateway: gateway,
		Health:  healthChecker,
		Hub:     hub,
	}))
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	metricsServer := server.NewHTTPServer(cfg.MetricsAddr, server.NewRouter(server.RouterDeps{
		Health:   healthChecker,
		Gatherer: prometheus.DefaultGatherer,
	}))
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	seq, _ := engine.Tip()
	logger.Info().
		Int64("sequence", seq).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpSettle ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the dispatcher finish its current command, then
	// drain committed outputs into the event log.
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	<-dispatcherDone

	if persistChan != nil {
		close(persistChan)
	}
	select {
	case <-workersDone:
	case <-time.After(shutdownWait):
		logger.Error().Msg("persistence drain timed out; recent events may be missing from the event log")
	}
	emitter.Close()

	seq, tip := engine.Tip()
	logger.Info().Int64("sequence", seq).Str("state_hash", tip.String()).Msg("PerpSettle shutdown complete")
}

// openStore selects the ledger store backend and wraps it in the redis
// read cache when configured. The redis client is returned for the
// reference price feed.
func openStore(ctx context.Context, cfg config.Config) (store.Backend, *redis.Client, error) {
	var backend store.Backend
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := store.ConnectPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		backend = pg
	default:
		backend = store.NewMemoryBackend()
	}

	if cfg.RedisAddr == "" {
		return backend, nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return store.NewCachedBackend(backend, rdb, cfg.CacheTTL), rdb, nil
}

// loopback turns a listen address like ":9090" into a dialable target.
func loopback(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

type pyroscopeLogger struct{ l zerolog.Logger }

func (p pyroscopeLogger) Infof(format string, args ...interface{})  { p.l.Info().Msgf(format, args...) }
func (p pyroscopeLogger) Debugf(format string, args ...interface{}) { p.l.Debug().Msgf(format, args...) }
func (p pyroscopeLogger) Errorf(format string, args ...interface{}) { p.l.Error().Msgf(format, args...) }
