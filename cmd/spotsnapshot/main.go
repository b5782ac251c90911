package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"SpotSnapshot/internal/core"
	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"
	"SpotSnapshot/internal/ingestion"
	"SpotSnapshot/internal/observability"
	"SpotSnapshot/internal/persistence"
	"SpotSnapshot/internal/projection"
	"SpotSnapshot/internal/protocol"
	"SpotSnapshot/internal/query"
	"SpotSnapshot/internal/server"

	solana "github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds all application configuration, loaded from SPOT_* environment
// variables (and a .env file when present).
type Config struct {
	// Postgres; empty runs standalone with an in-memory projection
	PostgresURL   string
	MigrationsDir string

	// NATS; empty disables on-demand requests and publishing
	NATSURL string

	// Account source. AccountsFile, when set, replaces the RPC source.
	RPCURL        string
	RPCCommitment string
	ProgramID     string
	AccountsFile  string

	// Snapshots
	Markets          []uint16
	SnapshotInterval time.Duration
	RetainSnapshots  int

	// Channels
	PersistChanSize    int
	ProjectionChanSize int
	PublishChanSize    int
	RequestChanSize    int

	// Persistence worker
	PersistBatchSize    int
	PersistFlushTimeout time.Duration

	// gRPC/HTTP/Metrics
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string
}

func DefaultConfig() (Config, error) {
	markets, err := parseMarkets(envOrDefault("SPOT_MARKETS", "0"))
	if err != nil {
		return Config{}, err
	}
	return Config{
		PostgresURL:         os.Getenv("SPOT_POSTGRES_DSN"),
		MigrationsDir:       envOrDefault("SPOT_MIGRATIONS_DIR", "migrations"),
		NATSURL:             os.Getenv("SPOT_NATS_URL"),
		RPCURL:              envOrDefault("SPOT_RPC_URL", "https://api.mainnet-beta.solana.com"),
		RPCCommitment:       envOrDefault("SPOT_RPC_COMMITMENT", "confirmed"),
		ProgramID:           envOrDefault("SPOT_PROGRAM_ID", protocol.DriftProgramID.String()),
		AccountsFile:        os.Getenv("SPOT_ACCOUNTS_FILE"),
		Markets:             markets,
		SnapshotInterval:    envDurationOrDefault("SPOT_SNAPSHOT_INTERVAL", time.Minute),
		RetainSnapshots:     envIntOrDefault("SPOT_RETAIN_SNAPSHOTS", projection.DefaultRetainedSnapshots),
		PersistChanSize:     envIntOrDefault("SPOT_PERSIST_CHAN_SIZE", 64),
		ProjectionChanSize:  envIntOrDefault("SPOT_PROJECTION_CHAN_SIZE", 64),
		PublishChanSize:     envIntOrDefault("SPOT_PUBLISH_CHAN_SIZE", 64),
		RequestChanSize:     envIntOrDefault("SPOT_REQUEST_CHAN_SIZE", 256),
		PersistBatchSize:    envIntOrDefault("SPOT_PERSIST_BATCH_SIZE", 8),
		PersistFlushTimeout: envDurationOrDefault("SPOT_PERSIST_FLUSH_TIMEOUT", 50*time.Millisecond),
		GRPCAddr:            envOrDefault("SPOT_GRPC_ADDR", ":9090"),
		HTTPAddr:            envOrDefault("SPOT_HTTP_ADDR", ":8080"),
		MetricsAddr:         envOrDefault("SPOT_METRICS_ADDR", ":9091"),
	}, nil
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "WARN: load .env: %v\n", err)
	}

	logger := observability.NewLogger("spotsnapshot")
	logger.Info().Msg("SpotSnapshot starting")

	cfg, err := DefaultConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Account source ---
	source, err := buildSource(cfg, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("account source")
	}

	// --- Channels ---
	// Persistence blocks (backpressure), projection and publish drop when full
	persistChan := make(chan *event.TokenAmountSnapshot, cfg.PersistChanSize)
	var projectionChan, publishChan chan *event.TokenAmountSnapshot

	// workerCtx outlives ctx so the workers can drain after producers stop.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers sync.WaitGroup
	errChan := make(chan error, 10)

	runWorker := func(name string, run func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(workerCtx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	var (
		querier      server.Querier
		requestStore core.RequestStore
		tip          *persistence.ChainLink
	)

	if cfg.PostgresURL != "" {
		// --- Postgres ---
		db, err := sql.Open("postgres", cfg.PostgresURL)
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
		logger.Info().Msg("Postgres connected")

		// --- Run SQL migrations ---
		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
		if _, err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}

		// --- Recovery: continue the chain from the last persisted snapshot ---
		tip, err = persistence.NewSnapshotStore(db).LoadChainTip(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("load chain tip")
		}

		projectionChan = make(chan *event.TokenAmountSnapshot, cfg.ProjectionChanSize)

		persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize,
			cfg.PersistFlushTimeout, observability.NewLogger("persistence"), metrics)
		runWorker("persistence worker", persistWorker.Run)

		projWorker := projection.NewProjectionWorker(db, projectionChan, observability.NewLogger("projection"), metrics)
		runWorker("projection worker", projWorker.Run)

		querier = query.NewQueryService(db)
		requestStore = persistence.NewPostgresRequestChecker(db)
		healthChecker.AddCheck("postgres", db.PingContext)
	} else {
		// Standalone: the in-memory projection takes the persistence slot so
		// it sees every snapshot of the chain.
		logger.Warn().Msg("SPOT_POSTGRES_DSN not set, snapshots are kept in memory only")
		mem := projection.NewMemoryProjection(cfg.RetainSnapshots)
		runWorker("memory projection", func(ctx context.Context) error {
			return mem.Run(ctx, persistChan)
		})
		querier = mem
	}

	// --- NATS ---
	var (
		subscriber  *ingestion.RequestSubscriber
		requestChan chan ingestion.SnapshotRequest
	)
	if cfg.NATSURL != "" {
		natsLogger := observability.NewLogger("nats")
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()

		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}

		requestChan = make(chan ingestion.SnapshotRequest, cfg.RequestChanSize)
		subscriber = ingestion.NewRequestSubscriber(js, requestChan, natsLogger)
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}

		publishChan = make(chan *event.TokenAmountSnapshot, cfg.PublishChanSize)
		publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"), metrics)
		runWorker("outbound publisher", publisher.Run)

		healthChecker.AddCheck("nats", ingestion.NATSCheck(nc))
	}

	// --- Snapshotter ---
	snapshotter := core.NewSnapshotter(core.SnapshotterConfig{
		Source:         source,
		Extractor:      extractor.New(protocol.NewDecoder(), observability.NewLogger("extractor"), metrics),
		RequestStore:   requestStore,
		Logger:         observability.NewLogger("snapshotter"),
		Metrics:        metrics,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		PublishChan:    publishChan,
	})
	if tip != nil {
		snapshotter.Restore(tip.Sequence, tip.StateHash)
	}

	// --- gRPC + HTTP server ---
	grpcServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Querier:       querier,
		Snapshotter:   snapshotter,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build server")
	}

	// --- Start producers ---
	var producers sync.WaitGroup
	runProducer := func(name string, run func() error) {
		producers.Add(1)
		go func() {
			defer producers.Done()
			if err := run(); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runProducer("scheduled snapshots", func() error {
		return snapshotter.Run(ctx, cfg.Markets, cfg.SnapshotInterval)
	})
	if requestChan != nil {
		runProducer("snapshot requests", func() error {
			return snapshotter.ServeRequests(ctx, requestChan)
		})
	}
	runProducer("grpc server", func() error { return grpcServer.StartGRPC(ctx) })
	runProducer("http server", func() error { return grpcServer.StartHTTP(ctx) })
	go serveMetrics(ctx, cfg.MetricsAddr, logger, errChan)

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", snapshotter.Sequence()).
		Interface("markets", cfg.Markets).
		Dur("interval", cfg.SnapshotInterval).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("SpotSnapshot ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop producers, then let the workers drain what was already emitted.
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	producers.Wait()

	close(persistChan)
	if projectionChan != nil {
		close(projectionChan)
	}
	if publishChan != nil {
		close(publishChan)
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
		cancelWorkers()
		<-drained
	}

	logger.Info().Int64("sequence", snapshotter.Sequence()).Msg("SpotSnapshot shutdown complete")
}

func buildSource(cfg Config, metrics *observability.Metrics) (ingestion.RecordSource, error) {
	if cfg.AccountsFile != "" {
		return ingestion.NewFileSource(cfg.AccountsFile), nil
	}
	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("SPOT_PROGRAM_ID: %w", err)
	}
	return ingestion.NewRPCSource(cfg.RPCURL, programID, ingestion.ParseCommitment(cfg.RPCCommitment),
		observability.NewLogger("rpc"), metrics), nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger, errChan chan<- error) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

// parseMarkets parses a comma separated list of market indexes.
func parseMarkets(s string) ([]uint16, error) {
	var markets []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("SPOT_MARKETS: invalid market index %q", part)
		}
		markets = append(markets, uint16(v))
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("SPOT_MARKETS: no market configured")
	}
	return markets, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
