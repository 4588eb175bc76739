package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/wallet-orchestrator/internal/api"
	"github.com/ahrav/wallet-orchestrator/internal/app/balance"
	"github.com/ahrav/wallet-orchestrator/internal/app/lifecycle"
	appMigration "github.com/ahrav/wallet-orchestrator/internal/app/migration"
	"github.com/ahrav/wallet-orchestrator/internal/app/session"
	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	"github.com/ahrav/wallet-orchestrator/internal/domain/migration"
	"github.com/ahrav/wallet-orchestrator/internal/infra/ledger"
	"github.com/ahrav/wallet-orchestrator/internal/infra/ledger/simulated"
	"github.com/ahrav/wallet-orchestrator/internal/infra/mainloop"
	"github.com/ahrav/wallet-orchestrator/internal/infra/storage"
	memoryStore "github.com/ahrav/wallet-orchestrator/internal/infra/storage/memory"
	"github.com/ahrav/wallet-orchestrator/internal/infra/storage/postgres"
	kafkaSink "github.com/ahrav/wallet-orchestrator/internal/infra/telemetry/kafka"
	memorySink "github.com/ahrav/wallet-orchestrator/internal/infra/telemetry/memory"
	"github.com/ahrav/wallet-orchestrator/pkg/common"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
	"github.com/ahrav/wallet-orchestrator/pkg/common/otel"
	"github.com/ahrav/wallet-orchestrator/pkg/config"
	"github.com/ahrav/wallet-orchestrator/pkg/metrics"
)

var build = "develop"

const serviceType = "walletd"

// profileStore is everything the services persist for one profile.
type profileStore interface {
	account.StateStore
	account.BalanceStore
	account.SessionStore
	migration.Store
}

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	ctx := context.Background()

	var base config.Loader = config.DefaultLoader{}
	if *configPath != "" {
		base = config.NewFileLoader(*configPath)
	}
	cfg, err := config.NewEnvLoader(base).Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	hostname, err := os.Hostname()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get hostname: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("WALLETD-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"profile":  cfg.ProfileID,
		"app":      serviceType,
	}
	log := logger.NewWithMetadata(os.Stdout, level, svcName, otel.GetTraceID, logEvents, metadata)

	if err := run(ctx, log, cfg); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Start Tracing Support
	var tracer trace.Tracer = tracenoop.NewTracerProvider().Tracer(cfg.Otel.ServiceName)
	mp := otel.NoopMeterProvider()
	if cfg.Otel.Enabled {
		log.Info(ctx, "startup", "status", "initializing tracing support")

		traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Otel.ServiceName,
			ExporterEndpoint: cfg.Otel.Endpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/readiness": {},
				"/v1/liveness":  {},
			},
			Probability: cfg.Otel.Probability,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"wallet.profile":   cfg.ProfileID,
			},
			InsecureExporter: cfg.Otel.Insecure,
		})
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer teardown(context.WithoutCancel(ctx))

		tracer = traceProvider.Tracer(cfg.Otel.ServiceName)
		mp = otel.GetMeterProvider()
	}

	promMetrics := metrics.New(cfg.Metrics.Namespace, nil)

	// -------------------------------------------------------------------------
	// Storage
	store, ready, closeStore, err := openStore(ctx, log, cfg, tracer)
	if err != nil {
		return err
	}
	defer closeStore()

	// -------------------------------------------------------------------------
	// Telemetry sink
	recorder := memorySink.NewRecorder(cfg.Telemetry.RecorderLimit)
	sink := events.Fanout{recorder}
	switch cfg.Telemetry.Sink {
	case config.SinkTypeKafka:
		log.Info(ctx, "startup", "status", "connecting telemetry sink", "brokers", cfg.Telemetry.Kafka.Brokers)
		ks, err := kafkaSink.ConnectWithRetry(ctx, kafkaSink.Config{
			Brokers:  cfg.Telemetry.Kafka.Brokers,
			Topic:    cfg.Telemetry.Kafka.Topic,
			ClientID: cfg.Telemetry.Kafka.ClientID,
		}, cfg.Telemetry.Kafka.ConnectTimeout, log, tracer, promMetrics)
		if err != nil {
			return fmt.Errorf("connecting telemetry sink: %w", err)
		}
		defer func() {
			if err := ks.Close(); err != nil {
				log.Warn(ctx, "shutdown", "status", "closing telemetry sink", "error", err)
			}
		}()
		sink = append(sink, ks)
	default:
		sink = append(sink, memorySink.NewLogSink(log))
	}

	// -------------------------------------------------------------------------
	// Main loop
	loop := mainloop.Start(ctx, log)
	defer loop.Close()

	// -------------------------------------------------------------------------
	// Ledger
	startingBalance, err := decimal.NewFromString(cfg.Ledger.StartingBalance)
	if err != nil {
		return fmt.Errorf("parsing starting balance: %w", err)
	}
	network := simulated.NewNetwork(simulated.Config{
		CreationDelay:     cfg.Ledger.CreationDelay,
		TrustlineFailures: cfg.Ledger.TrustlineFailures,
		StartingBalance:   startingBalance,
		SDKVersion:        migration.Version(cfg.Ledger.SDKVersion),
	}, log)
	backend := simulated.NewBackend(network, cfg.UserID, migration.Version(cfg.Ledger.NetworkVersion))
	facade := ledger.NewRetryingLedger(network, ledger.RetryPolicy{
		MaxAttempts:     cfg.Ledger.Trustline.MaxAttempts,
		InitialInterval: cfg.Ledger.Trustline.InitialWait,
		MaxInterval:     cfg.Ledger.Trustline.MaxWait,
	}, log, tracer)

	// -------------------------------------------------------------------------
	// Services
	lifecycleMetrics, migrationMetrics, balanceMetrics, err := serviceMetrics(cfg, mp, promMetrics)
	if err != nil {
		return err
	}

	manager, err := lifecycle.NewManager(ctx, backend, facade, network, store, sink, loop, log, lifecycleMetrics, tracer)
	if err != nil {
		return fmt.Errorf("creating lifecycle manager: %w", err)
	}
	defer manager.Close()

	orchestrator := appMigration.NewOrchestrator(backend, network, network, store, facade, sink, loop, log, migrationMetrics, tracer)

	tracker := balance.NewTracker(ctx, network, facade, store, loop,
		common.NewRateLimiter(cfg.Balance.ReconnectRate, cfg.Balance.ReconnectBurst),
		log, balanceMetrics, tracer)
	defer tracker.Close(context.WithoutCancel(ctx))

	sessions := session.NewService(backend, network, facade, manager, tracker, store, loop, log, tracer)

	// Once the account is provisioned, check whether it must move ledgers.
	checkMigration := func() {
		orchestrator.StartMigration(ctx, nil, "", migration.ListenerFuncs{
			End: func() { log.Info(ctx, "migration check finished") },
			Error: func(err *account.LedgerError) {
				log.Warn(ctx, "migration check failed", "error", err, "code", err.Code)
			},
		})
	}
	manager.Subscribe(func(s account.State) {
		if s == account.StateCreationCompleted && facade.ActiveAccount() != nil {
			checkMigration()
		}
	})

	sessions.LoginAsync(ctx, func(err error) {
		if err != nil {
			log.Warn(ctx, "startup", "status", "login failed, waiting for a retry", "error", err)
			return
		}
		log.Info(ctx, "startup", "status", "logged in", "state", manager.CurrentState())
		if manager.IsProvisioned() {
			checkMigration()
		}
	})
	orchestrator.FetchBlockchainVersion(ctx, func(v migration.Version, err error) {
		if err != nil {
			log.Warn(ctx, "startup", "status", "blockchain version unavailable", "error", err)
			return
		}
		log.Info(ctx, "startup", "status", "blockchain version", "version", v, "sdk_version", network.SDKVersion())
	})

	// -------------------------------------------------------------------------
	// Start Debug Service
	go func() {
		if err := common.RunMetricsServer(ctx, cfg.Web.DebugAddr, log); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Web.DebugAddr, "msg", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start API Service
	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}

	handler := api.NewServer(api.Config{
		Build:      build,
		Log:        log,
		Tracer:     tracer,
		Metrics:    apiMetrics,
		Lifecycle:  manager,
		Migrations: orchestrator,
		Balances:   tracker,
		Session:    sessions,
		Events:     recorder,
		Ready:      ready,
	})

	srv := &http.Server{
		Addr:         cfg.Web.APIAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	err = common.Serve(ctx, srv, cfg.Web.ShutdownTimeout, log)
	log.Info(ctx, "shutdown", "status", "shutdown complete")
	return err
}

// openStore returns the configured profile store, its readiness probe and a
// close func.
func openStore(
	ctx context.Context,
	log *logger.Logger,
	cfg *config.Config,
	tracer trace.Tracer,
) (profileStore, func(context.Context) error, func(), error) {
	if cfg.Store.Backend != config.StoreBackendPostgres {
		log.Info(ctx, "startup", "status", "using in-memory store")
		return memoryStore.NewStore(), nil, func() {}, nil
	}

	log.Info(ctx, "startup", "status", "connecting to postgres")
	pool, err := common.ConnectWithRetry(ctx, log, "postgres", time.Minute,
		func(ctx context.Context) (*pgxpool.Pool, error) {
			return storage.NewPool(ctx, storage.PoolConfig{
				DSN:      cfg.Store.DSN,
				MinConns: cfg.Store.MinConns,
				MaxConns: cfg.Store.MaxConns,
			})
		})
	if err != nil {
		return nil, nil, nil, err
	}

	if err := storage.RunMigrations(pool, cfg.Store.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	return postgres.NewProfileStore(pool, cfg.ProfileID, tracer), pool.Ping, pool.Close, nil
}

// serviceMetrics picks the metrics implementation the services report to.
func serviceMetrics(
	cfg *config.Config,
	mp metric.MeterProvider,
	prom *metrics.Metrics,
) (lifecycle.Metrics, appMigration.Metrics, balance.Metrics, error) {
	if cfg.Metrics.Backend == config.MetricsBackendPrometheus {
		return prom, prom, prom, nil
	}

	lm, err := lifecycle.NewLifecycleMetrics(mp)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating lifecycle metrics: %w", err)
	}
	mm, err := appMigration.NewMigrationMetrics(mp)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating migration metrics: %w", err)
	}
	bm, err := balance.NewBalanceMetrics(mp)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating balance metrics: %w", err)
	}
	return lm, mm, bm, nil
}
