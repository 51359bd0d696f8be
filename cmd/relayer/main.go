package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lucylow/verytippers/internal/admin"
	"github.com/lucylow/verytippers/internal/api"
	"github.com/lucylow/verytippers/internal/chain"
	"github.com/lucylow/verytippers/internal/config"
	"github.com/lucylow/verytippers/internal/confirm"
	"github.com/lucylow/verytippers/internal/content"
	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/encoding"
	"github.com/lucylow/verytippers/internal/identity"
	"github.com/lucylow/verytippers/internal/metrics"
	"github.com/lucylow/verytippers/internal/moderation"
	"github.com/lucylow/verytippers/internal/queue"
	"github.com/lucylow/verytippers/internal/reconciler"
	"github.com/lucylow/verytippers/internal/store/postgres"
	storeredis "github.com/lucylow/verytippers/internal/store/redis"
	"github.com/lucylow/verytippers/internal/tips"
	"github.com/lucylow/verytippers/internal/tracing"
	"github.com/lucylow/verytippers/internal/worker"
)

func main() {
	// A missing .env is fine; env vars win either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting tip relayer",
		"chain_rpc", cfg.Chain.RPCURL,
		"contract", cfg.Chain.ContractAddress,
		"queue_concurrency", cfg.Queue.Concurrency,
		"queue_rate", cfg.Queue.RatePerSecond,
		"token", cfg.Token.Symbol,
	)

	shutdownTracing, err := tracing.Init(context.Background(), cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint, true)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(cfg.MigrationsD); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	tipRepo := postgres.NewTipRepo(db)
	userRepo := postgres.NewUserRepo(db)
	nonceRepo := postgres.NewNonceRepo(db)
	jobRepo := postgres.NewJobRepo(db)
	deadLetterRepo := postgres.NewDeadLetterRepo(db)

	// The leaderboard mirror is best effort; running without Redis only
	// disables the leaderboard endpoints.
	leaderboard, err := storeredis.NewLeaderboard(storeredis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Warn("leaderboard mirror unavailable", "error", err)
		leaderboard = nil
	} else {
		defer leaderboard.Close()
	}

	chainClient, err := chain.NewEthereumClient(context.Background(), chain.EthereumConfig{
		RPCURL:          cfg.Chain.RPCURL,
		PrivateKeyHex:   cfg.Chain.PrivateKeyHex,
		ContractAddress: cfg.Chain.ContractAddress,
		RPCRateRPS:      cfg.Chain.RPCRateRPS,
		RPCRateBurst:    cfg.Chain.RPCRateBurst,
		PollInterval:    cfg.Chain.PollInterval,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize chain client", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	builder := encoding.NewBuilder(tips.NewRepoNonceSource(nonceRepo))

	maxAmount, err := encoding.ParseAmount(cfg.Token.MaxTipAmount, cfg.Token.Decimals)
	if err != nil {
		logger.Error("invalid MAX_TIP_AMOUNT", "value", cfg.Token.MaxTipAmount, "error", err)
		os.Exit(1)
	}

	tipService := tips.NewService(
		tips.Config{
			TokenSymbol:      cfg.Token.Symbol,
			TokenDecimals:    cfg.Token.Decimals,
			MaxAmount:        maxAmount,
			MaxMessageLength: cfg.Token.MaxMessageLength,
			MaxAttempts:      cfg.Queue.MaxAttempts,
		},
		tipRepo, userRepo, jobRepo, builder,
		identity.NewClient(cfg.Services.IdentityURL, logger),
		content.NewClient(cfg.Services.ContentURL, logger),
		moderation.NewClient(cfg.Services.ModerationURL, logger),
		logger,
	)

	relayHandler := worker.NewTipRelay(worker.Config{
		FirstConfirmationTimeout: cfg.Confirm.FirstConfirmationTimeout,
		WatchMaxAttempts:         cfg.Queue.MaxAttempts,
		WatchDelay:               cfg.Confirm.RecheckInterval,
		MaxAmount:                maxAmount,
	}, tipRepo, userRepo, jobRepo, chainClient, logger)

	watchHandler := confirm.NewMonitor(confirm.Config{
		TargetDepth:     cfg.Confirm.TargetDepth,
		RecheckInterval: cfg.Confirm.RecheckInterval,
		WatchTimeout:    time.Duration(cfg.Confirm.TargetDepth+1) * 10 * cfg.Confirm.RecheckInterval,
		MaxAttempts:     cfg.Queue.MaxAttempts,
	}, tipRepo, jobRepo, chainClient, logger)

	// Relay submissions and confirmation re-checks run as separate lanes with
	// their own concurrency and rate budgets; a backlog in one never starves
	// the other.
	hostname, _ := os.Hostname()
	relayConsumer := queue.NewConsumer(queue.Config{
		Concurrency:   cfg.Queue.Concurrency,
		RatePerSecond: cfg.Queue.RatePerSecond,
		RateBurst:     cfg.Queue.RateBurst,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffCap:    cfg.Queue.BackoffCap,
		LeaseTTL:      cfg.Queue.LeaseTTL,
		PollInterval:  cfg.Queue.PollInterval,
		ConsumerName:  hostname + "-relay",
	}, jobRepo, logger)
	relayConsumer.Register(model.JobKindTipRelay, relayHandler)

	watchConsumer := queue.NewConsumer(queue.Config{
		Concurrency:   cfg.Queue.WatchConcurrency,
		RatePerSecond: cfg.Queue.WatchRatePerSecond,
		RateBurst:     cfg.Queue.WatchRateBurst,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffCap:    cfg.Queue.BackoffCap,
		LeaseTTL:      cfg.Queue.LeaseTTL,
		PollInterval:  cfg.Queue.PollInterval,
		ConsumerName:  hostname + "-watch",
	}, jobRepo, logger)
	watchConsumer.Register(model.JobKindConfirmationWatch, watchHandler)

	var mirror reconciler.Mirror
	if leaderboard != nil {
		mirror = leaderboard
	}
	reconcileService := reconciler.NewService(
		db, tipRepo, userRepo, chainClient, mirror, cfg.Chain.EventFromBlock, logger)

	apiServer := api.NewServer(tipService, leaderboard, logger)
	adminServer := admin.NewServer(db, tipRepo, jobRepo, deadLetterRepo, cfg.Queue.MaxAttempts, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.HTTPPort, apiServer.Handler(), "api", logger)
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/admin/", adminServer.Handler())
		mux.Handle("/metrics", promhttp.Handler())
		return runHTTPServer(gCtx, cfg.Server.AdminPort, mux, "admin", logger)
	})
	g.Go(func() error {
		return relayConsumer.Run(gCtx)
	})
	g.Go(func() error {
		return watchConsumer.Run(gCtx)
	})
	g.Go(func() error {
		return reconcileService.Run(gCtx)
	})

	startDBPoolStatsPump(gCtx, db, logger)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relayer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relayer shut down gracefully")
}

func runHTTPServer(ctx context.Context, port int, handler http.Handler, name string, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("http server started", "server", name, "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db *postgres.DB, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				stats := db.Stats()
				metrics.DBPoolOpen.Set(float64(stats.OpenConnections))
				metrics.DBPoolInUse.Set(float64(stats.InUse))
				metrics.DBPoolIdle.Set(float64(stats.Idle))
			}
		}
	}()
}
