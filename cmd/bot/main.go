package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-telegram/bot/models"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/set-night/shopbot"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/config"
	"github.com/set-night/shopbot/internal/cryptopay"
	"github.com/set-night/shopbot/internal/handler"
	"github.com/set-night/shopbot/internal/metrics"
	"github.com/set-night/shopbot/internal/middleware"
	"github.com/set-night/shopbot/internal/ratelimit"
	"github.com/set-night/shopbot/internal/repository"
	"github.com/set-night/shopbot/internal/repository/memory"
	"github.com/set-night/shopbot/internal/repository/mongo"
	"github.com/set-night/shopbot/internal/repository/postgres"
	"github.com/set-night/shopbot/internal/service"
	"github.com/set-night/shopbot/internal/settlement"
	"github.com/set-night/shopbot/internal/telegram"
	"github.com/set-night/shopbot/internal/webhook"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	// Setup context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("shopbot stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shopbot stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	limiter, cleanup, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}

	// The operator log and the handler need the pool, which needs them in turn.
	var (
		pool *botpool.Supervisor
		h    *handler.Handler
	)
	sender := botpool.SenderFunc(func(ctx context.Context, msg botpool.Message) error {
		return pool.Send(ctx, msg)
	})
	opslog := telegram.NewOperatorLog(sender, cfg)

	// Initialize services
	cryptoPay := cryptopay.NewClient(cfg.CryptoPayBaseURL(), cfg.CryptoPayToken)
	accountService := service.NewAccountService(store, opslog)
	paymentService := service.NewPaymentService(store, cryptoPay)
	fulfillment := service.NewFulfillment(opslog)
	orderService := service.NewOrderService(store, store, paymentService, fulfillment)

	pool, err = botpool.New(cfg.BotTokens, telegram.NewClientFactory(), botpool.Config{
		HealthInterval:   cfg.HealthCheckInterval,
		HealthIntervals:  cfg.HealthCheckIntervals,
		CheckTimeout:     cfg.HealthCheckTimeout,
		FailureThreshold: cfg.HealthFailureThreshold,
		ReconnectMin:     cfg.ReconnectMinBackoff,
		ReconnectMax:     cfg.ReconnectMaxBackoff,
		SendTimeout:      config.SendTimeout,
	},
		botpool.WithMiddlewares(
			middleware.Recover(),
			middleware.Logging(),
			middleware.RateLimit(limiter),
			middleware.AccountLoader(accountService, cfg),
		),
		botpool.WithHandler(func(ctx context.Context, s botpool.Sender, update *models.Update) {
			if h != nil {
				h.Handle(ctx, s, update)
			}
		}),
		botpool.WithOnRevoked(opslog.LogCredentialRevoked),
		botpool.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("create bot pool: %w", err)
	}

	h = handler.New(handler.Deps{
		Accounts: accountService,
		Payments: paymentService,
		Orders:   orderService,
		Pool:     pool,
	})

	// Settlement
	engine := settlement.NewEngine(settlement.Deps{
		Store:       store,
		Notifier:    pool,
		Fulfillment: fulfillment,
		Alerts:      opslog,
		Metrics:     m,
	}, settlement.Config{
		Tolerance:       cfg.AmountTolerance(),
		ConflictRetries: cfg.SettleConflictRetries,
	})
	processor := settlement.NewProcessor(engine, opslog, m, settlement.RetryConfig{
		MaxAttempts: cfg.SettleMaxAttempts,
		BaseDelay:   cfg.SettleRetryBase,
	})

	var providers []webhook.Provider
	if cryptoPay.Enabled() {
		providers = append(providers, cryptopay.NewProvider(cfg.CryptoPayToken))
	} else {
		slog.Warn("CRYPTO_PAY_TOKEN not set, payments disabled")
	}

	gateway := webhook.New(webhook.Deps{
		Providers: providers,
		Settler:   processor,
		Pool:      pool,
		Metrics:   m,
		Gatherer:  registry,
	}, cfg.WebhookTimeout)
	server := webhook.NewServer(fmt.Sprintf(":%d", cfg.WebhookPort), gateway.Routes(), config.ShutdownTimeout)

	// Start the bot pool
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := pool.Stop(); err != nil {
			slog.Error("failed to stop bot pool", "error", err)
		}
	}()

	if cryptoPay.Enabled() {
		if app, err := cryptoPay.GetMe(ctx); err != nil {
			slog.Warn("crypto pay app check failed", "error", err)
		} else {
			slog.Info("crypto pay app", "app_id", app.AppID, "name", app.Name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		settlement.NewRedeliverer(store, pool, m).Run(gctx, cfg.NotifyRetryInterval)
		return nil
	})
	g.Go(func() error {
		settlement.NewInvoiceSweeper(store, m).Run(gctx, cfg.InvoiceSweepInterval)
		return nil
	})
	if cleanup != nil {
		g.Go(func() error {
			cleanup(gctx)
			return nil
		})
	}

	slog.Info("shopbot started",
		"connections", len(cfg.BotTokens),
		"store", cfg.StoreDriver,
		"webhook_port", cfg.WebhookPort,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		slog.Warn("using in-memory store, state is lost on restart")
		return memory.New(), nil

	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxConns:        cfg.DatabaseMaxConns,
			MinConns:        cfg.DatabaseMinConns,
			MaxConnIdleTime: cfg.DatabaseMaxConnIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		migrationsFS, err := fs.Sub(shopbot.MigrationsFS, "migrations")
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("load embedded migrations: %w", err)
		}
		if err := postgres.RunMigrations(cfg.DatabaseURL, migrationsFS); err != nil {
			pool.Close()
			return nil, err
		}
		return postgres.New(pool), nil

	default:
		store, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
		return store, nil
	}
}

// newLimiter returns the shared Redis limiter when REDIS_URL is set, and the
// in-process one with its cleanup loop otherwise.
func newLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, func(context.Context), error) {
	if cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		limiter := ratelimit.NewRedisSlidingWindow(client, cfg.RateLimitMessages, cfg.RateLimitWindow)
		return limiter, func(ctx context.Context) {
			<-ctx.Done()
			_ = client.Close()
		}, nil
	}

	limiter := ratelimit.NewSlidingWindow(cfg.RateLimitMessages, cfg.RateLimitWindow)
	return limiter, func(ctx context.Context) {
		limiter.Run(ctx, config.RateLimitCleanupInterval)
	}, nil
}
