// Command server starts the followaudit HTTP API.
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

	"github.com/redis/go-redis/v9"

	"github.com/followaudit/followaudit/internal/adapter/browser"
	httpserver "github.com/followaudit/followaudit/internal/adapter/httpserver"
	"github.com/followaudit/followaudit/internal/adapter/notify/telegram"
	"github.com/followaudit/followaudit/internal/adapter/observability"
	"github.com/followaudit/followaudit/internal/adapter/payments/robokassa"
	"github.com/followaudit/followaudit/internal/adapter/repo/postgres"
	"github.com/followaudit/followaudit/internal/adapter/upstream/instagram"
	"github.com/followaudit/followaudit/internal/app"
	"github.com/followaudit/followaudit/internal/config"
	"github.com/followaudit/followaudit/internal/domain"
	"github.com/followaudit/followaudit/internal/service/crypto"
	"github.com/followaudit/followaudit/internal/service/session"
	"github.com/followaudit/followaudit/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool and migrations
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Redis (session cookie cache)
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Repositories
	userRepo := postgres.NewUserRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	nonMutualRepo := postgres.NewNonMutualRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	credRepo := postgres.NewCredentialRepo(pool)
	paymentRepo := postgres.NewPaymentRepo(pool)
	tariffRepo := postgres.NewTariffRepo(pool)
	statsRepo := postgres.NewStatsRepo(pool)

	// Notifier (optional)
	var notifier *telegram.Client
	if cfg.BotToken != "" {
		notifier = telegram.New(cfg.BotToken, cfg.BotAPIBase, cfg.AdminIDs)
	}

	// Session manager: the API process never drives the browser itself, so
	// refresh-sync runs the same login path inline.
	box, err := crypto.New(cfg.EncryptionKey, cfg.SecretKey)
	if err != nil {
		slog.Error("credential crypto init failed", slog.Any("error", err))
		os.Exit(1)
	}
	cache := session.NewCache(rdb, cfg.SessionCacheTTL)
	manager := session.NewManager(sessionRepo, credRepo, box, cache, nil, nil, notifierOrNil(notifier), session.Options{
		StaticCookie:       cfg.SessionCookie,
		CacheTTL:           cfg.SessionCacheTTL,
		ProactiveWindow:    cfg.ProactiveWindow,
		MaxRefreshFailures: cfg.MaxRefreshFailures,
		ProbeTimeout:       cfg.ValidateProbeTimeout,
	})
	upstream := instagram.New(manager, instagram.Options{
		BaseURL:    cfg.UpstreamBaseURL,
		AppID:      cfg.UpstreamAppID,
		MaxRetries: cfg.UpstreamMaxRetries,
		Timeout:    cfg.UpstreamTimeout,
		DelayMin:   cfg.DelayMin,
		DelayMax:   cfg.DelayMax,
		PageSize:   cfg.PageSize,
	})
	manager.SetProber(upstream)
	manager.SetLogin(func(ctx context.Context, creds browser.Credentials) (string, error) {
		return browser.Login(ctx, creds, browser.Options{
			BaseURL:  cfg.UpstreamBaseURL,
			Headless: cfg.BrowserHeadless,
			Timeout:  cfg.BrowserLoginTimeout,
		})
	})

	// Acquirer (optional)
	var acquirer *robokassa.Client
	if cfg.AcquirerLogin != "" {
		acquirer = robokassa.New(cfg.AcquirerLogin, cfg.AcquirerPassword1, cfg.AcquirerPassword2)
	}

	// Usecases
	userSvc := usecase.NewUserService(userRepo, cfg.AdminIDs, cfg.AdminInitialBalance)
	checkSvc := usecase.NewCheckService(jobRepo, nonMutualRepo)
	paymentSvc := usecase.NewPaymentService(paymentRepo, tariffRepo, userRepo, acquirer, notifierOrNil(notifier))
	tariffSvc := usecase.NewTariffService(tariffRepo)
	statsSvc := usecase.NewStatsService(statsRepo, jobRepo)

	// Seed tariffs (idempotent)
	if n, err := tariffSvc.SeedFromFile(ctx, cfg.TariffSeedPath); err != nil {
		slog.Error("tariff seed failed", slog.Any("error", err))
		os.Exit(1)
	} else if n > 0 {
		slog.Info("tariffs seeded", slog.Int("count", n))
	}

	// HTTP server
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb})
	srv := httpserver.NewServer(cfg, userSvc, checkSvc, paymentSvc, tariffSvc, statsSvc, manager, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// notifierOrNil keeps a typed-nil *telegram.Client out of the domain.Notifier
// interface.
func notifierOrNil(c *telegram.Client) domain.Notifier {
	if c == nil {
		return nil
	}
	return c
}
