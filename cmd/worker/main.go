// Command worker runs the analysis queue consumer and the session schedulers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/followaudit/followaudit/internal/adapter/browser"
	"github.com/followaudit/followaudit/internal/adapter/notify/telegram"
	"github.com/followaudit/followaudit/internal/adapter/observability"
	"github.com/followaudit/followaudit/internal/adapter/queue/dbqueue"
	"github.com/followaudit/followaudit/internal/adapter/report/xlsx"
	"github.com/followaudit/followaudit/internal/adapter/repo/postgres"
	"github.com/followaudit/followaudit/internal/adapter/upstream/instagram"
	"github.com/followaudit/followaudit/internal/app"
	"github.com/followaudit/followaudit/internal/config"
	"github.com/followaudit/followaudit/internal/domain"
	"github.com/followaudit/followaudit/internal/service/crypto"
	"github.com/followaudit/followaudit/internal/service/session"
	"github.com/followaudit/followaudit/internal/usecase"
)

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	jobRepo := postgres.NewJobRepo(pool)
	nonMutualRepo := postgres.NewNonMutualRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	credRepo := postgres.NewCredentialRepo(pool)

	var notifier domain.Notifier
	if cfg.BotToken != "" {
		notifier = telegram.New(cfg.BotToken, cfg.BotAPIBase, cfg.AdminIDs)
	}

	box, err := crypto.New(cfg.EncryptionKey, cfg.SecretKey)
	if err != nil {
		slog.Error("credential crypto init failed", slog.Any("error", err))
		os.Exit(1)
	}
	cache := session.NewCache(rdb, cfg.SessionCacheTTL)
	manager := session.NewManager(sessionRepo, credRepo, box, cache, nil, nil, notifier, session.Options{
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

	// The pipeline paces bulk fetches slower than the interactive default.
	pipelineUpstream := upstream.WithDelayRange(cfg.PipelineDelayMin, cfg.PipelineDelayMax)
	renderer := xlsx.NewRenderer(cfg.UploadDir)
	analyze := usecase.NewAnalyzeService(jobRepo, nonMutualRepo, pipelineUpstream, manager, renderer, notifier, cfg.MaxConnections)

	worker := dbqueue.NewWorker(jobRepo, analyze.Run, notifier, dbqueue.Options{
		Tick:          cfg.WorkerTick,
		StaleAfter:    cfg.StaleAfter,
		MaxConcurrent: cfg.MaxConcurrentJobs,
		CompactEvery:  cfg.CompactEveryNTicks,
	})
	scheduler := app.NewSessionScheduler(manager, cfg.ProactiveInterval, cfg.HealthCheckInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	cancel()
	wg.Wait()
}
