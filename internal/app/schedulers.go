package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/adapter/observability"
	"github.com/followaudit/followaudit/internal/service/session"
)

// SessionScheduler runs the two recurring session tasks: a proactive refresh
// ahead of cookie expiry and an hourly health probe of the active cookie.
// Both are idempotent and safe to re-enter after a missed tick.
type SessionScheduler struct {
	manager         *session.Manager
	refreshInterval time.Duration
	healthInterval  time.Duration
}

// NewSessionScheduler constructs a SessionScheduler.
func NewSessionScheduler(manager *session.Manager, refreshInterval, healthInterval time.Duration) *SessionScheduler {
	if manager == nil {
		return nil
	}
	if refreshInterval <= 0 {
		refreshInterval = 6 * time.Hour
	}
	if healthInterval <= 0 {
		healthInterval = time.Hour
	}
	return &SessionScheduler{
		manager:         manager,
		refreshInterval: refreshInterval,
		healthInterval:  healthInterval,
	}
}

// Run blocks until ctx is cancelled, driving both tickers.
func (s *SessionScheduler) Run(ctx context.Context) {
	if s == nil || s.manager == nil {
		return
	}

	refreshTicker := time.NewTicker(s.refreshInterval)
	defer refreshTicker.Stop()
	healthTicker := time.NewTicker(s.healthInterval)
	defer healthTicker.Stop()

	s.refreshOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("session scheduler stopping")
			return
		case <-refreshTicker.C:
			s.refreshOnce(ctx)
		case <-healthTicker.C:
			s.healthOnce(ctx)
		}
	}
}

// refreshOnce refreshes the session when its age or validity demands it.
func (s *SessionScheduler) refreshOnce(ctx context.Context) {
	tracer := otel.Tracer("session.scheduler")
	ctx, span := tracer.Start(ctx, "SessionScheduler.refreshOnce")
	defer span.End()

	due, err := s.manager.ShouldRefreshProactively(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("proactive refresh eligibility check failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Bool("session.refresh_due", due))
	if !due {
		return
	}
	if err := s.manager.RefreshNow(ctx); err != nil {
		span.RecordError(err)
		observability.SessionRefreshTotal.WithLabelValues("proactive", "failure").Inc()
		slog.Error("proactive session refresh failed", slog.Any("error", err))
		return
	}
	observability.SessionRefreshTotal.WithLabelValues("proactive", "success").Inc()
	slog.Info("proactive session refresh completed")
}

// healthOnce probes the current cookie and syncs the stored verdict.
func (s *SessionScheduler) healthOnce(ctx context.Context) {
	tracer := otel.Tracer("session.scheduler")
	ctx, span := tracer.Start(ctx, "SessionScheduler.healthOnce")
	defer span.End()

	cookie, err := s.manager.Current(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Warn("health check has no session to probe", slog.Any("error", err))
		return
	}
	valid, verdict, err := s.manager.Validate(ctx, cookie)
	if err != nil {
		span.RecordError(err)
		slog.Error("session health probe failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Bool("session.valid", valid), attribute.String("session.verdict", verdict))
	if valid {
		slog.Info("session health check passed", slog.String("verdict", verdict))
		return
	}
	slog.Warn("session health check failed, scheduling refresh", slog.String("verdict", verdict))
	if err := s.manager.RefreshNow(ctx); err != nil {
		observability.SessionRefreshTotal.WithLabelValues("health_check", "failure").Inc()
		slog.Error("health check refresh failed", slog.Any("error", err))
		return
	}
	observability.SessionRefreshTotal.WithLabelValues("health_check", "success").Inc()
}
