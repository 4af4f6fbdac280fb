package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/followaudit/followaudit/internal/domain"
)

// StatsRepo aggregates dashboard counters with read-only queries.
type StatsRepo struct{ Pool PgxPool }

// NewStatsRepo constructs a StatsRepo with the given pool.
func NewStatsRepo(p PgxPool) *StatsRepo { return &StatsRepo{Pool: p} }

// Overview returns service-wide totals.
func (r *StatsRepo) Overview(ctx domain.Context) (domain.StatsOverview, error) {
	tracer := otel.Tracer("repo.stats")
	ctx, span := tracer.Start(ctx, "stats.Overview")
	defer span.End()

	var s domain.StatsOverview
	q := `SELECT
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM jobs),
		(SELECT COUNT(*) FROM jobs WHERE status='completed'),
		(SELECT COUNT(*) FROM jobs WHERE status='failed'),
		(SELECT COUNT(*) FROM jobs WHERE status='pending'),
		(SELECT COUNT(*) FROM jobs WHERE status='processing'),
		(SELECT COUNT(*) FROM payments),
		(SELECT COALESCE(SUM(amount), 0) FROM payments WHERE status='completed'),
		(SELECT COALESCE(SUM(credits_count), 0) FROM payments WHERE status='completed')`
	err := r.Pool.QueryRow(ctx, q).Scan(&s.TotalUsers, &s.TotalJobs, &s.CompletedJobs, &s.FailedJobs,
		&s.PendingJobs, &s.ProcessingJobs, &s.TotalPayments, &s.CompletedAmount, &s.CreditsGranted)
	if err != nil {
		return domain.StatsOverview{}, fmt.Errorf("op=stats.overview: %w", err)
	}
	return s, nil
}

// Daily returns activity for one calendar day (UTC).
func (r *StatsRepo) Daily(ctx domain.Context, day time.Time) (domain.DailyStats, error) {
	tracer := otel.Tracer("repo.stats")
	ctx, span := tracer.Start(ctx, "stats.Daily")
	defer span.End()

	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	s := domain.DailyStats{Day: from}
	q := `SELECT
		(SELECT COUNT(*) FROM users WHERE created_at >= $1 AND created_at < $2),
		(SELECT COUNT(*) FROM jobs WHERE created_at >= $1 AND created_at < $2),
		(SELECT COUNT(*) FROM jobs WHERE status='completed' AND completed_at >= $1 AND completed_at < $2),
		(SELECT COUNT(*) FROM jobs WHERE status='failed' AND completed_at >= $1 AND completed_at < $2),
		(SELECT COUNT(*) FROM payments WHERE status='completed' AND completed_at >= $1 AND completed_at < $2),
		(SELECT COALESCE(SUM(amount), 0) FROM payments WHERE status='completed' AND completed_at >= $1 AND completed_at < $2)`
	err := r.Pool.QueryRow(ctx, q, from, to).Scan(&s.NewUsers, &s.JobsStarted, &s.JobsCompleted, &s.JobsFailed, &s.Payments, &s.Revenue)
	if err != nil {
		return domain.DailyStats{}, fmt.Errorf("op=stats.daily: %w", err)
	}
	return s, nil
}
