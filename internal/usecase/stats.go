package usecase

import (
	"fmt"
	"time"

	"github.com/followaudit/followaudit/internal/domain"
)

// StatsService serves the admin dashboards.
type StatsService struct {
	stats domain.StatsRepository
	jobs  domain.JobRepository
}

// NewStatsService constructs a StatsService.
func NewStatsService(stats domain.StatsRepository, jobs domain.JobRepository) *StatsService {
	return &StatsService{stats: stats, jobs: jobs}
}

// Overview returns service-wide aggregates.
func (s *StatsService) Overview(ctx domain.Context) (domain.StatsOverview, error) {
	return s.stats.Overview(ctx)
}

// Daily returns aggregates for one calendar day given as YYYY-MM-DD.
// An empty string means today (UTC).
func (s *StatsService) Daily(ctx domain.Context, targetDate string) (domain.DailyStats, error) {
	day := time.Now().UTC()
	if targetDate != "" {
		parsed, err := time.Parse("2006-01-02", targetDate)
		if err != nil {
			return domain.DailyStats{}, fmt.Errorf("op=stats.daily: bad target_date %q: %w", targetDate, domain.ErrInvalidArgument)
		}
		day = parsed
	}
	return s.stats.Daily(ctx, day)
}

// FailedChecks lists recent failed jobs for triage.
func (s *StatsService) FailedChecks(ctx domain.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.jobs.ListFailed(ctx, limit)
}
