package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followaudit/followaudit/internal/domain"
)

type fakeStatsRepo struct {
	overview domain.StatsOverview
	daily    domain.DailyStats
	gotDay   time.Time
}

func (f *fakeStatsRepo) Overview(_ domain.Context) (domain.StatsOverview, error) {
	return f.overview, nil
}

func (f *fakeStatsRepo) Daily(_ domain.Context, day time.Time) (domain.DailyStats, error) {
	f.gotDay = day
	return f.daily, nil
}

func TestDaily_ParsesTargetDate(t *testing.T) {
	repo := &fakeStatsRepo{}
	svc := NewStatsService(repo, newFakeJobRepo())

	_, err := svc.Daily(context.Background(), "2026-08-01")
	require.NoError(t, err)
	assert.Equal(t, 2026, repo.gotDay.Year())
	assert.Equal(t, time.August, repo.gotDay.Month())
	assert.Equal(t, 1, repo.gotDay.Day())
}

func TestDaily_EmptyDateMeansToday(t *testing.T) {
	repo := &fakeStatsRepo{}
	svc := NewStatsService(repo, newFakeJobRepo())

	_, err := svc.Daily(context.Background(), "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), repo.gotDay, time.Minute)
}

func TestDaily_RejectsMalformedDate(t *testing.T) {
	svc := NewStatsService(&fakeStatsRepo{}, newFakeJobRepo())

	_, err := svc.Daily(context.Background(), "01.08.2026")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFailedChecks_ClampsLimit(t *testing.T) {
	jobs := newFakeJobRepo()
	for i := 0; i < 120; i++ {
		jobs.failedRet = append(jobs.failedRet, domain.Job{Status: domain.JobFailed})
	}
	svc := NewStatsService(&fakeStatsRepo{}, jobs)
	ctx := context.Background()

	out, err := svc.FailedChecks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, out, 50)

	out, err = svc.FailedChecks(ctx, 500)
	require.NoError(t, err)
	assert.Len(t, out, 50)

	out, err = svc.FailedChecks(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, out, 100)
}
