package usecase

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followaudit/followaudit/internal/domain"
)

func conn(id, handle string) domain.ConnectionUser {
	return domain.ConnectionUser{UserID: id, Handle: handle, FullName: handle}
}

func testJob() domain.Job {
	return domain.Job{ID: "job-1", UserID: 7, TargetHandle: "target_user", Status: domain.JobProcessing}
}

func newTestAnalyze(jobs *fakeJobRepo, upstream *stubUpstream, sessions *stubSessions,
	notifier *recordingNotifier) (*AnalyzeService, *fakeNonMutualRepo) {
	nonMutual := newFakeNonMutualRepo()
	svc := NewAnalyzeService(jobs, nonMutual, upstream, sessions, &stubRenderer{path: "/tmp/job-1.xlsx"}, notifier, 0)
	svc.spacer = time.Millisecond
	return svc, nonMutual
}

func TestAnalyzeRun_HappyPath(t *testing.T) {
	jobs := newFakeJobRepo()
	upstream := &stubUpstream{
		profile:   domain.Profile{UserID: "9001", Handle: "target_user"},
		followers: []domain.ConnectionUser{conn("1", "alpha"), conn("2", "beta")},
		following: []domain.ConnectionUser{conn("2", "beta"), conn("3", "gamma")},
	}
	sessions := newStubSessions("cookie")
	notifier := newRecordingNotifier()
	svc, nonMutual := newTestAnalyze(jobs, upstream, sessions, notifier)

	svc.Run(context.Background(), testJob())

	assert.Equal(t, []string{"job-1"}, jobs.completed)
	assert.Empty(t, jobs.failed)
	assert.Equal(t, []int{2, 2, 1}, jobs.summary)
	assert.Equal(t, "/tmp/job-1.xlsx", jobs.artifact)

	recs := nonMutual.batches["job-1"]
	require.Len(t, recs, 2)
	assert.True(t, recs[0].IsMutual)
	assert.Equal(t, "beta", recs[0].TargetHandle)
	assert.False(t, recs[1].IsMutual)
	assert.Equal(t, "gamma", recs[1].TargetHandle)

	assert.Equal(t, []string{"/tmp/job-1.xlsx"}, notifier.docs[7])
	assert.Empty(t, sessions.invalidReasons())
}

func TestAnalyzeRun_UserNotFound(t *testing.T) {
	jobs := newFakeJobRepo()
	upstream := &stubUpstream{profileErr: fmt.Errorf("op=upstream.do status=404: %w", domain.ErrUserNotFound)}
	sessions := newStubSessions("cookie")
	notifier := newRecordingNotifier()
	svc, _ := newTestAnalyze(jobs, upstream, sessions, notifier)

	svc.Run(context.Background(), testJob())

	require.Contains(t, jobs.failed, "job-1")
	assert.Empty(t, jobs.completed)
	require.Len(t, notifier.texts[7], 1)
	assert.Contains(t, notifier.texts[7][0], "credit was returned")
	select {
	case <-sessions.refreshed:
		t.Fatal("no refresh expected for a missing target")
	default:
	}
}

func TestAnalyzeRun_SessionExpiredTriggersReactiveRefresh(t *testing.T) {
	jobs := newFakeJobRepo()
	upstream := &stubUpstream{
		profile:  domain.Profile{UserID: "9001", Handle: "target_user"},
		fetchErr: map[domain.ConnectionKind]error{domain.ConnectionFollowers: fmt.Errorf("op=upstream.do status=401: %w", domain.ErrSessionExpired)},
	}
	sessions := newStubSessions("cookie")
	notifier := newRecordingNotifier()
	svc, _ := newTestAnalyze(jobs, upstream, sessions, notifier)

	svc.Run(context.Background(), testJob())

	require.Contains(t, jobs.failed, "job-1")
	select {
	case <-sessions.refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("reactive refresh was not triggered")
	}
	require.Eventually(t, func() bool { return len(sessions.invalidReasons()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, sessions.invalidReasons()[0], "401")
}

func TestAnalyzeRun_EmptyBothSidesInvalidatesSession(t *testing.T) {
	jobs := newFakeJobRepo()
	upstream := &stubUpstream{profile: domain.Profile{UserID: "9001", Handle: "target_user"}}
	sessions := newStubSessions("cookie")
	notifier := newRecordingNotifier()
	svc, nonMutual := newTestAnalyze(jobs, upstream, sessions, notifier)

	svc.Run(context.Background(), testJob())

	require.Contains(t, jobs.failed, "job-1")
	assert.Contains(t, jobs.failed["job-1"], "empty followers and following")
	require.Len(t, sessions.invalidReasons(), 1)
	assert.Contains(t, sessions.invalidReasons()[0], "anomaly")
	assert.Empty(t, nonMutual.batches)

	var anomalyAlert bool
	for _, body := range notifier.adminBodies() {
		anomalyAlert = anomalyAlert || strings.HasPrefix(body, "anomaly")
	}
	assert.True(t, anomalyAlert)
}

func TestAnalyzeRun_EmptyFollowersOnlyKeepsSession(t *testing.T) {
	jobs := newFakeJobRepo()
	upstream := &stubUpstream{
		profile:   domain.Profile{UserID: "9001", Handle: "target_user"},
		following: []domain.ConnectionUser{conn("3", "gamma")},
	}
	sessions := newStubSessions("cookie")
	notifier := newRecordingNotifier()
	svc, _ := newTestAnalyze(jobs, upstream, sessions, notifier)

	svc.Run(context.Background(), testJob())

	require.Contains(t, jobs.failed, "job-1")
	assert.Contains(t, jobs.failed["job-1"], "empty followers")
	assert.Empty(t, sessions.invalidReasons())
}

func TestAnalyzeRun_PrivateTargetWithoutSession(t *testing.T) {
	jobs := newFakeJobRepo()
	upstream := &stubUpstream{profile: domain.Profile{UserID: "9001", Handle: "target_user", IsPrivate: true}}
	sessions := newStubSessions("")
	sessions.cookieErr = domain.ErrNotFound
	notifier := newRecordingNotifier()
	svc, _ := newTestAnalyze(jobs, upstream, sessions, notifier)

	svc.Run(context.Background(), testJob())

	require.Contains(t, jobs.failed, "job-1")
	require.Len(t, notifier.texts[7], 1)
	assert.Contains(t, notifier.texts[7][0], "private")
}

func TestAnalyzeRun_RateLimitedMidStream(t *testing.T) {
	jobs := newFakeJobRepo()
	upstream := &stubUpstream{
		profile: domain.Profile{UserID: "9001", Handle: "target_user"},
		fetchErr: map[domain.ConnectionKind]error{
			domain.ConnectionFollowers: &domain.IncompleteDataError{
				Kind: domain.ConnectionFollowers, Fetched: 40, Cause: domain.ErrRateLimited,
			},
		},
	}
	sessions := newStubSessions("cookie")
	notifier := newRecordingNotifier()
	svc, nonMutual := newTestAnalyze(jobs, upstream, sessions, notifier)

	svc.Run(context.Background(), testJob())

	require.Contains(t, jobs.failed, "job-1")
	assert.Contains(t, jobs.failed["job-1"], "rate limited")
	// A partial list never produces result rows.
	assert.Empty(t, nonMutual.batches)
}

func TestScaleProgress(t *testing.T) {
	assert.Equal(t, 10, scaleProgress(10, 50, 0, 100))
	assert.Equal(t, 30, scaleProgress(10, 50, 50, 100))
	assert.Equal(t, 50, scaleProgress(10, 50, 100, 100))
	assert.Equal(t, 50, scaleProgress(10, 50, 150, 100))
	// Unknown total pins to the stage floor.
	assert.Equal(t, 10, scaleProgress(10, 50, 42, 0))
}

func TestDiffConnections(t *testing.T) {
	followers := []domain.ConnectionUser{conn("1", "alpha"), conn("2", "beta")}
	following := []domain.ConnectionUser{conn("2", "beta"), conn("3", "gamma")}

	recs := diffConnections(followers, following)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].IsMutual)
	assert.True(t, recs[0].TargetFollowsUser)
	assert.False(t, recs[1].IsMutual)
	assert.False(t, recs[1].TargetFollowsUser)
	assert.True(t, recs[1].UserFollowsTarget)

	// Identity is the stable user id, not the handle.
	renamed := []domain.ConnectionUser{{UserID: "2", Handle: "beta_renamed"}}
	recs = diffConnections(followers, renamed)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsMutual)
}
