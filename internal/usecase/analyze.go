package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/adapter/observability"
	"github.com/followaudit/followaudit/internal/domain"
)

// AnalyzeService executes one claimed job end to end: resolve the target,
// fetch both sides of the graph, compute the non-mutual set, persist, render
// and notify. Every non-success terminal transition refunds the credit in the
// same transaction as the status write.
type AnalyzeService struct {
	jobs      domain.JobRepository
	nonMutual domain.NonMutualRepository
	upstream  domain.UpstreamClient
	sessions  domain.SessionProvider
	renderer  domain.ReportRenderer
	notifier  domain.Notifier

	maxItems int
	spacer   time.Duration
}

// NewAnalyzeService constructs the pipeline. notifier may be nil in tests.
func NewAnalyzeService(jobs domain.JobRepository, nonMutual domain.NonMutualRepository,
	upstream domain.UpstreamClient, sessions domain.SessionProvider,
	renderer domain.ReportRenderer, notifier domain.Notifier, maxItems int) *AnalyzeService {
	if maxItems <= 0 {
		maxItems = 50000
	}
	return &AnalyzeService{
		jobs:      jobs,
		nonMutual: nonMutual,
		upstream:  upstream,
		sessions:  sessions,
		renderer:  renderer,
		notifier:  notifier,
		maxItems:  maxItems,
		spacer:    6 * time.Second,
	}
}

// Run drives stages S0-S7 for one job. Satisfies the queue worker's RunFunc.
func (s *AnalyzeService) Run(ctx context.Context, job domain.Job) {
	tracer := otel.Tracer("usecase.analyze")
	ctx, span := tracer.Start(ctx, "analyze.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.target", job.TargetHandle),
	)

	lg := slog.Default().With(slog.String("job_id", job.ID), slog.String("target", job.TargetHandle))
	lg.Info("analysis started")
	s.notifyAdmins(ctx, fmt.Sprintf("analysis started: job=%s target=%s user=%d", job.ID, job.TargetHandle, job.UserID))

	// S1: resolve the target profile.
	s.progress(ctx, job.ID, 5)
	profile, err := s.upstream.GetProfile(ctx, job.TargetHandle)
	if err != nil {
		s.failFromError(ctx, job, "resolve profile", err)
		return
	}
	if profile.IsPrivate {
		cookie, cerr := s.sessions.Current(ctx)
		if cerr != nil || cookie == "" {
			s.fail(ctx, job, "private", "Account is private and cannot be analyzed without access.",
				fmt.Sprintf("private account %q with no session", job.TargetHandle))
			return
		}
	}

	// S2: followers, 10 -> 50.
	s.progress(ctx, job.ID, 10)
	start := time.Now()
	followers, err := s.upstream.FetchConnections(ctx, profile.UserID, domain.ConnectionFollowers, s.maxItems, func(fetched, total int) {
		s.progress(ctx, job.ID, scaleProgress(10, 50, fetched, total))
	})
	if err != nil {
		s.failFromError(ctx, job, "fetch followers", err)
		return
	}
	observability.UpstreamFetchDuration.WithLabelValues(string(domain.ConnectionFollowers)).Observe(time.Since(start).Seconds())

	// S2b: spacer between the two heavy fetches.
	select {
	case <-ctx.Done():
		lg.Warn("analysis cancelled mid-job", slog.Any("error", ctx.Err()))
		return
	case <-time.After(s.spacer):
	}

	// S3: following, 50 -> 90.
	s.progress(ctx, job.ID, 50)
	start = time.Now()
	following, err := s.upstream.FetchConnections(ctx, profile.UserID, domain.ConnectionFollowing, s.maxItems, func(fetched, total int) {
		s.progress(ctx, job.ID, scaleProgress(50, 90, fetched, total))
	})
	if err != nil {
		s.failFromError(ctx, job, "fetch following", err)
		return
	}
	observability.UpstreamFetchDuration.WithLabelValues(string(domain.ConnectionFollowing)).Observe(time.Since(start).Seconds())

	// S4: non-mutual set = following \ followers by stable user id.
	s.progress(ctx, job.ID, 90)

	// S4b: anomaly guard. Two empty lists almost always mean a dead session;
	// empty followers with a populated following list means the follower
	// fetch was silently starved and the diff would be entirely spurious.
	if len(followers) == 0 && len(following) == 0 {
		if err := s.sessions.MarkInvalid(ctx, "empty results anomaly"); err != nil {
			lg.Error("session invalidate failed", slog.Any("error", err))
		}
		s.notifyAdmins(ctx, fmt.Sprintf("anomaly: job=%s returned zero followers and zero following, session invalidated", job.ID))
		s.fail(ctx, job, "anomaly_empty_results", "Couldn't fetch the account's data. The credit was returned.",
			fmt.Sprintf("%v: empty followers and following", domain.ErrAnomalyDetected))
		return
	}
	if len(followers) == 0 && len(following) > 0 {
		s.fail(ctx, job, "anomaly_empty_followers", "Couldn't fetch the account's data. The credit was returned.",
			fmt.Sprintf("%v: empty followers with %d following", domain.ErrAnomalyDetected, len(following)))
		return
	}

	records := diffConnections(followers, following)
	nonMutualN := 0
	for _, r := range records {
		if !r.IsMutual {
			nonMutualN++
		}
	}

	// S5: persist records and summary counts.
	s.progress(ctx, job.ID, 95)
	if err := s.nonMutual.CreateBatch(ctx, job.ID, records); err != nil {
		s.fail(ctx, job, "persist", "Something went wrong while saving results. The credit was returned.", err.Error())
		return
	}
	if err := s.jobs.UpdateSummary(ctx, job.ID, len(followers), len(following), nonMutualN); err != nil {
		s.fail(ctx, job, "persist", "Something went wrong while saving results. The credit was returned.", err.Error())
		return
	}

	// S6: render the spreadsheet artifact.
	job.FollowersN = len(followers)
	job.FollowingN = len(following)
	job.NonMutualN = nonMutualN
	artifactPath, err := s.renderer.Render(ctx, job, records)
	if err != nil {
		s.fail(ctx, job, "render", "Something went wrong while building the report. The credit was returned.", err.Error())
		return
	}
	if err := s.jobs.SetArtifactPath(ctx, job.ID, artifactPath); err != nil {
		s.fail(ctx, job, "persist", "Something went wrong while saving results. The credit was returned.", err.Error())
		return
	}

	// S7: terminal transition and notifications.
	if err := s.jobs.Complete(ctx, job.ID); err != nil {
		lg.Error("job completion write failed", slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.WithLabelValues("analysis").Inc()
	observability.NonMutualCountHistogram.Observe(float64(nonMutualN))
	lg.Info("analysis completed",
		slog.Int("followers", len(followers)),
		slog.Int("following", len(following)),
		slog.Int("non_mutual", nonMutualN))

	if s.notifier != nil {
		caption := fmt.Sprintf("Analysis of @%s complete: %d followers, %d following, %d don't follow back.",
			job.TargetHandle, len(followers), len(following), nonMutualN)
		if err := s.notifier.SendDocument(ctx, job.UserID, artifactPath, caption); err != nil {
			lg.Warn("result delivery failed", slog.Any("error", err))
		}
	}
	s.notifyAdmins(ctx, fmt.Sprintf("analysis completed: job=%s target=%s non_mutual=%d", job.ID, job.TargetHandle, nonMutualN))
}

// failFromError maps an upstream error to the user-visible outcome and the
// session side effects mandated for 401-class failures.
func (s *AnalyzeService) failFromError(ctx context.Context, job domain.Job, stage string, err error) {
	var incomplete *domain.IncompleteDataError
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		s.fail(ctx, job, "user_not_found", "That handle wasn't found. The credit was returned.", err.Error())
	case errors.Is(err, domain.ErrPrivateAccount):
		s.fail(ctx, job, "private", "Account is private and cannot be analyzed. The credit was returned.", err.Error())
	case errors.Is(err, domain.ErrSessionExpired):
		s.fail(ctx, job, "session_expired", "We hit an authorization problem; it's being repaired. The credit was returned.", err.Error())
		s.reactiveRefresh(stage, err)
	case errors.As(err, &incomplete):
		if errors.Is(incomplete.Cause, domain.ErrRateLimited) {
			s.fail(ctx, job, "rate_limited", "The service is temporarily blocked by the data source. Try again later; the credit was returned.",
				fmt.Sprintf("incomplete %s after %d items: rate limited", incomplete.Kind, incomplete.Fetched))
		} else {
			s.fail(ctx, job, "incomplete_data", "We couldn't fetch the data. The credit was returned.",
				fmt.Sprintf("incomplete %s after %d items: %v", incomplete.Kind, incomplete.Fetched, incomplete.Cause))
		}
	case errors.Is(err, domain.ErrRateLimited):
		s.fail(ctx, job, "rate_limited", "The service is temporarily blocked by the data source. Try again later; the credit was returned.", err.Error())
	default:
		s.fail(ctx, job, "transient", "We couldn't fetch the data. The credit was returned.", err.Error())
	}
}

// fail performs the failed transition (with refund) and sends both
// notifications. reason is the metrics label; internal goes to admins.
func (s *AnalyzeService) fail(ctx context.Context, job domain.Job, reason, userMsg, internal string) {
	if err := s.jobs.Fail(ctx, job.ID, internal); err != nil {
		slog.Error("job fail transition failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsFailedTotal.WithLabelValues(reason).Inc()
	slog.Warn("analysis failed",
		slog.String("job_id", job.ID),
		slog.String("reason", reason),
		slog.String("error", internal))
	if s.notifier != nil {
		if err := s.notifier.SendText(ctx, job.UserID, userMsg); err != nil {
			slog.Warn("failure notice delivery failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	s.notifyAdmins(ctx, fmt.Sprintf("analysis failed: job=%s reason=%s error=%s", job.ID, reason, internal))
}

// reactiveRefresh invalidates the session and kicks a refresh without
// blocking the worker tick. The next job blocks on the refresh via the
// session manager's single flight.
func (s *AnalyzeService) reactiveRefresh(stage string, cause error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.sessions.MarkInvalid(ctx, fmt.Sprintf("401 during %s: %v", stage, cause)); err != nil {
			slog.Error("session invalidate failed", slog.Any("error", err))
		}
		if err := s.sessions.RefreshNow(ctx); err != nil {
			observability.SessionRefreshTotal.WithLabelValues("reactive", "failure").Inc()
			slog.Error("reactive session refresh failed", slog.Any("error", err))
			return
		}
		observability.SessionRefreshTotal.WithLabelValues("reactive", "success").Inc()
	}()
}

func (s *AnalyzeService) notifyAdmins(ctx context.Context, body string) {
	if s.notifier != nil {
		s.notifier.NotifyAdmins(ctx, body)
	}
}

func (s *AnalyzeService) progress(ctx context.Context, jobID string, p int) {
	if err := s.jobs.UpdateProgress(ctx, jobID, p); err != nil {
		slog.Warn("progress write failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// scaleProgress maps fetch progress into [lo, hi].
func scaleProgress(lo, hi, fetched, total int) int {
	if total <= 0 {
		return lo
	}
	p := lo + int(float64(fetched)/float64(total)*float64(hi-lo))
	if p < lo {
		p = lo
	}
	if p > hi {
		p = hi
	}
	return p
}

// diffConnections builds the combined record set keyed by stable user id.
// Non-mutual means the target follows an account that does not follow back.
func diffConnections(followers, following []domain.ConnectionUser) []domain.NonMutualRecord {
	followerIDs := make(map[string]bool, len(followers))
	for _, f := range followers {
		followerIDs[f.UserID] = true
	}
	records := make([]domain.NonMutualRecord, 0, len(following))
	for _, f := range following {
		mutual := followerIDs[f.UserID]
		records = append(records, domain.NonMutualRecord{
			TargetUserID:      f.UserID,
			TargetHandle:      f.Handle,
			TargetFullName:    f.FullName,
			TargetAvatarURL:   f.AvatarURL,
			UserFollowsTarget: true,
			TargetFollowsUser: mutual,
			IsMutual:          mutual,
		})
	}
	return records
}
