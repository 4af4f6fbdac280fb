package usecase

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/adapter/observability"
	"github.com/followaudit/followaudit/internal/domain"
)

// CheckService admits analysis jobs and serves their state.
type CheckService struct {
	jobs      domain.JobRepository
	nonMutual domain.NonMutualRepository
}

// NewCheckService constructs a CheckService.
func NewCheckService(jobs domain.JobRepository, nonMutual domain.NonMutualRepository) *CheckService {
	return &CheckService{jobs: jobs, nonMutual: nonMutual}
}

// Admission is the outcome of InitiateCheck.
type Admission struct {
	Job              domain.Job
	EstimatedSeconds int
}

// InitiateCheck deducts one credit and places the job at the tail of the
// queue. The wait estimate assumes roughly two minutes per queued job ahead.
func (s *CheckService) InitiateCheck(ctx domain.Context, userID int64, targetHandle string) (Admission, error) {
	tracer := otel.Tracer("usecase.checks")
	ctx, span := tracer.Start(ctx, "checks.Initiate")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	targetHandle = strings.TrimPrefix(strings.TrimSpace(targetHandle), "@")
	if targetHandle == "" {
		return Admission{}, fmt.Errorf("op=checks.initiate: empty target handle: %w", domain.ErrInvalidArgument)
	}
	job, err := s.jobs.Admit(ctx, userID, targetHandle)
	if err != nil {
		return Admission{}, err
	}
	observability.JobsEnqueuedTotal.WithLabelValues("analysis").Inc()

	pos := 1
	if job.QueuePosition != nil {
		pos = *job.QueuePosition
	}
	return Admission{Job: job, EstimatedSeconds: 60 + (pos-1)*120}, nil
}

// CheckState is a job plus, when completed, its non-mutual rows.
type CheckState struct {
	Job     domain.Job
	Records []domain.NonMutualRecord
}

// GetCheck returns the job and attaches result rows once it has completed.
func (s *CheckService) GetCheck(ctx domain.Context, id string) (CheckState, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return CheckState{}, err
	}
	st := CheckState{Job: job}
	if job.Status == domain.JobCompleted {
		recs, err := s.nonMutual.ListByJob(ctx, id)
		if err != nil {
			return CheckState{}, err
		}
		st.Records = recs
	}
	return st, nil
}

// History returns a user's jobs, newest first.
func (s *CheckService) History(ctx domain.Context, userID int64, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.ListByUser(ctx, userID, limit, offset)
}
