package dbqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/followaudit/followaudit/internal/domain"
)

type fakeJobs struct {
	mu         sync.Mutex
	pending    []domain.Job
	processing int
	stale      []domain.Job
	cutoffs    []time.Time
	compacted  int
}

func (f *fakeJobs) Admit(domain.Context, int64, string) (domain.Job, error) {
	return domain.Job{}, nil
}
func (f *fakeJobs) Get(domain.Context, string) (domain.Job, error) { return domain.Job{}, nil }
func (f *fakeJobs) ListByUser(domain.Context, int64, int, int) ([]domain.Job, error) {
	return nil, nil
}

func (f *fakeJobs) ClaimNext(domain.Context) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	j := f.pending[0]
	f.pending = f.pending[1:]
	f.processing++
	return j, nil
}

func (f *fakeJobs) CountProcessing(domain.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processing, nil
}

func (f *fakeJobs) UpdateProgress(domain.Context, string, int) error      { return nil }
func (f *fakeJobs) UpdateSummary(domain.Context, string, int, int, int) error { return nil }
func (f *fakeJobs) SetArtifactPath(domain.Context, string, string) error  { return nil }
func (f *fakeJobs) Complete(domain.Context, string) error                 { return nil }
func (f *fakeJobs) Fail(domain.Context, string, string) error             { return nil }

func (f *fakeJobs) FailStale(_ domain.Context, cutoff time.Time) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	out := f.stale
	f.stale = nil
	return out, nil
}

func (f *fakeJobs) CompactPositions(domain.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compacted++
	return nil
}

func (f *fakeJobs) ListFailed(domain.Context, int) ([]domain.Job, error) { return nil, nil }

type stubNotifier struct {
	mu     sync.Mutex
	texts  []int64
	admins []string
}

func (n *stubNotifier) SendText(_ domain.Context, userID int64, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, userID)
	return nil
}
func (n *stubNotifier) SendDocument(domain.Context, int64, string, string) error { return nil }
func (n *stubNotifier) NotifyAdmins(_ domain.Context, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admins = append(n.admins, body)
}

func TestTickOnce_ClaimsAndRuns(t *testing.T) {
	jobs := &fakeJobs{pending: []domain.Job{{ID: "job-1", UserID: 7}}}
	ran := make(chan domain.Job, 1)
	w := NewWorker(jobs, func(_ context.Context, j domain.Job) { ran <- j }, nil, Options{})

	w.tickOnce(context.Background(), 1)

	select {
	case j := <-ran:
		assert.Equal(t, "job-1", j.ID)
	case <-time.After(time.Second):
		t.Fatal("claimed job was not run")
	}
	assert.Empty(t, jobs.pending)
}

func TestTickOnce_JobRunsOutsideTickSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	jobs := &fakeJobs{pending: []domain.Job{{ID: "job-1"}}}
	got := make(chan context.Context, 1)
	w := NewWorker(jobs, func(ctx context.Context, _ domain.Job) { got <- ctx }, nil, Options{})

	w.tickOnce(context.Background(), 1)

	select {
	case ctx := <-got:
		// The job must not parent its spans to the tick span, which ends as
		// soon as tickOnce returns.
		assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
	case <-time.After(time.Second):
		t.Fatal("claimed job was not run")
	}
}

func TestTickOnce_RespectsConcurrencyCap(t *testing.T) {
	jobs := &fakeJobs{pending: []domain.Job{{ID: "job-1"}}, processing: 1}
	ran := make(chan domain.Job, 1)
	w := NewWorker(jobs, func(_ context.Context, j domain.Job) { ran <- j }, nil, Options{MaxConcurrent: 1})

	w.tickOnce(context.Background(), 1)

	select {
	case <-ran:
		t.Fatal("claimed past the concurrency cap")
	case <-time.After(50 * time.Millisecond):
	}
	require.Len(t, jobs.pending, 1)
}

func TestTickOnce_IdleQueue(t *testing.T) {
	jobs := &fakeJobs{}
	w := NewWorker(jobs, func(context.Context, domain.Job) { t.Fatal("nothing to run") }, nil, Options{})

	w.tickOnce(context.Background(), 1)
}

func TestTickOnce_CompactsOnSchedule(t *testing.T) {
	jobs := &fakeJobs{}
	w := NewWorker(jobs, func(context.Context, domain.Job) {}, nil, Options{CompactEvery: 50})

	w.tickOnce(context.Background(), 49)
	assert.Zero(t, jobs.compacted)
	w.tickOnce(context.Background(), 50)
	assert.Equal(t, 1, jobs.compacted)
}

func TestSweepStale_RefundsAndNotifies(t *testing.T) {
	jobs := &fakeJobs{stale: []domain.Job{{ID: "job-1", UserID: 7}}}
	notifier := &stubNotifier{}
	w := NewWorker(jobs, func(context.Context, domain.Job) {}, notifier, Options{StaleAfter: 30 * time.Minute})

	w.sweepStale(context.Background())

	require.Len(t, jobs.cutoffs, 1)
	assert.WithinDuration(t, time.Now().UTC().Add(-30*time.Minute), jobs.cutoffs[0], time.Minute)
	assert.Equal(t, []int64{7}, notifier.texts)
	require.Len(t, notifier.admins, 1)
	assert.Contains(t, notifier.admins[0], "job-1")
}

func TestRun_StopsOnCancel(t *testing.T) {
	jobs := &fakeJobs{pending: []domain.Job{{ID: "job-1"}}}
	ran := make(chan domain.Job, 1)
	w := NewWorker(jobs, func(_ context.Context, j domain.Job) { ran <- j }, nil, Options{Tick: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker never claimed the pending job")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
