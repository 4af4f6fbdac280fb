package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// Queue admission, terminal transitions and stale recovery pair the status
// write with the credit change in one transaction.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, target_handle, status, progress, queue_position,
	started_at, completed_at, followers_n, following_n, non_mutual_n,
	artifact_path, error_message, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.UserID, &j.TargetHandle, &j.Status, &j.Progress, &j.QueuePosition,
		&j.StartedAt, &j.CompletedAt, &j.FollowersN, &j.FollowingN, &j.NonMutualN,
		&j.ArtifactPath, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// queueAdmitLockKey is the advisory lock serializing queue position
// assignment across concurrent admissions.
const queueAdmitLockKey = int64(744001)

// Admit deducts one credit and inserts a pending job at the tail of the queue
// in a single transaction. The user row lock serializes the balance check; a
// queue-wide advisory lock serializes position assignment across users.
func (r *JobRepo) Admit(ctx domain.Context, userID int64, targetHandle string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Admit")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.admit.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int
	if err := tx.QueryRow(ctx, `SELECT credit_balance FROM users WHERE id=$1 FOR UPDATE`, userID).Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.admit: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.admit.lock_user: %w", err)
	}
	if balance < 1 {
		return domain.Job{}, fmt.Errorf("op=job.admit: %w", domain.ErrInsufficientBalance)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET credit_balance = credit_balance - 1 WHERE id=$1`, userID); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.admit.deduct: %w", err)
	}

	// The user row lock only covers same-user admissions. Without queue-wide
	// serialization two transactions read the same MAX and the later insert
	// dies on the active-position unique index.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueAdmitLockKey); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.admit.queue_lock: %w", err)
	}
	var next int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(queue_position), 0) + 1 FROM jobs WHERE status IN ('pending','processing')`).Scan(&next); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.admit.position: %w", err)
	}

	id := uuid.New().String()
	row := tx.QueryRow(ctx, `INSERT INTO jobs (id, user_id, target_handle, status, queue_position)
		VALUES ($1,$2,$3,'pending',$4) RETURNING `+jobColumns, id, userID, targetHandle, next)
	j, err := scanJob(row)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.admit.insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.admit.commit: %w", err)
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ListByUser returns a user's jobs, newest first.
func (r *JobRepo) ListByUser(ctx domain.Context, userID int64, limit, offset int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByUser")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_user: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_by_user.scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimNext moves the lowest-positioned pending job to processing and stamps
// started_at. SKIP LOCKED keeps concurrent claimers from blocking each other.
func (r *JobRepo) ClaimNext(ctx domain.Context) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()
	q := `UPDATE jobs SET status='processing', started_at=now(), updated_at=now()
		WHERE id = (
			SELECT id FROM jobs WHERE status='pending'
			ORDER BY queue_position ASC LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.claim_next: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim_next: %w", err)
	}
	return j, nil
}

// CountProcessing returns the number of in-flight jobs.
func (r *JobRepo) CountProcessing(ctx domain.Context) (int, error) {
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status='processing'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_processing: %w", err)
	}
	return n, nil
}

// UpdateProgress writes the new value only when it differs from the stored one.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id string, progress int) error {
	_, err := r.Pool.Exec(ctx, `UPDATE jobs SET progress=$2, updated_at=now() WHERE id=$1 AND progress <> $2`, id, progress)
	if err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	return nil
}

// UpdateSummary records the fetched list sizes and the non-mutual count.
func (r *JobRepo) UpdateSummary(ctx domain.Context, id string, followersN, followingN, nonMutualN int) error {
	_, err := r.Pool.Exec(ctx, `UPDATE jobs SET followers_n=$2, following_n=$3, non_mutual_n=$4, updated_at=now() WHERE id=$1`,
		id, followersN, followingN, nonMutualN)
	if err != nil {
		return fmt.Errorf("op=job.update_summary: %w", err)
	}
	return nil
}

// SetArtifactPath records where the rendered spreadsheet was written.
func (r *JobRepo) SetArtifactPath(ctx domain.Context, id, path string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE jobs SET artifact_path=$2, updated_at=now() WHERE id=$1`, id, path)
	if err != nil {
		return fmt.Errorf("op=job.set_artifact: %w", err)
	}
	return nil
}

// Complete marks the job completed, releasing its queue position.
func (r *JobRepo) Complete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE jobs SET status='completed', progress=100, queue_position=NULL, completed_at=now(), updated_at=now()
		WHERE id=$1 AND status='processing'`, id)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete: job not processing: %w", domain.ErrConflict)
	}
	return nil
}

// Fail marks the job failed and refunds one credit to its owner in the same
// transaction, so balance and status cannot disagree across a crash.
func (r *JobRepo) Fail(ctx domain.Context, id, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.fail.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID int64
	var status domain.JobStatus
	if err := tx.QueryRow(ctx, `SELECT user_id, status FROM jobs WHERE id=$1 FOR UPDATE`, id).Scan(&userID, &status); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=job.fail: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.fail.lock: %w", err)
	}
	if !status.Active() {
		// Terminal already; the refund happened with the first transition.
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status='failed', progress=100, queue_position=NULL, completed_at=now(), error_message=$2, updated_at=now() WHERE id=$1`, id, errMsg); err != nil {
		return fmt.Errorf("op=job.fail.update: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET credit_balance = credit_balance + 1 WHERE id=$1`, userID); err != nil {
		return fmt.Errorf("op=job.fail.refund: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.fail.commit: %w", err)
	}
	return nil
}

// FailStale fails-and-refunds every processing row whose started_at is older
// than the cutoff. Returns the reclaimed jobs for notification purposes.
func (r *JobRepo) FailStale(ctx domain.Context, cutoff time.Time) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailStale")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT id FROM jobs WHERE status='processing' AND started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=job.fail_stale.list: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=job.fail_stale.scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.fail_stale: %w", err)
	}

	var out []domain.Job
	for _, id := range ids {
		if err := r.Fail(ctx, id, "processing timed out; recovered by stale sweep"); err != nil {
			return out, err
		}
		j, err := r.Get(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	span.SetAttributes(attribute.Int("jobs.reclaimed", len(out)))
	return out, nil
}

// CompactPositions reassigns consecutive integers 1..N among active rows.
// Two-phase update keeps the partial unique index satisfied mid-statement.
func (r *JobRepo) CompactPositions(ctx domain.Context) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompactPositions")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.compact.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `WITH ranked AS (
			SELECT id, ROW_NUMBER() OVER (ORDER BY queue_position ASC) AS rn
			FROM jobs WHERE status IN ('pending','processing')
		)
		UPDATE jobs SET queue_position = -ranked.rn
		FROM ranked WHERE jobs.id = ranked.id`); err != nil {
		return fmt.Errorf("op=job.compact.phase1: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET queue_position = -queue_position, updated_at=now()
		WHERE status IN ('pending','processing') AND queue_position < 0`); err != nil {
		return fmt.Errorf("op=job.compact.phase2: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.compact.commit: %w", err)
	}
	return nil
}

// ListFailed returns the most recent failed jobs for the admin dashboard.
func (r *JobRepo) ListFailed(ctx domain.Context, limit int) ([]domain.Job, error) {
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status='failed' ORDER BY completed_at DESC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_failed: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_failed.scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
