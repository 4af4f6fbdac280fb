package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/domain"
)

// NonMutualRepo persists a completed job's result rows.
type NonMutualRepo struct{ Pool PgxPool }

// NewNonMutualRepo constructs a NonMutualRepo with the given pool.
func NewNonMutualRepo(p PgxPool) *NonMutualRepo { return &NonMutualRepo{Pool: p} }

// CreateBatch inserts all records for a job in one transaction.
func (r *NonMutualRepo) CreateBatch(ctx domain.Context, jobID string, recs []domain.NonMutualRecord) error {
	tracer := otel.Tracer("repo.non_mutual")
	ctx, span := tracer.Start(ctx, "non_mutual.CreateBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("records.count", len(recs)))

	if len(recs) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=non_mutual.create_batch.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := `INSERT INTO non_mutual_records
		(job_id, target_user_id, target_handle, target_full_name, target_avatar_url, user_follows_target, target_follows_user, is_mutual)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	for _, rec := range recs {
		if _, err := tx.Exec(ctx, q, jobID, rec.TargetUserID, rec.TargetHandle, rec.TargetFullName, rec.TargetAvatarURL,
			rec.UserFollowsTarget, rec.TargetFollowsUser, rec.IsMutual); err != nil {
			return fmt.Errorf("op=non_mutual.create_batch: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=non_mutual.create_batch.commit: %w", err)
	}
	return nil
}

// ListByJob returns a job's records in insertion order.
func (r *NonMutualRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.NonMutualRecord, error) {
	tracer := otel.Tracer("repo.non_mutual")
	ctx, span := tracer.Start(ctx, "non_mutual.ListByJob")
	defer span.End()
	q := `SELECT id, job_id, target_user_id, target_handle, target_full_name, target_avatar_url,
		user_follows_target, target_follows_user, is_mutual
		FROM non_mutual_records WHERE job_id=$1 ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=non_mutual.list: %w", err)
	}
	defer rows.Close()
	var out []domain.NonMutualRecord
	for rows.Next() {
		var rec domain.NonMutualRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.TargetUserID, &rec.TargetHandle, &rec.TargetFullName,
			&rec.TargetAvatarURL, &rec.UserFollowsTarget, &rec.TargetFollowsUser, &rec.IsMutual); err != nil {
			return nil, fmt.Errorf("op=non_mutual.list.scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
