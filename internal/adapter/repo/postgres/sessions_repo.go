package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/followaudit/followaudit/internal/domain"
)

// SessionRepo stores upstream session rows. The single-active invariant is
// backed by a partial unique index and enforced transactionally on rotation.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

const sessionColumns = `id, cookie_value, is_active, is_valid, fail_count, refresh_attempts,
	next_refresh_at, created_at, last_used_at, last_verified_at, last_error`

func scanSession(row pgx.Row) (domain.UpstreamSession, error) {
	var s domain.UpstreamSession
	err := row.Scan(&s.ID, &s.CookieValue, &s.IsActive, &s.IsValid, &s.FailCount, &s.RefreshAttempts,
		&s.NextRefreshAt, &s.CreatedAt, &s.LastUsedAt, &s.LastVerifiedAt, &s.LastError)
	return s, err
}

// GetActive returns the single active row.
func (r *SessionRepo) GetActive(ctx domain.Context) (domain.UpstreamSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.GetActive")
	defer span.End()
	s, err := scanSession(r.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upstream_sessions WHERE is_active LIMIT 1`))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.UpstreamSession{}, fmt.Errorf("op=session.get_active: %w", domain.ErrNotFound)
		}
		return domain.UpstreamSession{}, fmt.Errorf("op=session.get_active: %w", err)
	}
	return s, nil
}

// SaveActive demotes all prior rows and inserts the new active-valid row in
// one transaction.
func (r *SessionRepo) SaveActive(ctx domain.Context, cookieValue string, nextRefreshAt time.Time) (domain.UpstreamSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.SaveActive")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.UpstreamSession{}, fmt.Errorf("op=session.save.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE upstream_sessions SET is_active=false WHERE is_active`); err != nil {
		return domain.UpstreamSession{}, fmt.Errorf("op=session.save.demote: %w", err)
	}
	row := tx.QueryRow(ctx, `INSERT INTO upstream_sessions (cookie_value, is_active, is_valid, next_refresh_at)
		VALUES ($1, true, true, $2) RETURNING `+sessionColumns, cookieValue, nextRefreshAt)
	s, err := scanSession(row)
	if err != nil {
		return domain.UpstreamSession{}, fmt.Errorf("op=session.save.insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.UpstreamSession{}, fmt.Errorf("op=session.save.commit: %w", err)
	}
	return s, nil
}

// MarkInvalid flips is_valid off and records the reason.
func (r *SessionRepo) MarkInvalid(ctx domain.Context, id int64, reason string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upstream_sessions SET is_valid=false, last_error=$2 WHERE id=$1`, id, reason)
	if err != nil {
		return fmt.Errorf("op=session.mark_invalid: %w", err)
	}
	return nil
}

// MarkVerified stamps a successful probe.
func (r *SessionRepo) MarkVerified(ctx domain.Context, id int64) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upstream_sessions SET is_valid=true, last_verified_at=now(), fail_count=0 WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=session.mark_verified: %w", err)
	}
	return nil
}

// IncrementFailCount bumps the consecutive-failure counter and returns it.
func (r *SessionRepo) IncrementFailCount(ctx domain.Context, id int64) (int, error) {
	var n int
	err := r.Pool.QueryRow(ctx, `UPDATE upstream_sessions SET fail_count = fail_count + 1 WHERE id=$1 RETURNING fail_count`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=session.increment_fail: %w", err)
	}
	return n, nil
}

// TouchUsed stamps last_used_at.
func (r *SessionRepo) TouchUsed(ctx domain.Context, id int64) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upstream_sessions SET last_used_at=now() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=session.touch_used: %w", err)
	}
	return nil
}
