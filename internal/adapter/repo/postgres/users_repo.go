package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/followaudit/followaudit/internal/domain"
)

// UserRepo persists and loads users using a minimal pgx pool.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Ensure upserts a user by external id. Existing rows keep their balance and
// referral code; only brand-new rows receive the initial balance.
func (r *UserRepo) Ensure(ctx domain.Context, id int64, initialBalance int, referralCode string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Ensure")
	defer span.End()
	q := `INSERT INTO users (id, credit_balance, referral_code) VALUES ($1,$2,$3)
	      ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
	      RETURNING id, credit_balance, referral_code, created_at`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q, id, initialBalance, referralCode).Scan(&u.ID, &u.CreditBalance, &u.ReferralCode, &u.CreatedAt); err != nil {
		return domain.User{}, fmt.Errorf("op=user.ensure: %w", err)
	}
	return u, nil
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id int64) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	q := `SELECT id, credit_balance, referral_code, created_at FROM users WHERE id=$1`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.CreditBalance, &u.ReferralCode, &u.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}
