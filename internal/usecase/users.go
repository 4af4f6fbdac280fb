// Package usecase contains the application services: user accounts, job
// admission and retrieval, the per-job analysis pipeline, payments and
// admin aggregates.
package usecase

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/domain"
)

// UserService upserts users and reads balances.
type UserService struct {
	users               domain.UserRepository
	adminIDs            map[int64]bool
	adminInitialBalance int
}

// NewUserService constructs a UserService. Admin ids receive the configured
// initial balance on first contact; everyone else starts at zero.
func NewUserService(users domain.UserRepository, adminIDs []int64, adminInitialBalance int) *UserService {
	m := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		m[id] = true
	}
	return &UserService{users: users, adminIDs: m, adminInitialBalance: adminInitialBalance}
}

// Ensure upserts the user by external id and returns the row.
func (s *UserService) Ensure(ctx domain.Context, id int64) (domain.User, error) {
	tracer := otel.Tracer("usecase.users")
	ctx, span := tracer.Start(ctx, "users.Ensure")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", id))

	if id <= 0 {
		return domain.User{}, fmt.Errorf("op=users.ensure: id must be positive: %w", domain.ErrInvalidArgument)
	}
	initial := 0
	if s.adminIDs[id] {
		initial = s.adminInitialBalance
	}
	referral := fmt.Sprintf("ref_%d", id)
	return s.users.Ensure(ctx, id, initial, referral)
}

// Get returns the user row.
func (s *UserService) Get(ctx domain.Context, id int64) (domain.User, error) {
	return s.users.Get(ctx, id)
}
