package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followaudit/followaudit/internal/domain"
)

func TestEnsure_NewUserStartsAtZero(t *testing.T) {
	svc := NewUserService(newFakeUserRepo(), []int64{9}, 100)

	u, err := svc.Ensure(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, 0, u.CreditBalance)
	assert.Equal(t, "ref_7", u.ReferralCode)
}

func TestEnsure_AdminGetsInitialBalance(t *testing.T) {
	svc := NewUserService(newFakeUserRepo(), []int64{9}, 100)

	u, err := svc.Ensure(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 100, u.CreditBalance)
}

func TestEnsure_IsIdempotent(t *testing.T) {
	repo := newFakeUserRepo()
	svc := NewUserService(repo, nil, 0)
	ctx := context.Background()

	first, err := svc.Ensure(ctx, 7)
	require.NoError(t, err)
	again, err := svc.Ensure(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestEnsure_RejectsNonPositiveID(t *testing.T) {
	svc := NewUserService(newFakeUserRepo(), nil, 0)

	_, err := svc.Ensure(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.Ensure(context.Background(), -5)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestGet_UnknownUser(t *testing.T) {
	svc := NewUserService(newFakeUserRepo(), nil, 0)

	_, err := svc.Get(context.Background(), 404)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
