package usecase

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followaudit/followaudit/internal/domain"
)

const seedYAML = `tariffs:
  - name: starter
    description: "10 checks"
    credits_count: 10
    price_fiat: 150
    price_native_stars: 100
    sort_order: 1
  - name: legacy
    credits_count: 5
    price_fiat: 90
    is_active: false
    sort_order: 2
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tariffs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSeedFromFile_UpsertsByName(t *testing.T) {
	repo := newFakeTariffRepo()
	svc := NewTariffService(repo)
	ctx := context.Background()

	n, err := svc.SeedFromFile(ctx, writeSeed(t, seedYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "starter", active[0].Name)
	assert.Equal(t, 10, active[0].CreditsCount)
	require.NotNil(t, active[0].PriceNativeStar)
	assert.Equal(t, 100, *active[0].PriceNativeStar)

	// Re-seeding updates in place instead of duplicating.
	n, err = svc.SeedFromFile(ctx, writeSeed(t, seedYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, repo.tariffs, 2)
}

func TestSeedFromFile_MissingFileIsNoop(t *testing.T) {
	svc := NewTariffService(newFakeTariffRepo())

	n, err := svc.SeedFromFile(context.Background(), "/nonexistent/tariffs.yaml")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.SeedFromFile(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSeedFromFile_RejectsInvalidEntries(t *testing.T) {
	svc := NewTariffService(newFakeTariffRepo())

	_, err := svc.SeedFromFile(context.Background(), writeSeed(t, "tariffs:\n  - name: broken\n    credits_count: 0\n"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.SeedFromFile(context.Background(), writeSeed(t, "tariffs: [not a mapping"))
	require.Error(t, err)
}
