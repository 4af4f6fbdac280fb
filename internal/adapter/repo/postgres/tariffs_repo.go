package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/followaudit/followaudit/internal/domain"
)

// TariffRepo stores purchasable credit bundles.
type TariffRepo struct{ Pool PgxPool }

// NewTariffRepo constructs a TariffRepo with the given pool.
func NewTariffRepo(p PgxPool) *TariffRepo { return &TariffRepo{Pool: p} }

const tariffColumns = `id, name, description, credits_count, price_fiat, price_native_star, is_active, sort_order`

func scanTariff(row pgx.Row) (domain.Tariff, error) {
	var t domain.Tariff
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.CreditsCount, &t.PriceFiat, &t.PriceNativeStar, &t.IsActive, &t.SortOrder)
	return t, err
}

// ListActive returns active tariffs ordered for display.
func (r *TariffRepo) ListActive(ctx domain.Context) ([]domain.Tariff, error) {
	tracer := otel.Tracer("repo.tariffs")
	ctx, span := tracer.Start(ctx, "tariffs.ListActive")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+tariffColumns+` FROM tariffs WHERE is_active ORDER BY sort_order, id`)
	if err != nil {
		return nil, fmt.Errorf("op=tariff.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, fmt.Errorf("op=tariff.list_active.scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get loads a tariff by id.
func (r *TariffRepo) Get(ctx domain.Context, id int64) (domain.Tariff, error) {
	t, err := scanTariff(r.Pool.QueryRow(ctx, `SELECT `+tariffColumns+` FROM tariffs WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Tariff{}, fmt.Errorf("op=tariff.get: %w", domain.ErrNotFound)
		}
		return domain.Tariff{}, fmt.Errorf("op=tariff.get: %w", err)
	}
	return t, nil
}

// Upsert inserts or updates a tariff by name; used by the seed path.
func (r *TariffRepo) Upsert(ctx domain.Context, t domain.Tariff) (int64, error) {
	var id int64
	err := r.Pool.QueryRow(ctx, `INSERT INTO tariffs (name, description, credits_count, price_fiat, price_native_star, is_active, sort_order)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			credits_count = EXCLUDED.credits_count,
			price_fiat = EXCLUDED.price_fiat,
			price_native_star = EXCLUDED.price_native_star,
			is_active = EXCLUDED.is_active,
			sort_order = EXCLUDED.sort_order
		RETURNING id`,
		t.Name, t.Description, t.CreditsCount, t.PriceFiat, t.PriceNativeStar, t.IsActive, t.SortOrder).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=tariff.upsert: %w", err)
	}
	return id, nil
}
