package usecase

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/followaudit/followaudit/internal/domain"
)

// TariffService lists purchasable bundles and seeds them from a YAML file.
type TariffService struct {
	tariffs domain.TariffRepository
}

// NewTariffService constructs a TariffService.
func NewTariffService(tariffs domain.TariffRepository) *TariffService {
	return &TariffService{tariffs: tariffs}
}

// ListActive returns active tariffs in display order.
func (s *TariffService) ListActive(ctx domain.Context) ([]domain.Tariff, error) {
	return s.tariffs.ListActive(ctx)
}

// Get returns one tariff.
func (s *TariffService) Get(ctx domain.Context, id int64) (domain.Tariff, error) {
	return s.tariffs.Get(ctx, id)
}

type tariffSeed struct {
	Tariffs []struct {
		Name            string  `yaml:"name"`
		Description     string  `yaml:"description"`
		CreditsCount    int     `yaml:"credits_count"`
		PriceFiat       float64 `yaml:"price_fiat"`
		PriceNativeStar *int    `yaml:"price_native_stars"`
		IsActive        *bool   `yaml:"is_active"`
		SortOrder       int     `yaml:"sort_order"`
	} `yaml:"tariffs"`
}

// SeedFromFile upserts tariffs by name from a YAML file. Missing file is not
// an error so deployments without a seed keep their current rows.
func (s *TariffService) SeedFromFile(ctx domain.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=tariffs.seed.read: %w", err)
	}
	var seed tariffSeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return 0, fmt.Errorf("op=tariffs.seed.parse: %w", err)
	}
	n := 0
	for _, t := range seed.Tariffs {
		if t.Name == "" || t.CreditsCount <= 0 {
			return n, fmt.Errorf("op=tariffs.seed: tariff %q needs a name and positive credits_count: %w", t.Name, domain.ErrInvalidArgument)
		}
		active := true
		if t.IsActive != nil {
			active = *t.IsActive
		}
		_, err := s.tariffs.Upsert(ctx, domain.Tariff{
			Name:            t.Name,
			Description:     t.Description,
			CreditsCount:    t.CreditsCount,
			PriceFiat:       t.PriceFiat,
			PriceNativeStar: t.PriceNativeStar,
			IsActive:        active,
			SortOrder:       t.SortOrder,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
