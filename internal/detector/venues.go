package detector

import (
	"context"
	"fmt"

	"github.com/perparb/perparb/internal/exchange"
	"github.com/perparb/perparb/internal/models"
)

// healthReporter is satisfied by adapters that expose their health tracker.
type healthReporter interface {
	Health() *exchange.HealthTracker
}

// registryVenues reads liquidity and reliability from live adapters.
type registryVenues struct {
	registry *exchange.Registry
}

// NewRegistryVenues wraps an adapter registry as the scoring data source.
func NewRegistryVenues(registry *exchange.Registry) VenueData {
	return &registryVenues{registry: registry}
}

func (r *registryVenues) Liquidity(ctx context.Context, cfg models.ExchangeConfig, symbol string) (*exchange.Liquidity, error) {
	if cfg.Slug == "" {
		return nil, fmt.Errorf("no venue config")
	}
	adapter, err := r.registry.Get(cfg)
	if err != nil {
		return nil, err
	}
	return adapter.GetLiquidity(ctx, symbol)
}

func (r *registryVenues) Reliability(cfg models.ExchangeConfig) float64 {
	if cfg.Slug == "" {
		return 1
	}
	adapter, err := r.registry.Get(cfg)
	if err != nil {
		return 1
	}
	if hr, ok := adapter.(healthReporter); ok {
		return hr.Health().Reliability()
	}
	return 1
}
