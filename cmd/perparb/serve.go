package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/aggregator"
	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/cache"
	"github.com/perparb/perparb/internal/capital"
	"github.com/perparb/perparb/internal/config"
	"github.com/perparb/perparb/internal/detector"
	"github.com/perparb/perparb/internal/exchange"
	"github.com/perparb/perparb/internal/executor"
	"github.com/perparb/perparb/internal/httpapi"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/persistence/postgres"
	"github.com/perparb/perparb/internal/position"
	"github.com/perparb/perparb/internal/refdata"
	"github.com/perparb/perparb/internal/risk"
	"github.com/perparb/perparb/internal/secrets"
	"github.com/perparb/perparb/internal/telemetry"
)

// runServe wires every component and blocks until a signal or the first
// component failure.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitError{exitConfig, err}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return exitError{exitDB, err}
	}
	defer db.Close()
	store := postgres.NewStore(db)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return exitError{exitCache, fmt.Errorf("invalid redis url: %w", err)}
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return exitError{exitCache, fmt.Errorf("failed to ping redis: %w", err)}
	}
	eventBus := bus.NewRedisBus(rdb)
	defer eventBus.Close()
	kv := cache.NewRedisCache(rdb, "")

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	var cipher *secrets.Cipher
	if cfg.EncryptionKey != "" {
		if cipher, err = secrets.NewCipher(cfg.EncryptionKey); err != nil {
			return exitError{exitConfig, err}
		}
	} else {
		log.Warn().Msg("no encryption key configured, venue credentials cannot be stored")
	}
	venues := exchange.NewRegistry(cipher, nil)

	if err := seedExchanges(ctx, store, cfg.Exchanges); err != nil {
		return exitError{exitDB, err}
	}
	sources, err := primarySources(ctx, store, venues)
	if err != nil {
		return exitError{exitDB, err}
	}
	var secondary aggregator.SecondarySource
	if cfg.Aggregator.ReferenceFeedURL != "" {
		secondary = refdata.New(refdata.Config{BaseURL: cfg.Aggregator.ReferenceFeedURL})
	}

	agg := aggregator.New(aggregator.Config{
		ReconcileInterval:      cfg.Aggregator.ReconcileInterval,
		SecondaryPollInterval:  cfg.Aggregator.SecondaryPollInterval,
		HealthCheckInterval:    cfg.Aggregator.HealthCheckInterval,
		CleanupInterval:        cfg.Aggregator.CleanupInterval,
		SpreadHistoryInterval:  cfg.Aggregator.SpreadHistoryInterval,
		SpreadHistoryRetention: cfg.Aggregator.SpreadHistoryRetention,
		ConflictThresholdPct:   cfg.Aggregator.ConflictThresholdPct,
	}, sources, secondary, store.Funding, eventBus, kv, metrics)

	positions := position.New(position.Config{
		SyncInterval:      cfg.Positions.SyncInterval,
		SyncInitialDelay:  cfg.Positions.SyncInitialDelay,
		ReconcileInterval: cfg.Positions.ReconcileInterval,
		AutoAdoptOrphans:  cfg.Positions.AutoAdoptOrphans,
		SizeTolerancePct:  cfg.Positions.SizeTolerancePct,
		PriceTolerancePct: cfg.Positions.PriceTolerancePct,
	}, store, eventBus, kv, metrics, venues)

	exec := executor.New(executor.Config{
		DefaultCapitalUSD: decimal.NewFromFloat(cfg.Execution.DefaultCapitalUSD),
		MinNotionalUSD:    decimal.NewFromFloat(cfg.Execution.MinNotionalUSD),
	}, store, eventBus, metrics, venues)

	// The allocator consults the risk manager and the risk manager reads
	// the allocator's state, so the validator is bound after construction.
	validator := &lateValidator{}
	alloc := capital.New(capital.Config{
		BalanceRefreshInterval: cfg.Capital.BalanceRefreshInterval,
		CleanupInterval:        cfg.Capital.CleanupInterval,
		ReservationTTL:         cfg.Capital.ReservationTTL,
		ConfirmTimeout:         cfg.Capital.ConfirmTimeout,
	}, store, eventBus, metrics, venues, validator, positions)
	riskMgr := risk.New(risk.Config{}, store, eventBus, metrics, alloc, registryOutages{venues})
	validator.delegate = riskMgr

	det := detector.New(detector.Config{
		CycleInterval:   cfg.Detector.CycleInterval,
		DebounceWindow:  cfg.Detector.DebounceWindow,
		CleanupInterval: cfg.Detector.CleanupInterval,
		RefreshInterval: cfg.Detector.RefreshInterval,
	}, store, eventBus, kv, metrics,
		detector.NewRegistryVenues(venues),
		detector.Gates{BreakerActive: riskMgr.Breaker().Active})

	api := httpapi.New(httpapi.Config{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, httpapi.Deps{
		Store:     store,
		Cache:     kv,
		Bus:       eventBus,
		Cipher:    cipher,
		Gatherer:  registry,
		Market:    agg,
		Detector:  det,
		Executor:  exec,
		Positions: positions,
		Capital:   alloc,
		Risk:      riskMgr,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	start("aggregator", agg.Run)
	start("detector", det.Run)
	start("executor", exec.Run)
	start("positions", positions.Run)
	start("capital", alloc.Run)
	start("risk", riskMgr.Run)
	start("http", api.Run)
	log.Info().Str("version", version).Int("venues", len(sources)).Msg("platform started")

	var runErr error
	select {
	case <-runCtx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("component failed, shutting down")
		cancel()
	}
	wg.Wait()
	if runErr != nil {
		return exitError{exitConfig, runErr}
	}
	return nil
}

// seedExchanges creates venue rows for statically configured exchanges that
// the database does not know yet. Existing rows win so operator edits
// survive restarts.
func seedExchanges(ctx context.Context, store *persistence.Store, entries []config.ExchangeEntry) error {
	for _, entry := range entries {
		slug := strings.ToLower(entry.Slug)
		if !exchange.Supported(slug) {
			log.Warn().Str("venue", slug).Msg("unsupported venue in config, skipping")
			continue
		}
		existing, err := store.Config.GetExchange(ctx, slug)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		ex := &models.ExchangeConfig{
			Slug:        slug,
			DisplayName: strings.ToUpper(slug[:1]) + slug[1:],
			Enabled:     entry.Enabled,
			Testnet:     entry.Testnet,
			Tier:        2,
			IsDEX:       entry.Variant == "hyperliquid" || entry.Variant == "dydx",
			UpdatedAt:   time.Now().UTC(),
		}
		if err := store.Config.SaveExchange(ctx, ex); err != nil {
			return err
		}
		log.Info().Str("venue", slug).Msg("registered venue from config")
	}
	return nil
}

// primarySources builds an adapter per enabled venue. Funding-rate reads
// need no credentials, so every enabled venue participates in aggregation.
func primarySources(ctx context.Context, store *persistence.Store, venues *exchange.Registry) ([]aggregator.PrimarySource, error) {
	configs, err := store.Config.ListExchanges(ctx)
	if err != nil {
		return nil, err
	}
	var sources []aggregator.PrimarySource
	for _, cfg := range configs {
		if !cfg.Enabled || !exchange.Supported(cfg.Slug) {
			continue
		}
		adapter, err := venues.Get(cfg)
		if err != nil {
			log.Warn().Err(err).Str("venue", cfg.Slug).Msg("failed to build adapter, skipping")
			continue
		}
		sources = append(sources, adapter)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no enabled venues, nothing to aggregate")
	}
	return sources, nil
}

// lateValidator defers the validator binding until after both sides of the
// allocator/risk cycle exist. With no delegate it accepts everything.
type lateValidator struct {
	delegate capital.TradeValidator
}

func (v *lateValidator) ValidateTrade(ctx context.Context, opportunityID string, sizeUSD decimal.Decimal, longExchange, shortExchange string) (*models.TradeValidation, error) {
	if v.delegate == nil {
		return &models.TradeValidation{Accepted: true, CheckedAt: time.Now().UTC()}, nil
	}
	return v.delegate.ValidateTrade(ctx, opportunityID, sizeUSD, longExchange, shortExchange)
}

// registryOutages reports venues whose adapters have tripped their health
// tracker.
type registryOutages struct {
	venues *exchange.Registry
}

type healthReporter interface {
	Health() *exchange.HealthTracker
}

func (r registryOutages) OfflineVenues() []string {
	var out []string
	for _, adapter := range r.venues.All() {
		if hr, ok := adapter.(healthReporter); ok && !hr.Health().Healthy() {
			out = append(out, adapter.Name())
		}
	}
	return out
}
