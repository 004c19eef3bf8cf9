// Package aggregator maintains the unified funding-rate view: it ingests
// direct venue observations (primary) and the reference feed (secondary),
// reconciles them with primary-wins semantics, and publishes snapshots and
// spreads for the detector.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/cache"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/telemetry"
)

// PrimarySource is one venue's direct funding-rate feed.
type PrimarySource interface {
	Name() string
	FundingRates(ctx context.Context) ([]models.FundingRate, error)
}

// SecondarySource is the cross-venue reference feed.
type SecondarySource interface {
	FundingRates(ctx context.Context) ([]models.FundingRate, error)
}

// SourceStatus grades a data source by observation age.
type SourceStatus string

const (
	SourceHealthy      SourceStatus = "healthy"      // seen < 2m ago
	SourceDegraded     SourceStatus = "degraded"     // seen < 5m ago
	SourceStale        SourceStatus = "stale"        // seen >= 5m ago
	SourceDisconnected SourceStatus = "disconnected" // never seen
)

func (s SourceStatus) gauge() float64 {
	switch s {
	case SourceHealthy:
		return 3
	case SourceDegraded:
		return 2
	case SourceStale:
		return 1
	}
	return 0
}

// statusFor grades by last-seen age.
func statusFor(lastSeen time.Time, now time.Time) SourceStatus {
	if lastSeen.IsZero() {
		return SourceDisconnected
	}
	switch age := now.Sub(lastSeen); {
	case age < 2*time.Minute:
		return SourceHealthy
	case age < 5*time.Minute:
		return SourceDegraded
	default:
		return SourceStale
	}
}

// purgeAfter is how long observations stay in the working maps without
// refresh. Well past the 5m staleness cutoff so the API can still show
// last-known values.
const purgeAfter = 15 * time.Minute

// Config tunes the aggregator loops.
type Config struct {
	ReconcileInterval     time.Duration
	SecondaryPollInterval time.Duration
	HealthCheckInterval   time.Duration
	CleanupInterval       time.Duration
	SpreadHistoryInterval time.Duration
	SpreadHistoryRetention time.Duration
	ConflictThresholdPct  float64
}

func (c *Config) defaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.SecondaryPollInterval <= 0 {
		c.SecondaryPollInterval = time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.SpreadHistoryInterval <= 0 {
		c.SpreadHistoryInterval = 5 * time.Minute
	}
	if c.SpreadHistoryRetention <= 0 {
		c.SpreadHistoryRetention = 90 * 24 * time.Hour
	}
	if c.ConflictThresholdPct <= 0 {
		c.ConflictThresholdPct = 20
	}
}

// Aggregator reconciles primary and secondary funding observations.
type Aggregator struct {
	cfg       Config
	sources   []PrimarySource
	secondary SecondarySource
	funding   persistence.FundingRepo
	bus       bus.Bus
	cache     cache.Cache
	metrics   *telemetry.Metrics
	cron      *cron.Cron

	mu        sync.RWMutex
	primary   map[string]models.FundingRate // exchange:symbol
	reference map[string]models.FundingRate
	snapshot  models.UnifiedFundingSnapshot
	lastSeen  map[string]time.Time
	statuses  map[string]SourceStatus
}

// New builds an aggregator. secondary may be nil when no reference feed is
// configured.
func New(cfg Config, sources []PrimarySource, secondary SecondarySource,
	funding persistence.FundingRepo, b bus.Bus, c cache.Cache, m *telemetry.Metrics) *Aggregator {
	cfg.defaults()
	return &Aggregator{
		cfg:       cfg,
		sources:   sources,
		secondary: secondary,
		funding:   funding,
		bus:       b,
		cache:     c,
		metrics:   m,
		cron:      cron.New(),
		primary:   make(map[string]models.FundingRate),
		reference: make(map[string]models.FundingRate),
		lastSeen:  make(map[string]time.Time),
		statuses:  make(map[string]SourceStatus),
	}
}

// Run starts the ingestion, reconciliation, health, and cleanup loops plus
// the scheduled spread-history jobs, blocking until ctx ends.
func (a *Aggregator) Run(ctx context.Context) error {
	a.cron.AddFunc("@every "+a.cfg.SpreadHistoryInterval.String(), func() {
		a.captureSpreadHistory(ctx)
	})
	a.cron.AddFunc("17 3 * * *", func() { a.pruneSpreadHistory(ctx) })
	a.cron.Start()
	defer a.cron.Stop()

	var wg sync.WaitGroup
	loops := []struct {
		interval time.Duration
		fn       func(context.Context)
	}{
		{a.cfg.ReconcileInterval, func(ctx context.Context) { a.IngestPrimary(ctx); a.Reconcile(ctx) }},
		{a.cfg.SecondaryPollInterval, a.IngestSecondary},
		{a.cfg.HealthCheckInterval, a.checkSourceHealth},
		{a.cfg.CleanupInterval, a.cleanup},
	}
	for _, l := range loops {
		wg.Add(1)
		go func(interval time.Duration, fn func(context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			fn(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn(ctx)
				}
			}
		}(l.interval, l.fn)
	}
	wg.Wait()
	return ctx.Err()
}

// IngestPrimary pulls funding rates from every venue source.
func (a *Aggregator) IngestPrimary(ctx context.Context) {
	for _, src := range a.sources {
		rates, err := src.FundingRates(ctx)
		if err != nil {
			log.Warn().Err(err).Str("exchange", src.Name()).Msg("primary funding fetch failed")
			continue
		}
		a.ingest(ctx, rates, models.SourceExchangeAPI)
		a.markSeen("exchange:" + src.Name())
	}
}

// IngestSecondary polls the reference feed.
func (a *Aggregator) IngestSecondary(ctx context.Context) {
	if a.secondary == nil {
		return
	}
	rates, err := a.secondary.FundingRates(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("reference feed fetch failed")
		return
	}
	a.ingest(ctx, rates, models.SourceReference)
	a.markSeen("reference")
}

func (a *Aggregator) ingest(ctx context.Context, rates []models.FundingRate, source models.RateSource) {
	accepted := rates[:0]
	for _, fr := range rates {
		if err := fr.Validate(); err != nil {
			a.metrics.RatesRejected.WithLabelValues("out_of_bounds").Inc()
			continue
		}
		if fr.IsExtreme() {
			log.Info().Str("exchange", fr.Exchange).Str("symbol", fr.Symbol).
				Str("rate", fr.Rate.String()).Msg("extreme funding rate accepted")
		}
		accepted = append(accepted, fr)
		a.metrics.RatesIngested.WithLabelValues(fr.Exchange, string(source)).Inc()
	}

	a.mu.Lock()
	target := a.primary
	if source == models.SourceReference {
		target = a.reference
	}
	for _, fr := range accepted {
		target[fr.Key()] = fr
	}
	a.mu.Unlock()

	if a.funding != nil && len(accepted) > 0 {
		if err := a.funding.InsertRates(ctx, accepted); err != nil {
			log.Error().Err(err).Msg("failed to persist funding rates")
		}
	}
}

func (a *Aggregator) markSeen(source string) {
	a.mu.Lock()
	a.lastSeen[source] = time.Now().UTC()
	a.mu.Unlock()
}

// Reconcile merges the two source maps into the unified snapshot. Primary
// observations win; fresh reference data fills venues the primary feed has
// not covered; large disagreements are counted and alerted but the primary
// value still stands.
func (a *Aggregator) Reconcile(ctx context.Context) {
	now := time.Now().UTC()
	threshold := decimal.NewFromFloat(a.cfg.ConflictThresholdPct / 100)

	a.mu.Lock()
	snap := models.UnifiedFundingSnapshot{
		Rates:     make(map[string]map[string]models.FundingRate),
		FetchedAt: now,
	}
	put := func(fr models.FundingRate) {
		byExchange, ok := snap.Rates[fr.Ticker]
		if !ok {
			byExchange = make(map[string]models.FundingRate)
			snap.Rates[fr.Ticker] = byExchange
		}
		byExchange[fr.Exchange] = fr
	}

	for key, fr := range a.primary {
		if fr.IsStale(now) {
			continue
		}
		if ref, ok := a.reference[key]; ok && !ref.IsStale(now) {
			// The rate itself is the primary's; fields the venue API
			// omitted are filled from the reference record.
			if fr.PredictedRate.IsZero() && !ref.PredictedRate.IsZero() {
				fr.PredictedRate = ref.PredictedRate
			}
			if fr.NextFundingTime.IsZero() && !ref.NextFundingTime.IsZero() {
				fr.NextFundingTime = ref.NextFundingTime
			}
			if fr.FundingIntervalHrs <= 0 && ref.FundingIntervalHrs > 0 {
				fr.FundingIntervalHrs = ref.FundingIntervalHrs
				fr.RateAnnualized = fr.Annualize()
			}
			// Disagreement is measured relative to the reference rate.
			if !ref.Rate.IsZero() {
				diff := fr.Rate.Sub(ref.Rate).Abs().Div(ref.Rate.Abs())
				if diff.GreaterThan(threshold) {
					snap.ConflictCount++
				}
			}
		}
		put(fr)
		snap.PrimaryCount++
	}
	for _, fr := range a.reference {
		if fr.IsStale(now) {
			continue
		}
		if _, ok := snap.Rates[fr.Ticker][fr.Exchange]; ok {
			continue // primary wins
		}
		put(fr)
		snap.ReferenceCount++
	}
	a.snapshot = snap
	a.mu.Unlock()

	if snap.ConflictCount > 0 {
		a.metrics.ReconcileConflicts.Inc()
		a.bus.Publish(ctx, models.TopicReconciliationAlert, map[string]any{
			"conflicts": snap.ConflictCount,
			"timestamp": now,
		})
	}

	a.metrics.SnapshotsPublished.Inc()
	if err := a.cache.Set(ctx, models.CacheKeySnapshot, snap, 2*a.cfg.ReconcileInterval); err != nil {
		log.Warn().Err(err).Msg("failed to cache snapshot")
	}
	a.bus.Publish(ctx, models.TopicUnifiedSnapshot, map[string]any{
		"symbols":         snap.SymbolCount(),
		"rates":           snap.RateCount(),
		"primary_count":   snap.PrimaryCount,
		"reference_count": snap.ReferenceCount,
		"conflict_count":  snap.ConflictCount,
		"fetched_at":      snap.FetchedAt,
	})
}

// Snapshot returns the latest unified snapshot.
func (a *Aggregator) Snapshot() models.UnifiedFundingSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// CalculateSpreads computes all pairwise venue spreads at or above minSpread
// (fractional per-period), sorted by spread descending. limit <= 0 means no
// limit. The result is cached for one minute.
func (a *Aggregator) CalculateSpreads(ctx context.Context, minSpread decimal.Decimal, limit int) []models.Spread {
	snap := a.Snapshot()
	var out []models.Spread
	for ticker, byExchange := range snap.Rates {
		exchanges := make([]string, 0, len(byExchange))
		for ex := range byExchange {
			exchanges = append(exchanges, ex)
		}
		sort.Strings(exchanges)
		for i := 0; i < len(exchanges); i++ {
			for j := i + 1; j < len(exchanges); j++ {
				sp := models.NewSpread(ticker, byExchange[exchanges[i]], byExchange[exchanges[j]])
				if sp.Spread.LessThan(minSpread) {
					continue
				}
				out = append(out, sp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Spread.GreaterThan(out[j].Spread)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if err := a.cache.Set(ctx, models.CacheKeySpreads, out, time.Minute); err != nil {
		log.Warn().Err(err).Msg("failed to cache spreads")
	}
	return out
}

type healthTransition struct {
	source   string
	from, to SourceStatus
	lastSeen time.Time
}

func (a *Aggregator) checkSourceHealth(ctx context.Context) {
	now := time.Now().UTC()
	a.mu.Lock()
	var transitions []healthTransition
	for _, src := range a.sources {
		name := "exchange:" + src.Name()
		a.gradeLocked(name, now, &transitions)
	}
	if a.secondary != nil {
		a.gradeLocked("reference", now, &transitions)
	}
	a.mu.Unlock()

	for _, tr := range transitions {
		log.Warn().Str("source", tr.source).Str("from", string(tr.from)).
			Str("to", string(tr.to)).Msg("data source health transition")
		a.bus.Publish(ctx, models.TopicAggregatorHealth, models.SourceHealthEvent{
			Source:    tr.source,
			Status:    string(tr.to),
			LastSeen:  tr.lastSeen,
			Timestamp: now,
		})
	}
}

func (a *Aggregator) gradeLocked(name string, now time.Time, transitions *[]healthTransition) {
	seen := a.lastSeen[name]
	status := statusFor(seen, now)
	a.metrics.SourceHealth.WithLabelValues(name).Set(status.gauge())
	if prev, ok := a.statuses[name]; !ok || prev != status {
		if ok {
			*transitions = append(*transitions, healthTransition{name, prev, status, seen})
		}
		a.statuses[name] = status
	}
}

// SourceStatuses returns the current per-source grades for the health
// endpoint.
func (a *Aggregator) SourceStatuses() map[string]SourceStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]SourceStatus, len(a.statuses))
	for k, v := range a.statuses {
		out[k] = v
	}
	return out
}

func (a *Aggregator) cleanup(context.Context) {
	cutoff := time.Now().UTC().Add(-purgeAfter)
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, fr := range a.primary {
		if fr.Timestamp.Before(cutoff) {
			delete(a.primary, key)
		}
	}
	for key, fr := range a.reference {
		if fr.Timestamp.Before(cutoff) {
			delete(a.reference, key)
		}
	}
}

func (a *Aggregator) captureSpreadHistory(ctx context.Context) {
	if a.funding == nil {
		return
	}
	spreads := a.CalculateSpreads(ctx, decimal.Zero, 0)
	if len(spreads) == 0 {
		return
	}
	if err := a.funding.InsertSpreadHistory(ctx, spreads, "aggregator"); err != nil {
		log.Error().Err(err).Msg("failed to capture spread history")
		return
	}
	log.Debug().Int("spreads", len(spreads)).Msg("captured spread history")
}

func (a *Aggregator) pruneSpreadHistory(ctx context.Context) {
	if a.funding == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-a.cfg.SpreadHistoryRetention)
	n, err := a.funding.CleanupSpreadHistory(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to prune spread history")
		return
	}
	log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("pruned spread history")
}
