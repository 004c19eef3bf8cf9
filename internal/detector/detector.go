// Package detector turns cached funding spreads into scored, executable
// opportunities and owns their lifecycle from detection to expiry.
package detector

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/cache"
	"github.com/perparb/perparb/internal/exchange"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/telemetry"
)

// VenueData supplies live venue observations for scoring. Implementations
// may return nil liquidity and reliability 1 for venues that are not
// connected.
type VenueData interface {
	Liquidity(ctx context.Context, cfg models.ExchangeConfig, symbol string) (*exchange.Liquidity, error)
	Reliability(cfg models.ExchangeConfig) float64
}

// Gates are the runtime switches consulted before auto-execution.
type Gates struct {
	Running       func() bool
	BreakerActive func() bool
}

func (g Gates) running() bool {
	return g.Running == nil || g.Running()
}

func (g Gates) breakerActive() bool {
	return g.BreakerActive != nil && g.BreakerActive()
}

// Config tunes the detector loops.
type Config struct {
	CycleInterval   time.Duration
	DebounceWindow  time.Duration
	CleanupInterval time.Duration
	RefreshInterval time.Duration
}

func (c *Config) defaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 30 * time.Second
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
}

// Detector scores spreads and manages the opportunity lifecycle.
type Detector struct {
	cfg     Config
	store   *persistence.Store
	bus     bus.Bus
	cache   cache.Cache
	metrics *telemetry.Metrics
	venues  VenueData
	gates   Gates

	mu        sync.Mutex
	opps      map[string]*models.Opportunity // by id
	identity  map[string]string              // identity key -> id
	blacklist map[string]struct{}
	exchanges map[string]models.ExchangeConfig // enabled venues by slug
	params    models.StrategyParameters
	requested map[string]struct{} // opportunity ids already sent for execution
	lastCycle time.Time
	trigger   chan struct{}
}

// New builds a detector. venues may be nil, in which case execution scoring
// falls back to its neutral defaults.
func New(cfg Config, store *persistence.Store, b bus.Bus, c cache.Cache,
	m *telemetry.Metrics, venues VenueData, gates Gates) *Detector {
	cfg.defaults()
	return &Detector{
		cfg:       cfg,
		store:     store,
		bus:       b,
		cache:     c,
		metrics:   m,
		venues:    venues,
		gates:     gates,
		opps:      make(map[string]*models.Opportunity),
		identity:  make(map[string]string),
		blacklist: make(map[string]struct{}),
		exchanges: make(map[string]models.ExchangeConfig),
		params:    models.DefaultStrategyParameters(),
		requested: make(map[string]struct{}),
		trigger:   make(chan struct{}, 1),
	}
}

// Run rebuilds state from the store, subscribes to events, and drives the
// detection, cleanup, and refresh loops until ctx ends.
func (d *Detector) Run(ctx context.Context) error {
	if err := d.loadState(ctx); err != nil {
		return err
	}

	d.bus.Subscribe(models.TopicUnifiedSnapshot, func(ctx context.Context, _ []byte) {
		d.requestCycle()
	})
	d.bus.Subscribe(models.TopicPositionOpened, d.onPositionOpened)
	d.bus.Subscribe(models.TopicBlacklistChanged, d.onBlacklistChanged)

	cycle := time.NewTicker(d.cfg.CycleInterval)
	cleanup := time.NewTicker(d.cfg.CleanupInterval)
	refresh := time.NewTicker(d.cfg.RefreshInterval)
	defer cycle.Stop()
	defer cleanup.Stop()
	defer refresh.Stop()

	d.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.trigger:
			d.RunCycle(ctx)
		case <-cycle.C:
			d.RunCycle(ctx)
		case <-cleanup.C:
			d.Cleanup(ctx)
		case <-refresh.C:
			if err := d.refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("detector refresh failed")
			}
		}
	}
}

func (d *Detector) requestCycle() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Detector) loadState(ctx context.Context) error {
	opps, err := d.store.Opportunities.ListActive(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	d.mu.Lock()
	for i := range opps {
		opp := opps[i]
		d.opps[opp.ID] = &opp
		d.identity[opp.IdentityKey()] = opp.ID
		if opp.Status == models.OppExecuting || opp.Status == models.OppExecuted {
			d.requested[opp.ID] = struct{}{}
		}
	}
	d.mu.Unlock()
	log.Info().Int("opportunities", len(opps)).Msg("detector state rebuilt")
	return d.refresh(ctx)
}

// refresh reloads strategy parameters, the blacklist, and venue configs so
// operator changes take effect without restart.
func (d *Detector) refresh(ctx context.Context) error {
	params, err := d.store.Config.GetStrategy(ctx)
	if err != nil {
		return err
	}
	entries, err := d.store.Config.ListBlacklist(ctx)
	if err != nil {
		return err
	}
	venues, err := d.store.Config.ListExchanges(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.params = *params
	d.blacklist = make(map[string]struct{}, len(entries))
	for _, e := range entries {
		d.blacklist[e.Symbol] = struct{}{}
	}
	d.exchanges = make(map[string]models.ExchangeConfig, len(venues))
	for _, v := range venues {
		if v.Enabled {
			d.exchanges[v.Slug] = v
		}
	}
	d.mu.Unlock()
	return nil
}

// RunCycle executes one detection pass over the cached spreads. Cycles
// within the debounce window collapse to one.
func (d *Detector) RunCycle(ctx context.Context) {
	now := time.Now().UTC()
	d.mu.Lock()
	if now.Sub(d.lastCycle) < d.cfg.DebounceWindow {
		d.mu.Unlock()
		return
	}
	d.lastCycle = now
	params := d.params
	d.mu.Unlock()

	var spreads []models.Spread
	if _, found, err := d.cache.Get(ctx, models.CacheKeySpreads, &spreads); err != nil || !found {
		if err != nil {
			log.Warn().Err(err).Msg("failed to read cached spreads")
		}
		return
	}
	var snapshot models.UnifiedFundingSnapshot
	if _, _, err := d.cache.Get(ctx, models.CacheKeySnapshot, &snapshot); err != nil {
		log.Warn().Err(err).Msg("failed to read cached snapshot")
	}

	volCache := make(map[string]float64)
	for _, sp := range spreads {
		if reason, ok := d.filter(sp, params); !ok {
			log.Debug().Str("symbol", sp.Symbol).Str("reason", reason).Msg("spread filtered")
			continue
		}
		d.evaluate(ctx, sp, snapshot, params, volCache)
	}
}

// filter applies the pre-scoring drops: blacklist, credentials, min spread.
func (d *Detector) filter(sp models.Spread, params models.StrategyParameters) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blacklist[sp.Symbol]; ok {
		return "blacklisted", false
	}
	if params.OnlyExecutable {
		long, ok := d.exchanges[sp.LongExchange]
		if !ok || !long.HasCredentials() {
			return "long_venue_not_executable", false
		}
		short, ok := d.exchanges[sp.ShortExchange]
		if !ok || !short.HasCredentials() {
			return "short_venue_not_executable", false
		}
	}
	// A spread must strictly exceed the threshold to survive.
	if sp.SpreadPct.LessThanOrEqual(params.MinSpreadPct) {
		return "below_min_spread", false
	}
	return "", true
}

func (d *Detector) evaluate(ctx context.Context, sp models.Spread,
	snapshot models.UnifiedFundingSnapshot, params models.StrategyParameters,
	volCache map[string]float64) {

	breakdown, size := d.score(ctx, sp, snapshot, params, volCache)
	total := breakdown.Total()
	d.metrics.UOSScore.WithLabelValues(breakdown.Quality()).Observe(total)

	key := models.OpportunityIdentityKey(sp.Symbol, sp.LongExchange, sp.ShortExchange)
	d.mu.Lock()
	id, exists := d.identity[key]
	var opp *models.Opportunity
	if exists {
		opp = d.opps[id]
	}
	d.mu.Unlock()

	if exists && opp != nil {
		if total < params.MinUOSScore {
			d.expire(ctx, opp, "score_below_threshold")
			return
		}
		d.update(ctx, opp, sp, snapshot, breakdown, size)
		return
	}
	if total < params.MinUOSScore {
		return
	}
	d.create(ctx, sp, snapshot, breakdown, size)
}

// score runs two passes: the first sizes the position from a depth-blind
// composite, the second charges the execution component for crossing the
// books at that size.
func (d *Detector) score(ctx context.Context, sp models.Spread,
	snapshot models.UnifiedFundingSnapshot, params models.StrategyParameters,
	volCache map[string]float64) (models.UOSBreakdown, decimal.Decimal) {

	in := scoreInput{
		NetAPRPct:        sp.AnnualizedAPR,
		LongReliability:  1,
		ShortReliability: 1,
		Volatility:       d.volatility(ctx, sp.Symbol, volCache),
		HoursToFunding:   -1,
	}

	d.mu.Lock()
	if cfg, ok := d.exchanges[sp.LongExchange]; ok {
		in.LongTier, in.LongDEX = cfg.Tier, cfg.IsDEX
	}
	if cfg, ok := d.exchanges[sp.ShortExchange]; ok {
		in.ShortTier, in.ShortDEX = cfg.Tier, cfg.IsDEX
	}
	longCfg := d.exchanges[sp.LongExchange]
	shortCfg := d.exchanges[sp.ShortExchange]
	d.mu.Unlock()

	var longRate, shortRate models.FundingRate
	if byExchange, ok := snapshot.Rates[sp.Symbol]; ok {
		longRate = byExchange[sp.LongExchange]
		shortRate = byExchange[sp.ShortExchange]
	}
	in.SingleSource = longRate.Source == models.SourceReference ||
		shortRate.Source == models.SourceReference
	if h := hoursToFunding(longRate, shortRate); h >= 0 {
		in.HoursToFunding = h
	}

	if d.venues != nil {
		if longRate.Symbol != "" {
			if liq, err := d.venues.Liquidity(ctx, longCfg, longRate.Symbol); err == nil {
				in.LongLiquidity = liq
			}
		}
		if shortRate.Symbol != "" {
			if liq, err := d.venues.Liquidity(ctx, shortCfg, shortRate.Symbol); err == nil {
				in.ShortLiquidity = liq
			}
		}
		in.LongReliability = d.venues.Reliability(longCfg)
		in.ShortReliability = d.venues.Reliability(shortCfg)
	}

	first := scoreOpportunity(in)
	size := models.RecommendedSize(first.Total(), params.MaxPositionSizeUSD)
	in.RecommendedSizeUSD = size
	final := scoreOpportunity(in)
	return final, models.RecommendedSize(final.Total(), params.MaxPositionSizeUSD)
}

func hoursToFunding(rates ...models.FundingRate) float64 {
	best := -1.0
	now := time.Now().UTC()
	for _, fr := range rates {
		if fr.NextFundingTime.IsZero() {
			continue
		}
		h := fr.NextFundingTime.Sub(now).Hours()
		if h >= 0 && (best < 0 || h < best) {
			best = h
		}
	}
	return best
}

// volatility is the relative stddev of the last day of rate observations,
// negative when no usable history exists. Cached per ticker per cycle.
func (d *Detector) volatility(ctx context.Context, ticker string, volCache map[string]float64) float64 {
	if v, ok := volCache[ticker]; ok {
		return v
	}
	v := -1.0
	defer func() { volCache[ticker] = v }()

	history, err := d.store.Funding.ListRateHistory(ctx, ticker, time.Now().UTC().Add(-24*time.Hour))
	if err != nil || len(history) < 3 {
		return v
	}
	var sum, sumSq float64
	for _, fr := range history {
		r, _ := fr.Rate.Float64()
		sum += r
		sumSq += r * r
	}
	n := float64(len(history))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 || mean == 0 {
		return v
	}
	v = math.Sqrt(variance) / math.Abs(mean)
	return v
}

func (d *Detector) create(ctx context.Context, sp models.Spread,
	snapshot models.UnifiedFundingSnapshot, breakdown models.UOSBreakdown, size decimal.Decimal) {

	opp := models.NewOpportunity(sp)
	applyScore(opp, sp, snapshot, breakdown, size)
	if err := opp.SetStatus(models.OppScored, ""); err != nil {
		log.Error().Err(err).Msg("failed to mark opportunity scored")
		return
	}
	if err := d.store.Opportunities.Upsert(ctx, opp); err != nil {
		log.Error().Err(err).Str("opportunity", opp.ID).Msg("failed to persist opportunity")
		return
	}

	d.mu.Lock()
	d.opps[opp.ID] = opp
	d.identity[opp.IdentityKey()] = opp.ID
	d.mu.Unlock()

	d.metrics.OpportunitiesDetected.Inc()
	d.publishOpp(ctx, models.TopicOpportunityDetected, opp, "")
	d.recordActivity(ctx, opp, "detected",
		opp.Symbol+" funding spread "+opp.FundingSpreadPct.StringFixed(4)+
			"% between "+opp.LongLeg.Exchange+" and "+opp.ShortLeg.Exchange)
	log.Info().Str("opportunity", opp.ID).Str("symbol", opp.Symbol).
		Float64("uos", opp.UOSScore).Msg("opportunity detected")

	d.maybeAutoExecute(ctx, opp)
}

func (d *Detector) update(ctx context.Context, opp *models.Opportunity, sp models.Spread,
	snapshot models.UnifiedFundingSnapshot, breakdown models.UOSBreakdown, size decimal.Decimal) {

	d.mu.Lock()
	applyScore(opp, sp, snapshot, breakdown, size)
	opp.Refresh(time.Now().UTC())
	snapshotCopy := *opp
	d.mu.Unlock()

	if err := d.store.Opportunities.Upsert(ctx, &snapshotCopy); err != nil {
		log.Error().Err(err).Str("opportunity", opp.ID).Msg("failed to persist opportunity update")
		return
	}
	d.publishOpp(ctx, models.TopicOpportunityUpdated, &snapshotCopy, "")
	d.maybeAutoExecute(ctx, &snapshotCopy)
}

// applyScore stamps the mutable scoring fields from a fresh evaluation.
func applyScore(opp *models.Opportunity, sp models.Spread,
	snapshot models.UnifiedFundingSnapshot, breakdown models.UOSBreakdown, size decimal.Decimal) {

	opp.LongLeg.Rate = sp.LongRate
	opp.ShortLeg.Rate = sp.ShortRate
	opp.FundingSpread = sp.Spread
	opp.FundingSpreadPct = sp.SpreadPct
	opp.EstimatedNetAPR = sp.AnnualizedAPR
	opp.UOSBreakdown = breakdown
	opp.UOSScore = breakdown.Total()
	opp.RecommendedSizeUSD = size
	opp.DataSource = models.SourceExchangeAPI

	if byExchange, ok := snapshot.Rates[sp.Symbol]; ok {
		if fr, ok := byExchange[sp.LongExchange]; ok {
			opp.LongLeg.FundingIntervalHrs = fr.FundingIntervalHrs
			if fr.Source == models.SourceReference {
				opp.DataSource = models.SourceReference
			}
		}
		if fr, ok := byExchange[sp.ShortExchange]; ok {
			opp.ShortLeg.FundingIntervalHrs = fr.FundingIntervalHrs
			if fr.Source == models.SourceReference {
				opp.DataSource = models.SourceReference
			}
		}
	}
}

// maybeAutoExecute applies the auto-execution gate and publishes an
// execution request when every switch is on.
func (d *Detector) maybeAutoExecute(ctx context.Context, opp *models.Opportunity) {
	d.mu.Lock()
	params := d.params
	_, alreadyRequested := d.requested[opp.ID]
	d.mu.Unlock()

	if alreadyRequested || opp.UOSScore < params.MinUOSAutoExecute {
		return
	}
	if !params.AutoExecute || params.Mode == models.ModeDiscovery {
		return
	}
	if !d.gates.running() {
		return
	}
	if d.gates.breakerActive() {
		d.recordActivity(ctx, opp, "opportunity_not_executed", "Circuit breaker active")
		log.Warn().Str("opportunity", opp.ID).Msg("auto-execute blocked, circuit breaker active")
		return
	}

	d.mu.Lock()
	d.requested[opp.ID] = struct{}{}
	d.mu.Unlock()

	d.bus.Publish(ctx, models.TopicExecutionRequest, models.ExecutionRequest{
		OpportunityID:   opp.ID,
		Symbol:          opp.Symbol,
		PositionSizeUSD: opp.RecommendedSizeUSD,
		LongExchange:    opp.LongLeg.Exchange,
		ShortExchange:   opp.ShortLeg.Exchange,
		UOSScore:        opp.UOSScore,
		AutoExecuted:    true,
		Timestamp:       time.Now().UTC(),
	})
	d.recordActivity(ctx, opp, "auto_execute_requested",
		opp.Symbol+" scored "+opp.UOSBreakdown.Quality()+", requesting execution")
	log.Info().Str("opportunity", opp.ID).Float64("uos", opp.UOSScore).
		Msg("auto-execute requested")
}

// Cleanup expires opportunities past their TTL and drops terminal entries
// from the in-memory maps.
func (d *Detector) Cleanup(ctx context.Context) {
	now := time.Now().UTC()
	d.mu.Lock()
	var expired []*models.Opportunity
	for id, opp := range d.opps {
		if opp.Status.IsTerminal() {
			delete(d.opps, id)
			delete(d.identity, opp.IdentityKey())
			delete(d.requested, id)
			continue
		}
		if opp.IsExpired(now) && opp.Status != models.OppExecuting && opp.Status != models.OppExecuted {
			expired = append(expired, opp)
		}
	}
	d.mu.Unlock()

	for _, opp := range expired {
		d.expire(ctx, opp, "ttl_expired")
	}
}

func (d *Detector) expire(ctx context.Context, opp *models.Opportunity, reason string) {
	updated, err := d.store.Opportunities.SetStatus(ctx, opp.ID,
		[]models.OpportunityStatus{models.OppDetected, models.OppValidated, models.OppScored, models.OppAllocated},
		models.OppExpired, reason)
	if err != nil {
		log.Error().Err(err).Str("opportunity", opp.ID).Msg("failed to expire opportunity")
		return
	}
	if !updated {
		return // already moved on by another component
	}

	d.mu.Lock()
	opp.Status = models.OppExpired
	opp.StatusReason = reason
	delete(d.opps, opp.ID)
	delete(d.identity, opp.IdentityKey())
	delete(d.requested, opp.ID)
	d.mu.Unlock()

	d.metrics.OpportunitiesExpired.WithLabelValues(reason).Inc()
	d.publishOpp(ctx, models.TopicOpportunityExpired, opp, reason)
	log.Debug().Str("opportunity", opp.ID).Str("reason", reason).Msg("opportunity expired")
}

func (d *Detector) onPositionOpened(ctx context.Context, payload []byte) {
	var ev models.PositionEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.OpportunityID == "" {
		return
	}
	if _, err := d.store.Opportunities.SetStatus(ctx, ev.OpportunityID,
		[]models.OpportunityStatus{models.OppExecuting}, models.OppExecuted, "position_opened"); err != nil {
		log.Error().Err(err).Str("opportunity", ev.OpportunityID).Msg("failed to mark opportunity executed")
	}
	d.mu.Lock()
	if opp, ok := d.opps[ev.OpportunityID]; ok {
		opp.Status = models.OppExecuted
		opp.StatusReason = "position_opened"
	}
	d.mu.Unlock()
}

func (d *Detector) onBlacklistChanged(ctx context.Context, payload []byte) {
	var ev models.BlacklistEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Symbol == "" {
		return
	}
	d.mu.Lock()
	if ev.Added {
		d.blacklist[ev.Symbol] = struct{}{}
	} else {
		delete(d.blacklist, ev.Symbol)
	}
	var toExpire []*models.Opportunity
	if ev.Added {
		for _, opp := range d.opps {
			if opp.Symbol == ev.Symbol && !opp.Status.IsTerminal() {
				toExpire = append(toExpire, opp)
			}
		}
	}
	d.mu.Unlock()

	for _, opp := range toExpire {
		d.expire(ctx, opp, "blacklisted")
	}
}

// Opportunities returns a copy of the active in-memory set.
func (d *Detector) Opportunities() []models.Opportunity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Opportunity, 0, len(d.opps))
	for _, opp := range d.opps {
		out = append(out, *opp)
	}
	return out
}

func (d *Detector) recordActivity(ctx context.Context, opp *models.Opportunity, decision, narrative string) {
	if d.store.Audit == nil {
		return
	}
	err := d.store.Audit.InsertActivity(ctx, &models.ActivityEvent{
		Category:  "detector",
		EntityID:  opp.ID,
		Worker:    "detector",
		Decision:  decision,
		Narrative: narrative,
		Metrics: map[string]any{
			"uos_score":  opp.UOSScore,
			"spread_pct": opp.FundingSpreadPct.String(),
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to record detector activity")
	}
}

func (d *Detector) publishOpp(ctx context.Context, topic string, opp *models.Opportunity, reason string) {
	d.bus.Publish(ctx, topic, models.OpportunityEvent{
		OpportunityID: opp.ID,
		Symbol:        opp.Symbol,
		LongExchange:  opp.LongLeg.Exchange,
		ShortExchange: opp.ShortLeg.Exchange,
		UOSScore:      opp.UOSScore,
		SpreadPct:     opp.FundingSpreadPct,
		Status:        string(opp.Status),
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	})
}
