package capital

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perparb/perparb/internal/models"
)

// Weakness score weights, in decreasing order of importance: realized
// funding losses, unrealized losses, long holds with poor returns, and a
// funding run-rate below target.
const (
	weightNegativeFunding    = 3
	weightNegativeUnrealized = 2
	weightStaleHold          = 1.5
	weightLowRunRate         = 1
)

// EnforceCoinCap closes the weakest positions when more distinct symbols
// are active than max_concurrent_coins allows.
func (a *Allocator) EnforceCoinCap(ctx context.Context) {
	active, err := a.store.Positions.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active positions")
		return
	}
	params, err := a.store.Config.GetStrategy(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load strategy parameters")
		return
	}

	symbols := make(map[string]struct{})
	for _, pos := range active {
		symbols[pos.Symbol] = struct{}{}
	}
	a.metrics.ActiveCoins.Set(float64(len(symbols)))

	if params.MaxConcurrentCoins <= 0 || len(symbols) <= params.MaxConcurrentCoins {
		return
	}
	over := len(symbols) - params.MaxConcurrentCoins

	// The excess is denominated in symbols, so whole symbols unwind: a
	// symbol carrying two positions frees its slot only when both close.
	now := time.Now().UTC()
	type ranked struct {
		symbol    string
		weakness  float64
		positions []*models.Position
	}
	groups := make(map[string]*ranked, len(symbols))
	for i := range active {
		pos := &active[i]
		g, ok := groups[pos.Symbol]
		if !ok {
			g = &ranked{symbol: pos.Symbol}
			groups[pos.Symbol] = g
		}
		g.weakness += weaknessScore(pos, params, now)
		g.positions = append(g.positions, pos)
	}
	order := make([]*ranked, 0, len(groups))
	for _, g := range groups {
		order = append(order, g)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].weakness != order[j].weakness {
			return order[i].weakness > order[j].weakness
		}
		return order[i].symbol < order[j].symbol
	})

	if a.unwinder == nil {
		log.Warn().Int("over", over).Msg("coin cap exceeded but no unwinder configured")
		return
	}

	freed := 0
	for _, g := range order {
		if freed >= over {
			break
		}
		allClosed := true
		for _, pos := range g.positions {
			if err := a.unwinder.ClosePosition(ctx, pos, "auto_unwind"); err != nil {
				log.Error().Err(err).Str("position", pos.ID).Msg("auto unwind failed")
				allClosed = false
				continue
			}
			a.metrics.AutoUnwinds.Inc()
			a.recordActivity(ctx, pos.ID, "auto_unwind",
				pos.Symbol+" closed to enforce concurrent coin cap",
				map[string]any{"weakness_score": g.weakness, "active_coins": len(symbols),
					"cap": params.MaxConcurrentCoins})
		}
		if allClosed {
			freed++
		}
	}
}

// weaknessScore ranks a position for unwinding: higher is weaker.
func weaknessScore(pos *models.Position, params *models.StrategyParameters, now time.Time) float64 {
	score := 0.0

	if nf := pos.NetFundingPnL(); nf.IsNegative() {
		loss, _ := nf.Abs().Float64()
		score += weightNegativeFunding * loss
	}

	unrealized := 0.0
	for _, leg := range pos.Legs {
		u, _ := leg.UnrealizedPnL.Float64()
		unrealized += u
	}
	if unrealized < 0 {
		score += weightNegativeUnrealized * -unrealized
	}

	ret, _ := pos.ReturnPct().Float64()
	score += weightStaleHold * pos.HoursOpen(now) * math.Max(0, -ret)

	if pos.FundingPeriodsCollected > 0 {
		primaryNotional := 0.0
		for _, leg := range pos.Legs {
			if leg.LegType == models.LegPrimary {
				primaryNotional, _ = leg.NotionalUSD.Float64()
			}
		}
		target, _ := params.TargetFundingRateMin.Float64()
		floor := target * primaryNotional
		if floor > 0 {
			avg, _ := pos.NetFundingPnL().Float64()
			avg /= float64(pos.FundingPeriodsCollected)
			score += weightLowRunRate * math.Max(0, 1-avg/floor)
		}
	}
	return score
}
