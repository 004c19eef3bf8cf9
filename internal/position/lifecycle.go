package position

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/exchange"
	"github.com/perparb/perparb/internal/models"
)

// Exit reasons stamped on closed positions.
const (
	ExitCriticalHealth        = "critical_health"
	ExitFundingBelowThreshold = "funding_below_threshold"
	ExitStopLoss              = "stop_loss"
	ExitTakeProfit            = "take_profit"
	ExitMaxHoldTime           = "max_hold_time"
	ExitManual                = "manual"
	ExitAutoUnwind            = "auto_unwind"
)

// minPeriodsForFundingExit is how many settlements must pass before the
// funding-below-threshold rule can fire.
const minPeriodsForFundingExit = 3

// evaluatePositions refreshes marks from the mirror, accrues funding, grades
// health, and closes positions whose exit conditions fire.
func (m *Manager) evaluatePositions(ctx context.Context) {
	active, err := m.store.Positions.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active positions")
		return
	}
	if len(active) == 0 {
		m.metrics.PositionsOpen.Set(0)
		return
	}
	m.metrics.PositionsOpen.Set(float64(len(active)))

	params, err := m.store.Config.GetStrategy(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load strategy parameters")
		return
	}
	mirror, err := m.store.ExchangeState.ListPositions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list exchange mirror")
		return
	}
	mirrorByKey := make(map[string]models.ExchangePosition, len(mirror))
	for _, p := range mirror {
		mirrorByKey[p.Exchange+":"+p.Symbol] = p
	}

	var snapshot models.UnifiedFundingSnapshot
	if _, _, err := m.cache.Get(ctx, models.CacheKeySnapshot, &snapshot); err != nil {
		log.Debug().Err(err).Msg("no funding snapshot for accrual")
	}

	for i := range active {
		pos := &active[i]
		m.refreshMarks(ctx, pos, mirrorByKey)
		m.accrueFunding(ctx, pos, snapshot)
		m.gradeHealth(ctx, pos)

		if reason := m.exitReason(pos, params); reason != "" {
			if err := m.ClosePosition(ctx, pos, reason); err != nil {
				log.Error().Err(err).Str("position", pos.ID).Str("reason", reason).
					Msg("exit close failed")
			}
		}
	}
}

// refreshMarks pulls current price and unrealized pnl from the mirror into
// the legs.
func (m *Manager) refreshMarks(ctx context.Context, pos *models.Position, mirror map[string]models.ExchangePosition) {
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		venue, ok := mirror[leg.Exchange+":"+leg.Symbol]
		if !ok {
			continue
		}
		changed := !leg.CurrentPrice.Equal(venue.MarkPrice) || !leg.UnrealizedPnL.Equal(venue.UnrealizedPnL)
		leg.CurrentPrice = venue.MarkPrice
		leg.UnrealizedPnL = venue.UnrealizedPnL
		if !venue.LiquidationPrice.IsZero() {
			leg.LiquidationPrice = venue.LiquidationPrice
		}
		if changed {
			if err := m.store.Positions.UpdateLeg(ctx, leg); err != nil {
				log.Warn().Err(err).Str("position", pos.ID).Msg("failed to update leg marks")
			}
		}
	}
}

// accrueFunding records settlements that have elapsed since the last accrual.
// Each period, the long leg pays its venue's rate and the short leg receives
// its venue's rate (signs flip with negative rates).
func (m *Manager) accrueFunding(ctx context.Context, pos *models.Position, snapshot models.UnifiedFundingSnapshot) {
	byExchange := snapshot.Rates[pos.Symbol]
	if byExchange == nil {
		return
	}

	interval := 8
	for _, leg := range pos.Legs {
		if fr, ok := byExchange[leg.Exchange]; ok && fr.FundingIntervalHrs > 0 && fr.FundingIntervalHrs < interval {
			interval = fr.FundingIntervalHrs
		}
	}
	expected := int(pos.HoursOpen(time.Now().UTC())) / interval
	if expected <= pos.FundingPeriodsCollected {
		return
	}
	newPeriods := expected - pos.FundingPeriodsCollected

	for i := range pos.Legs {
		leg := &pos.Legs[i]
		fr, ok := byExchange[leg.Exchange]
		if !ok {
			continue
		}
		// longs pay the rate, shorts collect it
		amount := fr.Rate.Mul(leg.NotionalUSD).Mul(leg.Side.Multiplier()).Neg()
		for p := 0; p < newPeriods; p++ {
			payment := &models.FundingPayment{
				PositionID:  pos.ID,
				LegID:       leg.ID,
				Exchange:    leg.Exchange,
				Symbol:      leg.Symbol,
				FundingRate: fr.Rate,
				Amount:      amount,
				PaidAt:      time.Now().UTC(),
			}
			if err := m.store.Funding.InsertFundingPayment(ctx, payment); err != nil {
				log.Warn().Err(err).Str("position", pos.ID).Msg("failed to record funding payment")
				continue
			}
			if amount.IsPositive() {
				pos.FundingReceived = pos.FundingReceived.Add(amount)
			} else {
				pos.FundingPaid = pos.FundingPaid.Add(amount.Neg())
			}
			leg.FundingPnL = leg.FundingPnL.Add(amount)
		}
	}

	pos.FundingPeriodsCollected = expected
	if err := m.store.Positions.Update(ctx, pos); err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("failed to persist funding accrual")
	}
}

// gradeHealth applies the worst-case-wins mapping over delta exposure,
// margin utilization, and liquidation distance.
func (m *Manager) gradeHealth(ctx context.Context, pos *models.Position) {
	health := EvaluateHealth(pos)
	if health == pos.HealthStatus {
		return
	}
	prev := pos.HealthStatus
	pos.HealthStatus = health
	if err := m.store.Positions.Update(ctx, pos); err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("failed to update health status")
		return
	}
	log.Info().Str("position", pos.ID).Str("from", string(prev)).
		Str("to", string(health)).Msg("position health changed")
	if health == models.HealthCritical {
		m.recordActivity(ctx, pos.ID, "health_critical",
			pos.Symbol+" position degraded to critical", map[string]any{
				"delta_pct": pos.DeltaExposurePct().String(),
			})
	}
}

// EvaluateHealth grades a position: any one dimension at its worst band wins.
func EvaluateHealth(pos *models.Position) models.HealthStatus {
	delta, _ := pos.DeltaExposurePct().Float64()

	margin := 0.0
	liqDist := -1.0
	for _, leg := range pos.Legs {
		if mu, _ := leg.MarginUtilization.Float64(); mu > margin {
			margin = mu
		}
		if dist, ok := leg.LiquidationDistancePct(); ok {
			d, _ := dist.Float64()
			if liqDist < 0 || d < liqDist {
				liqDist = d
			}
		}
	}

	switch {
	case delta > 5 || margin > 85 || (liqDist >= 0 && liqDist < 10):
		return models.HealthCritical
	case delta > 3 || margin > 70 || (liqDist >= 0 && liqDist < 20):
		return models.HealthWarning
	case delta > 1 || margin > 50 || (liqDist >= 0 && liqDist < 30):
		return models.HealthAttention
	}
	return models.HealthHealthy
}

// exitReason returns the first exit rule that fires for the position, or
// empty when it should stay open.
func (m *Manager) exitReason(pos *models.Position, params *models.StrategyParameters) string {
	if pos.HealthStatus == models.HealthCritical {
		return ExitCriticalHealth
	}

	if pos.FundingPeriodsCollected >= minPeriodsForFundingExit {
		periods := decimal.NewFromInt(int64(pos.FundingPeriodsCollected))
		avgPerPeriod := pos.NetFundingPnL().Div(periods)
		primaryNotional := decimal.Zero
		for _, leg := range pos.Legs {
			if leg.LegType == models.LegPrimary {
				primaryNotional = leg.NotionalUSD
			}
		}
		if !primaryNotional.IsZero() {
			floor := params.TargetFundingRateMin.Mul(primaryNotional)
			if avgPerPeriod.LessThan(floor) {
				return ExitFundingBelowThreshold
			}
		}
	}

	ret := pos.ReturnPct()
	if !params.StopLossPct.IsZero() && ret.LessThan(params.StopLossPct.Neg()) {
		return ExitStopLoss
	}
	if params.TakeProfitPct.IsPositive() && ret.GreaterThan(params.TakeProfitPct) {
		return ExitTakeProfit
	}
	if params.MaxHoldPeriods > 0 && pos.FundingPeriodsCollected >= params.MaxHoldPeriods {
		return ExitMaxHoldTime
	}
	return ""
}

// ClosePosition unwinds both legs with reduce-only market orders and stamps
// the terminal state. Partial unwind failures leave the position in closing
// for the next tick to retry.
func (m *Manager) ClosePosition(ctx context.Context, pos *models.Position, reason string) error {
	if pos.Status == models.PosActive || pos.Status == models.PosEmergencyClose {
		if err := pos.SetStatus(models.PosClosing); err != nil {
			return err
		}
		if err := m.store.Positions.Update(ctx, pos); err != nil {
			return fmt.Errorf("failed to mark position closing: %w", err)
		}
	}

	venues, err := m.store.Config.ListExchanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list venues: %w", err)
	}
	cfgBySlug := make(map[string]models.ExchangeConfig, len(venues))
	for _, v := range venues {
		cfgBySlug[v.Slug] = v
	}

	for _, leg := range pos.Legs {
		cfg, ok := cfgBySlug[leg.Exchange]
		if !ok {
			return fmt.Errorf("venue %s not configured for close", leg.Exchange)
		}
		adapter, err := m.conn.Connect(ctx, cfg)
		if err != nil {
			return fmt.Errorf("close connect to %s failed: %w", leg.Exchange, err)
		}
		_, err = adapter.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     leg.Symbol,
			Side:       leg.Side.Opposite(),
			Type:       exchange.OrderMarket,
			Quantity:   leg.Quantity,
			ReduceOnly: true,
		})
		if err != nil {
			return fmt.Errorf("close order on %s failed: %w", leg.Exchange, err)
		}
	}

	pos.ExitReason = reason
	pos.RealizedPnLFunding = pos.NetFundingPnL()
	for _, leg := range pos.Legs {
		pos.RealizedPnLPrice = pos.RealizedPnLPrice.Add(leg.UnrealizedPnL)
	}
	if err := pos.SetStatus(models.PosClosed); err != nil {
		return err
	}
	if err := m.store.Positions.Close(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist close: %w", err)
	}

	m.metrics.PositionsClosed.WithLabelValues(reason).Inc()
	m.recordActivity(ctx, pos.ID, "position_closed",
		fmt.Sprintf("closed %s (%s), funding %s, price %s", pos.Symbol, reason,
			pos.RealizedPnLFunding.StringFixed(2), pos.RealizedPnLPrice.StringFixed(2)),
		map[string]any{"exit_reason": reason})

	m.bus.Publish(ctx, models.TopicPositionClosed, models.PositionEvent{
		PositionID:    pos.ID,
		OpportunityID: pos.OpportunityID,
		Symbol:        pos.Symbol,
		CapitalUSD:    pos.TotalCapitalDeployed,
		ExitReason:    reason,
		Timestamp:     time.Now().UTC(),
	})
	log.Info().Str("position", pos.ID).Str("reason", reason).Msg("position closed")
	return nil
}
