package position

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

// Difference kinds found by reconciliation.
const (
	DiffOrphanOnExchange  = "orphan_on_exchange"
	DiffMissingOnExchange = "missing_on_exchange"
	DiffSizeMismatch      = "size_mismatch"
	DiffPriceMismatch     = "price_mismatch"
	DiffStateMismatch     = "state_mismatch"
)

// criticalSizeMismatchPct is the relative size difference beyond which the
// DB is not silently corrected.
const criticalSizeMismatchPct = 50

// Difference is one tracked-vs-venue discrepancy.
type Difference struct {
	Kind     string `json:"kind"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Detail   string `json:"detail"`
	Resolved bool   `json:"resolved"`
	Action   string `json:"action,omitempty"`
}

// Report summarizes one reconciliation run. It is cached under the
// well-known key so the API can serve the latest run.
type Report struct {
	RanAt          time.Time    `json:"ran_at"`
	Checked        int          `json:"checked"`
	Found          int          `json:"found"`
	Resolved       int          `json:"resolved"`
	RequiresReview int          `json:"requires_review"`
	Differences    []Difference `json:"differences,omitempty"`
}

// Reconcile compares tracked positions against the exchange mirror and
// resolves or flags every difference.
func (m *Manager) Reconcile(ctx context.Context) (*Report, error) {
	mirror, err := m.store.ExchangeState.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchange mirror: %w", err)
	}
	active, err := m.store.Positions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active positions: %w", err)
	}

	mirrorByKey := make(map[string]models.ExchangePosition, len(mirror))
	for _, p := range mirror {
		mirrorByKey[p.Exchange+":"+p.Symbol] = p
	}

	report := &Report{RanAt: time.Now().UTC()}
	seen := make(map[string]struct{})

	for i := range active {
		pos := &active[i]
		missing := 0
		for j := range pos.Legs {
			leg := &pos.Legs[j]
			report.Checked++
			key := leg.Exchange + ":" + leg.Symbol
			seen[key] = struct{}{}

			venue, ok := mirrorByKey[key]
			if !ok {
				missing++
				continue
			}
			m.checkLeg(ctx, report, pos, leg, venue)
		}
		if missing == len(pos.Legs) && len(pos.Legs) > 0 {
			m.resolveMissing(ctx, report, pos)
		} else if missing > 0 {
			report.add(Difference{
				Kind:     DiffStateMismatch,
				Exchange: pos.Legs[0].Exchange,
				Symbol:   pos.Symbol,
				Detail:   "one leg present on its venue, the other missing",
			})
			m.metrics.ReconcileActions.WithLabelValues(DiffStateMismatch).Inc()
		}
	}

	for key, venue := range mirrorByKey {
		if _, ok := seen[key]; ok {
			continue
		}
		if venue.NotionalUSD.Abs().LessThan(dustNotionalUSD) {
			continue
		}
		diff := Difference{
			Kind:     DiffOrphanOnExchange,
			Exchange: venue.Exchange,
			Symbol:   venue.Symbol,
			Detail:   fmt.Sprintf("untracked %s position, notional %s", venue.Side, venue.NotionalUSD.StringFixed(2)),
		}
		if m.cfg.AutoAdoptOrphans {
			diff.Resolved = true
			diff.Action = "queued_for_adoption"
		}
		report.add(diff)
		m.metrics.ReconcileActions.WithLabelValues(DiffOrphanOnExchange).Inc()
	}

	if err := m.cache.Set(ctx, models.CacheKeyReconciliationReport, report, time.Hour); err != nil {
		log.Warn().Err(err).Msg("failed to cache reconciliation report")
	}
	if report.RequiresReview > 0 {
		m.bus.Publish(ctx, models.TopicReconciliationAlert, map[string]any{
			"component":       "position_manager",
			"requires_review": report.RequiresReview,
			"found":           report.Found,
			"timestamp":       report.RanAt,
		})
	}
	log.Info().Int("checked", report.Checked).Int("found", report.Found).
		Int("resolved", report.Resolved).Int("requires_review", report.RequiresReview).
		Msg("position reconciliation complete")
	return report, nil
}

// checkLeg compares one tracked leg against the venue's view.
func (m *Manager) checkLeg(ctx context.Context, report *Report,
	pos *models.Position, leg *models.Leg, venue models.ExchangePosition) {

	if leg.Side != venue.Side {
		report.add(Difference{
			Kind:     DiffStateMismatch,
			Exchange: leg.Exchange,
			Symbol:   leg.Symbol,
			Detail:   fmt.Sprintf("tracked %s but venue reports %s", leg.Side, venue.Side),
		})
		m.metrics.ReconcileActions.WithLabelValues(DiffStateMismatch).Inc()
		return
	}

	if pct := relativeDiffPct(leg.Quantity, venue.Size.Abs()); pct > m.cfg.SizeTolerancePct {
		diff := Difference{
			Kind:     DiffSizeMismatch,
			Exchange: leg.Exchange,
			Symbol:   leg.Symbol,
			Detail:   fmt.Sprintf("tracked %s vs venue %s (%.1f%%)", leg.Quantity, venue.Size.Abs(), pct),
		}
		if pct <= criticalSizeMismatchPct {
			leg.Quantity = venue.Size.Abs()
			leg.NotionalUSD = venue.NotionalUSD.Abs()
			if err := m.store.Positions.UpdateLeg(ctx, leg); err != nil {
				log.Error().Err(err).Str("position", pos.ID).Msg("failed to correct leg size")
			} else {
				diff.Resolved = true
				diff.Action = "size_corrected_from_exchange"
			}
		}
		report.add(diff)
		m.metrics.ReconcileActions.WithLabelValues(DiffSizeMismatch).Inc()
	}

	if !leg.EntryPrice.IsZero() && !venue.EntryPrice.IsZero() {
		if pct := relativeDiffPct(leg.EntryPrice, venue.EntryPrice); pct > m.cfg.PriceTolerancePct {
			report.add(Difference{
				Kind:     DiffPriceMismatch,
				Exchange: leg.Exchange,
				Symbol:   leg.Symbol,
				Detail:   fmt.Sprintf("entry %s vs venue %s (%.1f%%)", leg.EntryPrice, venue.EntryPrice, pct),
			})
			m.metrics.ReconcileActions.WithLabelValues(DiffPriceMismatch).Inc()
		}
	}
}

// resolveMissing closes a tracked position whose legs no longer exist on any
// venue.
func (m *Manager) resolveMissing(ctx context.Context, report *Report, pos *models.Position) {
	diff := Difference{
		Kind:   DiffMissingOnExchange,
		Symbol: pos.Symbol,
		Detail: "active in DB, no legs present on venues",
	}
	pos.ExitReason = "missing_on_exchange"
	if err := pos.SetStatus(models.PosClosed); err == nil {
		if err := m.store.Positions.Close(ctx, pos); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("failed to close missing position")
		} else {
			diff.Resolved = true
			diff.Action = "closed_in_db"
			m.metrics.PositionsClosed.WithLabelValues("missing_on_exchange").Inc()
		}
	}
	report.add(diff)
	m.metrics.ReconcileActions.WithLabelValues(DiffMissingOnExchange).Inc()
}

func (r *Report) add(d Difference) {
	r.Found++
	if d.Resolved {
		r.Resolved++
	} else {
		r.RequiresReview++
	}
	r.Differences = append(r.Differences, d)
}

// relativeDiffPct is |a-b| / max(|a|,|b|) in percent, 0 when both are zero.
func relativeDiffPct(a, b decimal.Decimal) float64 {
	base := decimal.Max(a.Abs(), b.Abs())
	if base.IsZero() {
		return 0
	}
	pct, _ := a.Sub(b).Abs().Div(base).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
