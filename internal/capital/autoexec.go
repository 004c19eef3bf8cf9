package capital

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

// onExecutionRequest gates an execution request through capital and risk:
// skip if the coin is already active or the cap is reached, reserve funds,
// validate the trade, then forward to the executor. The reservation is
// confirmed when the position opens and released on timeout.
func (a *Allocator) onExecutionRequest(ctx context.Context, payload []byte) {
	var req models.ExecutionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warn().Err(err).Msg("malformed execution request")
		return
	}

	active, err := a.store.Positions.ActiveSymbols(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active symbols")
		return
	}
	for _, symbol := range active {
		if symbol == req.Symbol {
			a.recordActivity(ctx, req.OpportunityID, "skipped_symbol_active",
				req.Symbol+" already has an active position", nil)
			return
		}
	}

	params, err := a.store.Config.GetStrategy(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load strategy parameters")
		return
	}
	if params.MaxConcurrentCoins > 0 && len(active) >= params.MaxConcurrentCoins {
		a.recordActivity(ctx, req.OpportunityID, "skipped_at_coin_cap",
			req.Symbol+" skipped, concurrent coin cap reached",
			map[string]any{"active_coins": len(active), "cap": params.MaxConcurrentCoins})
		return
	}

	amount := req.PositionSizeUSD
	if amount.LessThanOrEqual(decimal.Zero) {
		amount = params.MaxPositionSizeUSD
	}
	alloc, err := a.Reserve(ctx, req.OpportunityID, req.Symbol, req.LongExchange, amount)
	if err != nil {
		a.recordActivity(ctx, req.OpportunityID, "reservation_denied",
			req.Symbol+" reservation denied: "+err.Error(),
			map[string]any{"amount_usd": amount.String()})
		return
	}

	if a.validator != nil {
		verdict, err := a.validator.ValidateTrade(ctx, req.OpportunityID, amount,
			req.LongExchange, req.ShortExchange)
		if err != nil || !verdict.Accepted {
			if relErr := a.Release(ctx, alloc.ID); relErr != nil {
				log.Error().Err(relErr).Str("allocation", alloc.ID).Msg("release after risk rejection failed")
			}
			rejections := []string{}
			if verdict != nil {
				rejections = verdict.Rejections
			}
			a.recordActivity(ctx, req.OpportunityID, "risk_rejected",
				req.Symbol+" rejected by pre-trade risk checks",
				map[string]any{"rejections": rejections})
			return
		}
	}

	a.mu.Lock()
	a.pending[req.OpportunityID] = pendingConfirm{
		allocationID: alloc.ID,
		deadline:     time.Now().UTC().Add(a.cfg.ConfirmTimeout),
	}
	a.mu.Unlock()

	a.bus.Publish(ctx, models.TopicExecutionApproved, req)
	a.recordActivity(ctx, req.OpportunityID, "execution_approved",
		req.Symbol+" reserved and approved for execution",
		map[string]any{"allocation_id": alloc.ID, "amount_usd": amount.String()})
}

// onPositionOpened confirms the reservation made for the opportunity.
func (a *Allocator) onPositionOpened(ctx context.Context, payload []byte) {
	var event models.PositionEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Warn().Err(err).Msg("malformed position event")
		return
	}

	a.mu.Lock()
	pc, ok := a.pending[event.OpportunityID]
	if ok {
		delete(a.pending, event.OpportunityID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	if err := a.Confirm(ctx, pc.allocationID, event.PositionID); err != nil {
		log.Error().Err(err).Str("allocation", pc.allocationID).Msg("confirm failed")
	}
}

// onPositionClosed releases the deployed allocation backing the position.
func (a *Allocator) onPositionClosed(ctx context.Context, payload []byte) {
	var event models.PositionEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Warn().Err(err).Msg("malformed position event")
		return
	}

	a.mu.Lock()
	var allocationID string
	for id, alloc := range a.allocations {
		if alloc.PositionID == event.PositionID && alloc.Status == models.AllocDeployed {
			allocationID = id
			break
		}
	}
	a.mu.Unlock()
	if allocationID == "" {
		return
	}

	if err := a.Release(ctx, allocationID); err != nil {
		log.Error().Err(err).Str("allocation", allocationID).Msg("release on close failed")
	}
}

// expireConfirms releases reservations whose position never opened.
func (a *Allocator) expireConfirms(ctx context.Context, now time.Time) {
	a.mu.Lock()
	var timedOut []pendingConfirm
	for oppID, pc := range a.pending {
		if now.After(pc.deadline) {
			timedOut = append(timedOut, pc)
			delete(a.pending, oppID)
		}
	}
	a.mu.Unlock()

	for _, pc := range timedOut {
		if err := a.Release(ctx, pc.allocationID); err != nil {
			log.Warn().Err(err).Str("allocation", pc.allocationID).Msg("timeout release failed")
			continue
		}
		a.recordActivity(ctx, pc.allocationID, "confirm_timeout",
			"reservation released, position never opened", nil)
	}
}
