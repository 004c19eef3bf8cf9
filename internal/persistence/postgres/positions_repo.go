package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
)

type positionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPositionRepo creates the PostgreSQL position repository.
func NewPositionRepo(db *sqlx.DB, timeout time.Duration) persistence.PositionRepo {
	return &positionRepo{db: db, timeout: timeout}
}

const positionColumns = `
	id, opportunity_id, symbol, position_type, status, health_status,
	total_capital_deployed, funding_received, funding_paid, entry_costs,
	exit_costs, realized_pnl_funding, realized_pnl_price,
	funding_periods_collected, opened_at, closed_at, exit_reason`

const legColumns = `
	id, position_id, leg_type, exchange, symbol, side, quantity, entry_price,
	current_price, notional_usd, leverage, unrealized_pnl, funding_pnl,
	liquidation_price, margin_utilization, entry_order_ids, exit_order_ids`

func (r *positionRepo) CreateWithLegs(ctx context.Context, pos *models.Position, legs []models.Leg) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions.active (`+positionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		pos.ID, pos.OpportunityID, pos.Symbol, pos.PositionType, pos.Status,
		pos.HealthStatus, pos.TotalCapitalDeployed, pos.FundingReceived,
		pos.FundingPaid, pos.EntryCosts, pos.ExitCosts, pos.RealizedPnLFunding,
		pos.RealizedPnLPrice, pos.FundingPeriodsCollected, pos.OpenedAt,
		pos.ClosedAt, pos.ExitReason)
	if err != nil {
		return fmt.Errorf("failed to insert position %s: %w", pos.ID, err)
	}

	for i := range legs {
		leg := &legs[i]
		leg.PositionID = pos.ID
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO positions.legs (
				position_id, leg_type, exchange, symbol, side, quantity,
				entry_price, current_price, notional_usd, leverage,
				unrealized_pnl, funding_pnl, liquidation_price,
				margin_utilization, entry_order_ids, exit_order_ids)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			RETURNING id`,
			leg.PositionID, leg.LegType, leg.Exchange, leg.Symbol, leg.Side,
			leg.Quantity, leg.EntryPrice, leg.CurrentPrice, leg.NotionalUSD,
			leg.Leverage, leg.UnrealizedPnL, leg.FundingPnL,
			leg.LiquidationPrice, leg.MarginUtilization,
			pq.StringArray(leg.EntryOrderIDs), pq.StringArray(leg.ExitOrderIDs)).
			Scan(&leg.ID)
		if err != nil {
			return fmt.Errorf("failed to insert leg for position %s: %w", pos.ID, err)
		}
	}
	pos.Legs = legs

	// Same transaction as the position insert: a crash cannot leave a live
	// position attached to a still-executing opportunity.
	if pos.OpportunityID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE opportunities.detected
			SET status = $1, status_reason = 'position_opened', updated_at = $2
			WHERE id = $3 AND status = $4`,
			models.OppExecuted, time.Now().UTC(), pos.OpportunityID, models.OppExecuting)
		if err != nil {
			return fmt.Errorf("failed to mark opportunity %s executed: %w", pos.OpportunityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit position %s: %w", pos.ID, err)
	}
	return nil
}

func (r *positionRepo) Get(ctx context.Context, id string) (*models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+positionColumns+` FROM positions.active WHERE id = $1`, id)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", id, err)
	}
	if err := r.attachLegs(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

func (r *positionRepo) List(ctx context.Context, filter persistence.PositionFilter) ([]models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + positionColumns + ` FROM positions.active WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	query += " ORDER BY opened_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if err := r.attachLegs(ctx, &positions[i]); err != nil {
			return nil, err
		}
	}
	return positions, nil
}

func (r *positionRepo) ListActive(ctx context.Context) ([]models.Position, error) {
	return r.List(ctx, persistence.PositionFilter{Status: string(models.PosActive), Limit: 500})
}

func (r *positionRepo) Update(ctx context.Context, pos *models.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE positions.active SET
			status = $1, health_status = $2, funding_received = $3,
			funding_paid = $4, realized_pnl_funding = $5, realized_pnl_price = $6,
			funding_periods_collected = $7, exit_reason = $8, closed_at = $9
		WHERE id = $10`,
		pos.Status, pos.HealthStatus, pos.FundingReceived, pos.FundingPaid,
		pos.RealizedPnLFunding, pos.RealizedPnLPrice,
		pos.FundingPeriodsCollected, pos.ExitReason, pos.ClosedAt, pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", pos.ID, err)
	}
	return nil
}

func (r *positionRepo) UpdateLeg(ctx context.Context, leg *models.Leg) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE positions.legs SET
			quantity = $1, current_price = $2, notional_usd = $3,
			unrealized_pnl = $4, funding_pnl = $5, liquidation_price = $6,
			margin_utilization = $7, exit_order_ids = $8
		WHERE id = $9`,
		leg.Quantity, leg.CurrentPrice, leg.NotionalUSD, leg.UnrealizedPnL,
		leg.FundingPnL, leg.LiquidationPrice, leg.MarginUtilization,
		pq.StringArray(leg.ExitOrderIDs), leg.ID)
	if err != nil {
		return fmt.Errorf("failed to update leg %d: %w", leg.ID, err)
	}
	return nil
}

func (r *positionRepo) Close(ctx context.Context, pos *models.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE positions.active SET
			status = $1, health_status = $2, exit_reason = $3, closed_at = $4,
			realized_pnl_funding = $5, realized_pnl_price = $6, exit_costs = $7,
			funding_received = $8, funding_paid = $9
		WHERE id = $10`,
		pos.Status, pos.HealthStatus, pos.ExitReason, pos.ClosedAt,
		pos.RealizedPnLFunding, pos.RealizedPnLPrice, pos.ExitCosts,
		pos.FundingReceived, pos.FundingPaid, pos.ID)
	if err != nil {
		return fmt.Errorf("failed to close position %s: %w", pos.ID, err)
	}

	for _, leg := range pos.Legs {
		_, err = tx.ExecContext(ctx,
			`UPDATE positions.legs SET exit_order_ids = $1, unrealized_pnl = 0 WHERE id = $2`,
			pq.StringArray(leg.ExitOrderIDs), leg.ID)
		if err != nil {
			return fmt.Errorf("failed to stamp leg %d exit: %w", leg.ID, err)
		}
	}
	return tx.Commit()
}

func (r *positionRepo) CountActiveSymbols(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(DISTINCT symbol) FROM positions.active
		WHERE status NOT IN ('closed', 'failed', 'cancelled')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active symbols: %w", err)
	}
	return count, nil
}

func (r *positionRepo) ActiveSymbols(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var symbols []string
	err := r.db.SelectContext(ctx, &symbols, `
		SELECT DISTINCT symbol FROM positions.active
		WHERE status NOT IN ('closed', 'failed', 'cancelled')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}
	return symbols, nil
}

func (r *positionRepo) attachLegs(ctx context.Context, pos *models.Position) error {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT `+legColumns+` FROM positions.legs WHERE position_id = $1 ORDER BY id`, pos.ID)
	if err != nil {
		return fmt.Errorf("failed to load legs for %s: %w", pos.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var leg models.Leg
		var entryIDs, exitIDs pq.StringArray
		err := rows.Scan(
			&leg.ID, &leg.PositionID, &leg.LegType, &leg.Exchange, &leg.Symbol,
			&leg.Side, &leg.Quantity, &leg.EntryPrice, &leg.CurrentPrice,
			&leg.NotionalUSD, &leg.Leverage, &leg.UnrealizedPnL, &leg.FundingPnL,
			&leg.LiquidationPrice, &leg.MarginUtilization, &entryIDs, &exitIDs)
		if err != nil {
			return fmt.Errorf("failed to scan leg: %w", err)
		}
		leg.EntryOrderIDs = entryIDs
		leg.ExitOrderIDs = exitIDs
		pos.Legs = append(pos.Legs, leg)
	}
	return rows.Err()
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var pos models.Position
	var closedAt sql.NullTime
	err := row.Scan(
		&pos.ID, &pos.OpportunityID, &pos.Symbol, &pos.PositionType,
		&pos.Status, &pos.HealthStatus, &pos.TotalCapitalDeployed,
		&pos.FundingReceived, &pos.FundingPaid, &pos.EntryCosts, &pos.ExitCosts,
		&pos.RealizedPnLFunding, &pos.RealizedPnLPrice,
		&pos.FundingPeriodsCollected, &pos.OpenedAt, &closedAt, &pos.ExitReason)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		pos.ClosedAt = &closedAt.Time
	}
	return &pos, nil
}

func scanPositions(rows *sqlx.Rows) ([]models.Position, error) {
	var out []models.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}
