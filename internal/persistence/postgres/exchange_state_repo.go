package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
)

type exchangeStateRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExchangeStateRepo creates the PostgreSQL mirror-state repository.
func NewExchangeStateRepo(db *sqlx.DB, timeout time.Duration) persistence.ExchangeStateRepo {
	return &exchangeStateRepo{db: db, timeout: timeout}
}

func (r *exchangeStateRepo) UpsertPositions(ctx context.Context, positions []models.ExchangePosition) error {
	if len(positions) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions.exchange_positions (
			exchange, symbol, side, size, notional_usd, entry_price, mark_price,
			unrealized_pnl, leverage, liquidation_price, margin_mode, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (exchange, symbol) DO UPDATE SET
			side = EXCLUDED.side,
			size = EXCLUDED.size,
			notional_usd = EXCLUDED.notional_usd,
			entry_price = EXCLUDED.entry_price,
			mark_price = EXCLUDED.mark_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			leverage = EXCLUDED.leverage,
			liquidation_price = EXCLUDED.liquidation_price,
			margin_mode = EXCLUDED.margin_mode,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		_, err = stmt.ExecContext(ctx,
			p.Exchange, p.Symbol, p.Side, p.Size, p.NotionalUSD, p.EntryPrice,
			p.MarkPrice, p.UnrealizedPnL, p.Leverage, p.LiquidationPrice,
			p.MarginMode, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert exchange position %s/%s: %w", p.Exchange, p.Symbol, err)
		}
	}
	return tx.Commit()
}

func (r *exchangeStateRepo) DeleteMissing(ctx context.Context, exchange string, keepSymbols []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		DELETE FROM positions.exchange_positions
		WHERE exchange = $1 AND NOT (symbol = ANY($2))`,
		exchange, pq.StringArray(keepSymbols))
	if err != nil {
		return fmt.Errorf("failed to prune exchange positions for %s: %w", exchange, err)
	}
	return nil
}

func (r *exchangeStateRepo) ListPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.ExchangePosition
	err := r.db.SelectContext(ctx, &out, `
		SELECT exchange, symbol, side, size, notional_usd, entry_price,
			mark_price, unrealized_pnl, leverage, liquidation_price,
			margin_mode, updated_at
		FROM positions.exchange_positions
		ORDER BY exchange, symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchange positions: %w", err)
	}
	return out, nil
}

func (r *exchangeStateRepo) UpsertOrders(ctx context.Context, orders []models.ExchangeOrder) error {
	if len(orders) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions.exchange_orders (
			exchange, exchange_order_id, symbol, side, order_type, quantity,
			price, status, reduce_only, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (exchange, exchange_order_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			price = EXCLUDED.price,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range orders {
		_, err = stmt.ExecContext(ctx,
			o.Exchange, o.ExchangeOrderID, o.Symbol, o.Side, o.OrderType,
			o.Quantity, o.Price, o.Status, o.ReduceOnly, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert exchange order %s/%s: %w", o.Exchange, o.ExchangeOrderID, err)
		}
	}
	return tx.Commit()
}
