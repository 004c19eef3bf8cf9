package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/perparb/perparb/internal/persistence"
)

type analyticsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAnalyticsRepo creates the PostgreSQL analytics repository. Aggregations
// run over closed positions, so the queries get a longer timeout than the
// transactional repos.
func NewAnalyticsRepo(db *sqlx.DB, timeout time.Duration) persistence.AnalyticsRepo {
	return &analyticsRepo{db: db, timeout: timeout}
}

func (r *analyticsRepo) Daily(ctx context.Context, days int) ([]persistence.DailyAnalytics, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if days <= 0 || days > 365 {
		days = 30
	}
	var out []persistence.DailyAnalytics
	err := r.db.SelectContext(ctx, &out, `
		SELECT
			date_trunc('day', closed_at) AS day,
			COUNT(*) AS positions_closed,
			COALESCE(SUM(realized_pnl_funding), 0) AS funding_pnl,
			COALESCE(SUM(realized_pnl_price), 0) AS price_pnl,
			COALESCE(SUM(realized_pnl_funding + realized_pnl_price), 0) AS total_pnl
		FROM positions.active
		WHERE status = 'closed' AND closed_at >= now() - make_interval(days => $1)
		GROUP BY 1
		ORDER BY 1 DESC`, days)
	if err != nil {
		return nil, fmt.Errorf("failed to run daily analytics: %w", err)
	}
	return out, nil
}

func (r *analyticsRepo) Summary(ctx context.Context) (*persistence.SummaryAnalytics, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out persistence.SummaryAnalytics
	err := r.db.GetContext(ctx, &out, `
		SELECT
			COUNT(*) AS positions_total,
			COUNT(*) FILTER (WHERE status = 'active') AS positions_open,
			COALESCE(SUM(realized_pnl_funding) FILTER (WHERE status = 'closed'), 0) AS funding_pnl,
			COALESCE(SUM(realized_pnl_price) FILTER (WHERE status = 'closed'), 0) AS price_pnl,
			COALESCE(AVG(EXTRACT(EPOCH FROM (closed_at - opened_at)) / 3600.0)
				FILTER (WHERE status = 'closed'), 0) AS avg_hold_hours,
			COALESCE(100.0 * COUNT(*) FILTER (
				WHERE status = 'closed' AND realized_pnl_funding + realized_pnl_price > 0)
				/ NULLIF(COUNT(*) FILTER (WHERE status = 'closed'), 0), 0) AS win_rate_pct
		FROM positions.active`)
	if err != nil {
		return nil, fmt.Errorf("failed to run summary analytics: %w", err)
	}
	return &out, nil
}

func (r *analyticsRepo) Attribution(ctx context.Context) ([]persistence.AttributionRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []persistence.AttributionRow
	err := r.db.SelectContext(ctx, &out, `
		SELECT
			symbol,
			COUNT(*) AS positions,
			COALESCE(SUM(realized_pnl_funding), 0) AS funding_pnl,
			COALESCE(SUM(realized_pnl_price), 0) AS price_pnl
		FROM positions.active
		WHERE status = 'closed'
		GROUP BY symbol
		ORDER BY funding_pnl DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to run attribution analytics: %w", err)
	}
	return out, nil
}
