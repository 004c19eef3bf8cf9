package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
)

type fundingRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFundingRepo creates the PostgreSQL funding-data repository.
func NewFundingRepo(db *sqlx.DB, timeout time.Duration) persistence.FundingRepo {
	return &fundingRepo{db: db, timeout: timeout}
}

func (r *fundingRepo) InsertRates(ctx context.Context, rates []models.FundingRate) error {
	if len(rates) == 0 {
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
		INSERT INTO funding.rates (
			exchange, symbol, ticker, rate, predicted_rate, rate_annualized,
			next_funding_time, funding_interval_hours, source, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, fr := range rates {
		_, err = stmt.ExecContext(ctx,
			fr.Exchange, fr.Symbol, fr.Ticker, fr.Rate, fr.PredictedRate,
			fr.RateAnnualized, nullableTime(fr.NextFundingTime),
			fr.FundingIntervalHrs, fr.Source, fr.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert funding rate %s/%s: %w", fr.Exchange, fr.Symbol, err)
		}
	}
	return tx.Commit()
}

func (r *fundingRepo) ListRateHistory(ctx context.Context, ticker string, since time.Time) ([]models.FundingRate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT exchange, symbol, ticker, rate, predicted_rate, rate_annualized,
			COALESCE(next_funding_time, 'epoch'::timestamptz),
			funding_interval_hours, source, timestamp
		FROM funding.rates
		WHERE ticker = $1 AND timestamp >= $2
		ORDER BY timestamp DESC`, ticker, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate history for %s: %w", ticker, err)
	}
	defer rows.Close()

	var out []models.FundingRate
	for rows.Next() {
		var fr models.FundingRate
		err := rows.Scan(&fr.Exchange, &fr.Symbol, &fr.Ticker, &fr.Rate,
			&fr.PredictedRate, &fr.RateAnnualized, &fr.NextFundingTime,
			&fr.FundingIntervalHrs, &fr.Source, &fr.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funding rate: %w", err)
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

func (r *fundingRepo) InsertSpreadHistory(ctx context.Context, spreads []models.Spread, source string) error {
	if len(spreads) == 0 {
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
		INSERT INTO funding.spread_history (
			symbol, long_exchange, short_exchange, long_rate, short_rate,
			spread, spread_pct, annualized_apr, source, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, sp := range spreads {
		_, err = stmt.ExecContext(ctx,
			sp.Symbol, sp.LongExchange, sp.ShortExchange, sp.LongRate,
			sp.ShortRate, sp.Spread, sp.SpreadPct, sp.AnnualizedAPR,
			source, sp.ComputedAt)
		if err != nil {
			return fmt.Errorf("failed to insert spread history %s: %w", sp.Symbol, err)
		}
	}
	return tx.Commit()
}

func (r *fundingRepo) CleanupSpreadHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM funding.spread_history WHERE computed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup spread history: %w", err)
	}
	return res.RowsAffected()
}

func (r *fundingRepo) InsertFundingPayment(ctx context.Context, payment *models.FundingPayment) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO positions.funding_payments (
			position_id, leg_id, exchange, symbol, funding_rate,
			payment_amount, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		payment.PositionID, payment.LegID, payment.Exchange, payment.Symbol,
		payment.FundingRate, payment.Amount, payment.PaidAt).
		Scan(&payment.ID)
	if err != nil {
		return fmt.Errorf("failed to insert funding payment: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
