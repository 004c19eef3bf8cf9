package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
)

type opportunityRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOpportunityRepo creates the PostgreSQL opportunity repository.
func NewOpportunityRepo(db *sqlx.DB, timeout time.Duration) persistence.OpportunityRepo {
	return &opportunityRepo{db: db, timeout: timeout}
}

func (r *opportunityRepo) Upsert(ctx context.Context, opp *models.Opportunity) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	breakdown, err := json.Marshal(opp.UOSBreakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal uos breakdown: %w", err)
	}

	query := `
		INSERT INTO opportunities.detected (
			id, symbol, long_exchange, short_exchange, long_rate, short_rate,
			long_interval_hours, short_interval_hours, funding_spread,
			funding_spread_pct, estimated_net_apr, uos_score, uos_breakdown,
			recommended_size_usd, data_source, status, status_reason,
			detected_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO UPDATE SET
			long_rate = EXCLUDED.long_rate,
			short_rate = EXCLUDED.short_rate,
			funding_spread = EXCLUDED.funding_spread,
			funding_spread_pct = EXCLUDED.funding_spread_pct,
			estimated_net_apr = EXCLUDED.estimated_net_apr,
			uos_score = EXCLUDED.uos_score,
			uos_breakdown = EXCLUDED.uos_breakdown,
			recommended_size_usd = EXCLUDED.recommended_size_usd,
			data_source = EXCLUDED.data_source,
			status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`

	_, err = r.db.ExecContext(ctx, query,
		opp.ID, opp.Symbol, opp.LongLeg.Exchange, opp.ShortLeg.Exchange,
		opp.LongLeg.Rate, opp.ShortLeg.Rate,
		opp.LongLeg.FundingIntervalHrs, opp.ShortLeg.FundingIntervalHrs,
		opp.FundingSpread, opp.FundingSpreadPct, opp.EstimatedNetAPR,
		opp.UOSScore, breakdown, opp.RecommendedSizeUSD, opp.DataSource,
		opp.Status, opp.StatusReason, opp.DetectedAt, opp.UpdatedAt, opp.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

const opportunityColumns = `
	id, symbol, long_exchange, short_exchange, long_rate, short_rate,
	long_interval_hours, short_interval_hours, funding_spread,
	funding_spread_pct, estimated_net_apr, uos_score, uos_breakdown,
	recommended_size_usd, data_source, status, status_reason,
	detected_at, updated_at, expires_at`

func (r *opportunityRepo) Get(ctx context.Context, id string) (*models.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities.detected WHERE id = $1`, id)
	opp, err := scanOpportunity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get opportunity %s: %w", id, err)
	}
	return opp, nil
}

func (r *opportunityRepo) List(ctx context.Context, filter persistence.OpportunityFilter) ([]models.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + opportunityColumns + ` FROM opportunities.detected WHERE uos_score >= $1`
	args := []interface{}{filter.MinScore}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Exchange != "" {
		args = append(args, filter.Exchange)
		query += fmt.Sprintf(" AND (long_exchange = $%d OR short_exchange = $%d)", len(args), len(args))
	}

	sortBy := "uos_score"
	switch filter.SortBy {
	case "detected_at", "funding_spread_pct", "estimated_net_apr", "uos_score":
		sortBy = filter.SortBy
	}
	order := "DESC"
	if filter.SortOrder == "asc" {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, order)

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
		return nil, fmt.Errorf("failed to list opportunities: %w", err)
	}
	defer rows.Close()
	return scanOpportunities(rows)
}

func (r *opportunityRepo) ListActive(ctx context.Context, now time.Time) ([]models.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+opportunityColumns+`
		FROM opportunities.detected
		WHERE status NOT IN ('closed', 'expired', 'rejected') AND expires_at > $1
		ORDER BY detected_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list active opportunities: %w", err)
	}
	defer rows.Close()
	return scanOpportunities(rows)
}

func (r *opportunityRepo) SetStatus(ctx context.Context, id string, allowedFrom []models.OpportunityStatus, to models.OpportunityStatus, reason string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	from := make([]string, len(allowedFrom))
	for i, s := range allowedFrom {
		from[i] = string(s)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE opportunities.detected
		SET status = $1, status_reason = $2, updated_at = $3
		WHERE id = $4 AND status = ANY($5)`,
		to, reason, time.Now().UTC(), id, pq.StringArray(from))
	if err != nil {
		return false, fmt.Errorf("failed to set opportunity %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOpportunity(row rowScanner) (*models.Opportunity, error) {
	var opp models.Opportunity
	var breakdown []byte
	err := row.Scan(
		&opp.ID, &opp.Symbol, &opp.LongLeg.Exchange, &opp.ShortLeg.Exchange,
		&opp.LongLeg.Rate, &opp.ShortLeg.Rate,
		&opp.LongLeg.FundingIntervalHrs, &opp.ShortLeg.FundingIntervalHrs,
		&opp.FundingSpread, &opp.FundingSpreadPct, &opp.EstimatedNetAPR,
		&opp.UOSScore, &breakdown, &opp.RecommendedSizeUSD, &opp.DataSource,
		&opp.Status, &opp.StatusReason, &opp.DetectedAt, &opp.UpdatedAt, &opp.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &opp.UOSBreakdown); err != nil {
			return nil, fmt.Errorf("failed to unmarshal uos breakdown: %w", err)
		}
	}
	opp.LongLeg.Side = models.SideLong
	opp.ShortLeg.Side = models.SideShort
	return &opp, nil
}

func scanOpportunities(rows *sqlx.Rows) ([]models.Opportunity, error) {
	var out []models.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		out = append(out, *opp)
	}
	return out, rows.Err()
}
