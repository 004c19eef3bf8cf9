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

type allocationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAllocationRepo creates the PostgreSQL allocation repository.
func NewAllocationRepo(db *sqlx.DB, timeout time.Duration) persistence.AllocationRepo {
	return &allocationRepo{db: db, timeout: timeout}
}

const allocationColumns = `
	id, opportunity_id, position_id, symbol, venue, amount_usd, status,
	allocated_at, deployed_at, released_at, expires_at,
	realized_funding_pnl, unrealized_pnl`

func (r *allocationRepo) Insert(ctx context.Context, alloc *models.Allocation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO capital.allocations (`+allocationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		alloc.ID, alloc.OpportunityID, alloc.PositionID, alloc.Symbol,
		alloc.Venue, alloc.AmountUSD, alloc.Status, alloc.AllocatedAt,
		alloc.DeployedAt, alloc.ReleasedAt, alloc.ExpiresAt,
		alloc.RealizedFundingPnL, alloc.UnrealizedPnL)
	if err != nil {
		return fmt.Errorf("failed to insert allocation %s: %w", alloc.ID, err)
	}
	return nil
}

func (r *allocationRepo) Update(ctx context.Context, alloc *models.Allocation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE capital.allocations SET
			position_id = $1, status = $2, deployed_at = $3, released_at = $4,
			realized_funding_pnl = $5, unrealized_pnl = $6
		WHERE id = $7`,
		alloc.PositionID, alloc.Status, alloc.DeployedAt, alloc.ReleasedAt,
		alloc.RealizedFundingPnL, alloc.UnrealizedPnL, alloc.ID)
	if err != nil {
		return fmt.Errorf("failed to update allocation %s: %w", alloc.ID, err)
	}
	return nil
}

func (r *allocationRepo) Get(ctx context.Context, id string) (*models.Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+allocationColumns+` FROM capital.allocations WHERE id = $1`, id)
	alloc, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation %s: %w", id, err)
	}
	return alloc, nil
}

func (r *allocationRepo) ListByStatus(ctx context.Context, statuses ...models.AllocationStatus) ([]models.Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw := make([]string, len(statuses))
	for i, s := range statuses {
		raw[i] = string(s)
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+allocationColumns+` FROM capital.allocations
		WHERE status = ANY($1) ORDER BY allocated_at`, pq.StringArray(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

func (r *allocationRepo) ListExpired(ctx context.Context, now time.Time) ([]models.Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+allocationColumns+` FROM capital.allocations
		WHERE status = 'reserved' AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

func (r *allocationRepo) UpsertVenueBalance(ctx context.Context, balance *models.VenueBalance) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO capital.venue_balances (venue, total_usd, free_usd, used_usd, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (venue) DO UPDATE SET
			total_usd = EXCLUDED.total_usd,
			free_usd = EXCLUDED.free_usd,
			used_usd = EXCLUDED.used_usd,
			updated_at = EXCLUDED.updated_at`,
		balance.Venue, balance.TotalUSD, balance.FreeUSD, balance.UsedUSD,
		balance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert venue balance %s: %w", balance.Venue, err)
	}
	return nil
}

func (r *allocationRepo) ListVenueBalances(ctx context.Context) ([]models.VenueBalance, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.VenueBalance
	err := r.db.SelectContext(ctx, &out,
		`SELECT venue, total_usd, free_usd, used_usd, updated_at
		 FROM capital.venue_balances ORDER BY venue`)
	if err != nil {
		return nil, fmt.Errorf("failed to list venue balances: %w", err)
	}
	return out, nil
}

func scanAllocation(row rowScanner) (*models.Allocation, error) {
	var alloc models.Allocation
	var deployedAt, releasedAt, expiresAt sql.NullTime
	err := row.Scan(
		&alloc.ID, &alloc.OpportunityID, &alloc.PositionID, &alloc.Symbol,
		&alloc.Venue, &alloc.AmountUSD, &alloc.Status, &alloc.AllocatedAt,
		&deployedAt, &releasedAt, &expiresAt,
		&alloc.RealizedFundingPnL, &alloc.UnrealizedPnL)
	if err != nil {
		return nil, err
	}
	if deployedAt.Valid {
		alloc.DeployedAt = &deployedAt.Time
	}
	if releasedAt.Valid {
		alloc.ReleasedAt = &releasedAt.Time
	}
	if expiresAt.Valid {
		alloc.ExpiresAt = &expiresAt.Time
	}
	return &alloc, nil
}

func scanAllocations(rows *sqlx.Rows) ([]models.Allocation, error) {
	var out []models.Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		out = append(out, *alloc)
	}
	return out, rows.Err()
}
