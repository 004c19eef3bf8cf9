// Package postgres implements the persistence interfaces on PostgreSQL via
// sqlx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/perparb/perparb/internal/persistence"
)

const defaultQueryTimeout = 10 * time.Second

// Connect opens the database with the small per-service pool the platform
// uses (3 idle + 5 overflow).
func Connect(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxIdleConns(3)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewStore builds the repository aggregate over one connection pool.
func NewStore(db *sqlx.DB) *persistence.Store {
	return &persistence.Store{
		Opportunities: NewOpportunityRepo(db, defaultQueryTimeout),
		Positions:     NewPositionRepo(db, defaultQueryTimeout),
		ExchangeState: NewExchangeStateRepo(db, defaultQueryTimeout),
		Funding:       NewFundingRepo(db, defaultQueryTimeout),
		Allocations:   NewAllocationRepo(db, defaultQueryTimeout),
		Config:        NewConfigRepo(db, defaultQueryTimeout),
		Audit:         NewAuditRepo(db, defaultQueryTimeout),
		Analytics:     NewAnalyticsRepo(db, 30*time.Second),
	}
}
