package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
)

type configRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewConfigRepo creates the PostgreSQL config repository. Strategy
// parameters and risk limits are stored as JSONB singletons so new tunables
// never need a migration.
func NewConfigRepo(db *sqlx.DB, timeout time.Duration) persistence.ConfigRepo {
	return &configRepo{db: db, timeout: timeout}
}

func (r *configRepo) GetStrategy(ctx context.Context) (*models.StrategyParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var raw []byte
	err := r.db.QueryRowxContext(ctx,
		`SELECT params FROM config.strategy_parameters WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		params := models.DefaultStrategyParameters()
		if err := r.SaveStrategy(ctx, &params); err != nil {
			return nil, err
		}
		return &params, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy parameters: %w", err)
	}
	var params models.StrategyParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal strategy parameters: %w", err)
	}
	return &params, nil
}

func (r *configRepo) SaveStrategy(ctx context.Context, params *models.StrategyParameters) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	params.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy parameters: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO config.strategy_parameters (id, params, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET params = EXCLUDED.params, updated_at = EXCLUDED.updated_at`,
		raw, params.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save strategy parameters: %w", err)
	}
	return nil
}

func (r *configRepo) ResetStrategy(ctx context.Context) (*models.StrategyParameters, error) {
	params := models.DefaultStrategyParameters()
	if err := r.SaveStrategy(ctx, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

func (r *configRepo) GetRiskLimits(ctx context.Context) (*models.RiskLimits, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	var raw []byte
	err := r.db.QueryRowxContext(ctx, `
		SELECT id, limits FROM config.risk_limits
		WHERE is_active = TRUE ORDER BY id DESC LIMIT 1`).Scan(&id, &raw)
	if err == sql.ErrNoRows {
		limits := models.DefaultRiskLimits()
		if err := r.SaveRiskLimits(ctx, &limits); err != nil {
			return nil, err
		}
		return &limits, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk limits: %w", err)
	}
	var limits models.RiskLimits
	if err := json.Unmarshal(raw, &limits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk limits: %w", err)
	}
	limits.ID = id
	return &limits, nil
}

func (r *configRepo) SaveRiskLimits(ctx context.Context, limits *models.RiskLimits) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	limits.UpdatedAt = time.Now().UTC()
	limits.IsActive = true
	raw, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("failed to marshal risk limits: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The active row is a singleton: deactivate predecessors first.
	if _, err := tx.ExecContext(ctx,
		`UPDATE config.risk_limits SET is_active = FALSE WHERE is_active = TRUE`); err != nil {
		return fmt.Errorf("failed to deactivate old risk limits: %w", err)
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO config.risk_limits (limits, is_active, updated_at)
		VALUES ($1, TRUE, $2) RETURNING id`, raw, limits.UpdatedAt).Scan(&limits.ID)
	if err != nil {
		return fmt.Errorf("failed to insert risk limits: %w", err)
	}
	return tx.Commit()
}

func (r *configRepo) ListExchanges(ctx context.Context) ([]models.ExchangeConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.ExchangeConfig
	err := r.db.SelectContext(ctx, &out, `
		SELECT slug, display_name, enabled, testnet, tier, is_dex,
			encrypted_api_key, encrypted_api_secret, encrypted_passphrase,
			updated_at
		FROM config.exchanges ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	return out, nil
}

func (r *configRepo) GetExchange(ctx context.Context, slug string) (*models.ExchangeConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ex models.ExchangeConfig
	err := r.db.GetContext(ctx, &ex, `
		SELECT slug, display_name, enabled, testnet, tier, is_dex,
			encrypted_api_key, encrypted_api_secret, encrypted_passphrase,
			updated_at
		FROM config.exchanges WHERE slug = $1`, slug)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange %s: %w", slug, err)
	}
	return &ex, nil
}

func (r *configRepo) SaveExchange(ctx context.Context, ex *models.ExchangeConfig) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ex.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config.exchanges (
			slug, display_name, enabled, testnet, tier, is_dex,
			encrypted_api_key, encrypted_api_secret, encrypted_passphrase, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (slug) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			enabled = EXCLUDED.enabled,
			testnet = EXCLUDED.testnet,
			tier = EXCLUDED.tier,
			is_dex = EXCLUDED.is_dex,
			encrypted_api_key = EXCLUDED.encrypted_api_key,
			encrypted_api_secret = EXCLUDED.encrypted_api_secret,
			encrypted_passphrase = EXCLUDED.encrypted_passphrase,
			updated_at = EXCLUDED.updated_at`,
		ex.Slug, ex.DisplayName, ex.Enabled, ex.Testnet, ex.Tier, ex.IsDEX,
		ex.EncryptedAPIKey, ex.EncryptedAPISecret, ex.EncryptedPassphrase,
		ex.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save exchange %s: %w", ex.Slug, err)
	}
	return nil
}

func (r *configRepo) ListBlacklist(ctx context.Context) ([]models.BlacklistEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.BlacklistEntry
	err := r.db.SelectContext(ctx, &out,
		`SELECT symbol, reason, blacklisted_by, created_at
		 FROM config.symbol_blacklist ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist: %w", err)
	}
	return out, nil
}

func (r *configRepo) AddBlacklist(ctx context.Context, entry *models.BlacklistEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entry.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config.symbol_blacklist (symbol, reason, blacklisted_by, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (symbol) DO UPDATE SET
			reason = EXCLUDED.reason, blacklisted_by = EXCLUDED.blacklisted_by`,
		entry.Symbol, entry.Reason, entry.BlacklistedBy, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to blacklist %s: %w", entry.Symbol, err)
	}
	return nil
}

func (r *configRepo) RemoveBlacklist(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`DELETE FROM config.symbol_blacklist WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("failed to remove %s from blacklist: %w", symbol, err)
	}
	return nil
}
