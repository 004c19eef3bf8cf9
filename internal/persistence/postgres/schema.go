package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied idempotently at startup. Monetary columns are NUMERIC;
// free-form payloads are JSONB.
const schema = `
CREATE SCHEMA IF NOT EXISTS opportunities;
CREATE SCHEMA IF NOT EXISTS positions;
CREATE SCHEMA IF NOT EXISTS funding;
CREATE SCHEMA IF NOT EXISTS capital;
CREATE SCHEMA IF NOT EXISTS config;
CREATE SCHEMA IF NOT EXISTS audit;

CREATE TABLE IF NOT EXISTS opportunities.detected (
	id                   TEXT PRIMARY KEY,
	symbol               TEXT NOT NULL,
	long_exchange        TEXT NOT NULL,
	short_exchange       TEXT NOT NULL,
	long_rate            NUMERIC NOT NULL,
	short_rate           NUMERIC NOT NULL,
	long_interval_hours  INT NOT NULL DEFAULT 8,
	short_interval_hours INT NOT NULL DEFAULT 8,
	funding_spread       NUMERIC NOT NULL,
	funding_spread_pct   NUMERIC NOT NULL,
	estimated_net_apr    NUMERIC NOT NULL,
	uos_score            DOUBLE PRECISION NOT NULL,
	uos_breakdown        JSONB NOT NULL DEFAULT '{}',
	recommended_size_usd NUMERIC NOT NULL DEFAULT 0,
	data_source          TEXT NOT NULL DEFAULT 'exchange_api',
	status               TEXT NOT NULL,
	status_reason        TEXT NOT NULL DEFAULT '',
	detected_at          TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	expires_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities.detected (status);
CREATE INDEX IF NOT EXISTS idx_opportunities_identity
	ON opportunities.detected (symbol, long_exchange, short_exchange);

CREATE TABLE IF NOT EXISTS positions.active (
	id                        TEXT PRIMARY KEY,
	opportunity_id            TEXT NOT NULL DEFAULT '',
	symbol                    TEXT NOT NULL,
	position_type             TEXT NOT NULL DEFAULT 'funding_arb',
	status                    TEXT NOT NULL,
	health_status             TEXT NOT NULL DEFAULT 'healthy',
	total_capital_deployed    NUMERIC NOT NULL DEFAULT 0,
	funding_received          NUMERIC NOT NULL DEFAULT 0,
	funding_paid              NUMERIC NOT NULL DEFAULT 0,
	entry_costs               NUMERIC NOT NULL DEFAULT 0,
	exit_costs                NUMERIC NOT NULL DEFAULT 0,
	realized_pnl_funding      NUMERIC NOT NULL DEFAULT 0,
	realized_pnl_price        NUMERIC NOT NULL DEFAULT 0,
	funding_periods_collected INT NOT NULL DEFAULT 0,
	opened_at                 TIMESTAMPTZ NOT NULL,
	closed_at                 TIMESTAMPTZ,
	exit_reason               TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions.active (status);

CREATE TABLE IF NOT EXISTS positions.legs (
	id                 BIGSERIAL PRIMARY KEY,
	position_id        TEXT NOT NULL REFERENCES positions.active(id) ON DELETE CASCADE,
	leg_type           TEXT NOT NULL,
	exchange           TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	side               TEXT NOT NULL,
	quantity           NUMERIC NOT NULL,
	entry_price        NUMERIC NOT NULL DEFAULT 0,
	current_price      NUMERIC NOT NULL DEFAULT 0,
	notional_usd       NUMERIC NOT NULL DEFAULT 0,
	leverage           NUMERIC NOT NULL DEFAULT 1,
	unrealized_pnl     NUMERIC NOT NULL DEFAULT 0,
	funding_pnl        NUMERIC NOT NULL DEFAULT 0,
	liquidation_price  NUMERIC NOT NULL DEFAULT 0,
	margin_utilization NUMERIC NOT NULL DEFAULT 0,
	entry_order_ids    TEXT[] NOT NULL DEFAULT '{}',
	exit_order_ids     TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_legs_position ON positions.legs (position_id);

CREATE TABLE IF NOT EXISTS positions.exchange_positions (
	exchange          TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	size              NUMERIC NOT NULL,
	notional_usd      NUMERIC NOT NULL DEFAULT 0,
	entry_price       NUMERIC NOT NULL DEFAULT 0,
	mark_price        NUMERIC NOT NULL DEFAULT 0,
	unrealized_pnl    NUMERIC NOT NULL DEFAULT 0,
	leverage          NUMERIC NOT NULL DEFAULT 1,
	liquidation_price NUMERIC NOT NULL DEFAULT 0,
	margin_mode       TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (exchange, symbol)
);

CREATE TABLE IF NOT EXISTS positions.exchange_orders (
	exchange          TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	order_type        TEXT NOT NULL DEFAULT '',
	quantity          NUMERIC NOT NULL DEFAULT 0,
	price             NUMERIC NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT '',
	reduce_only       BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (exchange, exchange_order_id)
);

CREATE TABLE IF NOT EXISTS positions.funding_payments (
	id             BIGSERIAL PRIMARY KEY,
	position_id    TEXT NOT NULL,
	leg_id         BIGINT NOT NULL DEFAULT 0,
	exchange       TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	funding_rate   NUMERIC NOT NULL DEFAULT 0,
	payment_amount NUMERIC NOT NULL,
	paid_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS funding.rates (
	id                     BIGSERIAL PRIMARY KEY,
	exchange               TEXT NOT NULL,
	symbol                 TEXT NOT NULL,
	ticker                 TEXT NOT NULL,
	rate                   NUMERIC NOT NULL,
	predicted_rate         NUMERIC NOT NULL DEFAULT 0,
	rate_annualized        NUMERIC NOT NULL DEFAULT 0,
	next_funding_time      TIMESTAMPTZ,
	funding_interval_hours INT NOT NULL DEFAULT 8,
	source                 TEXT NOT NULL,
	timestamp              TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funding_rates_ticker ON funding.rates (ticker, timestamp);

CREATE TABLE IF NOT EXISTS funding.spread_history (
	id             BIGSERIAL PRIMARY KEY,
	symbol         TEXT NOT NULL,
	long_exchange  TEXT NOT NULL,
	short_exchange TEXT NOT NULL,
	long_rate      NUMERIC NOT NULL,
	short_rate     NUMERIC NOT NULL,
	spread         NUMERIC NOT NULL,
	spread_pct     NUMERIC NOT NULL,
	annualized_apr NUMERIC NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	computed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spread_history_time ON funding.spread_history (computed_at);

CREATE TABLE IF NOT EXISTS capital.allocations (
	id                   TEXT PRIMARY KEY,
	opportunity_id       TEXT NOT NULL DEFAULT '',
	position_id          TEXT NOT NULL DEFAULT '',
	symbol               TEXT NOT NULL DEFAULT '',
	venue                TEXT NOT NULL,
	amount_usd           NUMERIC NOT NULL,
	status               TEXT NOT NULL,
	allocated_at         TIMESTAMPTZ NOT NULL,
	deployed_at          TIMESTAMPTZ,
	released_at          TIMESTAMPTZ,
	expires_at           TIMESTAMPTZ,
	realized_funding_pnl NUMERIC NOT NULL DEFAULT 0,
	unrealized_pnl       NUMERIC NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_allocations_status ON capital.allocations (status);

CREATE TABLE IF NOT EXISTS capital.venue_balances (
	venue      TEXT PRIMARY KEY,
	total_usd  NUMERIC NOT NULL DEFAULT 0,
	free_usd   NUMERIC NOT NULL DEFAULT 0,
	used_usd   NUMERIC NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS config.exchanges (
	slug                 TEXT PRIMARY KEY,
	display_name         TEXT NOT NULL DEFAULT '',
	enabled              BOOLEAN NOT NULL DEFAULT FALSE,
	testnet              BOOLEAN NOT NULL DEFAULT FALSE,
	tier                 INT NOT NULL DEFAULT 2,
	is_dex               BOOLEAN NOT NULL DEFAULT FALSE,
	encrypted_api_key    TEXT NOT NULL DEFAULT '',
	encrypted_api_secret TEXT NOT NULL DEFAULT '',
	encrypted_passphrase TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS config.strategy_parameters (
	id         BIGINT PRIMARY KEY DEFAULT 1,
	params     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS config.risk_limits (
	id         BIGSERIAL PRIMARY KEY,
	limits     JSONB NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS config.symbol_blacklist (
	symbol         TEXT PRIMARY KEY,
	reason         TEXT NOT NULL DEFAULT '',
	blacklisted_by TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit.activity_events (
	id         BIGSERIAL PRIMARY KEY,
	category   TEXT NOT NULL,
	entity_id  TEXT NOT NULL DEFAULT '',
	worker     TEXT NOT NULL DEFAULT '',
	decision   TEXT NOT NULL DEFAULT '',
	narrative  TEXT NOT NULL,
	metrics    JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit.execution_logs (
	id             BIGSERIAL PRIMARY KEY,
	opportunity_id TEXT NOT NULL,
	step           TEXT NOT NULL,
	status         TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	payload        JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_opp ON audit.execution_logs (opportunity_id);
`

// EnsureSchema applies the schema idempotently.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
