package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/perparb/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

func TestConfigRepoGetStrategyExisting(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConfigRepo(db, time.Second)

	stored := models.DefaultStrategyParameters()
	stored.MinUOSScore = 55
	raw, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT params FROM config\.strategy_parameters`).
		WillReturnRows(sqlmock.NewRows([]string{"params"}).AddRow(raw))

	params, err := repo.GetStrategy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 55.0, params.MinUOSScore)
	assert.Equal(t, models.ModeDiscovery, params.Mode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigRepoGetStrategySeedsDefaults(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConfigRepo(db, time.Second)

	mock.ExpectQuery(`SELECT params FROM config\.strategy_parameters`).
		WillReturnRows(sqlmock.NewRows([]string{"params"}))
	mock.ExpectExec(`INSERT INTO config\.strategy_parameters`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	params, err := repo.GetStrategy(context.Background())
	require.NoError(t, err)
	// First read installs the factory settings.
	assert.Equal(t, 75.0, params.MinUOSAutoExecute)
	assert.False(t, params.AutoExecute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigRepoSaveRiskLimitsRotatesActiveRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConfigRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE config\.risk_limits SET is_active = FALSE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO config\.risk_limits`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	limits := models.DefaultRiskLimits()
	require.NoError(t, repo.SaveRiskLimits(context.Background(), &limits))
	assert.Equal(t, int64(7), limits.ID)
	assert.True(t, limits.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigRepoBlacklistRoundTrip(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConfigRepo(db, time.Second)

	mock.ExpectExec(`INSERT INTO config\.symbol_blacklist`).
		WithArgs("LUNA", "delisting risk", "operator", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM config\.symbol_blacklist`).
		WithArgs("LUNA").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := models.BlacklistEntry{Symbol: "LUNA", Reason: "delisting risk", BlacklistedBy: "operator"}
	require.NoError(t, repo.AddBlacklist(context.Background(), &entry))
	require.NoError(t, repo.RemoveBlacklist(context.Background(), "LUNA"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepoExecutionLogDefaultsTimestamp(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepo(db, time.Second)

	mock.ExpectQuery(`INSERT INTO audit\.execution_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))

	entry := models.ExecutionLogEntry{
		OpportunityID: "opp-1",
		Step:          "placing_primary_order",
		Status:        "started",
	}
	require.NoError(t, repo.InsertExecutionLog(context.Background(), &entry))
	assert.Equal(t, int64(12), entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpportunityRepoSetStatusGuard(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOpportunityRepo(db, time.Second)

	mock.ExpectExec(`UPDATE opportunities\.detected`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // stored status not in allowedFrom

	ok, err := repo.SetStatus(context.Background(), "opp-1",
		[]models.OpportunityStatus{models.OppScored},
		models.OppAllocated, "reserved")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionRepoCreateWithLegsStampsOpportunity(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPositionRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO positions\.active`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO positions\.legs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	// The executed stamp commits or rolls back with the position insert.
	mock.ExpectExec(`UPDATE opportunities\.detected`).
		WithArgs(models.OppExecuted, sqlmock.AnyArg(), "opp-1", models.OppExecuting).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pos := &models.Position{ID: "pos-1", OpportunityID: "opp-1", Status: models.PosActive}
	legs := []models.Leg{{LegType: models.LegPrimary, Exchange: "binance", Side: models.SideLong}}
	require.NoError(t, repo.CreateWithLegs(context.Background(), pos, legs))
	assert.Equal(t, int64(3), pos.Legs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
