package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
)

type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates the PostgreSQL audit repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) InsertActivity(ctx context.Context, event *models.ActivityEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	metrics, err := marshalJSONB(event.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal activity metrics: %w", err)
	}
	err = r.db.QueryRowxContext(ctx, `
		INSERT INTO audit.activity_events (
			category, entity_id, worker, decision, narrative, metrics, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		event.Category, event.EntityID, event.Worker, event.Decision,
		event.Narrative, metrics, event.CreatedAt).
		Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert activity event: %w", err)
	}
	return nil
}

func (r *auditRepo) ListActivity(ctx context.Context, limit int) ([]models.ActivityEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, category, entity_id, worker, decision, narrative, metrics, created_at
		FROM audit.activity_events
		ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity events: %w", err)
	}
	defer rows.Close()

	var out []models.ActivityEvent
	for rows.Next() {
		var ev models.ActivityEvent
		var metrics []byte
		err := rows.Scan(&ev.ID, &ev.Category, &ev.EntityID, &ev.Worker,
			&ev.Decision, &ev.Narrative, &metrics, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity event: %w", err)
		}
		if err := unmarshalJSONB(metrics, &ev.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal activity metrics: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *auditRepo) InsertExecutionLog(ctx context.Context, entry *models.ExecutionLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalJSONB(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal execution log payload: %w", err)
	}
	err = r.db.QueryRowxContext(ctx, `
		INSERT INTO audit.execution_logs (
			opportunity_id, step, status, detail, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		entry.OpportunityID, entry.Step, entry.Status, entry.Detail,
		payload, entry.CreatedAt).
		Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert execution log: %w", err)
	}
	return nil
}

func (r *auditRepo) ListExecutionLog(ctx context.Context, opportunityID string) ([]models.ExecutionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, opportunity_id, step, status, detail, payload, created_at
		FROM audit.execution_logs
		WHERE opportunity_id = $1
		ORDER BY id`, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution log for %s: %w", opportunityID, err)
	}
	defer rows.Close()

	var out []models.ExecutionLogEntry
	for rows.Next() {
		var entry models.ExecutionLogEntry
		var payload []byte
		err := rows.Scan(&entry.ID, &entry.OpportunityID, &entry.Step,
			&entry.Status, &entry.Detail, &payload, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		if err := unmarshalJSONB(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution log payload: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func marshalJSONB(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSONB(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
