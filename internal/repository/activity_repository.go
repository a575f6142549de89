package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
)

const activityColumns = "id, tenant_id, session_id, entry_id, change_id, actor_id, action, from_status, to_status, detail, created_at"

// ActivityRepository appends to and reads the dismissal activity log.
type ActivityRepository struct {
	base
}

// NewActivityRepository constructs the repository.
func NewActivityRepository(db *sqlx.DB, opts ...Option) *ActivityRepository {
	return &ActivityRepository{base: newBase(db, opts)}
}

// Append writes one or more log rows in a single statement.
func (r *ActivityRepository) Append(ctx context.Context, entries ...models.ActivityLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
		if len(entries[i].Detail) == 0 {
			entries[i].Detail = json.RawMessage("{}")
		}
	}
	const query = `INSERT INTO dismissal_activity_log
	(id, tenant_id, session_id, entry_id, change_id, actor_id, action, from_status, to_status, detail, created_at)
	VALUES (:id, :tenant_id, :session_id, :entry_id, :change_id, :actor_id, :action, :from_status, :to_status, :detail, :created_at)`
	return r.run(ctx, func() error {
		if _, err := r.db.NamedExecContext(ctx, query, entries); err != nil {
			return fmt.Errorf("append activity log: %w", err)
		}
		return nil
	})
}

// ListBySession returns the session's log in chronological order.
func (r *ActivityRepository) ListBySession(ctx context.Context, tenantID, sessionID string) ([]models.ActivityLogEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM dismissal_activity_log
	WHERE tenant_id = $1 AND session_id = $2
	ORDER BY created_at, id`, activityColumns)
	var entries []models.ActivityLogEntry
	err := r.run(ctx, func() error {
		entries = entries[:0]
		return r.db.SelectContext(ctx, &entries, query, tenantID, sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("list activity log: %w", err)
	}
	return entries, nil
}
