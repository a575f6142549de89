package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/pkg/database"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

const changeColumns = "id, tenant_id, session_id, student_id, requested_by, requested_by_role, from_type, to_type, bus_route, note, status, reviewed_by, reviewed_at, review_note, applied_to_entry, applied_to_future_only, created_at"

const pendingChangeConstraint = "dismissal_changes_pending_unique"

// ChangeRepository persists dismissal change requests.
type ChangeRepository struct {
	base
}

// NewChangeRepository constructs the repository.
func NewChangeRepository(db *sqlx.DB, opts ...Option) *ChangeRepository {
	return &ChangeRepository{base: newBase(db, opts)}
}

// Create inserts a pending change; a second pending change for the same student is rejected.
func (r *ChangeRepository) Create(ctx context.Context, change *models.DismissalChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	change.Status = models.ChangeStatusPending
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO dismissal_changes
	(id, tenant_id, session_id, student_id, requested_by, requested_by_role, from_type, to_type, bus_route, note, status, created_at)
	VALUES (:id, :tenant_id, :session_id, :student_id, :requested_by, :requested_by_role, :from_type, :to_type, :bus_route, :note, :status, :created_at)`
	return r.run(ctx, func() error {
		if _, err := r.db.NamedExecContext(ctx, query, change); err != nil {
			if database.IsUniqueViolation(err, pendingChangeConstraint) {
				return appErrors.Clone(appErrors.ErrDuplicateChangeRequest, "a pending change already exists for this student")
			}
			return fmt.Errorf("create dismissal change: %w", err)
		}
		return nil
	})
}

// GetByID fetches a change request.
func (r *ChangeRepository) GetByID(ctx context.Context, id string) (*models.DismissalChange, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "change request not found")
	}
	query := fmt.Sprintf("SELECT %s FROM dismissal_changes WHERE id = $1", changeColumns)
	var change models.DismissalChange
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &change, query, id)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "change request not found")
		}
		return nil, fmt.Errorf("get dismissal change: %w", err)
	}
	return &change, nil
}

// ChangeFilter narrows change listings.
type ChangeFilter struct {
	TenantID   string
	SessionID  string
	Status     models.ChangeStatus
	StudentIDs []string
}

// List returns the session's change requests, oldest first.
func (r *ChangeRepository) List(ctx context.Context, filter ChangeFilter) ([]models.DismissalChange, error) {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("SELECT %s FROM dismissal_changes WHERE tenant_id = $1 AND session_id = $2", changeColumns))
	args := []interface{}{filter.TenantID, filter.SessionID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		builder.WriteString(fmt.Sprintf(" AND status = $%d", len(args)))
	}
	if filter.StudentIDs != nil {
		if len(filter.StudentIDs) == 0 {
			return []models.DismissalChange{}, nil
		}
		placeholders := make([]string, len(filter.StudentIDs))
		for i, id := range filter.StudentIDs {
			args = append(args, id)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		builder.WriteString(fmt.Sprintf(" AND student_id IN (%s)", strings.Join(placeholders, ",")))
	}
	builder.WriteString(" ORDER BY created_at")

	var changes []models.DismissalChange
	err := r.run(ctx, func() error {
		changes = changes[:0]
		return r.db.SelectContext(ctx, &changes, builder.String(), args...)
	})
	if err != nil {
		return nil, fmt.Errorf("list dismissal changes: %w", err)
	}
	return changes, nil
}

// ResolveChangeParams carries a reviewer decision.
type ResolveChangeParams struct {
	TenantID   string
	ChangeID   string
	Decision   models.ChangeDecision
	ReviewerID string
	Note       *string
	At         time.Time
}

// ResolveChangeResult is the committed outcome of a review.
type ResolveChangeResult struct {
	Change models.DismissalChange
	Entry  *models.QueueEntry
}

// Resolve settles a pending change in one transaction. On approval the queue entry is
// updated only while it is waiting or held; the roster student is always updated.
func (r *ChangeRepository) Resolve(ctx context.Context, params ResolveChangeParams) (*ResolveChangeResult, error) {
	if _, err := uuid.Parse(params.ChangeID); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "change request not found")
	}
	if params.At.IsZero() {
		params.At = time.Now().UTC()
	}
	lock := fmt.Sprintf("SELECT %s FROM dismissal_changes WHERE id = $1 FOR UPDATE", changeColumns)
	applyEntry := fmt.Sprintf(`UPDATE queue_entries SET dismissal_type = $1, bus_route = $2, updated_at = $3
	WHERE session_id = $4 AND student_id = $5 AND tenant_id = $6 AND status IN ('waiting', 'held')
	  AND EXISTS (SELECT 1 FROM dismissal_sessions s WHERE s.id = $4 AND s.status IN ('scheduled', 'active') FOR SHARE)
	RETURNING %s`, entryColumns)
	const entryExists = `SELECT EXISTS (SELECT 1 FROM queue_entries WHERE session_id = $1 AND student_id = $2)`
	const applyRoster = `UPDATE students SET dismissal_type = $1, bus_route = $2, updated_at = $3 WHERE id = $4 AND tenant_id = $5`
	settle := fmt.Sprintf(`UPDATE dismissal_changes SET
		status = $2, reviewed_by = $3, reviewed_at = $4, review_note = $5,
		applied_to_entry = $6, applied_to_future_only = $7
	WHERE id = $1 AND status = 'pending'
	RETURNING %s`, changeColumns)

	result := &ResolveChangeResult{}
	err := r.inTx(ctx, "resolve dismissal change", func(tx *sqlx.Tx) error {
		result.Entry = nil
		var change models.DismissalChange
		if err := tx.GetContext(ctx, &change, lock, params.ChangeID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "change request not found")
			}
			return fmt.Errorf("lock dismissal change: %w", err)
		}
		if change.TenantID != params.TenantID {
			return appErrors.ErrTenantMismatch
		}
		if change.Status != models.ChangeStatusPending {
			return appErrors.Clone(appErrors.ErrChangeAlreadyResolved, fmt.Sprintf("change is already %s", change.Status))
		}

		appliedToEntry, futureOnly := false, false
		if params.Decision == models.ChangeDecisionApprove {
			var entry models.QueueEntry
			err := tx.GetContext(ctx, &entry, applyEntry,
				change.ToType, change.BusRoute, params.At, change.SessionID, change.StudentID, change.TenantID)
			switch {
			case err == nil:
				appliedToEntry = true
				result.Entry = &entry
			case errors.Is(err, sql.ErrNoRows):
				var exists bool
				if err := tx.GetContext(ctx, &exists, entryExists, change.SessionID, change.StudentID); err != nil {
					return fmt.Errorf("check queue entry: %w", err)
				}
				futureOnly = exists
			default:
				return fmt.Errorf("apply change to queue entry: %w", err)
			}
			if _, err := tx.ExecContext(ctx, applyRoster,
				change.ToType, change.BusRoute, params.At, change.StudentID, change.TenantID); err != nil {
				return fmt.Errorf("apply change to roster: %w", err)
			}
		}

		if err := tx.GetContext(ctx, &result.Change, settle,
			change.ID, params.Decision.Status(), params.ReviewerID, params.At, params.Note, appliedToEntry, futureOnly); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrChangeAlreadyResolved, "change was resolved concurrently")
			}
			return fmt.Errorf("settle dismissal change: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
