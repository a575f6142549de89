package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/pkg/database"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

const sessionColumns = "id, tenant_id, session_date, status, scheduled_start_time, actual_start_time, closed_at, created_by, created_at, updated_at"

const openSessionConstraint = "dismissal_sessions_open_unique"

// SessionRepository persists dismissal sessions.
type SessionRepository struct {
	base
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB, opts ...Option) *SessionRepository {
	return &SessionRepository{base: newBase(db, opts)}
}

// Create inserts a scheduled session. A second open session for the same tenant and date is rejected.
func (r *SessionRepository) Create(ctx context.Context, session *models.DismissalSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusScheduled
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt

	const query = `INSERT INTO dismissal_sessions
	(id, tenant_id, session_date, status, scheduled_start_time, actual_start_time, closed_at, created_by, created_at, updated_at)
	VALUES (:id, :tenant_id, :session_date, :status, :scheduled_start_time, :actual_start_time, :closed_at, :created_by, :created_at, :updated_at)`
	return r.run(ctx, func() error {
		if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
			if database.IsUniqueViolation(err, openSessionConstraint) {
				return appErrors.ErrSessionAlreadyOpen
			}
			return fmt.Errorf("create dismissal session: %w", err)
		}
		return nil
	})
}

// GetByID fetches a session by id.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.DismissalSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	query := fmt.Sprintf("SELECT %s FROM dismissal_sessions WHERE id = $1", sessionColumns)
	var session models.DismissalSession
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &session, query, id)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, fmt.Errorf("get dismissal session: %w", err)
	}
	return &session, nil
}

// FindOpen returns the scheduled or active session for the tenant and date, or nil.
func (r *SessionRepository) FindOpen(ctx context.Context, tenantID string, date time.Time) (*models.DismissalSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM dismissal_sessions
	WHERE tenant_id = $1 AND session_date = $2 AND status IN ('scheduled', 'active')
	LIMIT 1`, sessionColumns)
	var session models.DismissalSession
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &session, query, tenantID, date)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find open dismissal session: %w", err)
	}
	return &session, nil
}

// ExistsForDate reports whether the tenant has a session of any status for the date.
func (r *SessionRepository) ExistsForDate(ctx context.Context, tenantID string, date time.Time) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM dismissal_sessions WHERE tenant_id = $1 AND session_date = $2)`
	var exists bool
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &exists, query, tenantID, date)
	})
	if err != nil {
		return false, fmt.Errorf("check dismissal session for date: %w", err)
	}
	return exists, nil
}

// UpdateSessionStatusParams describes a compare-and-set on the session status.
type UpdateSessionStatusParams struct {
	TenantID string
	ID       string
	From     models.SessionStatus
	To       models.SessionStatus
	At       time.Time
}

// UpdateStatus moves the session From -> To only if it is still in From.
func (r *SessionRepository) UpdateStatus(ctx context.Context, params UpdateSessionStatusParams) (*models.DismissalSession, error) {
	if !params.From.CanTransitionTo(params.To) {
		return nil, appErrors.Clone(appErrors.ErrInvalidSessionTransition,
			fmt.Sprintf("session cannot move from %s to %s", params.From, params.To))
	}
	if params.At.IsZero() {
		params.At = time.Now().UTC()
	}
	query := fmt.Sprintf(`UPDATE dismissal_sessions SET
		status = $4::text,
		actual_start_time = CASE WHEN $4::text = 'active' THEN $5 ELSE actual_start_time END,
		closed_at = CASE WHEN $4::text = 'closed' THEN $5 ELSE closed_at END,
		updated_at = $5
	WHERE id = $1 AND tenant_id = $2 AND status = $3
	RETURNING %s`, sessionColumns)

	var session models.DismissalSession
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &session, query, params.ID, params.TenantID, params.From, params.To, params.At)
	})
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update dismissal session status: %w", err)
	}

	current, getErr := r.GetByID(ctx, params.ID)
	if getErr != nil {
		return nil, getErr
	}
	if current.TenantID != params.TenantID {
		return nil, appErrors.ErrTenantMismatch
	}
	return nil, appErrors.Clone(appErrors.ErrInvalidSessionTransition,
		fmt.Sprintf("session is %s, cannot move to %s", current.Status, params.To))
}

// ListDueForStart returns scheduled sessions of app-mode schools whose start time has passed.
func (r *SessionRepository) ListDueForStart(ctx context.Context, now time.Time) ([]models.DismissalSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM dismissal_sessions ds
	WHERE ds.status = 'scheduled'
	  AND ds.scheduled_start_time IS NOT NULL
	  AND ds.scheduled_start_time <= $1
	  AND EXISTS (SELECT 1 FROM schools sc WHERE sc.tenant_id = ds.tenant_id AND sc.dismissal_mode = 'app')
	ORDER BY ds.scheduled_start_time`, prefixColumns("ds", sessionColumns))
	var sessions []models.DismissalSession
	err := r.run(ctx, func() error {
		sessions = sessions[:0]
		return r.db.SelectContext(ctx, &sessions, query, now)
	})
	if err != nil {
		return nil, fmt.Errorf("list due dismissal sessions: %w", err)
	}
	return sessions, nil
}

// CloseSessionParams identifies the active session to close.
type CloseSessionParams struct {
	TenantID string
	ID       string
	At       time.Time
}

// CloseSessionResult carries the closed session and the entries confirmed as dismissed.
type CloseSessionResult struct {
	Session   models.DismissalSession
	Dismissed []models.QueueEntry
}

// Close moves an active session to closed and dismisses its released entries in one
// transaction. The session row stays locked until commit, so a release racing the close
// either lands before the sweep or fails against the closed session.
func (r *SessionRepository) Close(ctx context.Context, params CloseSessionParams) (*CloseSessionResult, error) {
	if _, err := uuid.Parse(params.ID); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	if params.At.IsZero() {
		params.At = time.Now().UTC()
	}
	closeSession := fmt.Sprintf(`UPDATE dismissal_sessions SET status = 'closed', closed_at = $3, updated_at = $3
	WHERE id = $1 AND tenant_id = $2 AND status = 'active'
	RETURNING %s`, sessionColumns)
	dismissReleased := fmt.Sprintf(`UPDATE queue_entries SET status = 'dismissed', dismissed_at = $3, updated_at = $3
	WHERE session_id = $1 AND tenant_id = $2 AND status = 'released'
	RETURNING %s`, entryColumns)

	result := &CloseSessionResult{}
	err := r.inTx(ctx, "close dismissal session", func(tx *sqlx.Tx) error {
		result.Dismissed = result.Dismissed[:0]
		if err := tx.GetContext(ctx, &result.Session, closeSession, params.ID, params.TenantID, params.At); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errSessionNotClosable
			}
			return fmt.Errorf("close dismissal session: %w", err)
		}
		if err := tx.SelectContext(ctx, &result.Dismissed, dismissReleased, params.ID, params.TenantID, params.At); err != nil {
			return fmt.Errorf("dismiss released entries: %w", err)
		}
		return nil
	})
	if errors.Is(err, errSessionNotClosable) {
		current, getErr := r.GetByID(ctx, params.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.TenantID != params.TenantID {
			return nil, appErrors.ErrTenantMismatch
		}
		return nil, appErrors.Clone(appErrors.ErrInvalidSessionTransition,
			fmt.Sprintf("session is %s, cannot close", current.Status))
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(result.Dismissed, func(i, j int) bool { return result.Dismissed[i].Position < result.Dismissed[j].Position })
	return result, nil
}

var errSessionNotClosable = errors.New("session not closable")
