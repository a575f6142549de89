package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-dismissal-api/internal/dto"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/pkg/database"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

const entryColumns = "id, tenant_id, session_id, student_id, dismissal_type, bus_route, family_group_id, status, position, added_by, called_at, released_at, dismissed_at, created_at, updated_at"

const queueStudentConstraint = "queue_entries_session_student_unique"

// QueueRepository persists queue entries and their status transitions.
type QueueRepository struct {
	base
}

// NewQueueRepository constructs the repository.
func NewQueueRepository(db *sqlx.DB, opts ...Option) *QueueRepository {
	return &QueueRepository{base: newBase(db, opts)}
}

// AddEntryParams describes a new queue entry.
type AddEntryParams struct {
	TenantID      string
	SessionID     string
	StudentID     string
	DismissalType models.DismissalType
	BusRoute      *string
	FamilyGroupID *string
	AddedBy       string
}

// Add appends a waiting entry at the next position of the session.
func (r *QueueRepository) Add(ctx context.Context, params AddEntryParams) (*models.QueueEntry, error) {
	if _, err := uuid.Parse(params.SessionID); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	const nextPosition = `UPDATE dismissal_sessions
	SET next_position = next_position + 1, updated_at = NOW()
	WHERE id = $1 AND tenant_id = $2 AND status IN ('scheduled', 'active')
	RETURNING next_position`
	insert := fmt.Sprintf(`INSERT INTO queue_entries
	(id, tenant_id, session_id, student_id, dismissal_type, bus_route, family_group_id, status, position, added_by, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 'waiting', $8, $9, $10, $10)
	RETURNING %s`, entryColumns)

	var entry models.QueueEntry
	err := r.inTx(ctx, "add queue entry", func(tx *sqlx.Tx) error {
		var position int64
		if err := tx.GetContext(ctx, &position, nextPosition, params.SessionID, params.TenantID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return r.sessionUnavailable(ctx, tx, params.TenantID, params.SessionID)
			}
			return fmt.Errorf("allocate queue position: %w", err)
		}
		now := time.Now().UTC()
		if err := tx.GetContext(ctx, &entry, insert,
			uuid.NewString(),
			params.TenantID,
			params.SessionID,
			params.StudentID,
			params.DismissalType,
			params.BusRoute,
			params.FamilyGroupID,
			position,
			params.AddedBy,
			now,
		); err != nil {
			if database.IsUniqueViolation(err, queueStudentConstraint) {
				return appErrors.Clone(appErrors.ErrDuplicateQueueEntry, "student is already queued for this session")
			}
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// SeedParams identifies the session to fill from the roster.
type SeedParams struct {
	TenantID  string
	SessionID string
	AddedBy   string
}

// SeedFromRoster queues every active roster student not yet in the session, in roster order.
func (r *QueueRepository) SeedFromRoster(ctx context.Context, params SeedParams) ([]models.QueueEntry, error) {
	const lockSession = `SELECT next_position FROM dismissal_sessions
	WHERE id = $1 AND tenant_id = $2 AND status IN ('scheduled', 'active')
	FOR UPDATE`
	insert := fmt.Sprintf(`INSERT INTO queue_entries
	(id, tenant_id, session_id, student_id, dismissal_type, bus_route, family_group_id, status, position, added_by, created_at, updated_at)
	SELECT gen_random_uuid(), s.tenant_id, $1, s.id, s.dismissal_type, s.bus_route, s.family_group_id, 'waiting',
	       $3 + ROW_NUMBER() OVER (ORDER BY s.homeroom, s.full_name, s.id), $4, NOW(), NOW()
	FROM students s
	WHERE s.tenant_id = $2 AND s.active
	  AND NOT EXISTS (SELECT 1 FROM queue_entries q WHERE q.session_id = $1 AND q.student_id = s.id)
	ON CONFLICT DO NOTHING
	RETURNING %s`, entryColumns)
	const advance = `UPDATE dismissal_sessions SET next_position = $2, updated_at = NOW() WHERE id = $1`

	var entries []models.QueueEntry
	err := r.inTx(ctx, "seed queue", func(tx *sqlx.Tx) error {
		entries = entries[:0]
		var position int64
		if err := tx.GetContext(ctx, &position, lockSession, params.SessionID, params.TenantID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return r.sessionUnavailable(ctx, tx, params.TenantID, params.SessionID)
			}
			return fmt.Errorf("lock session for seeding: %w", err)
		}
		if err := tx.SelectContext(ctx, &entries, insert, params.SessionID, params.TenantID, position, params.AddedBy); err != nil {
			return fmt.Errorf("seed queue entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
		if _, err := tx.ExecContext(ctx, advance, params.SessionID, entries[len(entries)-1].Position); err != nil {
			return fmt.Errorf("advance queue position: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *QueueRepository) sessionUnavailable(ctx context.Context, tx *sqlx.Tx, tenantID, sessionID string) error {
	var row struct {
		TenantID string               `db:"tenant_id"`
		Status   models.SessionStatus `db:"status"`
	}
	err := tx.GetContext(ctx, &row, "SELECT tenant_id, status FROM dismissal_sessions WHERE id = $1", sessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "session not found")
	case err != nil:
		return fmt.Errorf("inspect session: %w", err)
	case row.TenantID != tenantID:
		return appErrors.ErrTenantMismatch
	default:
		return appErrors.Clone(appErrors.ErrSessionNotActive, fmt.Sprintf("session is %s", row.Status))
	}
}

// ListBySession returns the session's entries ordered by position, optionally filtered by status.
func (r *QueueRepository) ListBySession(ctx context.Context, tenantID, sessionID string, statuses ...models.EntryStatus) ([]models.QueueEntry, error) {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("SELECT %s FROM queue_entries WHERE tenant_id = $1 AND session_id = $2", entryColumns))
	args := []interface{}{tenantID, sessionID}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, status := range statuses {
			values[i] = string(status)
		}
		args = append(args, pq.Array(values))
		builder.WriteString(fmt.Sprintf(" AND status = ANY($%d)", len(args)))
	}
	builder.WriteString(" ORDER BY position")

	var entries []models.QueueEntry
	err := r.run(ctx, func() error {
		entries = entries[:0]
		return r.db.SelectContext(ctx, &entries, builder.String(), args...)
	})
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return entries, nil
}

// GetByID fetches one entry.
func (r *QueueRepository) GetByID(ctx context.Context, id string) (*models.QueueEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
	}
	query := fmt.Sprintf("SELECT %s FROM queue_entries WHERE id = $1", entryColumns)
	var entry models.QueueEntry
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &entry, query, id)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return &entry, nil
}

// MaxPosition returns the highest position handed out in the session, or 0.
func (r *QueueRepository) MaxPosition(ctx context.Context, sessionID string) (int64, error) {
	const query = `SELECT COALESCE(MAX(position), 0) FROM queue_entries WHERE session_id = $1`
	var position int64
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &position, query, sessionID)
	})
	if err != nil {
		return 0, fmt.Errorf("max queue position: %w", err)
	}
	return position, nil
}

// TransitionParams describes a compare-and-set on one entry.
type TransitionParams struct {
	TenantID string
	EntryID  string
	Expected models.EntryStatus
	Next     models.EntryStatus
	At       time.Time
}

func transitionSQL(where string) string {
	return fmt.Sprintf(`UPDATE queue_entries q SET
		status = $4::text,
		called_at = CASE WHEN $4::text = 'called' THEN $5 WHEN $4::text = 'waiting' THEN NULL ELSE q.called_at END,
		released_at = CASE WHEN $4::text = 'released' THEN $5 ELSE q.released_at END,
		dismissed_at = CASE WHEN $4::text = 'dismissed' THEN $5 ELSE q.dismissed_at END,
		updated_at = $5
	WHERE %s AND q.tenant_id = $2 AND q.status = ANY($3)
	  AND EXISTS (SELECT 1 FROM dismissal_sessions s WHERE s.id = q.session_id AND s.status = 'active' FOR SHARE)
	RETURNING %s`, where, prefixColumns("q", entryColumns))
}

// Transition moves one entry Expected -> Next if it is still Expected and its session is active.
func (r *QueueRepository) Transition(ctx context.Context, params TransitionParams) (*models.QueueEntry, error) {
	if !params.Expected.CanTransitionTo(params.Next) {
		return nil, appErrors.Clone(appErrors.ErrIllegalTransition,
			fmt.Sprintf("entry cannot move from %s to %s", params.Expected, params.Next))
	}
	if _, err := uuid.Parse(params.EntryID); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
	}
	if params.At.IsZero() {
		params.At = time.Now().UTC()
	}
	query := transitionSQL("q.id = $1")
	var entry models.QueueEntry
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &entry, query,
			params.EntryID, params.TenantID, pq.Array([]string{string(params.Expected)}), params.Next, params.At)
	})
	if err == nil {
		return &entry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition queue entry: %w", err)
	}

	states, err := r.entryStates(ctx, []string{params.EntryID})
	if err != nil {
		return nil, err
	}
	state, ok := states[params.EntryID]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
	}
	return nil, state.failure(params.TenantID, "", []models.EntryStatus{params.Expected})
}

// BatchTransitionParams applies one transition to many entries of a session.
type BatchTransitionParams struct {
	TenantID  string
	SessionID string
	EntryIDs  []string
	Expected  []models.EntryStatus
	Next      models.EntryStatus
	At        time.Time
}

// BatchTransitionResult carries the winners and one outcome per requested id, in request order.
type BatchTransitionResult struct {
	Updated  []models.QueueEntry
	Outcomes []dto.EntryOutcome
}

// BatchTransition CASes all entries in one statement; entries that lost a race or never
// qualified are reported as skipped with the reason code.
func (r *QueueRepository) BatchTransition(ctx context.Context, params BatchTransitionParams) (*BatchTransitionResult, error) {
	for _, expected := range params.Expected {
		if !expected.CanTransitionTo(params.Next) {
			return nil, appErrors.Clone(appErrors.ErrIllegalTransition,
				fmt.Sprintf("entry cannot move from %s to %s", expected, params.Next))
		}
	}
	if params.At.IsZero() {
		params.At = time.Now().UTC()
	}

	valid := make([]string, 0, len(params.EntryIDs))
	canonical := make(map[string]string, len(params.EntryIDs))
	for _, id := range params.EntryIDs {
		parsed, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		key := parsed.String()
		if _, dup := canonical[id]; !dup {
			canonical[id] = key
		}
		if !contains(valid, key) {
			valid = append(valid, key)
		}
	}

	result := &BatchTransitionResult{}
	if len(valid) > 0 {
		expected := make([]string, len(params.Expected))
		for i, status := range params.Expected {
			expected[i] = string(status)
		}
		query := transitionSQL("q.id = ANY($1::uuid[]) AND q.session_id = $6")
		err := r.run(ctx, func() error {
			result.Updated = result.Updated[:0]
			return r.db.SelectContext(ctx, &result.Updated, query,
				pq.Array(valid), params.TenantID, pq.Array(expected), params.Next, params.At, params.SessionID)
		})
		if err != nil {
			return nil, fmt.Errorf("batch transition queue entries: %w", err)
		}
	}

	won := make(map[string]models.QueueEntry, len(result.Updated))
	for _, entry := range result.Updated {
		won[entry.ID] = entry
	}
	var states map[string]entryState
	if len(won) < len(valid) {
		losers := make([]string, 0, len(valid)-len(won))
		for _, id := range valid {
			if _, ok := won[id]; !ok {
				losers = append(losers, id)
			}
		}
		var err error
		if states, err = r.entryStates(ctx, losers); err != nil {
			return nil, err
		}
	}

	result.Outcomes = make([]dto.EntryOutcome, 0, len(params.EntryIDs))
	reported := make(map[string]bool, len(params.EntryIDs))
	for _, id := range params.EntryIDs {
		outcome := dto.EntryOutcome{EntryID: id}
		key, parsed := canonical[id]
		if !parsed {
			outcome.Reason = appErrors.ErrNotFound.Code
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}
		switch entry, ok := won[key]; {
		case ok && !reported[key]:
			outcome.Success = true
			outcome.Status = entry.Status
		case ok:
			outcome.Status = entry.Status
			outcome.Reason = appErrors.ErrStaleEntryState.Code
		default:
			state, found := states[key]
			if !found {
				outcome.Reason = appErrors.ErrNotFound.Code
				break
			}
			outcome.Status = state.Status
			outcome.Reason = appErrors.Code(state.failure(params.TenantID, params.SessionID, params.Expected))
		}
		reported[key] = true
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result, nil
}

type entryState struct {
	ID            string               `db:"id"`
	TenantID      string               `db:"tenant_id"`
	SessionID     string               `db:"session_id"`
	Status        models.EntryStatus   `db:"status"`
	SessionStatus models.SessionStatus `db:"session_status"`
}

// failure explains why a CAS on the entry matched no row.
func (s entryState) failure(tenantID, sessionID string, expected []models.EntryStatus) error {
	switch {
	case s.TenantID != tenantID:
		return appErrors.ErrTenantMismatch
	case sessionID != "" && s.SessionID != sessionID:
		return appErrors.Clone(appErrors.ErrNotFound, "queue entry not found in session")
	case s.SessionStatus != models.SessionStatusActive:
		return appErrors.Clone(appErrors.ErrSessionNotActive, fmt.Sprintf("session is %s", s.SessionStatus))
	default:
		for _, status := range expected {
			if status == s.Status {
				return appErrors.Clone(appErrors.ErrStaleEntryState, "entry changed concurrently")
			}
		}
		return appErrors.Clone(appErrors.ErrStaleEntryState, fmt.Sprintf("entry is %s", s.Status))
	}
}

func (r *QueueRepository) entryStates(ctx context.Context, ids []string) (map[string]entryState, error) {
	const query = `SELECT q.id, q.tenant_id, q.session_id, q.status, s.status AS session_status
	FROM queue_entries q JOIN dismissal_sessions s ON s.id = q.session_id
	WHERE q.id = ANY($1::uuid[])`
	var rows []entryState
	err := r.run(ctx, func() error {
		rows = rows[:0]
		return r.db.SelectContext(ctx, &rows, query, pq.Array(ids))
	})
	if err != nil {
		return nil, fmt.Errorf("inspect queue entries: %w", err)
	}
	states := make(map[string]entryState, len(rows))
	for _, row := range rows {
		states[row.ID] = row
	}
	return states, nil
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
