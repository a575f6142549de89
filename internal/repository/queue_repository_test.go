package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

const (
	entryA = "0a4d3b1e-1111-4c1b-9d7a-3f3c0a9d1e01"
	entryB = "0a4d3b1e-2222-4c1b-9d7a-3f3c0a9d1e01"
	entryC = "0a4d3b1e-3333-4c1b-9d7a-3f3c0a9d1e01"
)

var entryCols = []string{"id", "tenant_id", "session_id", "student_id", "dismissal_type", "bus_route", "family_group_id", "status", "position", "added_by", "called_at", "released_at", "dismissed_at", "created_at", "updated_at"}

func entryRows() *sqlmock.Rows {
	return sqlmock.NewRows(entryCols)
}

func addEntryRow(rows *sqlmock.Rows, id, student string, status models.EntryStatus, position int64) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, "school-1", testSessionID, student, "car", nil, nil, string(status), position, "office-1", nil, nil, nil, now, now)
}

func TestQueueRepositoryAddAllocatesNextPosition(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE dismissal_sessions")).
		WithArgs(testSessionID, "school-1").
		WillReturnRows(sqlmock.NewRows([]string{"next_position"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO queue_entries")).
		WillReturnRows(addEntryRow(entryRows(), entryA, "student-1", models.EntryStatusWaiting, 7))
	mock.ExpectCommit()

	entry, err := repo.Add(context.Background(), AddEntryParams{
		TenantID:      "school-1",
		SessionID:     testSessionID,
		StudentID:     "student-1",
		DismissalType: models.DismissalTypeCar,
		AddedBy:       "office-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), entry.Position)
	assert.Equal(t, models.EntryStatusWaiting, entry.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryAddDuplicateRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE dismissal_sessions")).
		WillReturnRows(sqlmock.NewRows([]string{"next_position"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO queue_entries")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: queueStudentConstraint})
	mock.ExpectRollback()

	_, err := repo.Add(context.Background(), AddEntryParams{TenantID: "school-1", SessionID: testSessionID, StudentID: "student-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrDuplicateQueueEntry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryAddToClosedSession(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE dismissal_sessions")).
		WillReturnRows(sqlmock.NewRows([]string{"next_position"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT tenant_id, status FROM dismissal_sessions")).
		WithArgs(testSessionID).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "status"}).AddRow("school-1", "closed"))
	mock.ExpectRollback()

	_, err := repo.Add(context.Background(), AddEntryParams{TenantID: "school-1", SessionID: testSessionID, StudentID: "student-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrSessionNotActive))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryAddToForeignSession(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE dismissal_sessions")).
		WillReturnRows(sqlmock.NewRows([]string{"next_position"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT tenant_id, status FROM dismissal_sessions")).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "status"}).AddRow("school-2", "active"))
	mock.ExpectRollback()

	_, err := repo.Add(context.Background(), AddEntryParams{TenantID: "school-1", SessionID: testSessionID, StudentID: "student-1"})
	assert.True(t, errors.Is(err, appErrors.ErrTenantMismatch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositorySeedFromRoster(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT next_position FROM dismissal_sessions")).
		WithArgs(testSessionID, "school-1").
		WillReturnRows(sqlmock.NewRows([]string{"next_position"}).AddRow(2))
	rows := entryRows()
	addEntryRow(rows, entryB, "student-2", models.EntryStatusWaiting, 4)
	addEntryRow(rows, entryA, "student-1", models.EntryStatusWaiting, 3)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO queue_entries")).
		WithArgs(testSessionID, "school-1", int64(2), "system:scheduler").
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dismissal_sessions SET next_position = $2")).
		WithArgs(testSessionID, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entries, err := repo.SeedFromRoster(context.Background(), SeedParams{TenantID: "school-1", SessionID: testSessionID, AddedBy: "system:scheduler"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Position)
	assert.Equal(t, int64(4), entries[1].Position)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryListBySessionFiltersStatuses(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM queue_entries WHERE tenant_id = $1 AND session_id = $2 AND status = ANY($3) ORDER BY position")).
		WithArgs("school-1", testSessionID, sqlmock.AnyArg()).
		WillReturnRows(addEntryRow(entryRows(), entryA, "student-1", models.EntryStatusWaiting, 1))

	entries, err := repo.ListBySession(context.Background(), "school-1", testSessionID, models.EntryStatusWaiting)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryTransition(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	lockedSession := regexp.QuoteMeta("UPDATE queue_entries q SET") + "(?s).*" +
		regexp.QuoteMeta("s.status = 'active' FOR SHARE")
	mock.ExpectQuery(lockedSession).
		WithArgs(entryA, "school-1", sqlmock.AnyArg(), models.EntryStatusReleased, sqlmock.AnyArg()).
		WillReturnRows(addEntryRow(entryRows(), entryA, "student-1", models.EntryStatusReleased, 1))

	entry, err := repo.Transition(context.Background(), TransitionParams{
		TenantID: "school-1",
		EntryID:  entryA,
		Expected: models.EntryStatusCalled,
		Next:     models.EntryStatusReleased,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusReleased, entry.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryTransitionDiagnosesZeroRows(t *testing.T) {
	stateCols := []string{"id", "tenant_id", "session_id", "status", "session_status"}
	cases := []struct {
		name  string
		state *sqlmock.Rows
		want  error
	}{
		{"stale", sqlmock.NewRows(stateCols).AddRow(entryA, "school-1", testSessionID, "held", "active"), appErrors.ErrStaleEntryState},
		{"session closed", sqlmock.NewRows(stateCols).AddRow(entryA, "school-1", testSessionID, "waiting", "closed"), appErrors.ErrSessionNotActive},
		{"other tenant", sqlmock.NewRows(stateCols).AddRow(entryA, "school-2", testSessionID, "waiting", "active"), appErrors.ErrTenantMismatch},
		{"missing", sqlmock.NewRows(stateCols), appErrors.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, cleanup := newRepoMock(t)
			defer cleanup()

			repo := NewQueueRepository(db)
			mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_entries q SET")).WillReturnRows(entryRows())
			mock.ExpectQuery(regexp.QuoteMeta("SELECT q.id, q.tenant_id, q.session_id, q.status")).WillReturnRows(tc.state)

			_, err := repo.Transition(context.Background(), TransitionParams{
				TenantID: "school-1",
				EntryID:  entryA,
				Expected: models.EntryStatusWaiting,
				Next:     models.EntryStatusCalled,
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestQueueRepositoryTransitionRejectsIllegalPair(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	_, err := repo.Transition(context.Background(), TransitionParams{
		TenantID: "school-1",
		EntryID:  entryA,
		Expected: models.EntryStatusDismissed,
		Next:     models.EntryStatusWaiting,
	})
	assert.True(t, errors.Is(err, appErrors.ErrIllegalTransition))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryBatchTransitionReportsOutcomesInRequestOrder(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_entries q SET")).
		WithArgs(sqlmock.AnyArg(), "school-1", sqlmock.AnyArg(), models.EntryStatusCalled, sqlmock.AnyArg(), testSessionID).
		WillReturnRows(addEntryRow(entryRows(), entryB, "student-2", models.EntryStatusCalled, 2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT q.id, q.tenant_id, q.session_id, q.status")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "session_id", "status", "session_status"}).
			AddRow(entryA, "school-1", testSessionID, "held", "active"))

	result, err := repo.BatchTransition(context.Background(), BatchTransitionParams{
		TenantID:  "school-1",
		SessionID: testSessionID,
		EntryIDs:  []string{entryA, entryB, entryC, "bogus"},
		Expected:  []models.EntryStatus{models.EntryStatusWaiting},
		Next:      models.EntryStatusCalled,
	})
	require.NoError(t, err)
	require.Len(t, result.Updated, 1)
	require.Len(t, result.Outcomes, 4)

	assert.Equal(t, entryA, result.Outcomes[0].EntryID)
	assert.False(t, result.Outcomes[0].Success)
	assert.Equal(t, appErrors.ErrStaleEntryState.Code, result.Outcomes[0].Reason)
	assert.Equal(t, models.EntryStatusHeld, result.Outcomes[0].Status)

	assert.True(t, result.Outcomes[1].Success)
	assert.Equal(t, models.EntryStatusCalled, result.Outcomes[1].Status)

	assert.Equal(t, appErrors.ErrNotFound.Code, result.Outcomes[2].Reason)
	assert.Equal(t, appErrors.ErrNotFound.Code, result.Outcomes[3].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryMaxPosition(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewQueueRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(position), 0)")).
		WithArgs(testSessionID).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(12))

	position, err := repo.MaxPosition(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), position)
}
