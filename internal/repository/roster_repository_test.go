package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

func TestRosterRepositoryGetStudentChecksTenant(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewRosterRepository(db)
	cols := []string{"id", "tenant_id", "full_name", "dismissal_type", "bus_route", "family_group_id", "active"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM students WHERE id = $1")).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("student-1", "school-2", "Ana", "car", nil, "fam-1", true))

	_, err := repo.GetStudent(context.Background(), "school-1", "student-1")
	assert.True(t, errors.Is(err, appErrors.ErrTenantMismatch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryGuardianIDs(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewRosterRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM student_guardians")).
		WillReturnRows(sqlmock.NewRows([]string{"student_id", "guardian_user_id"}).
			AddRow("student-1", "parent-1").
			AddRow("student-1", "parent-2").
			AddRow("student-2", "parent-1"))

	guardians, err := repo.GuardianIDs(context.Background(), []string{"student-1", "student-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"parent-1", "parent-2"}, guardians["student-1"])
	assert.Equal(t, []string{"parent-1"}, guardians["student-2"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryListAppSchools(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewRosterRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM schools")).
		WithArgs(models.DismissalModeApp).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "dismissal_mode", "dismissal_time", "timezone"}).
			AddRow("school-1", "app", "15:10", "Asia/Jakarta"))

	schools, err := repo.ListAppSchools(context.Background())
	require.NoError(t, err)
	require.Len(t, schools, 1)
	assert.Equal(t, "15:10", schools[0].DismissalTime)
}

func TestRosterRepositoryGetSchool(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewRosterRepository(db)
	cols := []string{"tenant_id", "dismissal_mode", "dismissal_time", "timezone"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM schools WHERE tenant_id = $1")).
		WithArgs("school-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("school-1", "app", "15:10", "Pacific/Honolulu"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM schools WHERE tenant_id = $1")).
		WithArgs("school-9").
		WillReturnRows(sqlmock.NewRows(cols))

	school, err := repo.GetSchool(context.Background(), "school-1")
	require.NoError(t, err)
	assert.Equal(t, "Pacific/Honolulu", school.Timezone)

	_, err = repo.GetSchool(context.Background(), "school-9")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityRepositoryAppendBatch(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewActivityRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dismissal_activity_log")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	entries := []models.ActivityLogEntry{
		{TenantID: "school-1", SessionID: testSessionID, ActorID: "office-1", Action: models.ActivityEntryTransit},
		{TenantID: "school-1", SessionID: testSessionID, ActorID: "office-1", Action: models.ActivityEntryTransit},
	}
	require.NoError(t, repo.Append(context.Background(), entries...))
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[1].CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityRepositoryListBySession(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewActivityRepository(db)
	cols := []string{"id", "tenant_id", "session_id", "entry_id", "change_id", "actor_id", "action", "from_status", "to_status", "detail", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM dismissal_activity_log")).
		WithArgs("school-1", testSessionID).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("log-1", "school-1", testSessionID, entryA, nil, "office-1", "ENTRY_TRANSITION", "waiting", "called", []byte(`{}`), time.Now()))

	entries, err := repo.ListBySession(context.Background(), "school-1", testSessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "called", *entries[0].ToStatus)
}
