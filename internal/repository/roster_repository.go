package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

// RosterRepository reads the roster projection owned by the roster service.
type RosterRepository struct {
	base
}

// NewRosterRepository constructs the repository.
func NewRosterRepository(db *sqlx.DB, opts ...Option) *RosterRepository {
	return &RosterRepository{base: newBase(db, opts)}
}

// GetStudent returns one student of the tenant.
func (r *RosterRepository) GetStudent(ctx context.Context, tenantID, studentID string) (*models.RosterStudent, error) {
	const query = `SELECT id, tenant_id, full_name, dismissal_type, bus_route, family_group_id, active
	FROM students WHERE id = $1`
	var student models.RosterStudent
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &student, query, studentID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, fmt.Errorf("get roster student: %w", err)
	}
	if student.TenantID != tenantID {
		return nil, appErrors.ErrTenantMismatch
	}
	return &student, nil
}

// GuardianIDs maps each student to the user ids of their guardians.
func (r *RosterRepository) GuardianIDs(ctx context.Context, studentIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(studentIDs))
	if len(studentIDs) == 0 {
		return result, nil
	}
	const query = `SELECT student_id, guardian_user_id FROM student_guardians
	WHERE student_id = ANY($1) ORDER BY student_id, guardian_user_id`
	var rows []struct {
		StudentID  string `db:"student_id"`
		GuardianID string `db:"guardian_user_id"`
	}
	err := r.run(ctx, func() error {
		rows = rows[:0]
		return r.db.SelectContext(ctx, &rows, query, pq.Array(studentIDs))
	})
	if err != nil {
		return nil, fmt.Errorf("list student guardians: %w", err)
	}
	for _, row := range rows {
		result[row.StudentID] = append(result[row.StudentID], row.GuardianID)
	}
	return result, nil
}

// StudentIDsForGuardian lists the tenant's students linked to the guardian.
func (r *RosterRepository) StudentIDsForGuardian(ctx context.Context, tenantID, guardianID string) ([]string, error) {
	const query = `SELECT g.student_id FROM student_guardians g
	JOIN students s ON s.id = g.student_id
	WHERE g.guardian_user_id = $1 AND s.tenant_id = $2
	ORDER BY g.student_id`
	ids := []string{}
	err := r.run(ctx, func() error {
		ids = ids[:0]
		return r.db.SelectContext(ctx, &ids, query, guardianID, tenantID)
	})
	if err != nil {
		return nil, fmt.Errorf("list guardian students: %w", err)
	}
	return ids, nil
}

// ListAppSchools returns the schools whose dismissal runs through the app.
func (r *RosterRepository) ListAppSchools(ctx context.Context) ([]models.SchoolSchedule, error) {
	const query = `SELECT tenant_id, dismissal_mode, dismissal_time, timezone FROM schools
	WHERE dismissal_mode = $1 ORDER BY tenant_id`
	var schools []models.SchoolSchedule
	err := r.run(ctx, func() error {
		schools = schools[:0]
		return r.db.SelectContext(ctx, &schools, query, models.DismissalModeApp)
	})
	if err != nil {
		return nil, fmt.Errorf("list app schools: %w", err)
	}
	return schools, nil
}

// GetSchool returns the tenant's school schedule.
func (r *RosterRepository) GetSchool(ctx context.Context, tenantID string) (*models.SchoolSchedule, error) {
	const query = `SELECT tenant_id, dismissal_mode, dismissal_time, timezone FROM schools WHERE tenant_id = $1`
	var school models.SchoolSchedule
	err := r.run(ctx, func() error {
		return r.db.GetContext(ctx, &school, query, tenantID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "school not found")
		}
		return nil, fmt.Errorf("get school: %w", err)
	}
	return &school, nil
}
