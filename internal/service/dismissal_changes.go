package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/internal/dto"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/internal/realtime"
	"github.com/noah-isme/sma-dismissal-api/internal/repository"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

// SubmitChange records a pending routing change for a student of the session.
// Parents may only submit for their own students.
func (s *DismissalService) SubmitChange(ctx context.Context, actor models.ActorContext, sessionID string, req dto.SubmitChangeRequest) (*models.DismissalChange, error) {
	const op = "submit_change"
	if actor.TenantID == "" {
		return nil, s.fail(op, appErrors.ErrTenantMissing)
	}
	if actor.ActorID == "" {
		return nil, s.fail(op, appErrors.ErrUnauthorized)
	}
	if !actor.Role.Staff() && actor.Role != models.RoleParent {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrForbidden, "role cannot request changes"))
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, s.fail(op, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change payload"))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if !session.Status.Open() {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrSessionNotActive, "session is closed"))
	}
	if actor.Role == models.RoleParent {
		if err := s.ensureGuardian(ctx, actor, req.StudentID); err != nil {
			return nil, s.fail(op, err)
		}
	}
	student, err := s.roster.GetStudent(ctx, actor.TenantID, req.StudentID)
	if err != nil {
		return nil, s.fail(op, err)
	}

	from := req.FromType
	if from == "" {
		from = student.DismissalType
	}
	if from == req.ToType && req.BusRoute == nil {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrValidation, "change does not alter the dismissal type"))
	}
	var note *string
	if trimmed := strings.TrimSpace(req.Note); trimmed != "" {
		note = &trimmed
	}

	change := &models.DismissalChange{
		TenantID:        actor.TenantID,
		SessionID:       session.ID,
		StudentID:       student.ID,
		RequestedBy:     actor.ActorID,
		RequestedByRole: actor.Role,
		FromType:        from,
		ToType:          req.ToType,
		BusRoute:        req.BusRoute,
		Note:            note,
		CreatedAt:       s.now(),
	}
	if err := s.changes.Create(ctx, change); err != nil {
		return nil, s.fail(op, err)
	}

	s.recordActivity(ctx, models.ActivityLogEntry{
		TenantID:  change.TenantID,
		SessionID: change.SessionID,
		ChangeID:  strPtr(change.ID),
		ActorID:   actor.ActorID,
		Action:    models.ActivityChangeSubmit,
		ToStatus:  strPtr(string(models.ChangeStatusPending)),
	})
	s.publish(ctx, models.EventChangeRequest, change.TenantID, change.SessionID,
		dto.ChangeEventPayload{Change: *change, ActorID: actor.ActorID},
		realtime.Scope{StudentIDs: []string{change.StudentID}, RequesterID: change.RequestedBy, RequesterRole: change.RequestedByRole})
	s.metrics.RecordTransition(op, "ok")
	return change, nil
}

// ResolveChange approves or rejects a pending change. An approval reaches the
// queue entry only while it is waiting or held; otherwise it is applied to the
// roster alone and reported as appliedToFutureOnly.
func (s *DismissalService) ResolveChange(ctx context.Context, actor models.ActorContext, changeID string, req dto.ResolveChangeRequest) (*dto.ChangeResolution, error) {
	const op = "resolve_change"
	if err := s.authorizeStaff(actor); err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, s.fail(op, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid resolution payload"))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var note *string
	if trimmed := strings.TrimSpace(req.Note); trimmed != "" {
		note = &trimmed
	}
	result, err := s.changes.Resolve(ctx, repository.ResolveChangeParams{
		TenantID:   actor.TenantID,
		ChangeID:   changeID,
		Decision:   req.Decision,
		ReviewerID: actor.ActorID,
		Note:       note,
		At:         s.now(),
	})
	if err != nil {
		return nil, s.fail(op, err)
	}
	change := result.Change

	resolution := &dto.ChangeResolution{
		Change:              change,
		Entry:               result.Entry,
		AppliedToEntry:      change.AppliedToEntry,
		AppliedToFutureOnly: change.AppliedToFutureOnly,
	}
	s.recordActivity(ctx, models.ActivityLogEntry{
		TenantID:   change.TenantID,
		SessionID:  change.SessionID,
		ChangeID:   strPtr(change.ID),
		EntryID:    entryIDOf(result.Entry),
		ActorID:    actor.ActorID,
		Action:     models.ActivityChangeResolve,
		FromStatus: strPtr(string(models.ChangeStatusPending)),
		ToStatus:   strPtr(string(change.Status)),
	})
	s.publish(ctx, models.EventChangeResolved, change.TenantID, change.SessionID,
		dto.ChangeEventPayload{
			Change:              change,
			Entry:               result.Entry,
			AppliedToEntry:      change.AppliedToEntry,
			AppliedToFutureOnly: change.AppliedToFutureOnly,
			ActorID:             actor.ActorID,
		},
		realtime.Scope{StudentIDs: []string{change.StudentID}, RequesterID: change.RequestedBy, RequesterRole: change.RequestedByRole})
	s.logger.Info("dismissal change resolved",
		zap.String("tenant_id", change.TenantID),
		zap.String("session_id", change.SessionID),
		zap.String("change_id", change.ID),
		zap.String("status", string(change.Status)),
		zap.Bool("applied_to_future_only", change.AppliedToFutureOnly),
	)
	s.metrics.RecordTransition(op, "ok")
	return resolution, nil
}

// ListChanges lists the session's change requests visible to the actor.
func (s *DismissalService) ListChanges(ctx context.Context, actor models.ActorContext, sessionID string, status models.ChangeStatus) ([]models.DismissalChange, error) {
	if actor.TenantID == "" {
		return nil, appErrors.ErrTenantMissing
	}
	switch status {
	case "", models.ChangeStatusPending, models.ChangeStatusApproved, models.ChangeStatusRejected:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown change status")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return nil, normalizeError(err)
	}
	filter := repository.ChangeFilter{TenantID: actor.TenantID, SessionID: session.ID, Status: status}
	switch {
	case actor.Role.Staff():
	case actor.Role == models.RoleParent:
		students, err := s.roster.StudentIDsForGuardian(ctx, actor.TenantID, actor.ActorID)
		if err != nil {
			return nil, normalizeError(err)
		}
		filter.StudentIDs = students
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "role cannot view change requests")
	}
	changes, err := s.changes.List(ctx, filter)
	if err != nil {
		return nil, normalizeError(err)
	}
	return changes, nil
}

// GetSnapshot returns the role-scoped current view of a session.
func (s *DismissalService) GetSnapshot(ctx context.Context, actor models.ActorContext, sessionID string) (*dto.Snapshot, error) {
	if actor.TenantID == "" {
		return nil, appErrors.ErrTenantMissing
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return nil, normalizeError(err)
	}
	snapshot := &dto.Snapshot{
		Session:        *session,
		Entries:        []models.QueueEntry{},
		PendingChanges: []models.DismissalChange{},
		GeneratedAt:    s.now(),
	}

	switch {
	case actor.Role.Staff():
		entries, err := s.queue.ListBySession(ctx, actor.TenantID, session.ID)
		if err != nil {
			return nil, normalizeError(err)
		}
		changes, err := s.changes.List(ctx, repository.ChangeFilter{
			TenantID:  actor.TenantID,
			SessionID: session.ID,
			Status:    models.ChangeStatusPending,
		})
		if err != nil {
			return nil, normalizeError(err)
		}
		snapshot.Entries = append(snapshot.Entries, entries...)
		snapshot.PendingChanges = append(snapshot.PendingChanges, changes...)
	case actor.Role == models.RoleParent:
		students, err := s.roster.StudentIDsForGuardian(ctx, actor.TenantID, actor.ActorID)
		if err != nil {
			return nil, normalizeError(err)
		}
		if len(students) == 0 {
			return snapshot, nil
		}
		own := make(map[string]bool, len(students))
		for _, id := range students {
			own[id] = true
		}
		entries, err := s.queue.ListBySession(ctx, actor.TenantID, session.ID)
		if err != nil {
			return nil, normalizeError(err)
		}
		for _, entry := range entries {
			if own[entry.StudentID] {
				snapshot.Entries = append(snapshot.Entries, entry)
			}
		}
		changes, err := s.changes.List(ctx, repository.ChangeFilter{
			TenantID:   actor.TenantID,
			SessionID:  session.ID,
			Status:     models.ChangeStatusPending,
			StudentIDs: students,
		})
		if err != nil {
			return nil, normalizeError(err)
		}
		snapshot.PendingChanges = append(snapshot.PendingChanges, changes...)
	case actor.Role == models.RoleDisplay:
		entries, err := s.queue.ListBySession(ctx, actor.TenantID, session.ID, models.EntryStatusCalled, models.EntryStatusReleased)
		if err != nil {
			return nil, normalizeError(err)
		}
		snapshot.Entries = append(snapshot.Entries, entries...)
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "role cannot view the queue")
	}
	return snapshot, nil
}

func (s *DismissalService) ensureGuardian(ctx context.Context, actor models.ActorContext, studentID string) error {
	students, err := s.roster.StudentIDsForGuardian(ctx, actor.TenantID, actor.ActorID)
	if err != nil {
		return err
	}
	for _, id := range students {
		if id == studentID {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrForbidden, "student is not linked to this guardian")
}

func entryIDOf(entry *models.QueueEntry) *string {
	if entry == nil {
		return nil
	}
	return strPtr(entry.ID)
}
