package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-dismissal-api/internal/dto"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/internal/realtime"
	"github.com/noah-isme/sma-dismissal-api/internal/repository"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

// memoryStore mirrors the repository CAS semantics under one mutex.
type memoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*models.DismissalSession
	nextPos   map[string]int64
	entries   map[string]*models.QueueEntry
	changes   map[string]*models.DismissalChange
	students  map[string]models.RosterStudent
	guardians map[string][]string
	schools   map[string]models.SchoolSchedule
	activity  []models.ActivityLogEntry

	activityErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions:  make(map[string]*models.DismissalSession),
		nextPos:   make(map[string]int64),
		entries:   make(map[string]*models.QueueEntry),
		changes:   make(map[string]*models.DismissalChange),
		students:  make(map[string]models.RosterStudent),
		guardians: make(map[string][]string),
		schools:   make(map[string]models.SchoolSchedule),
	}
}

func (m *memoryStore) addStudent(student models.RosterStudent, guardians ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if student.DismissalType == "" {
		student.DismissalType = models.DismissalTypeCar
	}
	student.Active = true
	m.students[student.ID] = student
	m.guardians[student.ID] = guardians
}

func sameDay(a, b time.Time) bool {
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}

type memorySessions struct{ m *memoryStore }

func (s memorySessions) Create(_ context.Context, session *models.DismissalSession) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.sessions {
		if existing.TenantID == session.TenantID && sameDay(existing.Date, session.Date) && existing.Status.Open() {
			return appErrors.ErrSessionAlreadyOpen
		}
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.UpdatedAt = session.CreatedAt
	clone := *session
	s.m.sessions[session.ID] = &clone
	return nil
}

func (s memorySessions) GetByID(_ context.Context, id string) (*models.DismissalSession, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	session, ok := s.m.sessions[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	clone := *session
	return &clone, nil
}

func (s memorySessions) FindOpen(_ context.Context, tenantID string, date time.Time) (*models.DismissalSession, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, session := range s.m.sessions {
		if session.TenantID == tenantID && sameDay(session.Date, date) && session.Status.Open() {
			clone := *session
			return &clone, nil
		}
	}
	return nil, nil
}

func (s memorySessions) ExistsForDate(_ context.Context, tenantID string, date time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, session := range s.m.sessions {
		if session.TenantID == tenantID && sameDay(session.Date, date) {
			return true, nil
		}
	}
	return false, nil
}

func (s memorySessions) ListDueForStart(_ context.Context, now time.Time) ([]models.DismissalSession, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := []models.DismissalSession{}
	for _, session := range s.m.sessions {
		if session.Status == models.SessionStatusScheduled && session.ScheduledStartTime != nil && !session.ScheduledStartTime.After(now) {
			out = append(out, *session)
		}
	}
	return out, nil
}

func (s memorySessions) Close(_ context.Context, params repository.CloseSessionParams) (*repository.CloseSessionResult, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	session, ok := s.m.sessions[params.ID]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	if session.TenantID != params.TenantID {
		return nil, appErrors.ErrTenantMismatch
	}
	if session.Status != models.SessionStatusActive {
		return nil, appErrors.ErrInvalidSessionTransition
	}
	at := params.At
	session.Status = models.SessionStatusClosed
	session.ClosedAt = &at
	session.UpdatedAt = at

	result := &repository.CloseSessionResult{Session: *session}
	for _, entry := range s.m.entries {
		if entry.SessionID != session.ID || entry.Status != models.EntryStatusReleased {
			continue
		}
		entry.Status = models.EntryStatusDismissed
		entry.DismissedAt = &at
		entry.UpdatedAt = at
		result.Dismissed = append(result.Dismissed, *entry)
	}
	sort.Slice(result.Dismissed, func(i, j int) bool { return result.Dismissed[i].Position < result.Dismissed[j].Position })
	return result, nil
}

func (s memorySessions) UpdateStatus(_ context.Context, params repository.UpdateSessionStatusParams) (*models.DismissalSession, error) {
	if !params.From.CanTransitionTo(params.To) {
		return nil, appErrors.ErrInvalidSessionTransition
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	session, ok := s.m.sessions[params.ID]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	if session.TenantID != params.TenantID {
		return nil, appErrors.ErrTenantMismatch
	}
	if session.Status != params.From {
		return nil, appErrors.ErrInvalidSessionTransition
	}
	session.Status = params.To
	at := params.At
	switch params.To {
	case models.SessionStatusActive:
		session.ActualStartTime = &at
	case models.SessionStatusClosed:
		session.ClosedAt = &at
	}
	session.UpdatedAt = at
	clone := *session
	return &clone, nil
}

type memoryQueue struct{ m *memoryStore }

func (q memoryQueue) sessionOpenLocked(tenantID, sessionID string) error {
	session, ok := q.m.sessions[sessionID]
	switch {
	case !ok:
		return appErrors.Clone(appErrors.ErrNotFound, "session not found")
	case session.TenantID != tenantID:
		return appErrors.ErrTenantMismatch
	case !session.Status.Open():
		return appErrors.ErrSessionNotActive
	}
	return nil
}

func (q memoryQueue) queuedLocked(sessionID, studentID string) bool {
	for _, entry := range q.m.entries {
		if entry.SessionID == sessionID && entry.StudentID == studentID {
			return true
		}
	}
	return false
}

func (q memoryQueue) Add(_ context.Context, params repository.AddEntryParams) (*models.QueueEntry, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if err := q.sessionOpenLocked(params.TenantID, params.SessionID); err != nil {
		return nil, err
	}
	if q.queuedLocked(params.SessionID, params.StudentID) {
		return nil, appErrors.ErrDuplicateQueueEntry
	}
	q.m.nextPos[params.SessionID]++
	now := time.Now().UTC()
	entry := &models.QueueEntry{
		ID:            uuid.NewString(),
		TenantID:      params.TenantID,
		SessionID:     params.SessionID,
		StudentID:     params.StudentID,
		DismissalType: params.DismissalType,
		BusRoute:      params.BusRoute,
		FamilyGroupID: params.FamilyGroupID,
		Status:        models.EntryStatusWaiting,
		Position:      q.m.nextPos[params.SessionID],
		AddedBy:       params.AddedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	q.m.entries[entry.ID] = entry
	clone := *entry
	return &clone, nil
}

func (q memoryQueue) SeedFromRoster(_ context.Context, params repository.SeedParams) ([]models.QueueEntry, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if err := q.sessionOpenLocked(params.TenantID, params.SessionID); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(q.m.students))
	for id, student := range q.m.students {
		if student.TenantID == params.TenantID && student.Active && !q.queuedLocked(params.SessionID, id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	seeded := make([]models.QueueEntry, 0, len(ids))
	for _, id := range ids {
		student := q.m.students[id]
		q.m.nextPos[params.SessionID]++
		entry := &models.QueueEntry{
			ID:            uuid.NewString(),
			TenantID:      params.TenantID,
			SessionID:     params.SessionID,
			StudentID:     id,
			DismissalType: student.DismissalType,
			BusRoute:      student.BusRoute,
			FamilyGroupID: student.FamilyGroupID,
			Status:        models.EntryStatusWaiting,
			Position:      q.m.nextPos[params.SessionID],
			AddedBy:       params.AddedBy,
		}
		q.m.entries[entry.ID] = entry
		seeded = append(seeded, *entry)
	}
	return seeded, nil
}

func (q memoryQueue) ListBySession(_ context.Context, tenantID, sessionID string, statuses ...models.EntryStatus) ([]models.QueueEntry, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	wanted := make(map[models.EntryStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	out := []models.QueueEntry{}
	for _, entry := range q.m.entries {
		if entry.TenantID != tenantID || entry.SessionID != sessionID {
			continue
		}
		if len(wanted) > 0 && !wanted[entry.Status] {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (q memoryQueue) GetByID(_ context.Context, id string) (*models.QueueEntry, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	entry, ok := q.m.entries[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
	}
	clone := *entry
	return &clone, nil
}

func (q memoryQueue) casLocked(tenantID, sessionID, id string, expected []models.EntryStatus, next models.EntryStatus, at time.Time) (*models.QueueEntry, error) {
	entry, ok := q.m.entries[id]
	if !ok || (sessionID != "" && entry.SessionID != sessionID) {
		return nil, appErrors.ErrNotFound
	}
	if entry.TenantID != tenantID {
		return nil, appErrors.ErrTenantMismatch
	}
	if q.m.sessions[entry.SessionID].Status != models.SessionStatusActive {
		return nil, appErrors.ErrSessionNotActive
	}
	matched := false
	for _, status := range expected {
		if entry.Status == status {
			matched = true
		}
	}
	if !matched {
		return nil, appErrors.ErrStaleEntryState
	}
	entry.Status = next
	switch next {
	case models.EntryStatusCalled:
		entry.CalledAt = &at
	case models.EntryStatusWaiting:
		entry.CalledAt = nil
	case models.EntryStatusReleased:
		entry.ReleasedAt = &at
	case models.EntryStatusDismissed:
		entry.DismissedAt = &at
	}
	entry.UpdatedAt = at
	clone := *entry
	return &clone, nil
}

func (q memoryQueue) Transition(_ context.Context, params repository.TransitionParams) (*models.QueueEntry, error) {
	if !params.Expected.CanTransitionTo(params.Next) {
		return nil, appErrors.ErrIllegalTransition
	}
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	return q.casLocked(params.TenantID, "", params.EntryID, []models.EntryStatus{params.Expected}, params.Next, params.At)
}

func (q memoryQueue) BatchTransition(_ context.Context, params repository.BatchTransitionParams) (*repository.BatchTransitionResult, error) {
	for _, expected := range params.Expected {
		if !expected.CanTransitionTo(params.Next) {
			return nil, appErrors.ErrIllegalTransition
		}
	}
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	result := &repository.BatchTransitionResult{}
	for _, id := range params.EntryIDs {
		outcome := dto.EntryOutcome{EntryID: id}
		entry, err := q.casLocked(params.TenantID, params.SessionID, id, params.Expected, params.Next, params.At)
		if err != nil {
			outcome.Reason = appErrors.Code(err)
			if current, ok := q.m.entries[id]; ok {
				outcome.Status = current.Status
			}
		} else {
			outcome.Success = true
			outcome.Status = entry.Status
			result.Updated = append(result.Updated, *entry)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result, nil
}

type memoryChanges struct{ m *memoryStore }

func (c memoryChanges) Create(_ context.Context, change *models.DismissalChange) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	for _, existing := range c.m.changes {
		if existing.SessionID == change.SessionID && existing.StudentID == change.StudentID && existing.Status == models.ChangeStatusPending {
			return appErrors.ErrDuplicateChangeRequest
		}
	}
	change.ID = uuid.NewString()
	change.Status = models.ChangeStatusPending
	clone := *change
	c.m.changes[change.ID] = &clone
	return nil
}

func (c memoryChanges) GetByID(_ context.Context, id string) (*models.DismissalChange, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	change, ok := c.m.changes[id]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	clone := *change
	return &clone, nil
}

func (c memoryChanges) List(_ context.Context, filter repository.ChangeFilter) ([]models.DismissalChange, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	allowed := map[string]bool{}
	for _, id := range filter.StudentIDs {
		allowed[id] = true
	}
	out := []models.DismissalChange{}
	for _, change := range c.m.changes {
		if change.TenantID != filter.TenantID || change.SessionID != filter.SessionID {
			continue
		}
		if filter.Status != "" && change.Status != filter.Status {
			continue
		}
		if filter.StudentIDs != nil && !allowed[change.StudentID] {
			continue
		}
		out = append(out, *change)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (c memoryChanges) Resolve(_ context.Context, params repository.ResolveChangeParams) (*repository.ResolveChangeResult, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	change, ok := c.m.changes[params.ChangeID]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	if change.TenantID != params.TenantID {
		return nil, appErrors.ErrTenantMismatch
	}
	if change.Status != models.ChangeStatusPending {
		return nil, appErrors.ErrChangeAlreadyResolved
	}
	result := &repository.ResolveChangeResult{}
	if params.Decision == models.ChangeDecisionApprove {
		for _, entry := range c.m.entries {
			if entry.SessionID != change.SessionID || entry.StudentID != change.StudentID {
				continue
			}
			open := c.m.sessions[entry.SessionID] != nil && c.m.sessions[entry.SessionID].Status.Open()
			if open && (entry.Status == models.EntryStatusWaiting || entry.Status == models.EntryStatusHeld) {
				entry.DismissalType = change.ToType
				entry.BusRoute = change.BusRoute
				change.AppliedToEntry = true
				clone := *entry
				result.Entry = &clone
			} else {
				change.AppliedToFutureOnly = true
			}
		}
		student := c.m.students[change.StudentID]
		student.DismissalType = change.ToType
		student.BusRoute = change.BusRoute
		c.m.students[change.StudentID] = student
	}
	at := params.At
	reviewer := params.ReviewerID
	change.Status = params.Decision.Status()
	change.ReviewedBy = &reviewer
	change.ReviewedAt = &at
	change.ReviewNote = params.Note
	result.Change = *change
	return result, nil
}

type memoryActivity struct{ m *memoryStore }

func (a memoryActivity) Append(_ context.Context, entries ...models.ActivityLogEntry) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if a.m.activityErr != nil {
		return a.m.activityErr
	}
	a.m.activity = append(a.m.activity, entries...)
	return nil
}

func (a memoryActivity) ListBySession(_ context.Context, tenantID, sessionID string) ([]models.ActivityLogEntry, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	out := []models.ActivityLogEntry{}
	for _, entry := range a.m.activity {
		if entry.TenantID == tenantID && entry.SessionID == sessionID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memoryStore) GetStudent(_ context.Context, tenantID, studentID string) (*models.RosterStudent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	student, ok := m.students[studentID]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	if student.TenantID != tenantID {
		return nil, appErrors.ErrTenantMismatch
	}
	return &student, nil
}

func (m *memoryStore) StudentIDsForGuardian(_ context.Context, tenantID, guardianID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for studentID, guardians := range m.guardians {
		if m.students[studentID].TenantID != tenantID {
			continue
		}
		for _, id := range guardians {
			if id == guardianID {
				out = append(out, studentID)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) GuardianIDs(_ context.Context, studentIDs []string) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(studentIDs))
	for _, id := range studentIDs {
		out[id] = append([]string(nil), m.guardians[id]...)
	}
	return out, nil
}

func (m *memoryStore) GetSchool(_ context.Context, tenantID string) (*models.SchoolSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	school, ok := m.schools[tenantID]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	return &school, nil
}

func (m *memoryStore) entryStatus(id string) models.EntryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id].Status
}

func (m *memoryStore) entryCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entry := range m.entries {
		if entry.SessionID == sessionID {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
	scopes []realtime.Scope
}

func (p *recordingPublisher) Publish(_ context.Context, event realtime.Event, scope realtime.Scope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.scopes = append(p.scopes, scope)
}

func (p *recordingPublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventType, len(p.events))
	for i, event := range p.events {
		out[i] = event.Type
	}
	return out
}

func studentID(n int) string {
	return fmt.Sprintf("student-%02d", n)
}
