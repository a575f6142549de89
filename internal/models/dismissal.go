package models

import (
	"encoding/json"
	"time"
	_ "time/tzdata"
)

// SessionStatus captures the lifecycle of a dismissal session.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusClosed    SessionStatus = "closed"
)

// CanTransitionTo enforces scheduled -> active -> closed.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionStatusScheduled:
		return next == SessionStatusActive
	case SessionStatusActive:
		return next == SessionStatusClosed
	default:
		return false
	}
}

// Open reports whether the session still counts toward the one-open-per-day rule.
func (s SessionStatus) Open() bool {
	return s == SessionStatusScheduled || s == SessionStatusActive
}

// DismissalType is how a student leaves campus.
type DismissalType string

const (
	DismissalTypeCar    DismissalType = "car"
	DismissalTypeBus    DismissalType = "bus"
	DismissalTypeWalker DismissalType = "walker"
)

// Valid reports whether t is a known dismissal type.
func (t DismissalType) Valid() bool {
	switch t {
	case DismissalTypeCar, DismissalTypeBus, DismissalTypeWalker:
		return true
	default:
		return false
	}
}

// EntryStatus is the queue entry state.
type EntryStatus string

const (
	EntryStatusWaiting   EntryStatus = "waiting"
	EntryStatusCalled    EntryStatus = "called"
	EntryStatusReleased  EntryStatus = "released"
	EntryStatusDismissed EntryStatus = "dismissed"
	EntryStatusHeld      EntryStatus = "held"
	EntryStatusDelayed   EntryStatus = "delayed"
)

var entryTransitions = map[EntryStatus][]EntryStatus{
	EntryStatusWaiting:  {EntryStatusCalled, EntryStatusHeld, EntryStatusDelayed},
	EntryStatusHeld:     {EntryStatusWaiting},
	EntryStatusDelayed:  {EntryStatusWaiting},
	EntryStatusCalled:   {EntryStatusReleased, EntryStatusWaiting},
	EntryStatusReleased: {EntryStatusDismissed},
}

// Valid reports whether s is a known entry status.
func (s EntryStatus) Valid() bool {
	switch s {
	case EntryStatusWaiting, EntryStatusCalled, EntryStatusReleased,
		EntryStatusDismissed, EntryStatusHeld, EntryStatusDelayed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the entry reached the end of its life.
func (s EntryStatus) Terminal() bool {
	return s == EntryStatusDismissed
}

// CanTransitionTo reports whether s -> next is a legal queue transition.
func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	for _, allowed := range entryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EntryAction names an office/staff action on a queue entry.
type EntryAction string

const (
	EntryActionCall    EntryAction = "call"
	EntryActionHold    EntryAction = "hold"
	EntryActionDelay   EntryAction = "delay"
	EntryActionResume  EntryAction = "resume"
	EntryActionRelease EntryAction = "release"
	EntryActionRecall  EntryAction = "recall"
	EntryActionDismiss EntryAction = "dismiss"
)

var actionRules = map[EntryAction]struct {
	sources []EntryStatus
	target  EntryStatus
}{
	EntryActionCall:    {sources: []EntryStatus{EntryStatusWaiting}, target: EntryStatusCalled},
	EntryActionHold:    {sources: []EntryStatus{EntryStatusWaiting}, target: EntryStatusHeld},
	EntryActionDelay:   {sources: []EntryStatus{EntryStatusWaiting}, target: EntryStatusDelayed},
	EntryActionResume:  {sources: []EntryStatus{EntryStatusHeld, EntryStatusDelayed}, target: EntryStatusWaiting},
	EntryActionRelease: {sources: []EntryStatus{EntryStatusCalled}, target: EntryStatusReleased},
	EntryActionRecall:  {sources: []EntryStatus{EntryStatusCalled}, target: EntryStatusWaiting},
	EntryActionDismiss: {sources: []EntryStatus{EntryStatusReleased}, target: EntryStatusDismissed},
}

// Valid reports whether a is a known action.
func (a EntryAction) Valid() bool {
	_, ok := actionRules[a]
	return ok
}

// Target returns the status the action moves an entry into.
func (a EntryAction) Target() EntryStatus {
	return actionRules[a].target
}

// Sources lists the statuses the action may start from.
func (a EntryAction) Sources() []EntryStatus {
	return append([]EntryStatus(nil), actionRules[a].sources...)
}

// DefaultSource is the only permitted source when the action has exactly one.
func (a EntryAction) DefaultSource() (EntryStatus, bool) {
	sources := actionRules[a].sources
	if len(sources) != 1 {
		return "", false
	}
	return sources[0], true
}

// Accepts reports whether the action may start from status.
func (a EntryAction) Accepts(status EntryStatus) bool {
	for _, s := range actionRules[a].sources {
		if s == status {
			return true
		}
	}
	return false
}

// ChangeStatus tracks the approval workflow of a change request.
type ChangeStatus string

const (
	ChangeStatusPending  ChangeStatus = "pending"
	ChangeStatusApproved ChangeStatus = "approved"
	ChangeStatusRejected ChangeStatus = "rejected"
)

// ChangeDecision is the reviewer's verdict.
type ChangeDecision string

const (
	ChangeDecisionApprove ChangeDecision = "approve"
	ChangeDecisionReject  ChangeDecision = "reject"
)

// Status maps the decision to the resulting change status.
func (d ChangeDecision) Status() ChangeStatus {
	if d == ChangeDecisionApprove {
		return ChangeStatusApproved
	}
	return ChangeStatusRejected
}

// DismissalSession is one school's dismissal event for a date.
type DismissalSession struct {
	ID                 string        `db:"id" json:"id"`
	TenantID           string        `db:"tenant_id" json:"tenantId"`
	Date               time.Time     `db:"session_date" json:"date"`
	Status             SessionStatus `db:"status" json:"status"`
	ScheduledStartTime *time.Time    `db:"scheduled_start_time" json:"scheduledStartTime,omitempty"`
	ActualStartTime    *time.Time    `db:"actual_start_time" json:"actualStartTime,omitempty"`
	ClosedAt           *time.Time    `db:"closed_at" json:"closedAt,omitempty"`
	CreatedBy          string        `db:"created_by" json:"createdBy"`
	CreatedAt          time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updatedAt"`
}

// QueueEntry is one student's progress through a session.
type QueueEntry struct {
	ID            string        `db:"id" json:"id"`
	TenantID      string        `db:"tenant_id" json:"tenantId"`
	SessionID     string        `db:"session_id" json:"sessionId"`
	StudentID     string        `db:"student_id" json:"studentId"`
	DismissalType DismissalType `db:"dismissal_type" json:"dismissalType"`
	BusRoute      *string       `db:"bus_route" json:"busRoute,omitempty"`
	FamilyGroupID *string       `db:"family_group_id" json:"familyGroupId,omitempty"`
	Status        EntryStatus   `db:"status" json:"status"`
	Position      int64         `db:"position" json:"position"`
	AddedBy       string        `db:"added_by" json:"addedBy"`
	CalledAt      *time.Time    `db:"called_at" json:"calledAt,omitempty"`
	ReleasedAt    *time.Time    `db:"released_at" json:"releasedAt,omitempty"`
	DismissedAt   *time.Time    `db:"dismissed_at" json:"dismissedAt,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updatedAt"`
}

// FamilyKey returns the family group id or "" when the entry is standalone.
func (e QueueEntry) FamilyKey() string {
	if e.FamilyGroupID == nil {
		return ""
	}
	return *e.FamilyGroupID
}

// DismissalChange is a request to alter a student's routing for a session.
type DismissalChange struct {
	ID                  string        `db:"id" json:"id"`
	TenantID            string        `db:"tenant_id" json:"tenantId"`
	SessionID           string        `db:"session_id" json:"sessionId"`
	StudentID           string        `db:"student_id" json:"studentId"`
	RequestedBy         string        `db:"requested_by" json:"requestedBy"`
	RequestedByRole     UserRole      `db:"requested_by_role" json:"requestedByRole"`
	FromType            DismissalType `db:"from_type" json:"fromType"`
	ToType              DismissalType `db:"to_type" json:"toType"`
	BusRoute            *string       `db:"bus_route" json:"busRoute,omitempty"`
	Note                *string       `db:"note" json:"note,omitempty"`
	Status              ChangeStatus  `db:"status" json:"status"`
	ReviewedBy          *string       `db:"reviewed_by" json:"reviewedBy,omitempty"`
	ReviewedAt          *time.Time    `db:"reviewed_at" json:"reviewedAt,omitempty"`
	ReviewNote          *string       `db:"review_note" json:"reviewNote,omitempty"`
	AppliedToEntry      bool          `db:"applied_to_entry" json:"appliedToEntry"`
	AppliedToFutureOnly bool          `db:"applied_to_future_only" json:"appliedToFutureOnly"`
	CreatedAt           time.Time     `db:"created_at" json:"createdAt"`
}

// ActivityLogEntry is the append-only audit trail of engine transitions.
type ActivityLogEntry struct {
	ID         string          `db:"id" json:"id"`
	TenantID   string          `db:"tenant_id" json:"tenantId"`
	SessionID  string          `db:"session_id" json:"sessionId"`
	EntryID    *string         `db:"entry_id" json:"entryId,omitempty"`
	ChangeID   *string         `db:"change_id" json:"changeId,omitempty"`
	ActorID    string          `db:"actor_id" json:"actorId"`
	Action     string          `db:"action" json:"action"`
	FromStatus *string         `db:"from_status" json:"fromStatus,omitempty"`
	ToStatus   *string         `db:"to_status" json:"toStatus,omitempty"`
	Detail     json.RawMessage `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}

// Activity actions recorded by the engine.
const (
	ActivitySessionOpened  = "SESSION_OPENED"
	ActivitySessionStarted = "SESSION_STARTED"
	ActivitySessionClosed  = "SESSION_CLOSED"
	ActivityEntryAdded     = "ENTRY_ADDED"
	ActivityEntrySeeded    = "ENTRY_SEEDED"
	ActivityEntryTransit   = "ENTRY_TRANSITION"
	ActivityChangeSubmit   = "CHANGE_SUBMITTED"
	ActivityChangeResolve  = "CHANGE_RESOLVED"
)

// RosterStudent is the external roster projection the engine reads.
type RosterStudent struct {
	ID            string        `db:"id" json:"id"`
	TenantID      string        `db:"tenant_id" json:"tenantId"`
	FullName      string        `db:"full_name" json:"fullName"`
	DismissalType DismissalType `db:"dismissal_type" json:"dismissalType"`
	BusRoute      *string       `db:"bus_route" json:"busRoute,omitempty"`
	FamilyGroupID *string       `db:"family_group_id" json:"familyGroupId,omitempty"`
	Active        bool          `db:"active" json:"active"`
}

// DismissalMode values for schools.
const (
	DismissalModeApp    = "app"
	DismissalModeManual = "manual"
)

// SchoolSchedule is the scheduler's view of a tenant's dismissal settings.
type SchoolSchedule struct {
	TenantID      string `db:"tenant_id" json:"tenantId"`
	DismissalMode string `db:"dismissal_mode" json:"dismissalMode"`
	DismissalTime string `db:"dismissal_time" json:"dismissalTime"`
	Timezone      string `db:"timezone" json:"timezone"`
}

// LocalStart resolves the school's dismissal time on the local calendar day containing now.
func (s SchoolSchedule) LocalStart(now time.Time) (date time.Time, start time.Time, err error) {
	loc, err := s.location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	clock, err := time.Parse("15:04", trimSeconds(s.DismissalTime))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	local := now.In(loc)
	date = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	start = time.Date(local.Year(), local.Month(), local.Day(), clock.Hour(), clock.Minute(), 0, 0, loc).UTC()
	return date, start, nil
}

// LocalDate is the school's calendar day containing now, as midnight UTC.
func (s SchoolSchedule) LocalDate(now time.Time) (time.Time, error) {
	loc, err := s.location()
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC), nil
}

func (s SchoolSchedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

func trimSeconds(clock string) string {
	if len(clock) > 5 {
		return clock[:5]
	}
	return clock
}
