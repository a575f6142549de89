package dto

import (
	"time"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
)

// OpenSessionRequest opens (or returns) the session for a school day.
type OpenSessionRequest struct {
	Date               string     `json:"date" validate:"required,datetime=2006-01-02"`
	ScheduledStartTime *time.Time `json:"scheduledStartTime"`
}

// AddToQueueRequest queues a student; type and route default to the roster values.
type AddToQueueRequest struct {
	StudentID     string               `json:"studentId" validate:"required"`
	DismissalType models.DismissalType `json:"dismissalType" validate:"omitempty,dismissal_type"`
	BusRoute      *string              `json:"busRoute" validate:"omitempty,max=64"`
}

// CallNextRequest asks for the next FIFO batch.
type CallNextRequest struct {
	BatchSize int `json:"batchSize" validate:"omitempty,min=1"`
}

// TransitionRequest is the body of a single-entry action.
type TransitionRequest struct {
	ExpectedStatus models.EntryStatus `json:"expectedStatus" validate:"omitempty,entry_status"`
}

// TransitionCommand is the typed form of a single-entry action.
type TransitionCommand struct {
	EntryID        string             `validate:"required"`
	Action         models.EntryAction `validate:"required,entry_action"`
	ExpectedStatus models.EntryStatus `validate:"omitempty,entry_status"`
}

// BatchActionRequest applies one action to many entries with best-effort CAS.
type BatchActionRequest struct {
	Action   models.EntryAction `json:"action" validate:"required,entry_action"`
	EntryIDs []string           `json:"entryIds" validate:"required,min=1,dive,required"`
}

// SubmitChangeRequest asks the office to reroute a student.
type SubmitChangeRequest struct {
	StudentID string               `json:"studentId" validate:"required"`
	FromType  models.DismissalType `json:"fromType" validate:"omitempty,dismissal_type"`
	ToType    models.DismissalType `json:"toType" validate:"required,dismissal_type"`
	BusRoute  *string              `json:"busRoute" validate:"omitempty,max=64"`
	Note      string               `json:"note" validate:"max=500"`
}

// ResolveChangeRequest carries the reviewer decision.
type ResolveChangeRequest struct {
	Decision models.ChangeDecision `json:"decision" validate:"required,oneof=approve reject"`
	Note     string                `json:"note" validate:"max=500"`
}

// EntryOutcome reports what happened to one entry in a batch.
type EntryOutcome struct {
	EntryID string             `json:"entryId"`
	Success bool               `json:"success"`
	Status  models.EntryStatus `json:"status,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// CallResult is returned by a batch call.
type CallResult struct {
	Called  []models.QueueEntry `json:"called"`
	Skipped []string            `json:"skipped"`
	Results []EntryOutcome      `json:"results"`
}

// BatchResult is returned by bulk transitions.
type BatchResult struct {
	Updated []models.QueueEntry `json:"updated"`
	Skipped []string            `json:"skipped"`
	Results []EntryOutcome      `json:"results"`
}

// ChangeResolution is the outcome of approving or rejecting a change.
type ChangeResolution struct {
	Change              models.DismissalChange `json:"change"`
	Entry               *models.QueueEntry     `json:"entry,omitempty"`
	AppliedToEntry      bool                   `json:"appliedToEntry"`
	AppliedToFutureOnly bool                   `json:"appliedToFutureOnly"`
}

// Snapshot is the full current view handed to new subscribers.
type Snapshot struct {
	Session        models.DismissalSession  `json:"session"`
	Entries        []models.QueueEntry      `json:"entries"`
	PendingChanges []models.DismissalChange `json:"pendingChanges"`
	GeneratedAt    time.Time                `json:"generatedAt"`
}

// EntryEventPayload is the payload of entry.* events.
type EntryEventPayload struct {
	Entries []models.QueueEntry `json:"entries"`
	ActorID string              `json:"actorId"`
}

// SessionEventPayload is the payload of session.* events.
type SessionEventPayload struct {
	Session models.DismissalSession `json:"session"`
	ActorID string                  `json:"actorId"`
}

// ChangeEventPayload is the payload of change.* events.
type ChangeEventPayload struct {
	Change              models.DismissalChange `json:"change"`
	Entry               *models.QueueEntry     `json:"entry,omitempty"`
	AppliedToEntry      bool                   `json:"appliedToEntry"`
	AppliedToFutureOnly bool                   `json:"appliedToFutureOnly"`
	ActorID             string                 `json:"actorId"`
}
