package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/internal/dto"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/internal/repository"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

// AddToQueue queues a roster student at the end of the session. Type and bus
// route default to the roster values; the family group always comes from the roster.
func (s *DismissalService) AddToQueue(ctx context.Context, actor models.ActorContext, sessionID string, req dto.AddToQueueRequest) (*models.QueueEntry, error) {
	const op = "add_to_queue"
	if err := s.authorizeStaff(actor); err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, s.fail(op, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid queue payload"))
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
	student, err := s.roster.GetStudent(ctx, actor.TenantID, req.StudentID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if !student.Active {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrValidation, "student is not active"))
	}

	dismissalType := req.DismissalType
	if dismissalType == "" {
		dismissalType = student.DismissalType
	}
	busRoute := req.BusRoute
	if busRoute == nil && dismissalType == student.DismissalType {
		busRoute = student.BusRoute
	}

	entry, err := s.queue.Add(ctx, repository.AddEntryParams{
		TenantID:      actor.TenantID,
		SessionID:     session.ID,
		StudentID:     student.ID,
		DismissalType: dismissalType,
		BusRoute:      busRoute,
		FamilyGroupID: student.FamilyGroupID,
		AddedBy:       actor.ActorID,
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.recordActivity(ctx, entryActivity(actor, *entry, models.ActivityEntryAdded, "", entry.Status))
	s.publishEntries(ctx, models.EventEntryAdded, actor, session.ID, []models.QueueEntry{*entry})
	s.metrics.RecordTransition(op, "ok")
	return entry, nil
}

// CallNext calls the next FIFO batch of waiting entries, keeping family groups together.
func (s *DismissalService) CallNext(ctx context.Context, actor models.ActorContext, sessionID string, req dto.CallNextRequest) (*dto.CallResult, error) {
	const op = "call_next"
	if err := s.authorizeStaff(actor); err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, s.fail(op, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid call payload"))
	}
	size := req.BatchSize
	if size == 0 {
		size = s.cfg.DefaultBatchSize
	}
	if size > s.cfg.MaxBatchSize {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("batchSize must not exceed %d", s.cfg.MaxBatchSize)))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if session.Status != models.SessionStatusActive {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrSessionNotActive, fmt.Sprintf("session is %s", session.Status)))
	}
	waiting, err := s.queue.ListBySession(ctx, actor.TenantID, session.ID, models.EntryStatusWaiting)
	if err != nil {
		return nil, s.fail(op, err)
	}

	result := &dto.CallResult{Called: []models.QueueEntry{}, Skipped: []string{}, Results: []dto.EntryOutcome{}}
	batch := selectBatch(waiting, size)
	if len(batch) == 0 {
		s.metrics.RecordTransition(op, "empty")
		return result, nil
	}
	ids := make([]string, len(batch))
	for i, entry := range batch {
		ids[i] = entry.ID
	}
	outcome, err := s.queue.BatchTransition(ctx, repository.BatchTransitionParams{
		TenantID:  actor.TenantID,
		SessionID: session.ID,
		EntryIDs:  ids,
		Expected:  []models.EntryStatus{models.EntryStatusWaiting},
		Next:      models.EntryStatusCalled,
		At:        s.now(),
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	result.Called = append(result.Called, outcome.Updated...)
	result.Results = outcome.Outcomes
	result.Skipped = skippedIDs(outcome.Outcomes)
	s.metrics.ObserveBatch(len(outcome.Updated))
	s.afterEntryTransition(ctx, actor, session.ID, models.EntryStatusWaiting, outcome.Updated)
	s.logger.Info("dismissal batch called",
		zap.String("tenant_id", actor.TenantID),
		zap.String("session_id", session.ID),
		zap.Int("called", len(result.Called)),
		zap.Int("skipped", len(result.Skipped)),
	)
	s.metrics.RecordTransition(op, "ok")
	return result, nil
}

// Transition applies one action to one entry with compare-and-set.
func (s *DismissalService) Transition(ctx context.Context, actor models.ActorContext, cmd dto.TransitionCommand) (*models.QueueEntry, error) {
	op := string(cmd.Action)
	if err := s.authorizeStaff(actor); err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.validator.Struct(cmd); err != nil {
		return nil, s.fail(op, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transition"))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	expected := cmd.ExpectedStatus
	if expected != "" && !cmd.Action.Accepts(expected) {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrIllegalTransition,
			fmt.Sprintf("%s is not allowed from %s", cmd.Action, expected)))
	}
	if expected == "" {
		if source, ok := cmd.Action.DefaultSource(); ok {
			expected = source
		} else {
			current, err := s.queue.GetByID(ctx, cmd.EntryID)
			if err != nil {
				return nil, s.fail(op, err)
			}
			if current.TenantID != actor.TenantID {
				return nil, s.fail(op, appErrors.ErrTenantMismatch)
			}
			if !cmd.Action.Accepts(current.Status) {
				return nil, s.fail(op, appErrors.Clone(appErrors.ErrIllegalTransition,
					fmt.Sprintf("%s is not allowed from %s", cmd.Action, current.Status)))
			}
			expected = current.Status
		}
	}

	entry, err := s.queue.Transition(ctx, repository.TransitionParams{
		TenantID: actor.TenantID,
		EntryID:  cmd.EntryID,
		Expected: expected,
		Next:     cmd.Action.Target(),
		At:       s.now(),
	})
	if err != nil {
		return nil, s.fail(op, err)
	}
	s.afterEntryTransition(ctx, actor, entry.SessionID, expected, []models.QueueEntry{*entry})
	s.metrics.RecordTransition(op, "ok")
	return entry, nil
}

// Release moves a called entry to released.
func (s *DismissalService) Release(ctx context.Context, actor models.ActorContext, entryID string, expected models.EntryStatus) (*models.QueueEntry, error) {
	return s.Transition(ctx, actor, dto.TransitionCommand{EntryID: entryID, Action: models.EntryActionRelease, ExpectedStatus: expected})
}

// Dismiss confirms a released entry as dismissed.
func (s *DismissalService) Dismiss(ctx context.Context, actor models.ActorContext, entryID string, expected models.EntryStatus) (*models.QueueEntry, error) {
	return s.Transition(ctx, actor, dto.TransitionCommand{EntryID: entryID, Action: models.EntryActionDismiss, ExpectedStatus: expected})
}

// Hold parks a waiting entry.
func (s *DismissalService) Hold(ctx context.Context, actor models.ActorContext, entryID string, expected models.EntryStatus) (*models.QueueEntry, error) {
	return s.Transition(ctx, actor, dto.TransitionCommand{EntryID: entryID, Action: models.EntryActionHold, ExpectedStatus: expected})
}

// Delay marks a waiting entry as delayed.
func (s *DismissalService) Delay(ctx context.Context, actor models.ActorContext, entryID string, expected models.EntryStatus) (*models.QueueEntry, error) {
	return s.Transition(ctx, actor, dto.TransitionCommand{EntryID: entryID, Action: models.EntryActionDelay, ExpectedStatus: expected})
}

// Recall sends a called entry back to waiting.
func (s *DismissalService) Recall(ctx context.Context, actor models.ActorContext, entryID string, expected models.EntryStatus) (*models.QueueEntry, error) {
	return s.Transition(ctx, actor, dto.TransitionCommand{EntryID: entryID, Action: models.EntryActionRecall, ExpectedStatus: expected})
}

// Resume returns a held or delayed entry to waiting.
func (s *DismissalService) Resume(ctx context.Context, actor models.ActorContext, entryID string, expected models.EntryStatus) (*models.QueueEntry, error) {
	return s.Transition(ctx, actor, dto.TransitionCommand{EntryID: entryID, Action: models.EntryActionResume, ExpectedStatus: expected})
}

// BatchTransition applies one action to many entries; each entry succeeds or is skipped independently.
func (s *DismissalService) BatchTransition(ctx context.Context, actor models.ActorContext, sessionID string, req dto.BatchActionRequest) (*dto.BatchResult, error) {
	op := "batch_" + string(req.Action)
	if err := s.authorizeStaff(actor); err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, s.fail(op, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid batch payload"))
	}
	if len(req.EntryIDs) > s.cfg.MaxBatchSize {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("at most %d entries per batch", s.cfg.MaxBatchSize)))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if session.Status != models.SessionStatusActive {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrSessionNotActive, fmt.Sprintf("session is %s", session.Status)))
	}

	sources := req.Action.Sources()
	outcome, err := s.queue.BatchTransition(ctx, repository.BatchTransitionParams{
		TenantID:  actor.TenantID,
		SessionID: session.ID,
		EntryIDs:  req.EntryIDs,
		Expected:  sources,
		Next:      req.Action.Target(),
		At:        s.now(),
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	var from models.EntryStatus
	if len(sources) == 1 {
		from = sources[0]
	}
	s.afterEntryTransition(ctx, actor, session.ID, from, outcome.Updated)
	if req.Action == models.EntryActionCall {
		s.metrics.ObserveBatch(len(outcome.Updated))
	}
	s.metrics.RecordTransition(op, "ok")
	return &dto.BatchResult{
		Updated: append([]models.QueueEntry{}, outcome.Updated...),
		Skipped: skippedIDs(outcome.Outcomes),
		Results: outcome.Outcomes,
	}, nil
}

// afterEntryTransition logs and publishes entries that all moved to the same status.
func (s *DismissalService) afterEntryTransition(ctx context.Context, actor models.ActorContext, sessionID string, from models.EntryStatus, entries []models.QueueEntry) {
	if len(entries) == 0 {
		return
	}
	logs := make([]models.ActivityLogEntry, len(entries))
	for i, entry := range entries {
		logs[i] = entryActivity(actor, entry, models.ActivityEntryTransit, from, entry.Status)
	}
	s.recordActivity(ctx, logs...)
	s.publishEntries(ctx, models.EntryEventFor(entries[0].Status), actor, sessionID, entries)
}

func skippedIDs(outcomes []dto.EntryOutcome) []string {
	skipped := []string{}
	for _, outcome := range outcomes {
		if !outcome.Success {
			skipped = append(skipped, outcome.EntryID)
		}
	}
	return skipped
}
