package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/internal/dto"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/internal/realtime"
	"github.com/noah-isme/sma-dismissal-api/internal/repository"
	"github.com/noah-isme/sma-dismissal-api/pkg/config"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

type sessionStore interface {
	Create(ctx context.Context, session *models.DismissalSession) error
	GetByID(ctx context.Context, id string) (*models.DismissalSession, error)
	FindOpen(ctx context.Context, tenantID string, date time.Time) (*models.DismissalSession, error)
	UpdateStatus(ctx context.Context, params repository.UpdateSessionStatusParams) (*models.DismissalSession, error)
	Close(ctx context.Context, params repository.CloseSessionParams) (*repository.CloseSessionResult, error)
}

type queueStore interface {
	Add(ctx context.Context, params repository.AddEntryParams) (*models.QueueEntry, error)
	SeedFromRoster(ctx context.Context, params repository.SeedParams) ([]models.QueueEntry, error)
	ListBySession(ctx context.Context, tenantID, sessionID string, statuses ...models.EntryStatus) ([]models.QueueEntry, error)
	GetByID(ctx context.Context, id string) (*models.QueueEntry, error)
	Transition(ctx context.Context, params repository.TransitionParams) (*models.QueueEntry, error)
	BatchTransition(ctx context.Context, params repository.BatchTransitionParams) (*repository.BatchTransitionResult, error)
}

type changeStore interface {
	Create(ctx context.Context, change *models.DismissalChange) error
	GetByID(ctx context.Context, id string) (*models.DismissalChange, error)
	List(ctx context.Context, filter repository.ChangeFilter) ([]models.DismissalChange, error)
	Resolve(ctx context.Context, params repository.ResolveChangeParams) (*repository.ResolveChangeResult, error)
}

type activityStore interface {
	Append(ctx context.Context, entries ...models.ActivityLogEntry) error
	ListBySession(ctx context.Context, tenantID, sessionID string) ([]models.ActivityLogEntry, error)
}

type rosterReader interface {
	GetStudent(ctx context.Context, tenantID, studentID string) (*models.RosterStudent, error)
	StudentIDsForGuardian(ctx context.Context, tenantID, guardianID string) ([]string, error)
	GetSchool(ctx context.Context, tenantID string) (*models.SchoolSchedule, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, event realtime.Event, scope realtime.Scope)
}

type engineMetrics interface {
	RecordTransition(op, outcome string)
	ObserveBatch(size int)
}

type nopEngineMetrics struct{}

func (nopEngineMetrics) RecordTransition(string, string) {}
func (nopEngineMetrics) ObserveBatch(int)                {}

// DismissalServiceOption configures the engine.
type DismissalServiceOption func(*DismissalService)

// WithDismissalPublisher routes committed changes to realtime subscribers.
func WithDismissalPublisher(publisher eventPublisher) DismissalServiceOption {
	return func(s *DismissalService) {
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

// WithDismissalMetrics records operation outcomes.
func WithDismissalMetrics(metrics engineMetrics) DismissalServiceOption {
	return func(s *DismissalService) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithDismissalClock overrides time.Now, mainly for tests.
func WithDismissalClock(now func() time.Time) DismissalServiceOption {
	return func(s *DismissalService) {
		if now != nil {
			s.now = now
		}
	}
}

// DismissalService is the dismissal session and queue engine.
type DismissalService struct {
	sessions  sessionStore
	queue     queueStore
	changes   changeStore
	activity  activityStore
	roster    rosterReader
	publisher eventPublisher
	metrics   engineMetrics
	validator *validator.Validate
	logger    *zap.Logger
	cfg       config.DismissalConfig
	now       func() time.Time
}

// NewDismissalService constructs the engine.
func NewDismissalService(
	sessions sessionStore,
	queue queueStore,
	changes changeStore,
	activity activityStore,
	roster rosterReader,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg config.DismissalConfig,
	opts ...DismissalServiceOption,
) *DismissalService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 5
	}
	if cfg.MaxBatchSize < cfg.DefaultBatchSize {
		cfg.MaxBatchSize = cfg.DefaultBatchSize
	}
	svc := &DismissalService{
		sessions:  sessions,
		queue:     queue,
		changes:   changes,
		activity:  activity,
		roster:    roster,
		metrics:   nopEngineMetrics{},
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	svc.validator.RegisterValidation("dismissal_type", func(fl validator.FieldLevel) bool {
		return models.DismissalType(fl.Field().String()).Valid()
	})
	svc.validator.RegisterValidation("entry_status", func(fl validator.FieldLevel) bool {
		return models.EntryStatus(fl.Field().String()).Valid()
	})
	svc.validator.RegisterValidation("entry_action", func(fl validator.FieldLevel) bool {
		return models.EntryAction(fl.Field().String()).Valid()
	})
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// OpenSession returns the open session for the date, creating a scheduled one if none exists.
func (s *DismissalService) OpenSession(ctx context.Context, actor models.ActorContext, req dto.OpenSessionRequest) (*models.DismissalSession, error) {
	const op = "open_session"
	if err := s.authorizeStaff(actor); err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, s.fail(op, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload"))
	}
	date, _ := time.Parse("2006-01-02", req.Date)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	existing, err := s.sessions.FindOpen(ctx, actor.TenantID, date)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if existing != nil {
		s.metrics.RecordTransition(op, "existing")
		return existing, nil
	}

	var start *time.Time
	if req.ScheduledStartTime != nil {
		utc := req.ScheduledStartTime.UTC()
		start = &utc
	}
	session := &models.DismissalSession{
		TenantID:           actor.TenantID,
		Date:               date,
		Status:             models.SessionStatusScheduled,
		ScheduledStartTime: start,
		CreatedBy:          actor.ActorID,
		CreatedAt:          s.now(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		if !errors.Is(err, appErrors.ErrSessionAlreadyOpen) {
			return nil, s.fail(op, err)
		}
		existing, findErr := s.sessions.FindOpen(ctx, actor.TenantID, date)
		if findErr != nil {
			return nil, s.fail(op, findErr)
		}
		if existing == nil {
			return nil, s.fail(op, err)
		}
		s.metrics.RecordTransition(op, "existing")
		return existing, nil
	}

	s.recordActivity(ctx, models.ActivityLogEntry{
		TenantID:  session.TenantID,
		SessionID: session.ID,
		ActorID:   actor.ActorID,
		Action:    models.ActivitySessionOpened,
		ToStatus:  strPtr(string(session.Status)),
	})
	s.publish(ctx, models.EventSessionOpened, session.TenantID, session.ID,
		dto.SessionEventPayload{Session: *session, ActorID: actor.ActorID}, realtime.Scope{})
	s.logger.Info("dismissal session opened",
		zap.String("tenant_id", session.TenantID),
		zap.String("session_id", session.ID),
		zap.String("actor_id", actor.ActorID),
	)
	s.metrics.RecordTransition(op, "ok")
	return session, nil
}

// StartSession seeds the queue from the roster when enabled and moves the session to active.
func (s *DismissalService) StartSession(ctx context.Context, actor models.ActorContext, sessionID string) (*models.DismissalSession, error) {
	const op = "start_session"
	if err := s.authorizeStaff(actor); err != nil {
		return nil, s.fail(op, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if session.Status != models.SessionStatusScheduled {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrInvalidSessionTransition,
			fmt.Sprintf("session is %s, cannot start", session.Status)))
	}

	var seeded []models.QueueEntry
	if s.cfg.SeedOnStart {
		seeded, err = s.queue.SeedFromRoster(ctx, repository.SeedParams{
			TenantID:  actor.TenantID,
			SessionID: session.ID,
			AddedBy:   actor.ActorID,
		})
		if err != nil {
			return nil, s.fail(op, err)
		}
	}

	started, err := s.sessions.UpdateStatus(ctx, repository.UpdateSessionStatusParams{
		TenantID: actor.TenantID,
		ID:       session.ID,
		From:     models.SessionStatusScheduled,
		To:       models.SessionStatusActive,
		At:       s.now(),
	})
	if err != nil {
		if len(seeded) > 0 {
			s.publishEntries(ctx, models.EventEntryAdded, actor, session.ID, seeded)
		}
		return nil, s.fail(op, err)
	}

	logs := make([]models.ActivityLogEntry, 0, len(seeded)+1)
	logs = append(logs, models.ActivityLogEntry{
		TenantID:   started.TenantID,
		SessionID:  started.ID,
		ActorID:    actor.ActorID,
		Action:     models.ActivitySessionStarted,
		FromStatus: strPtr(string(models.SessionStatusScheduled)),
		ToStatus:   strPtr(string(models.SessionStatusActive)),
	})
	for _, entry := range seeded {
		logs = append(logs, entryActivity(actor, entry, models.ActivityEntrySeeded, "", entry.Status))
	}
	s.recordActivity(ctx, logs...)

	s.publish(ctx, models.EventSessionStarted, started.TenantID, started.ID,
		dto.SessionEventPayload{Session: *started, ActorID: actor.ActorID}, realtime.Scope{})
	if len(seeded) > 0 {
		s.publishEntries(ctx, models.EventEntryAdded, actor, started.ID, seeded)
	}
	s.logger.Info("dismissal session started",
		zap.String("tenant_id", started.TenantID),
		zap.String("session_id", started.ID),
		zap.String("actor_id", actor.ActorID),
		zap.Int("seeded", len(seeded)),
	)
	s.metrics.RecordTransition(op, "ok")
	return started, nil
}

// CloseSession confirms every released entry as dismissed and closes the session.
func (s *DismissalService) CloseSession(ctx context.Context, actor models.ActorContext, sessionID string) (*models.DismissalSession, error) {
	const op = "close_session"
	if err := s.authorizeStaff(actor); err != nil {
		return nil, s.fail(op, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if session.Status != models.SessionStatusActive {
		return nil, s.fail(op, appErrors.Clone(appErrors.ErrInvalidSessionTransition,
			fmt.Sprintf("session is %s, cannot close", session.Status)))
	}

	result, err := s.sessions.Close(ctx, repository.CloseSessionParams{
		TenantID: actor.TenantID,
		ID:       session.ID,
		At:       s.now(),
	})
	if err != nil {
		return nil, s.fail(op, err)
	}
	s.afterEntryTransition(ctx, actor, session.ID, models.EntryStatusReleased, result.Dismissed)
	closed := &result.Session

	s.recordActivity(ctx, models.ActivityLogEntry{
		TenantID:   closed.TenantID,
		SessionID:  closed.ID,
		ActorID:    actor.ActorID,
		Action:     models.ActivitySessionClosed,
		FromStatus: strPtr(string(models.SessionStatusActive)),
		ToStatus:   strPtr(string(models.SessionStatusClosed)),
	})
	s.publish(ctx, models.EventSessionClosed, closed.TenantID, closed.ID,
		dto.SessionEventPayload{Session: *closed, ActorID: actor.ActorID}, realtime.Scope{})
	s.logger.Info("dismissal session closed",
		zap.String("tenant_id", closed.TenantID),
		zap.String("session_id", closed.ID),
		zap.String("actor_id", actor.ActorID),
	)
	s.metrics.RecordTransition(op, "ok")
	return closed, nil
}

// GetSession returns a session of the actor's tenant.
func (s *DismissalService) GetSession(ctx context.Context, actor models.ActorContext, sessionID string) (*models.DismissalSession, error) {
	if actor.TenantID == "" {
		return nil, appErrors.ErrTenantMissing
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	session, err := s.ownedSession(ctx, actor, sessionID)
	if err != nil {
		return nil, normalizeError(err)
	}
	return session, nil
}

// CurrentSession returns the open session for date (YYYY-MM-DD, default today in UTC).
func (s *DismissalService) CurrentSession(ctx context.Context, actor models.ActorContext, date string) (*models.DismissalSession, error) {
	if actor.TenantID == "" {
		return nil, appErrors.ErrTenantMissing
	}
	var day time.Time
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "date must be YYYY-MM-DD")
		}
		day = parsed
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if day.IsZero() {
		day = s.schoolToday(ctx, actor.TenantID)
	}
	session, err := s.sessions.FindOpen(ctx, actor.TenantID, day)
	if err != nil {
		return nil, normalizeError(err)
	}
	if session == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no open session for date")
	}
	return session, nil
}

// schoolToday is the current calendar day in the school's timezone, falling back to UTC.
func (s *DismissalService) schoolToday(ctx context.Context, tenantID string) time.Time {
	now := s.now()
	school, err := s.roster.GetSchool(ctx, tenantID)
	if err == nil {
		var day time.Time
		if day, err = school.LocalDate(now); err == nil {
			return day
		}
	}
	s.logger.Debug("using UTC date for session lookup", zap.String("tenant_id", tenantID), zap.Error(err))
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *DismissalService) ownedSession(ctx context.Context, actor models.ActorContext, sessionID string) (*models.DismissalSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TenantID != actor.TenantID {
		return nil, appErrors.ErrTenantMismatch
	}
	return session, nil
}

func (s *DismissalService) authorizeStaff(actor models.ActorContext) error {
	if actor.TenantID == "" {
		return appErrors.ErrTenantMissing
	}
	if actor.ActorID == "" {
		return appErrors.ErrUnauthorized
	}
	if !actor.Role.Staff() {
		return appErrors.Clone(appErrors.ErrForbidden, "staff role required")
	}
	return nil
}

func (s *DismissalService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

// fail records the outcome and maps unknown errors to INTERNAL_ERROR.
func (s *DismissalService) fail(op string, err error) error {
	err = normalizeError(err)
	code := appErrors.Code(err)
	s.metrics.RecordTransition(op, code)
	if code == appErrors.ErrInternal.Code || code == appErrors.ErrTransient.Code {
		s.logger.Error("dismissal operation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "operation timed out")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
}

// recordActivity appends to the audit log; failures never undo the committed transition.
func (s *DismissalService) recordActivity(ctx context.Context, entries ...models.ActivityLogEntry) {
	if s.activity == nil || len(entries) == 0 {
		return
	}
	if err := s.activity.Append(ctx, entries...); err != nil {
		s.logger.Warn("failed to write dismissal activity",
			zap.String("session_id", entries[0].SessionID),
			zap.Int("rows", len(entries)),
			zap.Error(err),
		)
	}
}

func (s *DismissalService) publish(ctx context.Context, eventType models.EventType, tenantID, sessionID string, payload interface{}, scope realtime.Scope) {
	if s.publisher == nil {
		return
	}
	event, err := realtime.NewEvent(eventType, tenantID, sessionID, payload)
	if err != nil {
		s.logger.Error("failed to build realtime event", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	s.publisher.Publish(ctx, event, scope)
}

func (s *DismissalService) publishEntries(ctx context.Context, eventType models.EventType, actor models.ActorContext, sessionID string, entries []models.QueueEntry) {
	if len(entries) == 0 {
		return
	}
	students := make([]string, len(entries))
	for i, entry := range entries {
		students[i] = entry.StudentID
	}
	s.publish(ctx, eventType, actor.TenantID, sessionID,
		dto.EntryEventPayload{Entries: entries, ActorID: actor.ActorID},
		realtime.Scope{StudentIDs: students})
}

func entryActivity(actor models.ActorContext, entry models.QueueEntry, action string, from, to models.EntryStatus) models.ActivityLogEntry {
	log := models.ActivityLogEntry{
		TenantID:  entry.TenantID,
		SessionID: entry.SessionID,
		EntryID:   strPtr(entry.ID),
		ActorID:   actor.ActorID,
		Action:    action,
		ToStatus:  strPtr(string(to)),
	}
	if from != "" {
		log.FromStatus = strPtr(string(from))
	}
	detail, err := json.Marshal(map[string]interface{}{
		"studentId": entry.StudentID,
		"position":  entry.Position,
	})
	if err == nil {
		log.Detail = detail
	}
	return log
}

func strPtr(value string) *string {
	return &value
}
