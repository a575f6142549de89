package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/internal/dto"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/pkg/config"
	"github.com/noah-isme/sma-dismissal-api/pkg/database"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
	"github.com/noah-isme/sma-dismissal-api/pkg/jobs"
)

// StartJobType tags scheduler jobs on the worker queue.
const StartJobType = "dismissal.start_session"

type schoolLister interface {
	ListAppSchools(ctx context.Context) ([]models.SchoolSchedule, error)
}

type dueSessionLister interface {
	ExistsForDate(ctx context.Context, tenantID string, date time.Time) (bool, error)
	ListDueForStart(ctx context.Context, now time.Time) ([]models.DismissalSession, error)
}

type sessionEngine interface {
	OpenSession(ctx context.Context, actor models.ActorContext, req dto.OpenSessionRequest) (*models.DismissalSession, error)
	StartSession(ctx context.Context, actor models.ActorContext, sessionID string) (*models.DismissalSession, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type schedulerMetrics interface {
	RecordSchedulerAction(action, outcome string)
}

type nopSchedulerMetrics struct{}

func (nopSchedulerMetrics) RecordSchedulerAction(string, string) {}

// SessionScheduler opens today's session for app-mode schools and starts due sessions.
type SessionScheduler struct {
	schools  schoolLister
	sessions dueSessionLister
	engine   sessionEngine
	queue    jobDispatcher
	metrics  schedulerMetrics
	logger   *zap.Logger
	cfg      config.SchedulerConfig
	now      func() time.Time
}

// NewSessionScheduler wires the scheduler. The queue may be nil until SetQueue is called.
func NewSessionScheduler(schools schoolLister, sessions dueSessionLister, engine sessionEngine, metrics schedulerMetrics, logger *zap.Logger, cfg config.SchedulerConfig) *SessionScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopSchedulerMetrics{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.OpenLead <= 0 {
		cfg.OpenLead = 2 * time.Hour
	}
	return &SessionScheduler{
		schools:  schools,
		sessions: sessions,
		engine:   engine,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetQueue attaches the worker queue that runs start jobs.
func (s *SessionScheduler) SetQueue(queue jobDispatcher) {
	s.queue = queue
}

// Start runs Tick on every poll interval until ctx is done.
func (s *SessionScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	go func() {
		defer ticker.Stop()
		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	s.logger.Info("session scheduler started", zap.Duration("interval", s.cfg.PollInterval))
}

// Tick performs one open pass and one start pass.
func (s *SessionScheduler) Tick(ctx context.Context) {
	now := s.now()
	s.openSessions(ctx, now)
	s.enqueueStarts(ctx, now)
}

func (s *SessionScheduler) openSessions(ctx context.Context, now time.Time) {
	schools, err := s.schools.ListAppSchools(ctx)
	if err != nil {
		s.logger.Warn("scheduler failed to list schools", zap.Error(err))
		s.metrics.RecordSchedulerAction("open", "error")
		return
	}
	for _, school := range schools {
		date, start, err := school.LocalStart(now)
		if err != nil {
			s.logger.Warn("school has an unusable dismissal schedule",
				zap.String("tenant_id", school.TenantID),
				zap.String("dismissal_time", school.DismissalTime),
				zap.String("timezone", school.Timezone),
				zap.Error(err),
			)
			s.metrics.RecordSchedulerAction("open", "invalid_schedule")
			continue
		}
		if start.Sub(now) > s.cfg.OpenLead {
			continue
		}
		// A closed session still counts: the day's dismissal is over.
		exists, err := s.sessions.ExistsForDate(ctx, school.TenantID, date)
		if err != nil {
			s.logger.Warn("scheduler failed to look up session", zap.String("tenant_id", school.TenantID), zap.Error(err))
			s.metrics.RecordSchedulerAction("open", "error")
			continue
		}
		if exists {
			continue
		}
		session, err := s.engine.OpenSession(ctx, models.SystemActor(school.TenantID), dto.OpenSessionRequest{
			Date:               date.Format("2006-01-02"),
			ScheduledStartTime: &start,
		})
		if err != nil {
			s.logger.Warn("scheduler failed to open session", zap.String("tenant_id", school.TenantID), zap.Error(err))
			s.metrics.RecordSchedulerAction("open", appErrors.Code(err))
			continue
		}
		s.logger.Info("scheduler opened session",
			zap.String("tenant_id", school.TenantID),
			zap.String("session_id", session.ID),
			zap.Time("scheduled_start", start),
		)
		s.metrics.RecordSchedulerAction("open", "ok")
	}
}

func (s *SessionScheduler) enqueueStarts(ctx context.Context, now time.Time) {
	if s.queue == nil {
		return
	}
	due, err := s.sessions.ListDueForStart(ctx, now)
	if err != nil {
		s.logger.Warn("scheduler failed to list due sessions", zap.Error(err))
		s.metrics.RecordSchedulerAction("start", "error")
		return
	}
	for _, session := range due {
		err := s.queue.Enqueue(jobs.Job{ID: session.ID, Type: StartJobType, Payload: session.TenantID})
		switch {
		case err == nil:
			s.metrics.RecordSchedulerAction("start", "queued")
		case errors.Is(err, jobs.ErrAlreadyQueued):
		default:
			s.logger.Warn("scheduler failed to enqueue start", zap.String("session_id", session.ID), zap.Error(err))
			s.metrics.RecordSchedulerAction("start", "enqueue_failed")
		}
	}
}

// HandleStart is the worker handler for StartJobType jobs.
func (s *SessionScheduler) HandleStart(ctx context.Context, job jobs.Job) error {
	tenantID, _ := job.Payload.(string)
	if tenantID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "start job without tenant")
	}
	session, err := s.engine.StartSession(ctx, models.SystemActor(tenantID), job.ID)
	if err != nil {
		s.metrics.RecordSchedulerAction("start", appErrors.Code(err))
		return err
	}
	s.logger.Info("scheduler started session",
		zap.String("tenant_id", tenantID),
		zap.String("session_id", session.ID),
		zap.Int("attempt", job.Attempt+1),
	)
	s.metrics.RecordSchedulerAction("start", "ok")
	return nil
}

// RetryableStartError keeps transient store failures on the queue and drops logical ones.
func RetryableStartError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, appErrors.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return false
	}
	return database.IsTransient(err)
}
