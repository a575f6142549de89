package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
	"github.com/noah-isme/sma-dismissal-api/pkg/export"
)

type reportSessionReader interface {
	GetByID(ctx context.Context, id string) (*models.DismissalSession, error)
}

type activityReader interface {
	ListBySession(ctx context.Context, tenantID, sessionID string) ([]models.ActivityLogEntry, error)
}

var activityHeaders = []string{"occurred_at", "action", "actor_id", "entry_id", "change_id", "from_status", "to_status", "detail"}

// ReportFile is a rendered export ready to stream to the client.
type ReportFile struct {
	Filename    string
	ContentType string
	Data        []byte
	Rows        int
}

// ReportService renders the session activity log as CSV or PDF.
type ReportService struct {
	sessions  reportSessionReader
	activity  activityReader
	renderers map[export.Format]export.Renderer
	logger    *zap.Logger
	timeout   time.Duration
}

// NewReportService constructs the report service. Nil renderers fall back to pkg/export defaults.
func NewReportService(sessions reportSessionReader, activity activityReader, logger *zap.Logger, timeout time.Duration, renderers map[export.Format]export.Renderer) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolved := map[export.Format]export.Renderer{
		export.FormatCSV: export.NewCSVExporter(),
		export.FormatPDF: export.NewPDFExporter(),
	}
	for format, renderer := range renderers {
		if renderer != nil {
			resolved[format] = renderer
		}
	}
	return &ReportService{
		sessions:  sessions,
		activity:  activity,
		renderers: resolved,
		logger:    logger,
		timeout:   timeout,
	}
}

// ActivityReport exports the append-only activity log of a session. Staff only.
func (s *ReportService) ActivityReport(ctx context.Context, actor models.ActorContext, sessionID, format string) (*ReportFile, error) {
	if actor.TenantID == "" {
		return nil, appErrors.ErrTenantMissing
	}
	if !actor.Role.Staff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "staff role required")
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, normalizeError(err)
	}
	if session.TenantID != actor.TenantID {
		return nil, appErrors.ErrTenantMismatch
	}
	logs, err := s.activity.ListBySession(ctx, actor.TenantID, session.ID)
	if err != nil {
		return nil, normalizeError(err)
	}

	dataset := export.Dataset{
		Title:    "Dismissal activity",
		Subtitle: fmt.Sprintf("Session %s on %s (%s)", session.ID, session.Date.Format("2006-01-02"), session.Status),
		Headers:  activityHeaders,
		Rows:     make([][]string, 0, len(logs)),
	}
	for _, log := range logs {
		dataset.Rows = append(dataset.Rows, []string{
			log.CreatedAt.UTC().Format(time.RFC3339),
			log.Action,
			log.ActorID,
			deref(log.EntryID),
			deref(log.ChangeID),
			deref(log.FromStatus),
			deref(log.ToStatus),
			string(log.Detail),
		})
	}

	data, err := s.renderers[parsed].Render(dataset)
	if err != nil {
		s.logger.Error("failed to render activity report",
			zap.String("session_id", session.ID),
			zap.String("format", string(parsed)),
			zap.Error(err),
		)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report")
	}
	return &ReportFile{
		Filename:    fmt.Sprintf("dismissal_%s_%s.%s", session.Date.Format("20060102"), session.ID, parsed),
		ContentType: parsed.ContentType(),
		Data:        data,
		Rows:        len(dataset.Rows),
	}, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
