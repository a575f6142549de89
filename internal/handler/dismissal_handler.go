package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-dismissal-api/internal/dto"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
	"github.com/noah-isme/sma-dismissal-api/pkg/response"
)

type dismissalEngine interface {
	OpenSession(ctx context.Context, actor models.ActorContext, req dto.OpenSessionRequest) (*models.DismissalSession, error)
	StartSession(ctx context.Context, actor models.ActorContext, sessionID string) (*models.DismissalSession, error)
	CloseSession(ctx context.Context, actor models.ActorContext, sessionID string) (*models.DismissalSession, error)
	GetSession(ctx context.Context, actor models.ActorContext, sessionID string) (*models.DismissalSession, error)
	CurrentSession(ctx context.Context, actor models.ActorContext, date string) (*models.DismissalSession, error)
	AddToQueue(ctx context.Context, actor models.ActorContext, sessionID string, req dto.AddToQueueRequest) (*models.QueueEntry, error)
	CallNext(ctx context.Context, actor models.ActorContext, sessionID string, req dto.CallNextRequest) (*dto.CallResult, error)
	Transition(ctx context.Context, actor models.ActorContext, cmd dto.TransitionCommand) (*models.QueueEntry, error)
	BatchTransition(ctx context.Context, actor models.ActorContext, sessionID string, req dto.BatchActionRequest) (*dto.BatchResult, error)
	SubmitChange(ctx context.Context, actor models.ActorContext, sessionID string, req dto.SubmitChangeRequest) (*models.DismissalChange, error)
	ResolveChange(ctx context.Context, actor models.ActorContext, changeID string, req dto.ResolveChangeRequest) (*dto.ChangeResolution, error)
	ListChanges(ctx context.Context, actor models.ActorContext, sessionID string, status models.ChangeStatus) ([]models.DismissalChange, error)
	GetSnapshot(ctx context.Context, actor models.ActorContext, sessionID string) (*dto.Snapshot, error)
}

// DismissalHandler exposes the dismissal engine over REST.
type DismissalHandler struct {
	engine dismissalEngine
}

// NewDismissalHandler constructs the handler.
func NewDismissalHandler(engine dismissalEngine) *DismissalHandler {
	return &DismissalHandler{engine: engine}
}

// OpenSession godoc
// @Summary Open (or return) the dismissal session for a date
// @Tags Dismissal
// @Accept json
// @Produce json
// @Param payload body dto.OpenSessionRequest true "Session date"
// @Success 200 {object} response.Envelope
// @Router /dismissal/sessions [post]
func (h *DismissalHandler) OpenSession(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.OpenSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	session, err := h.engine.OpenSession(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, session)
}

// CurrentSession godoc
// @Summary Current open session
// @Tags Dismissal
// @Produce json
// @Param date query string false "YYYY-MM-DD, defaults to today (UTC)"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /dismissal/sessions/current [get]
func (h *DismissalHandler) CurrentSession(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	session, err := h.engine.CurrentSession(c.Request.Context(), actor, c.Query("date"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, session)
}

// GetSession godoc
// @Summary Get a dismissal session
// @Tags Dismissal
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /dismissal/sessions/{id} [get]
func (h *DismissalHandler) GetSession(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	session, err := h.engine.GetSession(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, session)
}

// StartSession godoc
// @Summary Start a scheduled session
// @Tags Dismissal
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /dismissal/sessions/{id}/start [post]
func (h *DismissalHandler) StartSession(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	session, err := h.engine.StartSession(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, session)
}

// CloseSession godoc
// @Summary Close an active session, dismissing released entries
// @Tags Dismissal
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /dismissal/sessions/{id}/close [post]
func (h *DismissalHandler) CloseSession(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	session, err := h.engine.CloseSession(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, session)
}

// Snapshot godoc
// @Summary Role-scoped session snapshot
// @Tags Dismissal
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /dismissal/sessions/{id}/snapshot [get]
func (h *DismissalHandler) Snapshot(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	snapshot, err := h.engine.GetSnapshot(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, snapshot)
}

// AddEntry godoc
// @Summary Queue a student
// @Tags Dismissal
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.AddToQueueRequest true "Student"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /dismissal/sessions/{id}/entries [post]
func (h *DismissalHandler) AddEntry(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.AddToQueueRequest
	if !bindJSON(c, &req) {
		return
	}
	entry, err := h.engine.AddToQueue(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, entry)
}

// CallNext godoc
// @Summary Call the next FIFO batch
// @Tags Dismissal
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.CallNextRequest false "Batch size"
// @Success 200 {object} response.Envelope
// @Router /dismissal/sessions/{id}/call [post]
func (h *DismissalHandler) CallNext(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.CallNextRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.engine.CallNext(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result, batchMeta(len(result.Skipped)))
}

// Batch godoc
// @Summary Apply one action to many entries
// @Tags Dismissal
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.BatchActionRequest true "Action and entries"
// @Success 200 {object} response.Envelope
// @Router /dismissal/sessions/{id}/batch [post]
func (h *DismissalHandler) Batch(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.BatchActionRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.engine.BatchTransition(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result, batchMeta(len(result.Skipped)))
}

// EntryAction godoc
// @Summary Apply an action to one entry
// @Tags Dismissal
// @Accept json
// @Produce json
// @Param id path string true "Entry ID"
// @Param action path string true "call|hold|delay|resume|release|recall|dismiss"
// @Param payload body dto.TransitionRequest false "Expected status"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /dismissal/entries/{id}/{action} [post]
func (h *DismissalHandler) EntryAction(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	action := models.EntryAction(c.Param("action"))
	if !action.Valid() {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "unknown entry action"))
		return
	}
	var req dto.TransitionRequest
	if !bindJSON(c, &req) {
		return
	}
	entry, err := h.engine.Transition(c.Request.Context(), actor, dto.TransitionCommand{
		EntryID:        c.Param("id"),
		Action:         action,
		ExpectedStatus: req.ExpectedStatus,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, entry)
}

// SubmitChange godoc
// @Summary Request a dismissal change
// @Tags Dismissal Changes
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.SubmitChangeRequest true "Change"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /dismissal/sessions/{id}/changes [post]
func (h *DismissalHandler) SubmitChange(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.SubmitChangeRequest
	if !bindJSON(c, &req) {
		return
	}
	change, err := h.engine.SubmitChange(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, change)
}

// ListChanges godoc
// @Summary List change requests
// @Tags Dismissal Changes
// @Produce json
// @Param id path string true "Session ID"
// @Param status query string false "pending|approved|rejected"
// @Success 200 {object} response.Envelope
// @Router /dismissal/sessions/{id}/changes [get]
func (h *DismissalHandler) ListChanges(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	changes, err := h.engine.ListChanges(c.Request.Context(), actor, c.Param("id"), models.ChangeStatus(c.Query("status")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, changes, map[string]interface{}{"total": len(changes)})
}

// ResolveChange godoc
// @Summary Approve or reject a change request
// @Tags Dismissal Changes
// @Accept json
// @Produce json
// @Param id path string true "Change ID"
// @Param payload body dto.ResolveChangeRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /dismissal/changes/{id}/resolve [post]
func (h *DismissalHandler) ResolveChange(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.ResolveChangeRequest
	if !bindJSON(c, &req) {
		return
	}
	resolution, err := h.engine.ResolveChange(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	var meta map[string]interface{}
	if resolution.AppliedToFutureOnly {
		meta = response.Warnings("entry already called; change applies to future sessions only")
	}
	response.OK(c, resolution, meta)
}

func batchMeta(skipped int) map[string]interface{} {
	if skipped == 0 {
		return nil
	}
	return map[string]interface{}{"skipped": skipped}
}
