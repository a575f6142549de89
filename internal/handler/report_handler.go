package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/internal/service"
	"github.com/noah-isme/sma-dismissal-api/pkg/response"
)

type activityReporter interface {
	ActivityReport(ctx context.Context, actor models.ActorContext, sessionID, format string) (*service.ReportFile, error)
}

// ReportHandler exposes session activity exports.
type ReportHandler struct {
	reports activityReporter
}

// NewReportHandler constructs handler.
func NewReportHandler(reports activityReporter) *ReportHandler {
	return &ReportHandler{reports: reports}
}

// ActivityReport godoc
// @Summary Download the activity log of a session
// @Tags Reports
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Session ID"
// @Param format query string false "csv|pdf"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /dismissal/sessions/{id}/report [get]
func (h *ReportHandler) ActivityReport(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	file, err := h.reports.ActivityReport(c.Request.Context(), actor, c.Param("id"), c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	c.Header("X-Report-Rows", strconv.Itoa(file.Rows))
	c.Data(http.StatusOK, file.ContentType, file.Data)
}
