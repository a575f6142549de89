package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-dismissal-api/internal/middleware"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
)

// Routes bundles the authenticated API handlers. Reports may be nil when exports are disabled.
type Routes struct {
	Auth      gin.HandlerFunc
	Dismissal *DismissalHandler
	Stream    *StreamHandler
	Reports   *ReportHandler
}

// Register mounts the dismissal API under group.
func (r Routes) Register(group *gin.RouterGroup) {
	staff := middleware.RequireRoles(middleware.StaffRoles...)
	viewers := middleware.RequireRoles(middleware.ViewerRoles...)
	requesters := middleware.RequireRoles(append(append([]models.UserRole{}, middleware.StaffRoles...), models.RoleParent)...)

	d := group.Group("/dismissal")
	if r.Auth != nil {
		d.Use(r.Auth)
	}

	sessions := d.Group("/sessions")
	sessions.POST("", staff, r.Dismissal.OpenSession)
	sessions.GET("/current", viewers, r.Dismissal.CurrentSession)
	sessions.GET("/:id", viewers, r.Dismissal.GetSession)
	sessions.POST("/:id/start", staff, r.Dismissal.StartSession)
	sessions.POST("/:id/close", staff, r.Dismissal.CloseSession)
	sessions.GET("/:id/snapshot", viewers, r.Dismissal.Snapshot)
	sessions.POST("/:id/entries", staff, r.Dismissal.AddEntry)
	sessions.POST("/:id/call", staff, r.Dismissal.CallNext)
	sessions.POST("/:id/batch", staff, r.Dismissal.Batch)
	sessions.GET("/:id/changes", requesters, r.Dismissal.ListChanges)
	sessions.POST("/:id/changes", requesters, r.Dismissal.SubmitChange)
	if r.Stream != nil {
		sessions.GET("/:id/stream", viewers, r.Stream.Stream)
	}
	if r.Reports != nil {
		sessions.GET("/:id/report", staff, r.Reports.ActivityReport)
	}

	d.POST("/entries/:id/:action", staff, r.Dismissal.EntryAction)
	d.POST("/changes/:id/resolve", staff, r.Dismissal.ResolveChange)
}
