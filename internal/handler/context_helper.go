package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-dismissal-api/internal/middleware"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
	"github.com/noah-isme/sma-dismissal-api/pkg/response"
)

// actorFromContext builds the engine actor from verified claims, writing 401 when absent.
func actorFromContext(c *gin.Context) (models.ActorContext, bool) {
	claims := middleware.Claims(c)
	if claims == nil || claims.UserID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return models.ActorContext{}, false
	}
	return claims.Actor(), true
}

// bindJSON decodes the body; an empty body leaves dest at its zero value.
func bindJSON(c *gin.Context, dest interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return false
	}
	return true
}
