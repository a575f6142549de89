package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/internal/dto"
	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/internal/realtime"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
	"github.com/noah-isme/sma-dismissal-api/pkg/response"
)

type eventSubscriber interface {
	Subscribe(actor models.ActorContext, sessionID string) (*realtime.Subscription, bool)
}

type snapshotReader interface {
	GetSnapshot(ctx context.Context, actor models.ActorContext, sessionID string) (*dto.Snapshot, error)
}

// StreamHandler serves role-scoped server-sent event streams.
type StreamHandler struct {
	subscriber eventSubscriber
	snapshots  snapshotReader
	heartbeat  time.Duration
	logger     *zap.Logger
}

// NewStreamHandler constructs the handler. A non-positive heartbeat disables keep-alives.
func NewStreamHandler(subscriber eventSubscriber, snapshots snapshotReader, heartbeat time.Duration, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{subscriber: subscriber, snapshots: snapshots, heartbeat: heartbeat, logger: logger}
}

// Stream godoc
// @Summary Subscribe to live session events
// @Description Sends a snapshot event followed by incremental events for the caller's audience.
// @Tags Dismissal
// @Produce text/event-stream
// @Param id path string true "Session ID"
// @Success 200 {string} string "event stream"
// @Router /dismissal/sessions/{id}/stream [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	sessionID := c.Param("id")

	sub, ok := h.subscriber.Subscribe(actor, sessionID)
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "role cannot subscribe to dismissal events"))
		return
	}
	defer sub.Close()

	snapshot, err := h.snapshots.GetSnapshot(c.Request.Context(), actor, sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	h.send(c, string(models.EventSnapshot), snapshot)

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			h.drain(c, sub)
			return
		case event, open := <-sub.Events():
			if !open {
				h.closed(c, sub, actor)
				return
			}
			h.send(c, string(event.Type), event)
		case at := <-tick:
			h.send(c, "heartbeat", gin.H{"at": at.UTC()})
		}
	}
}

// drain writes events already queued for the subscriber without blocking.
func (h *StreamHandler) drain(c *gin.Context, sub *realtime.Subscription) {
	for {
		select {
		case event, open := <-sub.Events():
			if !open {
				return
			}
			h.send(c, string(event.Type), event)
		default:
			return
		}
	}
}

func (h *StreamHandler) closed(c *gin.Context, sub *realtime.Subscription, actor models.ActorContext) {
	if !sub.Evicted() {
		return
	}
	h.logger.Warn("stream subscriber evicted",
		zap.String("tenant_id", actor.TenantID),
		zap.String("actor_id", actor.ActorID),
	)
	h.send(c, "evicted", gin.H{"reason": "subscriber fell behind; reconnect for a fresh snapshot"})
}

func (h *StreamHandler) send(c *gin.Context, name string, data interface{}) {
	c.SSEvent(name, data)
	c.Writer.Flush()
}
