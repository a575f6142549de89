package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
)

// Event is one fan-out message. Sequence is per (tenant, audience) channel.
type Event struct {
	Type       models.EventType `json:"eventType"`
	TenantID   string           `json:"tenantId"`
	SessionID  string           `json:"sessionId"`
	Sequence   uint64           `json:"seq"`
	OccurredAt time.Time        `json:"occurredAt"`
	Payload    json.RawMessage  `json:"payload"`
}

// NewEvent marshals payload into an event stamped with the current time.
func NewEvent(eventType models.EventType, tenantID, sessionID string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		Type:       eventType,
		TenantID:   tenantID,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Audience names a class of viewers inside a tenant.
type Audience string

const (
	AudienceOffice  Audience = "office"
	AudienceDisplay Audience = "public-display"
)

const parentPrefix = "parent:"

// ParentAudience is the private channel of one guardian.
func ParentAudience(userID string) Audience {
	return Audience(parentPrefix + userID)
}

// ChannelKey identifies a hub channel.
type ChannelKey struct {
	TenantID string   `json:"tenantId"`
	Audience Audience `json:"audience"`
}

// AudienceFor maps a verified actor to the channel they may watch.
func AudienceFor(actor models.ActorContext) (Audience, bool) {
	switch {
	case actor.Role.Staff():
		return AudienceOffice, true
	case actor.Role == models.RoleParent && actor.ActorID != "":
		return ParentAudience(actor.ActorID), true
	case actor.Role == models.RoleDisplay:
		return AudienceDisplay, true
	default:
		return "", false
	}
}

// displayEvents are the transitions shown on the public car-line display.
var displayEvents = map[models.EventType]bool{
	models.EventEntryCalled:    true,
	models.EventEntryReleased:  true,
	models.EventEntryDismissed: true,
	models.EventSessionOpened:  true,
	models.EventSessionStarted: true,
	models.EventSessionClosed:  true,
}

// parentEvents are delivered to the guardians of the affected students.
var parentEvents = map[models.EventType]bool{
	models.EventEntryDismissed: true,
	models.EventChangeResolved: true,
}
