package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
)

// GuardianResolver looks up the guardians of students.
type GuardianResolver interface {
	GuardianIDs(ctx context.Context, studentIDs []string) (map[string][]string, error)
}

// Forwarder ships locally published events to other replicas.
type Forwarder interface {
	Forward(ctx context.Context, envelope Envelope) error
}

// Envelope is an event together with the channels it was routed to.
type Envelope struct {
	Origin string       `json:"origin"`
	Keys   []ChannelKey `json:"keys"`
	Event  Event        `json:"event"`
}

// Scope names who an event is about, so the router can find parent channels.
type Scope struct {
	StudentIDs    []string
	RequesterID   string
	RequesterRole models.UserRole
}

// Router resolves audiences for engine events and publishes them to the hub.
type Router struct {
	hub       *Hub
	guardians GuardianResolver
	forwarder Forwarder
	logger    *zap.Logger
}

// NewRouter wires a router around hub. guardians may be nil when no parent fan-out is needed.
func NewRouter(hub *Hub, guardians GuardianResolver, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{hub: hub, guardians: guardians, logger: logger}
}

// SetForwarder enables cross-replica delivery.
func (r *Router) SetForwarder(forwarder Forwarder) {
	r.forwarder = forwarder
}

// Hub exposes the underlying hub for subscriptions.
func (r *Router) Hub() *Hub {
	return r.hub
}

// Subscribe attaches a subscriber for actor to the session's events.
func (r *Router) Subscribe(actor models.ActorContext, sessionID string) (*Subscription, bool) {
	audience, ok := AudienceFor(actor)
	if !ok {
		return nil, false
	}
	return r.hub.Subscribe(ChannelKey{TenantID: actor.TenantID, Audience: audience}, sessionID), true
}

// Publish routes event to its audiences. Guardian lookup failures only drop the
// parent channels; office and display delivery still happen.
func (r *Router) Publish(ctx context.Context, event Event, scope Scope) {
	keys := r.Keys(ctx, event, scope)
	r.Deliver(keys, event)
	if r.forwarder == nil {
		return
	}
	if err := r.forwarder.Forward(ctx, Envelope{Keys: keys, Event: event}); err != nil {
		r.logger.Warn("forward realtime event",
			zap.String("tenant_id", event.TenantID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// Keys lists the channels that should receive event.
func (r *Router) Keys(ctx context.Context, event Event, scope Scope) []ChannelKey {
	keys := []ChannelKey{{TenantID: event.TenantID, Audience: AudienceOffice}}
	if displayEvents[event.Type] {
		keys = append(keys, ChannelKey{TenantID: event.TenantID, Audience: AudienceDisplay})
	}
	if !parentEvents[event.Type] {
		return keys
	}

	parents := make(map[string]struct{})
	if scope.RequesterRole == models.RoleParent && scope.RequesterID != "" {
		parents[scope.RequesterID] = struct{}{}
	}
	if r.guardians != nil && len(scope.StudentIDs) > 0 {
		guardians, err := r.guardians.GuardianIDs(ctx, scope.StudentIDs)
		if err != nil {
			r.logger.Warn("resolve guardians for fan-out",
				zap.String("tenant_id", event.TenantID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err),
			)
		}
		for _, ids := range guardians {
			for _, id := range ids {
				parents[id] = struct{}{}
			}
		}
	}
	for id := range parents {
		keys = append(keys, ChannelKey{TenantID: event.TenantID, Audience: ParentAudience(id)})
	}
	return keys
}

// Deliver publishes event to each key on the local hub only.
func (r *Router) Deliver(keys []ChannelKey, event Event) {
	for _, key := range keys {
		r.hub.Publish(key, event)
	}
}
