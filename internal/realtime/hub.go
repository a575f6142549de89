package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
)

const defaultSubscriberBuffer = 64

// Observer receives hub lifecycle notifications, typically for metrics.
type Observer interface {
	SubscriberAdded(audience Audience)
	SubscriberRemoved(audience Audience)
	SubscriberEvicted(audience Audience)
	EventDelivered(eventType models.EventType)
}

type nopObserver struct{}

func (nopObserver) SubscriberAdded(Audience)        {}
func (nopObserver) SubscriberRemoved(Audience)      {}
func (nopObserver) SubscriberEvicted(Audience)      {}
func (nopObserver) EventDelivered(models.EventType) {}

// Hub owns the per-channel subscriber sets and sequence counters.
type Hub struct {
	mu       sync.Mutex
	buffer   int
	channels map[ChannelKey]*channel
	observer Observer
	logger   *zap.Logger
}

type channel struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.buffer = size
		}
	}
}

// WithObserver installs lifecycle callbacks.
func WithObserver(observer Observer) HubOption {
	return func(h *Hub) {
		if observer != nil {
			h.observer = observer
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub constructs an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer:   defaultSubscriberBuffer,
		channels: make(map[ChannelKey]*channel),
		observer: nopObserver{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription is one viewer's handle on a channel, bound to a session.
type Subscription struct {
	key       ChannelKey
	sessionID string
	events    chan Event
	hub       *Hub
	closed    bool
	evicted   bool
}

// Key returns the channel the subscription listens on.
func (s *Subscription) Key() ChannelKey { return s.key }

// Events yields delivered events; it is closed on Close or eviction.
func (s *Subscription) Events() <-chan Event { return s.events }

// Evicted reports whether the hub dropped the subscriber for falling behind.
func (s *Subscription) Evicted() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.evicted
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s, false)
}

// Subscribe registers a subscriber. Events of other sessions are filtered out
// when sessionID is set.
func (h *Hub) Subscribe(key ChannelKey, sessionID string) *Subscription {
	sub := &Subscription{
		key:       key,
		sessionID: sessionID,
		events:    make(chan Event, h.buffer),
		hub:       h,
	}
	h.mu.Lock()
	ch, ok := h.channels[key]
	if !ok {
		ch = &channel{subs: make(map[*Subscription]struct{})}
		h.channels[key] = ch
	}
	ch.subs[sub] = struct{}{}
	h.mu.Unlock()

	h.observer.SubscriberAdded(key.Audience)
	return sub
}

// Publish delivers event to every subscriber of key and returns the assigned
// sequence, or 0 when nobody listens. Subscribers with a full queue are evicted.
func (h *Hub) Publish(key ChannelKey, event Event) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[key]
	if !ok {
		return 0
	}
	ch.seq++
	event.Sequence = ch.seq
	for sub := range ch.subs {
		if sub.sessionID != "" && event.SessionID != "" && sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.events <- event:
			h.observer.EventDelivered(event.Type)
		default:
			h.logger.Warn("evicting slow subscriber",
				zap.String("tenant_id", key.TenantID),
				zap.String("audience", string(key.Audience)),
				zap.String("event_type", string(event.Type)),
			)
			h.removeLocked(sub, true)
		}
	}
	return event.Sequence
}

// Subscribers counts the live subscribers of key.
func (h *Hub) Subscribers(key ChannelKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[key]; ok {
		return len(ch.subs)
	}
	return 0
}

func (h *Hub) removeLocked(sub *Subscription, evicted bool) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.evicted = evicted
	close(sub.events)
	if ch, ok := h.channels[sub.key]; ok {
		delete(ch.subs, sub)
		if len(ch.subs) == 0 {
			delete(h.channels, sub.key)
		}
	}
	if evicted {
		h.observer.SubscriberEvicted(sub.key.Audience)
	}
	h.observer.SubscriberRemoved(sub.key.Audience)
}
