package models

// EventType names a fan-out event pushed to subscribers.
type EventType string

const (
	EventSnapshot       EventType = "snapshot"
	EventSessionOpened  EventType = "session.opened"
	EventSessionStarted EventType = "session.started"
	EventSessionClosed  EventType = "session.closed"
	EventEntryAdded     EventType = "entry.added"
	EventEntryCalled    EventType = "entry.called"
	EventEntryHeld      EventType = "entry.held"
	EventEntryDelayed   EventType = "entry.delayed"
	EventEntryRequeued  EventType = "entry.requeued"
	EventEntryReleased  EventType = "entry.released"
	EventEntryDismissed EventType = "entry.dismissed"
	EventChangeRequest  EventType = "change.requested"
	EventChangeResolved EventType = "change.resolved"
)

// EntryEventFor maps a target status to the event announcing it.
func EntryEventFor(status EntryStatus) EventType {
	switch status {
	case EntryStatusCalled:
		return EventEntryCalled
	case EntryStatusHeld:
		return EventEntryHeld
	case EntryStatusDelayed:
		return EventEntryDelayed
	case EntryStatusReleased:
		return EventEntryReleased
	case EntryStatusDismissed:
		return EventEntryDismissed
	default:
		return EventEntryRequeued
	}
}
