package models

import "time"

// EventKind is the closed set of domain event variants delivered over the
// real-time channel. Adding a kind means adding a constant here, keeping
// the set compile-time visible instead of a string typo risk.
type EventKind string

const (
	EventLeadUpdated        EventKind = "lead:updated"
	EventOpportunityUpdated EventKind = "opportunity:updated"
	EventTicketUpdated      EventKind = "ticket:updated"
	EventTaskUpdated        EventKind = "task:updated"
	EventMessageIncoming    EventKind = "message:incoming"
	EventAppointmentCreated EventKind = "appointment:created"
	EventAppointmentUpdated EventKind = "appointment:updated"
	EventAppointmentDeleted EventKind = "appointment:deleted"
	EventNotification       EventKind = "notification"
)

// KnownEventKinds enumerates every kind, used by tests to keep the set closed.
var KnownEventKinds = []EventKind{
	EventLeadUpdated,
	EventOpportunityUpdated,
	EventTicketUpdated,
	EventTaskUpdated,
	EventMessageIncoming,
	EventAppointmentCreated,
	EventAppointmentUpdated,
	EventAppointmentDeleted,
	EventNotification,
}

// DomainEvent is an ephemeral change notification. It exists only for the
// duration of one fan-out delivery attempt; it is never queued or replayed.
type DomainEvent struct {
	Kind         EventKind `json:"kind"`
	TargetUserID string    `json:"target_user_id"` // empty for broadcast-class events
	EntityID     string    `json:"entity_id"`
	Payload      []byte    `json:"payload,omitempty"`
	EmittedAt    time.Time `json:"emitted_at"`
}

// Broadcast reports whether the event goes to every connected session
// rather than one user's sessions.
func (e *DomainEvent) Broadcast() bool {
	return e.TargetUserID == ""
}

// NewMailboxEvent maps a mailbox change to its event kind.
func NewMailboxEvent(userID string, change RemoteChange, now time.Time) DomainEvent {
	return DomainEvent{
		Kind:         EventMessageIncoming,
		TargetUserID: userID,
		EntityID:     change.ExternalID,
		Payload:      change.Payload,
		EmittedAt:    now,
	}
}

// NewCalendarEvent maps a calendar change to its event kind.
func NewCalendarEvent(userID string, change RemoteChange, now time.Time) DomainEvent {
	kind := EventAppointmentUpdated
	switch change.Kind {
	case ChangeCreated:
		kind = EventAppointmentCreated
	case ChangeDeleted:
		kind = EventAppointmentDeleted
	}
	return DomainEvent{
		Kind:         kind,
		TargetUserID: userID,
		EntityID:     change.ExternalID,
		Payload:      change.Payload,
		EmittedAt:    now,
	}
}
