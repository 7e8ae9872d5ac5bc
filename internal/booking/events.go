package booking

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventKind names a notification-worthy booking fact. Kinds are part of
// the outbox wire contract consumed by the relay.
type EventKind string

const (
	EventViewingRequested   EventKind = "viewing_requested"
	EventViewingPending     EventKind = "viewing_pending"
	EventViewingQueued      EventKind = "viewing_queued"
	EventViewingConfirmed   EventKind = "viewing_confirmed"
	EventViewingCompleted   EventKind = "viewing_completed"
	EventViewingCancelled   EventKind = "viewing_cancelled"
	EventViewingPromoted    EventKind = "viewing_promoted"
	EventViewingRescheduled EventKind = "viewing_rescheduled"
)

// OutboxEvent is one notification decision, recorded in the same
// transaction as the booking change it describes. Delivery happens later
// and never affects the booking outcome.
type OutboxEvent struct {
	RecipientID uuid.UUID
	Kind        EventKind
	Payload     []byte
}

// eventPayload serializes the appointment facts a notification needs.
// Marshal failure degrades to a payload-free event rather than failing
// the booking transaction over notification detail.
func eventPayload(appt *Appointment, extra map[string]any) []byte {
	fields := map[string]any{
		"appointment_id": appt.ID,
		"property_id":    appt.PropertyID,
		"viewing_date":   appt.ViewingDate,
		"viewing_time":   appt.ViewingTime,
		"status":         appt.Status,
	}
	for k, v := range extra {
		fields[k] = v
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return b
}

// counterparties lists the people to tell about a change: everyone on the
// appointment except whoever made the change.
func counterparties(appt *Appointment, actor Actor) []uuid.UUID {
	var out []uuid.UUID
	if appt.CustomerID != actor.ID {
		out = append(out, appt.CustomerID)
	}
	if appt.AgentID != nil && *appt.AgentID != actor.ID {
		out = append(out, *appt.AgentID)
	}
	return out
}
