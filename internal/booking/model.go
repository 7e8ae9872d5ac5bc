package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HoldsSlot reports whether an appointment in this status occupies the
// slot's single seat. Queued appointments wait; they do not hold.
func (s Status) HoldsSlot() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Active reports whether the appointment still counts against the
// one-active-booking-per-customer-per-property rule.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusQueued
}

// ParseStatus validates raw input against the known statuses.
func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusPending, StatusConfirmed, StatusQueued, StatusCompleted, StatusCancelled:
		return s, true
	}
	return "", false
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
)

// Action is a request against an existing appointment that must pass the
// permission gate before it is applied.
type Action string

const (
	ActionConfirm    Action = "confirm"
	ActionComplete   Action = "complete"
	ActionCancel     Action = "cancel"
	ActionReschedule Action = "reschedule"
	ActionEditNotes  Action = "edit_notes"
	ActionHardDelete Action = "hard_delete"
)

// Actor is the authenticated user a request runs as.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type Appointment struct {
	ID            uuid.UUID
	PropertyID    uuid.UUID
	CustomerID    uuid.UUID
	AgentID       *uuid.UUID
	ViewingDate   string
	ViewingTime   string
	Status        Status
	QueuePosition *int
	BookingSeq    int64
	BookedAt      time.Time
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SlotKey returns the slot this appointment belongs to.
func (a *Appointment) SlotKey() SlotKey {
	return SlotKey{PropertyID: a.PropertyID, Date: a.ViewingDate, Time: a.ViewingTime}
}

type BlockedSlot struct {
	ID          uuid.UUID
	PropertyID  uuid.UUID
	ViewingDate string
	ViewingTime string
	Reason      string
	CreatedBy   uuid.UUID
	CreatedAt   time.Time
}

// PropertyInfo is what the booking engine needs to know about a property
// before admitting a viewing request.
type PropertyInfo struct {
	Status   string
	Bookable bool
	AgentID  *uuid.UUID
}

// PropertyCatalog resolves property state at admission time. Implemented
// by the catalog package against the properties table.
type PropertyCatalog interface {
	PropertyInfo(ctx context.Context, propertyID uuid.UUID) (PropertyInfo, error)
}
