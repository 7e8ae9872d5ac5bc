package booking

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPropertyNotFound    = errors.New("property not found")
)

// ListFilter narrows ListAppointments. Nil fields match everything.
type ListFilter struct {
	PropertyID *uuid.UUID
	CustomerID *uuid.UUID
	AgentID    *uuid.UUID
	Status     *Status
	Limit      int
	Offset     int
}

// Repository contains all DB interactions needed by the service.
//
// Reads outside a slot transaction see committed state only. Every write
// that touches a slot's seat or queue goes through WithSlotTx (or
// WithSlotPairTx for a reschedule across two slots), which serializes all
// mutators of the same slot.
type Repository interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// Queue and availability reads
	QueueEntries(ctx context.Context, key SlotKey) ([]Appointment, error)
	BlockedTimes(ctx context.Context, propertyID uuid.UUID, date string) (map[string]string, error)
	HeldTimes(ctx context.Context, propertyID uuid.UUID, date string) (map[string]bool, error)

	// Notes are plain row data, not slot state.
	UpdateNotes(ctx context.Context, id uuid.UUID, notes string) (*Appointment, error)

	// Slot critical sections
	WithSlotTx(ctx context.Context, key SlotKey, fn func(ctx context.Context, tx SlotTx) error) error
	WithSlotPairTx(ctx context.Context, a, b SlotKey, fn func(ctx context.Context, tx SlotTx) error) error
}

// SlotTx is the storage surface inside one slot critical section. All
// reads observe every mutation already made in the section, and either
// every write commits or none do.
type SlotTx interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Admission facts
	SlotBlocked(ctx context.Context, key SlotKey) (bool, error)
	CustomerHasActive(ctx context.Context, propertyID, customerID uuid.UUID) (bool, error)
	ActiveHolder(ctx context.Context, key SlotKey) (*Appointment, error)
	MaxQueuePosition(ctx context.Context, key SlotKey) (int, error)
	QueueHead(ctx context.Context, key SlotKey) (*Appointment, error)

	// Mutations
	InsertAppointment(ctx context.Context, appt *Appointment) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	PlaceInSlot(ctx context.Context, id uuid.UUID, key SlotKey, status Status, queuePos *int) error
	CompactQueue(ctx context.Context, key SlotKey, removedPos int) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	InsertEvent(ctx context.Context, ev OutboxEvent) error
}
