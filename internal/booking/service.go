package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	redisclient "github.com/hauslist/viewing-booking/internal/redis"
)

const (
	// A lost race inside a slot section surfaces as ErrConcurrencyConflict.
	// The section is retried a couple of times before the conflict reaches
	// the caller.
	conflictRetryDelay = 25 * time.Millisecond
	conflictRetryMax   = 2

	defaultListLimit = 20
	maxListLimit     = 100
)

// ViewingRequest carries a customer's wish to view a property at one slot.
type ViewingRequest struct {
	PropertyID uuid.UUID
	CustomerID uuid.UUID
	Date       string
	Time       string
	Notes      string
}

type Service struct {
	repo    Repository
	catalog PropertyCatalog
	locker  redisclient.Locker
	grid    Grid
	logger  *zap.Logger
}

// NewService wires the booking engine. locker may be nil, in which case
// slot sections rely on the database lock alone.
func NewService(repo Repository, catalog PropertyCatalog, locker redisclient.Locker, grid Grid, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		catalog: catalog,
		locker:  locker,
		grid:    grid,
		logger:  logger,
	}
}

// RequestViewing admits a booking request into a slot: the first active
// booking holds the slot as pending, every later one joins the queue tail.
// Customers book for themselves; admins may book on a customer's behalf.
func (s *Service) RequestViewing(ctx context.Context, actor Actor, req ViewingRequest) (*Appointment, error) {
	key, err := ResolveSlotKey(req.PropertyID, req.Date, req.Time)
	if err != nil {
		return nil, err
	}

	switch actor.Role {
	case RoleCustomer:
		if req.CustomerID != uuid.Nil && req.CustomerID != actor.ID {
			return nil, ErrNotOwner
		}
		req.CustomerID = actor.ID
	case RoleAdmin:
		// The HTTP layer rejects admin requests without a customer; this
		// guard keeps the engine honest for other callers.
		if req.CustomerID == uuid.Nil {
			return nil, errors.New("admin viewing request without a customer")
		}
	default:
		return nil, fmt.Errorf("%w: %s may not request viewings", ErrRoleNotPermitted, actor.Role)
	}

	info, err := s.catalog.PropertyInfo(ctx, req.PropertyID)
	if err != nil {
		return nil, err
	}
	if !info.Bookable {
		return nil, fmt.Errorf("%w: property is %s", ErrPropertyUnavailable, info.Status)
	}

	var created *Appointment

	err = s.inSlot(ctx, key, func(ctx context.Context, tx SlotTx) error {
		blocked, err := tx.SlotBlocked(ctx, key)
		if err != nil {
			return err
		}
		if blocked {
			return fmt.Errorf("%w: %s", ErrSlotBlocked, key)
		}

		active, err := tx.CustomerHasActive(ctx, req.PropertyID, req.CustomerID)
		if err != nil {
			return err
		}
		if active {
			return ErrDuplicateActiveBooking
		}

		holder, err := tx.ActiveHolder(ctx, key)
		if err != nil {
			return err
		}
		tail, err := tx.MaxQueuePosition(ctx, key)
		if err != nil {
			return err
		}

		appt := &Appointment{
			ID:          uuid.New(),
			PropertyID:  req.PropertyID,
			CustomerID:  req.CustomerID,
			AgentID:     info.AgentID,
			ViewingDate: key.Date,
			ViewingTime: key.Time,
			Notes:       req.Notes,
		}
		// A slot with no holder and no waiters admits directly. A leftover
		// queue with a vacant seat still means the newcomer waits behind it.
		if holder == nil && tail == 0 {
			appt.Status = StatusPending
		} else {
			appt.Status = StatusQueued
			pos := tail + 1
			appt.QueuePosition = &pos
		}

		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return err
		}

		if appt.AgentID != nil {
			ev := OutboxEvent{
				RecipientID: *appt.AgentID,
				Kind:        EventViewingRequested,
				Payload:     eventPayload(appt, map[string]any{"customer_id": appt.CustomerID}),
			}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
		}
		receipt := OutboxEvent{RecipientID: appt.CustomerID, Kind: EventViewingPending, Payload: eventPayload(appt, nil)}
		if appt.Status == StatusQueued {
			receipt.Kind = EventViewingQueued
			receipt.Payload = eventPayload(appt, map[string]any{"queue_position": *appt.QueuePosition})
		}
		if err := tx.InsertEvent(ctx, receipt); err != nil {
			return err
		}

		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("viewing requested",
		zap.String("appointment_id", created.ID.String()),
		zap.String("slot", key.String()),
		zap.String("customer_id", created.CustomerID.String()),
		zap.String("status", string(created.Status)),
		zap.Intp("queue_position", created.QueuePosition),
	)
	return created, nil
}

// Transition applies confirm, complete, or cancel to an appointment. When
// the slot holder leaves, the head of the queue is promoted to confirmed
// in the same transaction.
func (s *Service) Transition(ctx context.Context, actor Actor, id uuid.UUID, action Action) (*Appointment, error) {
	to, ok := TransitionTarget(action)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a status transition", ErrInvalidTransition, action)
	}

	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, appt, action); err != nil {
		return nil, err
	}

	key := appt.SlotKey()
	var updated, promoted *Appointment
	var from Status

	err = s.inSlot(ctx, key, func(ctx context.Context, tx SlotTx) error {
		promoted = nil

		cur, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := ValidateTransition(cur.Status, to); err != nil {
			return err
		}
		from = cur.Status

		if err := tx.UpdateStatus(ctx, id, cur.Status, to); err != nil {
			return err
		}
		if cur.Status == StatusQueued && cur.QueuePosition != nil {
			if err := tx.CompactQueue(ctx, key, *cur.QueuePosition); err != nil {
				return err
			}
		}
		// The seat frees up when a pending or confirmed holder reaches a
		// terminal status; the wait queue moves up.
		if cur.Status.HoldsSlot() && to.Terminal() {
			promoted, err = s.promoteHead(ctx, tx, key)
			if err != nil {
				return err
			}
		}

		kind := transitionEventKind(to)
		for _, rcpt := range counterparties(cur, actor) {
			ev := OutboxEvent{RecipientID: rcpt, Kind: kind, Payload: eventPayload(cur, map[string]any{"new_status": to})}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
		}

		updated, err = tx.GetAppointment(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("appointment_id", id.String()),
		zap.String("slot", key.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if promoted != nil {
		fields = append(fields, zap.String("promoted_id", promoted.ID.String()))
	}
	s.logger.Info("viewing transition", fields...)
	return updated, nil
}

// Reschedule moves an appointment to another slot of the same property.
// The old slot is released exactly as a cancellation would release it,
// then the appointment is admitted fresh into the new slot, all within one
// transaction holding both slot locks. The appointment keeps its identity
// but loses its seniority: a new booking sequence is assigned.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, date, timeOfDay string) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, appt, ActionReschedule); err != nil {
		return nil, err
	}

	newKey, err := ResolveSlotKey(appt.PropertyID, date, timeOfDay)
	if err != nil {
		return nil, err
	}
	oldKey := appt.SlotKey()
	// Moving to the slot already held is no move at all. Without this
	// guard the release below would hand the seat to the queue head and
	// re-admit the caller at the tail.
	if newKey == oldKey {
		return appt, nil
	}

	info, err := s.catalog.PropertyInfo(ctx, appt.PropertyID)
	if err != nil {
		return nil, err
	}
	if !info.Bookable {
		return nil, fmt.Errorf("%w: property is %s", ErrPropertyUnavailable, info.Status)
	}

	var updated, promoted *Appointment

	err = s.inSlotPair(ctx, oldKey, newKey, func(ctx context.Context, tx SlotTx) error {
		promoted = nil

		cur, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrAlreadyTerminal, cur.Status)
		}

		blocked, err := tx.SlotBlocked(ctx, newKey)
		if err != nil {
			return err
		}
		if blocked {
			return fmt.Errorf("%w: %s", ErrSlotBlocked, newKey)
		}

		// Release the old slot. The interim cancelled status never leaves
		// this transaction; it exists so the readmission below sees the
		// slot exactly as a cancellation would have left it.
		oldStatus, oldPos := cur.Status, cur.QueuePosition
		if err := tx.UpdateStatus(ctx, id, oldStatus, StatusCancelled); err != nil {
			return err
		}
		if oldStatus == StatusQueued && oldPos != nil {
			if err := tx.CompactQueue(ctx, oldKey, *oldPos); err != nil {
				return err
			}
		}
		if oldStatus.HoldsSlot() {
			promoted, err = s.promoteHead(ctx, tx, oldKey)
			if err != nil {
				return err
			}
		}

		// Fresh admission into the new slot. No duplicate check: the
		// property is unchanged and this appointment was its customer's
		// only active booking for it.
		holder, err := tx.ActiveHolder(ctx, newKey)
		if err != nil {
			return err
		}
		tail, err := tx.MaxQueuePosition(ctx, newKey)
		if err != nil {
			return err
		}
		status := StatusPending
		var pos *int
		if holder != nil || tail > 0 {
			status = StatusQueued
			p := tail + 1
			pos = &p
		}
		if err := tx.PlaceInSlot(ctx, id, newKey, status, pos); err != nil {
			return err
		}

		updated, err = tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		extra := map[string]any{
			"from_date": oldKey.Date, "from_time": oldKey.Time,
			"to_date": newKey.Date, "to_time": newKey.Time,
		}
		if updated.QueuePosition != nil {
			extra["queue_position"] = *updated.QueuePosition
		}
		for _, rcpt := range counterparties(updated, actor) {
			ev := OutboxEvent{RecipientID: rcpt, Kind: EventViewingRescheduled, Payload: eventPayload(updated, extra)}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("appointment_id", id.String()),
		zap.String("from_slot", oldKey.String()),
		zap.String("to_slot", newKey.String()),
		zap.String("status", string(updated.Status)),
	}
	if promoted != nil {
		fields = append(fields, zap.String("promoted_id", promoted.ID.String()))
	}
	s.logger.Info("viewing rescheduled", fields...)
	return updated, nil
}

// HardDelete removes an appointment row entirely. Unlike a cancellation it
// skips the lifecycle, but the slot it occupied is settled the same way:
// the queue compacts and a vacated seat promotes the head.
func (s *Service) HardDelete(ctx context.Context, actor Actor, id uuid.UUID) error {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return err
	}
	if err := Authorize(actor, appt, ActionHardDelete); err != nil {
		return err
	}

	key := appt.SlotKey()
	var promoted *Appointment

	err = s.inSlot(ctx, key, func(ctx context.Context, tx SlotTx) error {
		promoted = nil

		cur, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteAppointment(ctx, id); err != nil {
			return err
		}
		if cur.Status == StatusQueued && cur.QueuePosition != nil {
			if err := tx.CompactQueue(ctx, key, *cur.QueuePosition); err != nil {
				return err
			}
		}
		if cur.Status.HoldsSlot() {
			promoted, err = s.promoteHead(ctx, tx, key)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("appointment_id", id.String()),
		zap.String("slot", key.String()),
		zap.String("deleted_by", actor.ID.String()),
	}
	if promoted != nil {
		fields = append(fields, zap.String("promoted_id", promoted.ID.String()))
	}
	s.logger.Info("viewing hard deleted", fields...)
	return nil
}

// UpdateNotes replaces the appointment's free-text notes. Notes are not
// slot state, so no slot section is needed.
func (s *Service) UpdateNotes(ctx context.Context, actor Actor, id uuid.UUID, notes string) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, appt, ActionEditNotes); err != nil {
		return nil, err
	}
	return s.repo.UpdateNotes(ctx, id, notes)
}

// GetAppointment loads one appointment the actor is allowed to see.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(actor, appt) {
		return nil, ErrNotOwner
	}
	return appt, nil
}

// ListAppointments lists appointments within the actor's visibility:
// customers see their own, agents the ones assigned to them, admins
// whatever the filter says.
func (s *Service) ListAppointments(ctx context.Context, actor Actor, f ListFilter) ([]Appointment, error) {
	switch actor.Role {
	case RoleCustomer:
		f.CustomerID = &actor.ID
		f.AgentID = nil
	case RoleAgent:
		f.AgentID = &actor.ID
	case RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrRoleNotPermitted, actor.Role)
	}

	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.ListAppointments(ctx, f)
}

// ListDaySlots classifies every grid slot of a property on one date as
// open, blocked, or occupied. The answer is advisory: admission re-checks
// under the slot lock.
func (s *Service) ListDaySlots(ctx context.Context, propertyID uuid.UUID, date string) (*DayAvailability, error) {
	d, err := NormalizeDate(date)
	if err != nil {
		return nil, err
	}

	info, err := s.catalog.PropertyInfo(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if !info.Bookable {
		return nil, fmt.Errorf("%w: property is %s", ErrPropertyUnavailable, info.Status)
	}

	blocked, err := s.repo.BlockedTimes(ctx, propertyID, d)
	if err != nil {
		return nil, err
	}
	held, err := s.repo.HeldTimes(ctx, propertyID, d)
	if err != nil {
		return nil, err
	}

	day := &DayAvailability{PropertyID: propertyID, Date: d}
	for _, t := range s.grid.Times() {
		reason, isBlocked := blocked[t]
		day.Slots = append(day.Slots, SlotAvailability{
			Time:   t,
			State:  classifySlot(isBlocked, held[t]),
			Reason: reason,
		})
	}
	return day, nil
}

// SlotQueue returns the wait queue of one slot in position order. Agents
// see queues for their own properties, admins for any.
func (s *Service) SlotQueue(ctx context.Context, actor Actor, propertyID uuid.UUID, date, timeOfDay string) ([]Appointment, error) {
	key, err := ResolveSlotKey(propertyID, date, timeOfDay)
	if err != nil {
		return nil, err
	}

	switch actor.Role {
	case RoleAdmin:
	case RoleAgent:
		info, err := s.catalog.PropertyInfo(ctx, propertyID)
		if err != nil {
			return nil, err
		}
		if info.AgentID == nil || *info.AgentID != actor.ID {
			return nil, fmt.Errorf("%w: property not assigned to this agent", ErrRoleNotPermitted)
		}
	default:
		return nil, fmt.Errorf("%w: %s may not inspect queues", ErrRoleNotPermitted, actor.Role)
	}

	return s.repo.QueueEntries(ctx, key)
}

// promoteHead confirms the earliest-queued appointment of a slot after its
// seat opened up. Position order equals booking order, so the head is the
// longest waiter. Promotion jumps straight to confirmed; the customer
// already asked for this slot once.
func (s *Service) promoteHead(ctx context.Context, tx SlotTx, key SlotKey) (*Appointment, error) {
	head, err := tx.QueueHead(ctx, key)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}

	if err := tx.UpdateStatus(ctx, head.ID, StatusQueued, StatusConfirmed); err != nil {
		return nil, err
	}
	if head.QueuePosition != nil {
		if err := tx.CompactQueue(ctx, key, *head.QueuePosition); err != nil {
			return nil, err
		}
	}
	head.Status = StatusConfirmed
	head.QueuePosition = nil

	ev := OutboxEvent{RecipientID: head.CustomerID, Kind: EventViewingPromoted, Payload: eventPayload(head, nil)}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}
	return head, nil
}

func transitionEventKind(to Status) EventKind {
	switch to {
	case StatusConfirmed:
		return EventViewingConfirmed
	case StatusCompleted:
		return EventViewingCompleted
	default:
		return EventViewingCancelled
	}
}

// inSlot runs fn inside the slot's critical section, behind the Redis
// gate when one is configured, retrying lost races a bounded number of
// times.
func (s *Service) inSlot(ctx context.Context, key SlotKey, fn func(ctx context.Context, tx SlotTx) error) error {
	return s.retrySection(ctx, func(ctx context.Context) error {
		if s.locker == nil {
			return s.repo.WithSlotTx(ctx, key, fn)
		}
		return s.locker.WithSlotGate(ctx, key.String(), func(ctx context.Context) error {
			return s.repo.WithSlotTx(ctx, key, fn)
		})
	})
}

// inSlotPair is inSlot across two slots. Gates are taken in sorted key
// order so two crossing reschedules cannot hold one gate each forever.
func (s *Service) inSlotPair(ctx context.Context, a, b SlotKey, fn func(ctx context.Context, tx SlotTx) error) error {
	return s.retrySection(ctx, func(ctx context.Context) error {
		run := func(ctx context.Context) error {
			return s.repo.WithSlotPairTx(ctx, a, b, fn)
		}
		if s.locker == nil {
			return run(ctx)
		}
		if a == b {
			return s.locker.WithSlotGate(ctx, a.String(), run)
		}
		lo, hi := a, b
		if hi.String() < lo.String() {
			lo, hi = hi, lo
		}
		return s.locker.WithSlotGate(ctx, lo.String(), func(ctx context.Context) error {
			return s.locker.WithSlotGate(ctx, hi.String(), run)
		})
	})
}

func (s *Service) retrySection(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(conflictRetryMax, retry.NewConstant(conflictRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, redisclient.ErrLockNotAcquired) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && errors.Is(err, redisclient.ErrLockNotAcquired) {
		return fmt.Errorf("slot gate busy: %w", ErrConcurrencyConflict)
	}
	return err
}
