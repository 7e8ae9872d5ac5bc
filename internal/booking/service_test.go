package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memStore is an in-memory Repository. One mutex serializes slot sections
// the way the per-slot advisory lock does in Postgres, and a snapshot
// taken at section start restores state when the section fails, mirroring
// transaction rollback.
type memStore struct {
	mu      sync.Mutex
	appts   map[uuid.UUID]*Appointment
	blocked map[SlotKey]string
	events  []OutboxEvent
	seq     int64
	clock   time.Time

	failTx    int  // sections to fail with a simulated lost race
	failEvent bool // make InsertEvent fail inside the section
}

func newMemStore() *memStore {
	return &memStore{
		appts:   make(map[uuid.UUID]*Appointment),
		blocked: make(map[SlotKey]string),
		clock:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func cloneAppt(a *Appointment) *Appointment {
	c := *a
	if a.AgentID != nil {
		id := *a.AgentID
		c.AgentID = &id
	}
	if a.QueuePosition != nil {
		p := *a.QueuePosition
		c.QueuePosition = &p
	}
	return &c
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *memStore) getLocked(id uuid.UUID) (*Appointment, error) {
	a, ok := s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppt(a), nil
}

func (s *memStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *memStore) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Appointment
	for _, a := range s.appts {
		if f.PropertyID != nil && a.PropertyID != *f.PropertyID {
			continue
		}
		if f.CustomerID != nil && a.CustomerID != *f.CustomerID {
			continue
		}
		if f.AgentID != nil && (a.AgentID == nil || *a.AgentID != *f.AgentID) {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		out = append(out, *cloneAppt(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) QueueEntries(ctx context.Context, key SlotKey) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Appointment
	for _, a := range s.appts {
		if a.Status == StatusQueued && a.SlotKey() == key {
			out = append(out, *cloneAppt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].QueuePosition < *out[j].QueuePosition })
	return out, nil
}

func (s *memStore) BlockedTimes(ctx context.Context, propertyID uuid.UUID, date string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	for key, reason := range s.blocked {
		if key.PropertyID == propertyID && key.Date == date {
			out[key.Time] = reason
		}
	}
	return out, nil
}

func (s *memStore) HeldTimes(ctx context.Context, propertyID uuid.UUID, date string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool)
	for _, a := range s.appts {
		if a.PropertyID == propertyID && a.ViewingDate == date && a.Status.HoldsSlot() {
			out[a.ViewingTime] = true
		}
	}
	return out, nil
}

func (s *memStore) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Notes = notes
	a.UpdatedAt = s.tick()
	return cloneAppt(a), nil
}

func (s *memStore) WithSlotTx(ctx context.Context, key SlotKey, fn func(ctx context.Context, tx SlotTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failTx > 0 {
		s.failTx--
		return fmt.Errorf("simulated lost race: %w", ErrConcurrencyConflict)
	}

	snap := make(map[uuid.UUID]*Appointment, len(s.appts))
	for id, a := range s.appts {
		snap[id] = cloneAppt(a)
	}
	evLen := len(s.events)
	seq := s.seq

	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.appts = snap
		s.events = s.events[:evLen]
		s.seq = seq
		return err
	}
	return nil
}

func (s *memStore) WithSlotPairTx(ctx context.Context, a, b SlotKey, fn func(ctx context.Context, tx SlotTx) error) error {
	return s.WithSlotTx(ctx, a, fn)
}

// Event inspection helpers

func (s *memStore) countKind(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (s *memStore) eventsFor(recipient uuid.UUID) []OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OutboxEvent
	for _, ev := range s.events {
		if ev.RecipientID == recipient {
			out = append(out, ev)
		}
	}
	return out
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// memTx runs with the store mutex already held.
type memTx struct {
	s *memStore
}

func (t *memTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return t.s.getLocked(id)
}

func (t *memTx) SlotBlocked(ctx context.Context, key SlotKey) (bool, error) {
	_, ok := t.s.blocked[key]
	return ok, nil
}

func (t *memTx) CustomerHasActive(ctx context.Context, propertyID, customerID uuid.UUID) (bool, error) {
	for _, a := range t.s.appts {
		if a.PropertyID == propertyID && a.CustomerID == customerID && a.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ActiveHolder(ctx context.Context, key SlotKey) (*Appointment, error) {
	var holder *Appointment
	for _, a := range t.s.appts {
		if a.SlotKey() == key && a.Status.HoldsSlot() {
			if holder != nil {
				return nil, fmt.Errorf("slot %s has two holders: %w", key, ErrConcurrencyConflict)
			}
			holder = cloneAppt(a)
		}
	}
	return holder, nil
}

func (t *memTx) MaxQueuePosition(ctx context.Context, key SlotKey) (int, error) {
	tail := 0
	for _, a := range t.s.appts {
		if a.Status == StatusQueued && a.SlotKey() == key && a.QueuePosition != nil && *a.QueuePosition > tail {
			tail = *a.QueuePosition
		}
	}
	return tail, nil
}

func (t *memTx) QueueHead(ctx context.Context, key SlotKey) (*Appointment, error) {
	var head *Appointment
	for _, a := range t.s.appts {
		if a.Status == StatusQueued && a.SlotKey() == key && a.QueuePosition != nil {
			if head == nil || *a.QueuePosition < *head.QueuePosition {
				head = cloneAppt(a)
			}
		}
	}
	return head, nil
}

func (t *memTx) InsertAppointment(ctx context.Context, appt *Appointment) error {
	if _, exists := t.s.appts[appt.ID]; exists {
		return fmt.Errorf("insert appointment: %w", ErrConcurrencyConflict)
	}
	t.s.seq++
	appt.BookingSeq = t.s.seq
	now := t.s.tick()
	appt.BookedAt = now
	appt.CreatedAt = now
	appt.UpdatedAt = now
	t.s.appts[appt.ID] = cloneAppt(appt)
	return nil
}

func (t *memTx) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	a, ok := t.s.appts[id]
	if !ok || a.Status != from {
		return fmt.Errorf("update appointment status %s: %w", id, ErrConcurrencyConflict)
	}
	a.Status = to
	a.QueuePosition = nil
	a.UpdatedAt = t.s.tick()
	return nil
}

func (t *memTx) PlaceInSlot(ctx context.Context, id uuid.UUID, key SlotKey, status Status, queuePos *int) error {
	a, ok := t.s.appts[id]
	if !ok || a.Status != StatusCancelled || a.PropertyID != key.PropertyID {
		return fmt.Errorf("place appointment %s: %w", id, ErrConcurrencyConflict)
	}
	a.ViewingDate = key.Date
	a.ViewingTime = key.Time
	a.Status = status
	if queuePos != nil {
		p := *queuePos
		a.QueuePosition = &p
	} else {
		a.QueuePosition = nil
	}
	t.s.seq++
	a.BookingSeq = t.s.seq
	a.BookedAt = t.s.tick()
	a.UpdatedAt = a.BookedAt
	return nil
}

func (t *memTx) CompactQueue(ctx context.Context, key SlotKey, removedPos int) error {
	for _, a := range t.s.appts {
		if a.Status == StatusQueued && a.SlotKey() == key && a.QueuePosition != nil && *a.QueuePosition > removedPos {
			*a.QueuePosition--
			a.UpdatedAt = t.s.clock
		}
	}
	return nil
}

func (t *memTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	if _, ok := t.s.appts[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(t.s.appts, id)
	return nil
}

func (t *memTx) InsertEvent(ctx context.Context, ev OutboxEvent) error {
	if t.s.failEvent {
		return errors.New("simulated outbox failure")
	}
	t.s.events = append(t.s.events, ev)
	return nil
}

type fakeCatalog struct {
	props map[uuid.UUID]PropertyInfo
}

func (c *fakeCatalog) PropertyInfo(ctx context.Context, propertyID uuid.UUID) (PropertyInfo, error) {
	info, ok := c.props[propertyID]
	if !ok {
		return PropertyInfo{}, ErrPropertyNotFound
	}
	return info, nil
}

// fixture wires a Service against the in-memory store with one listed
// property assigned to one agent.
type fixture struct {
	svc      *Service
	store    *memStore
	catalog  *fakeCatalog
	property uuid.UUID
	agentID  uuid.UUID
	agent    Actor
	admin    Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	agentID := uuid.New()
	propertyID := uuid.New()
	catalog := &fakeCatalog{props: map[uuid.UUID]PropertyInfo{
		propertyID: {Status: "listed", Bookable: true, AgentID: &agentID},
	}}
	grid, err := NewGrid("09:00", "17:00", time.Hour)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}

	return &fixture{
		svc:      NewService(store, catalog, nil, grid, zap.NewNop()),
		store:    store,
		catalog:  catalog,
		property: propertyID,
		agentID:  agentID,
		agent:    Actor{ID: agentID, Role: RoleAgent},
		admin:    Actor{ID: uuid.New(), Role: RoleAdmin},
	}
}

func (f *fixture) addProperty(status string, bookable bool, agentID *uuid.UUID) uuid.UUID {
	id := uuid.New()
	f.catalog.props[id] = PropertyInfo{Status: status, Bookable: bookable, AgentID: agentID}
	return id
}

func customer() Actor {
	return Actor{ID: uuid.New(), Role: RoleCustomer}
}

func (f *fixture) book(t *testing.T, actor Actor, date, timeOfDay string) *Appointment {
	t.Helper()
	appt, err := f.svc.RequestViewing(context.Background(), actor, ViewingRequest{
		PropertyID: f.property,
		Date:       date,
		Time:       timeOfDay,
	})
	if err != nil {
		t.Fatalf("RequestViewing(%s %s): %v", date, timeOfDay, err)
	}
	return appt
}

func (f *fixture) mustGet(t *testing.T, id uuid.UUID) *Appointment {
	t.Helper()
	appt, err := f.store.GetAppointment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAppointment(%s): %v", id, err)
	}
	return appt
}

func wantStatus(t *testing.T, appt *Appointment, status Status) {
	t.Helper()
	if appt.Status != status {
		t.Errorf("appointment %s status = %s, want %s", appt.ID, appt.Status, status)
	}
}

func wantPosition(t *testing.T, appt *Appointment, pos int) {
	t.Helper()
	if appt.QueuePosition == nil {
		t.Errorf("appointment %s has no queue position, want %d", appt.ID, pos)
		return
	}
	if *appt.QueuePosition != pos {
		t.Errorf("appointment %s queue position = %d, want %d", appt.ID, *appt.QueuePosition, pos)
	}
}

func wantNoPosition(t *testing.T, appt *Appointment) {
	t.Helper()
	if appt.QueuePosition != nil {
		t.Errorf("appointment %s queue position = %d, want none", appt.ID, *appt.QueuePosition)
	}
}

func TestRequestViewingFirstCallerHoldsSlot(t *testing.T) {
	f := newFixture(t)
	cust := customer()

	appt := f.book(t, cust, "2026-09-01", "09:00")

	wantStatus(t, appt, StatusPending)
	wantNoPosition(t, appt)
	if appt.BookingSeq != 1 {
		t.Errorf("BookingSeq = %d, want 1", appt.BookingSeq)
	}
	if appt.CustomerID != cust.ID {
		t.Errorf("CustomerID = %s, want %s", appt.CustomerID, cust.ID)
	}
	if appt.AgentID == nil || *appt.AgentID != f.agentID {
		t.Errorf("AgentID = %v, want %s", appt.AgentID, f.agentID)
	}

	if got := f.store.countKind(EventViewingRequested); got != 1 {
		t.Errorf("viewing_requested events = %d, want 1", got)
	}
	if got := f.store.countKind(EventViewingPending); got != 1 {
		t.Errorf("viewing_pending events = %d, want 1", got)
	}
	if got := f.store.eventsFor(f.agentID); len(got) != 1 {
		t.Errorf("agent received %d events, want 1", len(got))
	}
}

func TestRequestViewingLaterCallersQueueInOrder(t *testing.T) {
	f := newFixture(t)

	first := f.book(t, customer(), "2026-09-01", "09:00")
	second := f.book(t, customer(), "2026-09-01", "09:00")
	third := f.book(t, customer(), "2026-09-01", "09:00")

	wantStatus(t, first, StatusPending)
	wantStatus(t, second, StatusQueued)
	wantPosition(t, second, 1)
	wantStatus(t, third, StatusQueued)
	wantPosition(t, third, 2)

	if !(first.BookingSeq < second.BookingSeq && second.BookingSeq < third.BookingSeq) {
		t.Errorf("booking sequence not increasing: %d, %d, %d",
			first.BookingSeq, second.BookingSeq, third.BookingSeq)
	}
	if got := f.store.countKind(EventViewingQueued); got != 2 {
		t.Errorf("viewing_queued events = %d, want 2", got)
	}
}

func TestRequestViewingSeparateSlotsIndependent(t *testing.T) {
	f := newFixture(t)

	a := f.book(t, customer(), "2026-09-01", "09:00")
	b := f.book(t, customer(), "2026-09-01", "10:00")
	c := f.book(t, customer(), "2026-09-02", "09:00")

	for _, appt := range []*Appointment{a, b, c} {
		wantStatus(t, appt, StatusPending)
	}
}

func TestRequestViewingCustomerBooksOnlyForSelf(t *testing.T) {
	f := newFixture(t)
	cust := customer()

	_, err := f.svc.RequestViewing(context.Background(), cust, ViewingRequest{
		PropertyID: f.property,
		CustomerID: uuid.New(),
		Date:       "2026-09-01",
		Time:       "09:00",
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Errorf("booking for another customer: err = %v, want ErrNotOwner", err)
	}

	// Naming yourself explicitly is fine.
	appt, err := f.svc.RequestViewing(context.Background(), cust, ViewingRequest{
		PropertyID: f.property,
		CustomerID: cust.ID,
		Date:       "2026-09-01",
		Time:       "09:00",
	})
	if err != nil {
		t.Fatalf("booking for self: %v", err)
	}
	if appt.CustomerID != cust.ID {
		t.Errorf("CustomerID = %s, want %s", appt.CustomerID, cust.ID)
	}
}

func TestRequestViewingAdminBooksOnBehalf(t *testing.T) {
	f := newFixture(t)
	cust := customer()

	appt, err := f.svc.RequestViewing(context.Background(), f.admin, ViewingRequest{
		PropertyID: f.property,
		CustomerID: cust.ID,
		Date:       "2026-09-01",
		Time:       "09:00",
	})
	if err != nil {
		t.Fatalf("RequestViewing: %v", err)
	}
	if appt.CustomerID != cust.ID {
		t.Errorf("CustomerID = %s, want %s", appt.CustomerID, cust.ID)
	}

	_, err = f.svc.RequestViewing(context.Background(), f.admin, ViewingRequest{
		PropertyID: f.property,
		Date:       "2026-09-01",
		Time:       "10:00",
	})
	if err == nil {
		t.Error("admin booking without a customer succeeded, want error")
	}
}

func TestRequestViewingAgentDenied(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestViewing(context.Background(), f.agent, ViewingRequest{
		PropertyID: f.property,
		CustomerID: uuid.New(),
		Date:       "2026-09-01",
		Time:       "09:00",
	})
	if !errors.Is(err, ErrRoleNotPermitted) {
		t.Errorf("agent booking: err = %v, want ErrRoleNotPermitted", err)
	}
}

func TestRequestViewingPropertyGate(t *testing.T) {
	f := newFixture(t)

	sold := f.addProperty("sold", false, nil)
	_, err := f.svc.RequestViewing(context.Background(), customer(), ViewingRequest{
		PropertyID: sold,
		Date:       "2026-09-01",
		Time:       "09:00",
	})
	if !errors.Is(err, ErrPropertyUnavailable) {
		t.Errorf("sold property: err = %v, want ErrPropertyUnavailable", err)
	}

	_, err = f.svc.RequestViewing(context.Background(), customer(), ViewingRequest{
		PropertyID: uuid.New(),
		Date:       "2026-09-01",
		Time:       "09:00",
	})
	if !errors.Is(err, ErrPropertyNotFound) {
		t.Errorf("unknown property: err = %v, want ErrPropertyNotFound", err)
	}
}

func TestRequestViewingBlockedSlot(t *testing.T) {
	f := newFixture(t)
	key := SlotKey{PropertyID: f.property, Date: "2026-09-01", Time: "09:00"}
	f.store.blocked[key] = "maintenance"

	_, err := f.svc.RequestViewing(context.Background(), customer(), ViewingRequest{
		PropertyID: f.property,
		Date:       "2026-09-01",
		Time:       "09:00",
	})
	if !errors.Is(err, ErrSlotBlocked) {
		t.Errorf("blocked slot: err = %v, want ErrSlotBlocked", err)
	}
	if n := len(f.store.appts); n != 0 {
		t.Errorf("store has %d appointments after rejected booking, want 0", n)
	}
}

func TestRequestViewingDuplicateActiveBooking(t *testing.T) {
	f := newFixture(t)
	cust := customer()

	f.book(t, cust, "2026-09-01", "09:00")

	// Same property, different slot: still one active booking allowed.
	_, err := f.svc.RequestViewing(context.Background(), cust, ViewingRequest{
		PropertyID: f.property,
		Date:       "2026-09-01",
		Time:       "10:00",
	})
	if !errors.Is(err, ErrDuplicateActiveBooking) {
		t.Errorf("second booking: err = %v, want ErrDuplicateActiveBooking", err)
	}
}

func TestRequestViewingAfterCancelRebooks(t *testing.T) {
	f := newFixture(t)
	cust := customer()

	appt := f.book(t, cust, "2026-09-01", "09:00")
	if _, err := f.svc.Transition(context.Background(), cust, appt.ID, ActionCancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	again := f.book(t, cust, "2026-09-01", "10:00")
	wantStatus(t, again, StatusPending)
}

func TestRequestViewingInvalidSlotInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestViewing(context.Background(), customer(), ViewingRequest{
		PropertyID: f.property,
		Date:       "September 1st",
		Time:       "09:00",
	})
	if !errors.Is(err, ErrInvalidSlotKind) {
		t.Errorf("bad date: err = %v, want ErrInvalidSlotKind", err)
	}
}

func TestRequestViewingQueuesBehindOrphanedQueue(t *testing.T) {
	f := newFixture(t)

	// A queue left without a holder, as a crashed promotion might leave it.
	pos := 1
	orphan := &Appointment{
		ID:            uuid.New(),
		PropertyID:    f.property,
		CustomerID:    uuid.New(),
		ViewingDate:   "2026-09-01",
		ViewingTime:   "09:00",
		Status:        StatusQueued,
		QueuePosition: &pos,
		BookingSeq:    1,
	}
	f.store.appts[orphan.ID] = orphan
	f.store.seq = 1

	appt := f.book(t, customer(), "2026-09-01", "09:00")
	wantStatus(t, appt, StatusQueued)
	wantPosition(t, appt, 2)
}

func TestRequestViewingRollsBackOnEventFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failEvent = true

	_, err := f.svc.RequestViewing(context.Background(), customer(), ViewingRequest{
		PropertyID: f.property,
		Date:       "2026-09-01",
		Time:       "09:00",
	})
	if err == nil {
		t.Fatal("RequestViewing succeeded with failing outbox, want error")
	}
	if n := len(f.store.appts); n != 0 {
		t.Errorf("store has %d appointments after rolled back booking, want 0", n)
	}
	if n := f.store.eventCount(); n != 0 {
		t.Errorf("store has %d events after rolled back booking, want 0", n)
	}
}

func TestTransitionConfirmThenComplete(t *testing.T) {
	f := newFixture(t)
	cust := customer()
	appt := f.book(t, cust, "2026-09-01", "09:00")

	confirmed, err := f.svc.Transition(context.Background(), f.agent, appt.ID, ActionConfirm)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	wantStatus(t, confirmed, StatusConfirmed)

	completed, err := f.svc.Transition(context.Background(), f.agent, appt.ID, ActionComplete)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	wantStatus(t, completed, StatusCompleted)

	// The customer hears about both transitions; the acting agent does not.
	custEvents := f.store.eventsFor(cust.ID)
	var kinds []EventKind
	for _, ev := range custEvents {
		kinds = append(kinds, ev.Kind)
	}
	wantConfirmed, wantCompleted := false, false
	for _, k := range kinds {
		if k == EventViewingConfirmed {
			wantConfirmed = true
		}
		if k == EventViewingCompleted {
			wantCompleted = true
		}
	}
	if !wantConfirmed || !wantCompleted {
		t.Errorf("customer events = %v, want confirmed and completed notifications", kinds)
	}
	if got := f.store.eventsFor(f.agentID); len(got) != 1 {
		// Just the original viewing_requested.
		t.Errorf("agent received %d events, want 1", len(got))
	}
}

func TestTransitionRejectsInvalidEdges(t *testing.T) {
	f := newFixture(t)
	f.book(t, customer(), "2026-09-01", "09:00")
	queued := f.book(t, customer(), "2026-09-01", "09:00")

	_, err := f.svc.Transition(context.Background(), f.admin, queued.ID, ActionConfirm)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("confirm queued: err = %v, want ErrInvalidTransition", err)
	}

	cancelled, err := f.svc.Transition(context.Background(), f.admin, queued.ID, ActionCancel)
	if err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	wantStatus(t, cancelled, StatusCancelled)

	_, err = f.svc.Transition(context.Background(), f.admin, queued.ID, ActionCancel)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("cancel cancelled: err = %v, want ErrAlreadyTerminal", err)
	}

	_, err = f.svc.Transition(context.Background(), f.admin, queued.ID, ActionEditNotes)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("edit_notes as transition: err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionPermissions(t *testing.T) {
	f := newFixture(t)
	cust := customer()
	appt := f.book(t, cust, "2026-09-01", "09:00")

	if _, err := f.svc.Transition(context.Background(), customer(), appt.ID, ActionCancel); !errors.Is(err, ErrNotOwner) {
		t.Errorf("foreign customer cancel: err = %v, want ErrNotOwner", err)
	}
	foreignAgent := Actor{ID: uuid.New(), Role: RoleAgent}
	if _, err := f.svc.Transition(context.Background(), foreignAgent, appt.ID, ActionConfirm); !errors.Is(err, ErrRoleNotPermitted) {
		t.Errorf("foreign agent confirm: err = %v, want ErrRoleNotPermitted", err)
	}
	if _, err := f.svc.Transition(context.Background(), cust, appt.ID, ActionConfirm); !errors.Is(err, ErrRoleNotPermitted) {
		t.Errorf("customer confirm: err = %v, want ErrRoleNotPermitted", err)
	}
}

func TestCancelHolderPromotesQueueHead(t *testing.T) {
	f := newFixture(t)
	custA, custB := customer(), customer()

	a := f.book(t, custA, "2026-09-01", "09:00")
	b := f.book(t, custB, "2026-09-01", "09:00")
	c := f.book(t, customer(), "2026-09-01", "09:00")

	updated, err := f.svc.Transition(context.Background(), custA, a.ID, ActionCancel)
	if err != nil {
		t.Fatalf("cancel holder: %v", err)
	}
	wantStatus(t, updated, StatusCancelled)
	wantNoPosition(t, updated)

	promoted := f.mustGet(t, b.ID)
	wantStatus(t, promoted, StatusConfirmed)
	wantNoPosition(t, promoted)

	moved := f.mustGet(t, c.ID)
	wantStatus(t, moved, StatusQueued)
	wantPosition(t, moved, 1)

	if got := f.store.countKind(EventViewingPromoted); got != 1 {
		t.Errorf("viewing_promoted events = %d, want 1", got)
	}
	promotedEvents := f.store.eventsFor(custB.ID)
	found := false
	for _, ev := range promotedEvents {
		if ev.Kind == EventViewingPromoted {
			found = true
		}
	}
	if !found {
		t.Error("promoted customer did not receive viewing_promoted event")
	}
}

func TestCancelQueuedCompactsBehind(t *testing.T) {
	f := newFixture(t)
	custB := customer()

	a := f.book(t, customer(), "2026-09-01", "09:00")
	b := f.book(t, custB, "2026-09-01", "09:00")
	c := f.book(t, customer(), "2026-09-01", "09:00")

	if _, err := f.svc.Transition(context.Background(), custB, b.ID, ActionCancel); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}

	holder := f.mustGet(t, a.ID)
	wantStatus(t, holder, StatusPending)

	moved := f.mustGet(t, c.ID)
	wantStatus(t, moved, StatusQueued)
	wantPosition(t, moved, 1)

	if got := f.store.countKind(EventViewingPromoted); got != 0 {
		t.Errorf("viewing_promoted events = %d, want 0", got)
	}
}

func TestCompleteHolderPromotesQueueHead(t *testing.T) {
	f := newFixture(t)

	a := f.book(t, customer(), "2026-09-01", "09:00")
	b := f.book(t, customer(), "2026-09-01", "09:00")

	if _, err := f.svc.Transition(context.Background(), f.agent, a.ID, ActionConfirm); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.svc.Transition(context.Background(), f.agent, a.ID, ActionComplete); err != nil {
		t.Fatalf("complete: %v", err)
	}

	promoted := f.mustGet(t, b.ID)
	wantStatus(t, promoted, StatusConfirmed)
}

func TestRescheduleHolderMovesAndOldSlotPromotes(t *testing.T) {
	f := newFixture(t)
	custA := customer()

	a := f.book(t, custA, "2026-09-01", "09:00")
	b := f.book(t, customer(), "2026-09-01", "09:00")
	oldSeq := a.BookingSeq

	moved, err := f.svc.Reschedule(context.Background(), custA, a.ID, "2026-09-01", "10:00")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	if moved.ID != a.ID {
		t.Errorf("reschedule changed identity: %s -> %s", a.ID, moved.ID)
	}
	wantStatus(t, moved, StatusPending)
	if moved.ViewingTime != "10:00" {
		t.Errorf("ViewingTime = %s, want 10:00", moved.ViewingTime)
	}
	if moved.BookingSeq <= oldSeq {
		t.Errorf("BookingSeq = %d, want greater than %d (fresh admission)", moved.BookingSeq, oldSeq)
	}

	promoted := f.mustGet(t, b.ID)
	wantStatus(t, promoted, StatusConfirmed)

	if got := f.store.countKind(EventViewingRescheduled); got == 0 {
		t.Error("no viewing_rescheduled events recorded")
	}
}

func TestRescheduleIntoOccupiedSlotQueues(t *testing.T) {
	f := newFixture(t)
	custA := customer()

	f.book(t, customer(), "2026-09-01", "10:00")
	a := f.book(t, custA, "2026-09-01", "09:00")

	moved, err := f.svc.Reschedule(context.Background(), custA, a.ID, "2026-09-01", "10:00")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	wantStatus(t, moved, StatusQueued)
	wantPosition(t, moved, 1)
}

func TestRescheduleQueuedCompactsOldQueue(t *testing.T) {
	f := newFixture(t)
	custB := customer()

	f.book(t, customer(), "2026-09-01", "09:00")
	b := f.book(t, custB, "2026-09-01", "09:00")
	c := f.book(t, customer(), "2026-09-01", "09:00")

	moved, err := f.svc.Reschedule(context.Background(), custB, b.ID, "2026-09-01", "11:00")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	wantStatus(t, moved, StatusPending)

	behind := f.mustGet(t, c.ID)
	wantPosition(t, behind, 1)
}

func TestRescheduleToBlockedSlotDenied(t *testing.T) {
	f := newFixture(t)
	custA := customer()
	a := f.book(t, custA, "2026-09-01", "09:00")

	f.store.blocked[SlotKey{PropertyID: f.property, Date: "2026-09-01", Time: "10:00"}] = "maintenance"

	_, err := f.svc.Reschedule(context.Background(), custA, a.ID, "2026-09-01", "10:00")
	if !errors.Is(err, ErrSlotBlocked) {
		t.Errorf("reschedule to blocked: err = %v, want ErrSlotBlocked", err)
	}

	kept := f.mustGet(t, a.ID)
	wantStatus(t, kept, StatusPending)
	if kept.ViewingTime != "09:00" {
		t.Errorf("ViewingTime = %s, want 09:00 after denied reschedule", kept.ViewingTime)
	}
}

func TestRescheduleSameSlotIsNoOp(t *testing.T) {
	f := newFixture(t)
	custA := customer()

	a := f.book(t, custA, "2026-09-01", "09:00")
	b := f.book(t, customer(), "2026-09-01", "09:00")
	before := f.store.eventCount()

	moved, err := f.svc.Reschedule(context.Background(), custA, a.ID, "2026-09-01", "09:00")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	wantStatus(t, moved, StatusPending)
	if moved.BookingSeq != a.BookingSeq {
		t.Errorf("BookingSeq = %d, want unchanged %d", moved.BookingSeq, a.BookingSeq)
	}

	waiting := f.mustGet(t, b.ID)
	wantStatus(t, waiting, StatusQueued)
	wantPosition(t, waiting, 1)

	if after := f.store.eventCount(); after != before {
		t.Errorf("same-slot reschedule emitted %d events", after-before)
	}
}

func TestRescheduleTerminalDenied(t *testing.T) {
	f := newFixture(t)
	custA := customer()
	a := f.book(t, custA, "2026-09-01", "09:00")

	if _, err := f.svc.Transition(context.Background(), custA, a.ID, ActionCancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := f.svc.Reschedule(context.Background(), custA, a.ID, "2026-09-01", "10:00")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("reschedule cancelled: err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestRescheduleRollsBackWhole(t *testing.T) {
	f := newFixture(t)
	custA := customer()

	a := f.book(t, custA, "2026-09-01", "09:00")
	b := f.book(t, customer(), "2026-09-01", "09:00")

	f.store.failEvent = true
	_, err := f.svc.Reschedule(context.Background(), custA, a.ID, "2026-09-01", "10:00")
	if err == nil {
		t.Fatal("Reschedule succeeded with failing outbox, want error")
	}

	// Neither the release nor the promotion survives the failed section.
	kept := f.mustGet(t, a.ID)
	wantStatus(t, kept, StatusPending)
	if kept.ViewingTime != "09:00" {
		t.Errorf("ViewingTime = %s, want 09:00 after rollback", kept.ViewingTime)
	}
	waiting := f.mustGet(t, b.ID)
	wantStatus(t, waiting, StatusQueued)
	wantPosition(t, waiting, 1)
}

func TestHardDeleteAdminOnly(t *testing.T) {
	f := newFixture(t)
	cust := customer()
	appt := f.book(t, cust, "2026-09-01", "09:00")

	if err := f.svc.HardDelete(context.Background(), cust, appt.ID); !errors.Is(err, ErrRoleNotPermitted) {
		t.Errorf("customer hard delete: err = %v, want ErrRoleNotPermitted", err)
	}
	if err := f.svc.HardDelete(context.Background(), f.agent, appt.ID); !errors.Is(err, ErrRoleNotPermitted) {
		t.Errorf("agent hard delete: err = %v, want ErrRoleNotPermitted", err)
	}
	if err := f.svc.HardDelete(context.Background(), f.admin, appt.ID); err != nil {
		t.Fatalf("admin hard delete: %v", err)
	}
	if _, err := f.store.GetAppointment(context.Background(), appt.ID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("deleted appointment still readable: err = %v", err)
	}
}

func TestHardDeleteHolderPromotes(t *testing.T) {
	f := newFixture(t)

	a := f.book(t, customer(), "2026-09-01", "09:00")
	b := f.book(t, customer(), "2026-09-01", "09:00")

	if err := f.svc.HardDelete(context.Background(), f.admin, a.ID); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}
	promoted := f.mustGet(t, b.ID)
	wantStatus(t, promoted, StatusConfirmed)
}

func TestHardDeleteQueuedCompacts(t *testing.T) {
	f := newFixture(t)

	a := f.book(t, customer(), "2026-09-01", "09:00")
	b := f.book(t, customer(), "2026-09-01", "09:00")
	c := f.book(t, customer(), "2026-09-01", "09:00")

	if err := f.svc.HardDelete(context.Background(), f.admin, b.ID); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}
	holder := f.mustGet(t, a.ID)
	wantStatus(t, holder, StatusPending)
	moved := f.mustGet(t, c.ID)
	wantPosition(t, moved, 1)
}

func TestUpdateNotes(t *testing.T) {
	f := newFixture(t)
	cust := customer()
	appt := f.book(t, cust, "2026-09-01", "09:00")

	updated, err := f.svc.UpdateNotes(context.Background(), cust, appt.ID, "please bring the cellar key")
	if err != nil {
		t.Fatalf("UpdateNotes: %v", err)
	}
	if updated.Notes != "please bring the cellar key" {
		t.Errorf("Notes = %q", updated.Notes)
	}

	if _, err := f.svc.UpdateNotes(context.Background(), customer(), appt.ID, "x"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("foreign customer notes edit: err = %v, want ErrNotOwner", err)
	}

	// Notes stay editable after the viewing is over.
	if _, err := f.svc.Transition(context.Background(), cust, appt.ID, ActionCancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.UpdateNotes(context.Background(), cust, appt.ID, "never mind"); err != nil {
		t.Errorf("notes edit on cancelled viewing: %v", err)
	}
}

func TestGetAppointmentVisibility(t *testing.T) {
	f := newFixture(t)
	cust := customer()
	appt := f.book(t, cust, "2026-09-01", "09:00")
	ctx := context.Background()

	if _, err := f.svc.GetAppointment(ctx, cust, appt.ID); err != nil {
		t.Errorf("owner read: %v", err)
	}
	if _, err := f.svc.GetAppointment(ctx, f.agent, appt.ID); err != nil {
		t.Errorf("assigned agent read: %v", err)
	}
	if _, err := f.svc.GetAppointment(ctx, f.admin, appt.ID); err != nil {
		t.Errorf("admin read: %v", err)
	}
	if _, err := f.svc.GetAppointment(ctx, customer(), appt.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("stranger read: err = %v, want ErrNotOwner", err)
	}
	if _, err := f.svc.GetAppointment(ctx, f.admin, uuid.New()); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("missing read: err = %v, want ErrAppointmentNotFound", err)
	}
}

func TestListAppointmentsScopedByRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	otherAgent := uuid.New()
	otherProperty := f.addProperty("listed", true, &otherAgent)

	custX, custY := customer(), customer()
	f.book(t, custX, "2026-09-01", "09:00")
	if _, err := f.svc.RequestViewing(ctx, custY, ViewingRequest{
		PropertyID: otherProperty, Date: "2026-09-01", Time: "09:00",
	}); err != nil {
		t.Fatalf("RequestViewing: %v", err)
	}

	// A customer sees only their own, whatever the filter claims.
	got, err := f.svc.ListAppointments(ctx, custX, ListFilter{CustomerID: &custY.ID})
	if err != nil {
		t.Fatalf("customer list: %v", err)
	}
	if len(got) != 1 || got[0].CustomerID != custX.ID {
		t.Errorf("customer list = %d rows, want exactly own booking", len(got))
	}

	got, err = f.svc.ListAppointments(ctx, f.agent, ListFilter{})
	if err != nil {
		t.Fatalf("agent list: %v", err)
	}
	if len(got) != 1 || got[0].AgentID == nil || *got[0].AgentID != f.agentID {
		t.Errorf("agent list = %d rows, want exactly assigned booking", len(got))
	}

	got, err = f.svc.ListAppointments(ctx, f.admin, ListFilter{})
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("admin list = %d rows, want 2", len(got))
	}

	got, err = f.svc.ListAppointments(ctx, f.admin, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("admin list with limit: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("admin list with limit 1 = %d rows", len(got))
	}
}

func TestListDaySlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.book(t, customer(), "2026-09-01", "09:00")
	f.store.blocked[SlotKey{PropertyID: f.property, Date: "2026-09-01", Time: "10:00"}] = "maintenance"
	// Blocked wins even while an appointment holds the slot.
	f.book(t, customer(), "2026-09-01", "11:00")
	f.store.blocked[SlotKey{PropertyID: f.property, Date: "2026-09-01", Time: "11:00"}] = "inspection"

	day, err := f.svc.ListDaySlots(ctx, f.property, "2026-09-01")
	if err != nil {
		t.Fatalf("ListDaySlots: %v", err)
	}
	if len(day.Slots) != 8 {
		t.Fatalf("day has %d slots, want 8", len(day.Slots))
	}

	byTime := make(map[string]SlotAvailability)
	for _, s := range day.Slots {
		byTime[s.Time] = s
	}
	if got := byTime["09:00"].State; got != SlotOccupied {
		t.Errorf("09:00 state = %s, want occupied", got)
	}
	if got := byTime["10:00"]; got.State != SlotBlocked || got.Reason != "maintenance" {
		t.Errorf("10:00 = %+v, want blocked with reason", got)
	}
	if got := byTime["11:00"].State; got != SlotBlocked {
		t.Errorf("11:00 state = %s, want blocked over occupied", got)
	}
	if got := byTime["12:00"].State; got != SlotOpen {
		t.Errorf("12:00 state = %s, want open", got)
	}

	sold := f.addProperty("sold", false, nil)
	if _, err := f.svc.ListDaySlots(ctx, sold, "2026-09-01"); !errors.Is(err, ErrPropertyUnavailable) {
		t.Errorf("sold property slots: err = %v, want ErrPropertyUnavailable", err)
	}
	if _, err := f.svc.ListDaySlots(ctx, f.property, "not-a-date"); !errors.Is(err, ErrInvalidSlotKind) {
		t.Errorf("bad date: err = %v, want ErrInvalidSlotKind", err)
	}
}

func TestSlotQueueAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.book(t, customer(), "2026-09-01", "09:00")
	b := f.book(t, customer(), "2026-09-01", "09:00")
	c := f.book(t, customer(), "2026-09-01", "09:00")

	entries, err := f.svc.SlotQueue(ctx, f.admin, f.property, "2026-09-01", "09:00")
	if err != nil {
		t.Fatalf("admin queue read: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != b.ID || entries[1].ID != c.ID {
		t.Errorf("queue order wrong: got %d entries", len(entries))
	}

	if _, err := f.svc.SlotQueue(ctx, f.agent, f.property, "2026-09-01", "09:00"); err != nil {
		t.Errorf("assigned agent queue read: %v", err)
	}
	foreignAgent := Actor{ID: uuid.New(), Role: RoleAgent}
	if _, err := f.svc.SlotQueue(ctx, foreignAgent, f.property, "2026-09-01", "09:00"); !errors.Is(err, ErrRoleNotPermitted) {
		t.Errorf("foreign agent queue read: err = %v, want ErrRoleNotPermitted", err)
	}
	if _, err := f.svc.SlotQueue(ctx, customer(), f.property, "2026-09-01", "09:00"); !errors.Is(err, ErrRoleNotPermitted) {
		t.Errorf("customer queue read: err = %v, want ErrRoleNotPermitted", err)
	}
}

func TestSlotSectionRetriesTransientConflict(t *testing.T) {
	f := newFixture(t)
	f.store.failTx = 2

	appt := f.book(t, customer(), "2026-09-01", "09:00")
	wantStatus(t, appt, StatusPending)
}

func TestSlotSectionGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.store.failTx = 10

	_, err := f.svc.RequestViewing(context.Background(), customer(), ViewingRequest{
		PropertyID: f.property,
		Date:       "2026-09-01",
		Time:       "09:00",
	})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Errorf("persistent conflict: err = %v, want ErrConcurrencyConflict", err)
	}
}

func TestConcurrentRequestsAdmitOneHolder(t *testing.T) {
	f := newFixture(t)
	const racers = 20

	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RequestViewing(context.Background(), customer(), ViewingRequest{
				PropertyID: f.property,
				Date:       "2026-09-01",
				Time:       "09:00",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent RequestViewing: %v", err)
		}
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	holders := 0
	positions := make(map[int]bool)
	var queued []*Appointment
	for _, a := range f.store.appts {
		switch a.Status {
		case StatusPending, StatusConfirmed:
			holders++
		case StatusQueued:
			if a.QueuePosition == nil {
				t.Fatalf("queued appointment %s has no position", a.ID)
			}
			if positions[*a.QueuePosition] {
				t.Errorf("queue position %d assigned twice", *a.QueuePosition)
			}
			positions[*a.QueuePosition] = true
			queued = append(queued, a)
		default:
			t.Errorf("unexpected status %s", a.Status)
		}
	}

	if holders != 1 {
		t.Errorf("slot has %d holders, want exactly 1", holders)
	}
	if len(queued) != racers-1 {
		t.Errorf("slot has %d queued, want %d", len(queued), racers-1)
	}
	for p := 1; p <= racers-1; p++ {
		if !positions[p] {
			t.Errorf("queue position %d missing", p)
		}
	}

	// Position order must equal booking order.
	sort.Slice(queued, func(i, j int) bool { return *queued[i].QueuePosition < *queued[j].QueuePosition })
	for i := 1; i < len(queued); i++ {
		if queued[i].BookingSeq <= queued[i-1].BookingSeq {
			t.Errorf("queue position %d has booking seq %d, not after %d",
				*queued[i].QueuePosition, queued[i].BookingSeq, queued[i-1].BookingSeq)
		}
	}
}
