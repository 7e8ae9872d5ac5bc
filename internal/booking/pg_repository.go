package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same query helpers serve plain reads and slot transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, property_id, customer_id, agent_id, viewing_date, viewing_time,
		       status, queue_position, booking_seq, booked_at, notes, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var agentID *uuid.UUID
	var queuePos *int

	err := row.Scan(
		&a.ID,
		&a.PropertyID,
		&a.CustomerID,
		&agentID,
		&a.ViewingDate,
		&a.ViewingTime,
		&a.Status,
		&queuePos,
		&a.BookingSeq,
		&a.BookedAt,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.AgentID = agentID
	a.QueuePosition = queuePos
	return &a, nil
}

func collectAppointments(rows pgx.Rows, err error) ([]Appointment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// translatePgErr maps driver-level conflicts onto the engine's sentinels.
// Serialization failures and deadlocks are retryable; a unique violation
// on the customer-per-property index is the duplicate-booking rule caught
// by its storage backstop, and any other unique violation means two
// writers raced for the same slot seat.
func translatePgErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%s: %w", op, ErrConcurrencyConflict)
		case pgErr.Code == "23505" && pgErr.ConstraintName == "uq_appointments_customer_property":
			return fmt.Errorf("%s: %w", op, ErrDuplicateActiveBooking)
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w", op, ErrConcurrencyConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func getAppointment(ctx context.Context, q querier, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func queueEntries(ctx context.Context, q querier, key SlotKey) ([]Appointment, error) {
	return collectAppointments(q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE property_id = $1 AND viewing_date = $2 AND viewing_time = $3
		  AND status = 'queued'
		ORDER BY queue_position ASC
	`, key.PropertyID, key.Date, key.Time))
}

func slotBlocked(ctx context.Context, q querier, key SlotKey) (bool, error) {
	var blocked bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM blocked_slots
			WHERE property_id = $1 AND viewing_date = $2 AND viewing_time = $3
		)
	`, key.PropertyID, key.Date, key.Time).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("check blocked slot: %w", err)
	}
	return blocked, nil
}

// Interface methods

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, r.pool, id)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PropertyID != nil {
		add("property_id = $%d", *f.PropertyID)
	}
	if f.CustomerID != nil {
		add("customer_id = $%d", *f.CustomerID)
	}
	if f.AgentID != nil {
		add("agent_id = $%d", *f.AgentID)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}

	q := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	args = append(args, f.Limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, f.Offset)
	q += fmt.Sprintf(" OFFSET $%d", len(args))

	return collectAppointments(r.pool.Query(ctx, q, args...))
}

func (r *PgRepository) QueueEntries(ctx context.Context, key SlotKey) ([]Appointment, error) {
	return queueEntries(ctx, r.pool, key)
}

func (r *PgRepository) BlockedTimes(ctx context.Context, propertyID uuid.UUID, date string) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT viewing_time, reason
		FROM blocked_slots
		WHERE property_id = $1 AND viewing_date = $2
	`, propertyID, date)
	if err != nil {
		return nil, fmt.Errorf("list blocked times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var t, reason string
		if err := rows.Scan(&t, &reason); err != nil {
			return nil, err
		}
		out[t] = reason
	}
	return out, rows.Err()
}

func (r *PgRepository) HeldTimes(ctx context.Context, propertyID uuid.UUID, date string) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT viewing_time
		FROM appointments
		WHERE property_id = $1 AND viewing_date = $2
		  AND status IN ('pending', 'confirmed')
	`, propertyID, date)
	if err != nil {
		return nil, fmt.Errorf("list held times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out[t] = true
	}
	return out, rows.Err()
}

func (r *PgRepository) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET notes = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, notes)
	return scanAppointment(row)
}

func (r *PgRepository) WithSlotTx(ctx context.Context, key SlotKey, fn func(ctx context.Context, tx SlotTx) error) error {
	return r.withLockedTx(ctx, []int64{key.LockKey()}, fn)
}

func (r *PgRepository) WithSlotPairTx(ctx context.Context, a, b SlotKey, fn func(ctx context.Context, tx SlotTx) error) error {
	keys := []int64{a.LockKey(), b.LockKey()}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if keys[0] == keys[1] {
		keys = keys[:1]
	}
	return r.withLockedTx(ctx, keys, fn)
}

// withLockedTx opens one transaction, takes a transaction-scoped advisory
// lock per slot key (ascending order, so two reschedules crossing slots
// cannot deadlock), and runs fn. The locks fall away with commit or
// rollback.
func (r *PgRepository) withLockedTx(ctx context.Context, lockKeys []int64, fn func(ctx context.Context, tx SlotTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin slot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, k := range lockKeys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, k); err != nil {
			return fmt.Errorf("acquire slot lock: %w", err)
		}
	}

	if err := fn(ctx, &pgSlotTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translatePgErr("commit slot tx", err)
	}
	return nil
}

// pgSlotTx runs inside withLockedTx and sees the section's own writes.
type pgSlotTx struct {
	tx pgx.Tx
}

func (t *pgSlotTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, t.tx, id)
}

func (t *pgSlotTx) SlotBlocked(ctx context.Context, key SlotKey) (bool, error) {
	return slotBlocked(ctx, t.tx, key)
}

func (t *pgSlotTx) CustomerHasActive(ctx context.Context, propertyID, customerID uuid.UUID) (bool, error) {
	var active bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE property_id = $1 AND customer_id = $2
			  AND status IN ('pending', 'confirmed', 'queued')
		)
	`, propertyID, customerID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check active booking: %w", err)
	}
	return active, nil
}

func (t *pgSlotTx) ActiveHolder(ctx context.Context, key SlotKey) (*Appointment, error) {
	holders, err := collectAppointments(t.tx.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE property_id = $1 AND viewing_date = $2 AND viewing_time = $3
		  AND status IN ('pending', 'confirmed')
	`, key.PropertyID, key.Date, key.Time))
	if err != nil {
		return nil, err
	}
	switch len(holders) {
	case 0:
		return nil, nil
	case 1:
		return &holders[0], nil
	default:
		return nil, fmt.Errorf("slot %s has %d holders: %w", key, len(holders), ErrConcurrencyConflict)
	}
}

func (t *pgSlotTx) MaxQueuePosition(ctx context.Context, key SlotKey) (int, error) {
	var tail int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(queue_position), 0)
		FROM appointments
		WHERE property_id = $1 AND viewing_date = $2 AND viewing_time = $3
		  AND status = 'queued'
	`, key.PropertyID, key.Date, key.Time).Scan(&tail)
	if err != nil {
		return 0, fmt.Errorf("read queue tail: %w", err)
	}
	return tail, nil
}

func (t *pgSlotTx) QueueHead(ctx context.Context, key SlotKey) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE property_id = $1 AND viewing_date = $2 AND viewing_time = $3
		  AND status = 'queued'
		ORDER BY queue_position ASC
		LIMIT 1
	`, key.PropertyID, key.Date, key.Time)
	head, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, nil
	}
	return head, err
}

func (t *pgSlotTx) InsertAppointment(ctx context.Context, appt *Appointment) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (id, property_id, customer_id, agent_id, viewing_date, viewing_time,
		                          status, queue_position, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING booking_seq, booked_at, created_at, updated_at
	`, appt.ID, appt.PropertyID, appt.CustomerID, appt.AgentID,
		appt.ViewingDate, appt.ViewingTime, appt.Status, appt.QueuePosition, appt.Notes)

	if err := row.Scan(&appt.BookingSeq, &appt.BookedAt, &appt.CreatedAt, &appt.UpdatedAt); err != nil {
		return translatePgErr("insert appointment", err)
	}
	return nil
}

func (t *pgSlotTx) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    queue_position = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
	`, id, to, from)
	if err != nil {
		return translatePgErr("update appointment status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update appointment status %s: %w", id, ErrConcurrencyConflict)
	}
	return nil
}

func (t *pgSlotTx) PlaceInSlot(ctx context.Context, id uuid.UUID, key SlotKey, status Status, queuePos *int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET viewing_date = $2,
		    viewing_time = $3,
		    status = $4,
		    queue_position = $5,
		    booking_seq = nextval('appointments_booking_seq'),
		    booked_at = clock_timestamp(),
		    updated_at = now()
		WHERE id = $1
		  AND property_id = $6
		  AND status = 'cancelled'
	`, id, key.Date, key.Time, status, queuePos, key.PropertyID)
	if err != nil {
		return translatePgErr("place appointment in slot", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("place appointment %s: %w", id, ErrConcurrencyConflict)
	}
	return nil
}

func (t *pgSlotTx) CompactQueue(ctx context.Context, key SlotKey, removedPos int) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET queue_position = queue_position - 1,
		    updated_at = now()
		WHERE property_id = $1 AND viewing_date = $2 AND viewing_time = $3
		  AND status = 'queued'
		  AND queue_position > $4
	`, key.PropertyID, key.Date, key.Time, removedPos)
	if err != nil {
		return translatePgErr("compact slot queue", err)
	}
	return nil
}

func (t *pgSlotTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM appointments
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgSlotTx) InsertEvent(ctx context.Context, ev OutboxEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO notification_outbox (recipient_id, kind, payload)
		VALUES ($1, $2, $3)
	`, ev.RecipientID, ev.Kind, ev.Payload)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
