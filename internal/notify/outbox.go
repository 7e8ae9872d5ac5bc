package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one notification decision read back from the outbox.
type Event struct {
	ID          int64
	RecipientID uuid.UUID
	Kind        string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// OutboxStore hands pending events to a worker and records which ones it
// managed to deliver. fn returns the IDs to mark dispatched.
type OutboxStore interface {
	WithPending(ctx context.Context, limit int, fn func(events []Event) []int64) error
}

type PgOutbox struct {
	pool *pgxpool.Pool
}

func NewPgOutbox(pool *pgxpool.Pool) *PgOutbox {
	return &PgOutbox{pool: pool}
}

// WithPending claims up to limit undispatched events with SKIP LOCKED, so
// several relay instances can drain the same outbox without stepping on
// each other. Rows stay claimed until the surrounding transaction ends;
// anything fn does not return comes back in a later pass.
func (o *PgOutbox) WithPending(ctx context.Context, limit int, fn func(events []Event) []int64) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, recipient_id, kind, payload, created_at
		FROM notification_outbox
		WHERE dispatched_at IS NULL
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return fmt.Errorf("claim outbox events: %w", err)
	}

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RecipientID, &ev.Kind, &ev.Payload, &ev.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read outbox events: %w", err)
	}
	if len(events) == 0 {
		return tx.Commit(ctx)
	}

	if done := fn(events); len(done) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE notification_outbox
			SET dispatched_at = now()
			WHERE id = ANY($1)
		`, done); err != nil {
			return fmt.Errorf("mark events dispatched: %w", err)
		}
	}

	return tx.Commit(ctx)
}
