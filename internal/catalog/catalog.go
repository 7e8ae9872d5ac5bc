// Package catalog reads property listing state for the booking engine.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hauslist/viewing-booking/internal/booking"
)

// Listing statuses. Only listed and under-offer properties accept
// viewing requests.
const (
	StatusListed     = "listed"
	StatusUnderOffer = "under_offer"
	StatusSold       = "sold"
	StatusRented     = "rented"
	StatusSuspended  = "suspended"
)

// Bookable reports whether a listing status accepts viewing requests.
func Bookable(status string) bool {
	return status == StatusListed || status == StatusUnderOffer
}

type PgCatalog struct {
	pool *pgxpool.Pool
}

func NewPgCatalog(pool *pgxpool.Pool) *PgCatalog {
	return &PgCatalog{pool: pool}
}

func (c *PgCatalog) PropertyInfo(ctx context.Context, propertyID uuid.UUID) (booking.PropertyInfo, error) {
	var info booking.PropertyInfo
	var agentID *uuid.UUID

	err := c.pool.QueryRow(ctx, `
		SELECT status, agent_id
		FROM properties
		WHERE id = $1
	`, propertyID).Scan(&info.Status, &agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.PropertyInfo{}, booking.ErrPropertyNotFound
		}
		return booking.PropertyInfo{}, fmt.Errorf("load property: %w", err)
	}

	info.AgentID = agentID
	info.Bookable = Bookable(info.Status)
	return info, nil
}
