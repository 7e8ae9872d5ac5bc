package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hauslist/viewing-booking/internal/booking"
	"github.com/hauslist/viewing-booking/internal/catalog"
	"github.com/hauslist/viewing-booking/internal/db"
)

const (
	agentCount       = 10
	customerCount    = 200
	propertyCount    = 80
	blockedSlotCount = 60
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	admin, agents, err := seedUsers(context.Background(), pool)
	if err != nil {
		log.Fatalf("seed users: %v", err)
	}
	properties, err := seedProperties(context.Background(), pool, agents)
	if err != nil {
		log.Fatalf("seed properties: %v", err)
	}
	if err := seedBlockedSlots(context.Background(), pool, properties, admin); err != nil {
		log.Fatalf("seed blocked slots: %v", err)
	}

	log.Println("seed complete")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) (admin uuid.UUID, agents []uuid.UUID, err error) {
	log.Printf("seeding 1 admin, %d agents, %d customers", agentCount, customerCount)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer tx.Rollback(ctx)

	insert := func(id uuid.UUID, name, email, role string) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, name, email, role, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, name, email, role)
		return err
	}

	admin = uuid.New()
	if err := insert(admin, gofakeit.Name(), "ops@hauslist.example", string(booking.RoleAdmin)); err != nil {
		return uuid.Nil, nil, err
	}

	for i := 0; i < agentCount; i++ {
		id := uuid.New()
		if err := insert(id, gofakeit.Name(), gofakeit.Email(), string(booking.RoleAgent)); err != nil {
			return uuid.Nil, nil, err
		}
		agents = append(agents, id)
	}

	for i := 0; i < customerCount; i++ {
		if err := insert(uuid.New(), gofakeit.Name(), gofakeit.Email(), string(booking.RoleCustomer)); err != nil {
			return uuid.Nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, nil, err
	}

	log.Println("users seeded")
	return admin, agents, nil
}

func seedProperties(ctx context.Context, pool *pgxpool.Pool, agents []uuid.UUID) ([]uuid.UUID, error) {
	log.Printf("seeding %d properties", propertyCount)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var properties []uuid.UUID
	for i := 0; i < propertyCount; i++ {
		id := uuid.New()
		agent := agents[gofakeit.Number(0, len(agents)-1)]
		addr := gofakeit.Address()

		_, err := tx.Exec(ctx, `
			INSERT INTO properties (id, title, address, status, agent_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, gofakeit.Sentence(4), addr.Address, propertyStatus(), agent)
		if err != nil {
			return nil, err
		}
		properties = append(properties, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("properties seeded")
	return properties, nil
}

// propertyStatus draws a listing status with most properties bookable, so
// the simulator finds work to do.
func propertyStatus() string {
	switch n := gofakeit.Number(1, 100); {
	case n <= 60:
		return catalog.StatusListed
	case n <= 75:
		return catalog.StatusUnderOffer
	case n <= 85:
		return catalog.StatusSold
	case n <= 95:
		return catalog.StatusRented
	default:
		return catalog.StatusSuspended
	}
}

func seedBlockedSlots(ctx context.Context, pool *pgxpool.Pool, properties []uuid.UUID, admin uuid.UUID) error {
	log.Printf("seeding %d blocked slots", blockedSlotCount)

	reasons := []string{
		"owner occupied",
		"maintenance visit",
		"open house prep",
		"agent unavailable",
		"photography session",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < blockedSlotCount; i++ {
		property := properties[gofakeit.Number(0, len(properties)-1)]
		date := time.Now().AddDate(0, 0, gofakeit.Number(0, 13)).Format(booking.DateLayout)
		hour := gofakeit.Number(9, 16)
		slotTime := time.Date(0, 1, 1, hour, 0, 0, 0, time.UTC).Format(booking.TimeLayout)
		reason := reasons[gofakeit.Number(0, len(reasons)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO blocked_slots (id, property_id, viewing_date, viewing_time, reason, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (property_id, viewing_date, viewing_time) DO NOTHING
		`, uuid.New(), property, date, slotTime, reason, admin)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("blocked slots seeded")
	return nil
}
