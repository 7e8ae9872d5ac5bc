package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hauslist/viewing-booking/internal/api"
	"github.com/hauslist/viewing-booking/internal/booking"
	"github.com/hauslist/viewing-booking/internal/config"
	"github.com/hauslist/viewing-booking/internal/db"
)

// The simulator hammers a small board of slots through the public API and
// then audits the database for broken booking rules. Slot contention is
// the whole point, so the board stays deliberately tight.
type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookRatio     float64
	CancelRatio   float64
	ConfirmRatio  float64
	ReadRatio     float64
	CustomerLimit int
	PropertyLimit int
	Days          int
	PostgresDSN   string
	AuthSecret    []byte
}

type simUser struct {
	ID    uuid.UUID
	Token string
}

type simViewing struct {
	ID    uuid.UUID
	Token string // owner's token, for cancels and reads
}

type DataPool struct {
	Customers  []simUser
	Admin      simUser
	Properties []uuid.UUID
	Dates      []string
	Times      []string

	mu       sync.RWMutex
	viewings []simViewing
}

func (dp *DataPool) AddViewing(v simViewing) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.viewings = append(dp.viewings, v)
}

func (dp *DataPool) RandomViewing(rng *rand.Rand) (simViewing, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.viewings) == 0 {
		return simViewing{}, false
	}
	return dp.viewings[rng.Intn(len(dp.viewings))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Book     OperationMetrics
	Cancel   OperationMetrics
	Confirm  OperationMetrics
	ReadByID OperationMetrics
	ListMine OperationMetrics
	DaySlots OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadSimConfig()
	if err := validateSimConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d book=%.2f cancel=%.2f confirm=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookRatio, cfg.CancelRatio, cfg.ConfirmRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d customers, %d properties, board %d dates x %d times",
		len(dataPool.Customers), len(dataPool.Properties), len(dataPool.Dates), len(dataPool.Times))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()

	if err := auditInvariants(context.Background(), pgPool); err != nil {
		log.Fatalf("invariant audit: %v", err)
	}
}

func loadSimConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		BookRatio:     getFloat("SIM_BOOK_RATIO", 0.45),
		CancelRatio:   getFloat("SIM_CANCEL_RATIO", 0.20),
		ConfirmRatio:  getFloat("SIM_CONFIRM_RATIO", 0.15),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.20),
		CustomerLimit: getInt("SIM_CUSTOMER_LIMIT", 150),
		PropertyLimit: getInt("SIM_PROPERTY_LIMIT", 25),
		Days:          getInt("SIM_DAYS", 3),
		PostgresDSN:   baseCfg.PostgresDSN,
		AuthSecret:    []byte(baseCfg.AuthSecret),
	}

	// Normalize ratios
	total := cfg.BookRatio + cfg.CancelRatio + cfg.ConfirmRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookRatio /= total
		cfg.CancelRatio /= total
		cfg.ConfirmRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateSimConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if len(cfg.AuthSecret) == 0 {
		return fmt.Errorf("AUTH_HMAC_SECRET is required to mint simulator tokens")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}
	tokenTTL := cfg.Duration + time.Hour

	rows, err := pool.Query(ctx, `
		SELECT id FROM users WHERE role = 'customer' LIMIT $1
	`, cfg.CustomerLimit)
	if err != nil {
		return nil, fmt.Errorf("load customers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		token, err := api.MintToken(cfg.AuthSecret, id, booking.RoleCustomer, tokenTTL)
		if err != nil {
			return nil, fmt.Errorf("mint customer token: %w", err)
		}
		dataPool.Customers = append(dataPool.Customers, simUser{ID: id, Token: token})
	}

	var adminID uuid.UUID
	err = pool.QueryRow(ctx, `
		SELECT id FROM users WHERE role = 'admin' LIMIT 1
	`).Scan(&adminID)
	if err != nil {
		return nil, fmt.Errorf("load admin: %w", err)
	}
	adminToken, err := api.MintToken(cfg.AuthSecret, adminID, booking.RoleAdmin, tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("mint admin token: %w", err)
	}
	dataPool.Admin = simUser{ID: adminID, Token: adminToken}

	rows, err = pool.Query(ctx, `
		SELECT id FROM properties
		WHERE status IN ('listed', 'under_offer')
		LIMIT $1
	`, cfg.PropertyLimit)
	if err != nil {
		return nil, fmt.Errorf("load properties: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Properties = append(dataPool.Properties, id)
	}

	if len(dataPool.Customers) == 0 {
		return nil, fmt.Errorf("no customers loaded")
	}
	if len(dataPool.Properties) == 0 {
		return nil, fmt.Errorf("no bookable properties loaded")
	}

	for d := 0; d < cfg.Days; d++ {
		dataPool.Dates = append(dataPool.Dates, time.Now().AddDate(0, 0, d+1).Format(booking.DateLayout))
	}
	for hour := 9; hour < 17; hour++ {
		dataPool.Times = append(dataPool.Times, fmt.Sprintf("%02d:00", hour))
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookRatio:
				s.doBook(ctx, rng)
			case r < s.config.BookRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			case r < s.config.BookRatio+s.config.CancelRatio+s.config.ConfirmRatio:
				s.doConfirm(ctx, rng)
			default:
				switch rng.Intn(3) {
				case 0:
					s.doReadByID(ctx, rng)
				case 1:
					s.doListMine(ctx, rng)
				case 2:
					s.doDaySlots(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand) {
	customer := s.pool.Customers[rng.Intn(len(s.pool.Customers))]
	property := s.pool.Properties[rng.Intn(len(s.pool.Properties))]
	date := s.pool.Dates[rng.Intn(len(s.pool.Dates))]
	slotTime := s.pool.Times[rng.Intn(len(s.pool.Times))]

	start := time.Now()

	reqBody := map[string]string{
		"property_id": property.String(),
		"date":        date,
		"time":        slotTime,
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/v1/viewings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+customer.Token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			var created struct {
				ID uuid.UUID `json:"id"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if len(bodyBytes) > 0 {
				json.Unmarshal(bodyBytes, &created)
				if created.ID != uuid.Nil {
					s.pool.AddViewing(simViewing{ID: created.ID, Token: customer.Token})
				}
			}
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Book.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	viewing, ok := s.pool.RandomViewing(rng)
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/v1/viewings/%s/cancel", s.config.APIBaseURL, viewing.ID), nil)
	req.Header.Set("Authorization", "Bearer "+viewing.Token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	viewing, ok := s.pool.RandomViewing(rng)
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/v1/viewings/%s/confirm", s.config.APIBaseURL, viewing.ID), nil)
	req.Header.Set("Authorization", "Bearer "+s.pool.Admin.Token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Confirm.Record(latency, success, conflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	viewing, ok := s.pool.RandomViewing(rng)
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v1/viewings/%s", s.config.APIBaseURL, viewing.ID), nil)
	req.Header.Set("Authorization", "Bearer "+viewing.Token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ReadByID.Record(latency, success, false)
}

func (s *Simulator) doListMine(ctx context.Context, rng *rand.Rand) {
	customer := s.pool.Customers[rng.Intn(len(s.pool.Customers))]

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		s.config.APIBaseURL+"/v1/viewings?limit=20&offset=0", nil)
	req.Header.Set("Authorization", "Bearer "+customer.Token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ListMine.Record(latency, success, false)
}

func (s *Simulator) doDaySlots(ctx context.Context, rng *rand.Rand) {
	customer := s.pool.Customers[rng.Intn(len(s.pool.Customers))]
	property := s.pool.Properties[rng.Intn(len(s.pool.Properties))]
	date := s.pool.Dates[rng.Intn(len(s.pool.Dates))]

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v1/properties/%s/slots?date=%s", s.config.APIBaseURL, property, date), nil)
	req.Header.Set("Authorization", "Bearer "+customer.Token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		// Sold or suspended mid-run reads as a conflict, not a failure.
		success = resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict
	}

	s.metrics.DaySlots.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List mine", &s.metrics.ListMine)
	printOperationReport("Day slots", &s.metrics.DaySlots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errs := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errs > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errs, float64(errs)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// auditInvariants checks the booking rules directly against the database
// after the load run: one holder per slot, contiguous queue positions in
// booking order, and no duplicate active bookings.
func auditInvariants(ctx context.Context, pool *pgxpool.Pool) error {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("INVARIANT AUDIT")
	fmt.Println(strings.Repeat("=", 80))

	failures := 0

	var multiHolders int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT property_id, viewing_date, viewing_time
			FROM appointments
			WHERE status IN ('pending', 'confirmed')
			GROUP BY property_id, viewing_date, viewing_time
			HAVING count(*) > 1
		) v
	`).Scan(&multiHolders)
	if err != nil {
		return fmt.Errorf("audit slot holders: %w", err)
	}
	failures += reportAudit("one holder per slot", multiHolders)

	// Positions must read 1..n when ordered.
	var brokenQueues int
	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT property_id, viewing_date, viewing_time
			FROM appointments
			WHERE status = 'queued'
			GROUP BY property_id, viewing_date, viewing_time
			HAVING min(queue_position) <> 1
			    OR max(queue_position) <> count(*)
			    OR count(DISTINCT queue_position) <> count(*)
		) v
	`).Scan(&brokenQueues)
	if err != nil {
		return fmt.Errorf("audit queue positions: %w", err)
	}
	failures += reportAudit("contiguous queue positions", brokenQueues)

	var misordered int
	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT property_id, viewing_date, viewing_time
			FROM appointments
			WHERE status = 'queued'
			GROUP BY property_id, viewing_date, viewing_time
			HAVING array_agg(booking_seq ORDER BY queue_position)
			    <> array_agg(booking_seq ORDER BY booking_seq)
		) v
	`).Scan(&misordered)
	if err != nil {
		return fmt.Errorf("audit queue order: %w", err)
	}
	failures += reportAudit("queue position follows booking order", misordered)

	var duplicates int
	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT property_id, customer_id
			FROM appointments
			WHERE status IN ('pending', 'confirmed', 'queued')
			GROUP BY property_id, customer_id
			HAVING count(*) > 1
		) v
	`).Scan(&duplicates)
	if err != nil {
		return fmt.Errorf("audit duplicate actives: %w", err)
	}
	failures += reportAudit("one active booking per customer per property", duplicates)

	var pendingOutbox int
	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM notification_outbox WHERE dispatched_at IS NULL
	`).Scan(&pendingOutbox)
	if err != nil {
		return fmt.Errorf("audit outbox depth: %w", err)
	}
	fmt.Printf("INFO  undispatched outbox events: %d\n", pendingOutbox)

	if failures > 0 {
		return fmt.Errorf("%d invariant(s) violated", failures)
	}
	fmt.Println("all invariants hold")
	return nil
}

func reportAudit(name string, violations int) int {
	if violations == 0 {
		fmt.Printf("PASS  %s\n", name)
		return 0
	}
	fmt.Printf("FAIL  %s: %d violating group(s)\n", name, violations)
	return 1
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
