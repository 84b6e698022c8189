package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/consultation-orchestrator/internal/auth"
	"github.com/hackgods/consultation-orchestrator/internal/config"
	"github.com/hackgods/consultation-orchestrator/internal/db"
	"github.com/hackgods/consultation-orchestrator/internal/logging"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

type SimConfig struct {
	APIBaseURL  string
	Slots       int
	Contenders  int
	Parallel    int
	Modality    string
	PostgresDSN string
	JWTSecret   string
	JWTIssuer   string
}

type slotRef struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
}

type DataPool struct {
	Patients []uuid.UUID
	Slots    []slotRef
	tokens   map[uuid.UUID]string
}

type OperationMetrics struct {
	Total        int64
	Success      int64
	Conflict     int64
	Insufficient int64
	Error        int64
	Latencies    []time.Duration
	mu           sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch status {
	case http.StatusCreated:
		atomic.AddInt64(&om.Success, 1)
	case http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case http.StatusPaymentRequired:
		atomic.AddInt64(&om.Insufficient, 1)
	default:
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
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *zap.Logger
	metrics OperationMetrics

	mu      sync.Mutex
	winners map[uuid.UUID]int
}

func main() {
	log, err := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Int("slots", cfg.Slots),
		zap.Int("contenders", cfg.Contenders),
		zap.Int("parallel_slots", cfg.Parallel),
		zap.String("modality", cfg.Modality),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	if err := dataPool.mintTokens(auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer)); err != nil {
		log.Fatal("mint tokens", zap.Error(err))
	}
	log.Info("data loaded", zap.Int("patients", len(dataPool.Patients)), zap.Int("slots", len(dataPool.Slots)))

	sim := &Simulator{
		config:  cfg,
		pool:    dataPool,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
		winners: make(map[uuid.UUID]int),
	}

	if err := sim.Run(context.Background()); err != nil {
		log.Fatal("simulation failed", zap.Error(err))
	}

	verifyCtx, verifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer verifyCancel()
	doubles, err := countDoubleBookings(verifyCtx, pgPool)
	if err != nil {
		log.Error("verify double bookings", zap.Error(err))
	}

	violations := sim.PrintReport(doubles)
	if violations > 0 || doubles > 0 {
		os.Exit(2)
	}
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Slots:       getInt("SIM_SLOTS", 50),
		Contenders:  getInt("SIM_CONTENDERS", 20),
		Parallel:    getInt("SIM_PARALLEL_SLOTS", 4),
		Modality:    getEnv("SIM_MODALITY", string(store.ModalityVideo)),
		PostgresDSN: baseCfg.PostgresDSN,
		JWTSecret:   baseCfg.JWTSecret,
		JWTIssuer:   baseCfg.JWTIssuer,
	}

	if cfg.PostgresDSN == "" {
		return cfg, fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Slots <= 0 || cfg.Contenders <= 0 || cfg.Parallel <= 0 {
		return cfg, fmt.Errorf("SIM_SLOTS, SIM_CONTENDERS and SIM_PARALLEL_SLOTS must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT u.id FROM users u
		JOIN accounts a ON a.user_id = u.id
		WHERE u.role = 'patient' AND NOT u.blocked AND a.credits > 0
		ORDER BY random()
		LIMIT $1
	`, cfg.Contenders*4)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT s.id, s.doctor_id FROM slots s
		JOIN doctors d ON d.user_id = s.doctor_id
		WHERE NOT s.is_booked AND s.starts_at > now() AND d.approved AND NOT d.suspended
		ORDER BY s.starts_at
		LIMIT $1
	`, cfg.Slots)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var ref slotRef
		if err := rows.Scan(&ref.ID, &ref.DoctorID); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, ref)
	}
	rows.Close()

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no funded patients loaded, run cmd/seed first")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no open slots loaded, run cmd/seed first")
	}
	return dataPool, nil
}

func (dp *DataPool) mintTokens(tokens *auth.Tokens) error {
	dp.tokens = make(map[uuid.UUID]string, len(dp.Patients))
	for _, id := range dp.Patients {
		t, err := tokens.Issue(id, store.RolePatient, time.Hour)
		if err != nil {
			return err
		}
		dp.tokens[id] = t
	}
	return nil
}

// Run races Contenders patients on every slot, Parallel slots at a time.
// Contenders for one slot are released together so they hit the lock at
// the same moment.
func (s *Simulator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallel)

	for i, slot := range s.pool.Slots {
		slot := slot
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		contenders := s.pickContenders(rng)
		g.Go(func() error {
			s.raceSlot(gctx, slot, contenders)
			return nil
		})
	}

	return g.Wait()
}

func (s *Simulator) pickContenders(rng *rand.Rand) []uuid.UUID {
	out := make([]uuid.UUID, s.config.Contenders)
	for i := range out {
		out[i] = s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	}
	return out
}

func (s *Simulator) raceSlot(ctx context.Context, slot slotRef, contenders []uuid.UUID) {
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, patient := range contenders {
		wg.Add(1)
		go func(patient uuid.UUID) {
			defer wg.Done()
			<-start
			s.book(ctx, slot, patient)
		}(patient)
	}
	close(start)
	wg.Wait()
}

func (s *Simulator) book(ctx context.Context, slot slotRef, patient uuid.UUID) {
	body, _ := json.Marshal(map[string]string{
		"doctor_id": slot.DoctorID.String(),
		"slot_id":   slot.ID.String(),
		"modality":  s.config.Modality,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/consultations", bytes.NewReader(body))
	if err != nil {
		s.metrics.Record(0, 0)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.pool.tokens[patient])

	started := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(started)
	if err != nil {
		s.log.Debug("booking request failed", zap.Error(err))
		s.metrics.Record(latency, 0)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	s.metrics.Record(latency, resp.StatusCode)
	if resp.StatusCode == http.StatusCreated {
		s.mu.Lock()
		s.winners[slot.ID]++
		s.mu.Unlock()
	}
}

func countDoubleBookings(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT slot_id FROM consultations GROUP BY slot_id HAVING count(*) > 1
		) d
	`).Scan(&n)
	return n, err
}

// PrintReport prints the summary and returns the number of slots the API
// reported as booked more than once.
func (s *Simulator) PrintReport(dbDoubles int) int {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BOOKING RACE REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Slots: %d  Contenders per slot: %d\n\n", len(s.pool.Slots), s.config.Contenders)

	om := &s.metrics
	total := atomic.LoadInt64(&om.Total)
	if total > 0 {
		pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
		fmt.Printf("Requests: %d\n", total)
		fmt.Printf("  Booked: %d (%.1f%%)\n", om.Success, pct(om.Success))
		fmt.Printf("  Slot unavailable: %d (%.1f%%)\n", om.Conflict, pct(om.Conflict))
		if om.Insufficient > 0 {
			fmt.Printf("  Insufficient credits: %d (%.1f%%)\n", om.Insufficient, pct(om.Insufficient))
		}
		if om.Error > 0 {
			fmt.Printf("  Errors: %d (%.1f%%)\n", om.Error, pct(om.Error))
		}
		avg, min, max, p50, p95 := om.Stats()
		fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n\n",
			avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
			p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	violations := 0
	for slotID, n := range s.winners {
		if n > 1 {
			violations++
			fmt.Printf("VIOLATION: slot %s booked %d times\n", slotID, n)
		}
	}
	fmt.Printf("Slots won: %d/%d  API double bookings: %d  DB double bookings: %d\n",
		len(s.winners), len(s.pool.Slots), violations, dbDoubles)
	return violations
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
