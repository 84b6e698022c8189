package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/db"
	"github.com/hackgods/consultation-orchestrator/internal/logging"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	_ = godotenv.Load()

	log, err := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal("ensure schema", zap.Error(err))
	}

	doctors := getInt("SEED_DOCTORS", 50)
	slotsPerDoctor := getInt("SEED_SLOTS_PER_DOCTOR", 24)
	patients := getInt("SEED_PATIENTS", 2000)
	credits := int64(getInt("SEED_PATIENT_CREDITS", 1000))

	if err := seedDoctors(ctx, pool, log, doctors, slotsPerDoctor); err != nil {
		log.Fatal("seed doctors", zap.Error(err))
	}
	if err := seedPatients(ctx, pool, log, patients, credits); err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}

	log.Info("seed complete")
}

// seedDoctors inserts approved doctors with fees and hourly future slots
// starting tomorrow at 09:00 UTC.
func seedDoctors(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger, count, slotsPerDoctor int) error {
	log.Info("seeding doctors", zap.Int("count", count), zap.Int("slots_per_doctor", slotsPerDoctor))

	tomorrow := time.Now().UTC().Truncate(24 * time.Hour).Add(24*time.Hour + 9*time.Hour)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := 0; i < count; i++ {
		id := uuid.New()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		videoFee := int64(gofakeit.Number(5, 30)) * 10
		physicalFee := int64(gofakeit.Number(5, 30)) * 10

		batch := &pgx.Batch{}
		batch.Queue(`
			INSERT INTO users (id, name, email, role, created_at, updated_at)
			VALUES ($1, $2, $3, 'doctor', now(), now())
		`, id, "Dr. "+gofakeit.Name(), gofakeit.Email())
		batch.Queue(`
			INSERT INTO doctors (user_id, specialty, approved, available, video_fee, physical_fee, updated_at)
			VALUES ($1, $2, true, true, $3, $4, now())
		`, id, spec, videoFee, physicalFee)

		for s := 0; s < slotsPerDoctor; s++ {
			start := tomorrow.Add(time.Duration(s) * time.Hour)
			batch.Queue(`
				INSERT INTO slots (id, doctor_id, starts_at, ends_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), id, start, start.Add(30*time.Minute))
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("doctor %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Info("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger, count int, credits int64) error {
	log.Info("seeding patients", zap.Int("count", count), zap.Int64("credits", credits))

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			id := uuid.New()
			batch.Queue(`
				INSERT INTO users (id, name, email, role, created_at, updated_at)
				VALUES ($1, $2, $3, 'patient', now(), now())
			`, id, gofakeit.Name(), gofakeit.Email())
			batch.Queue(`
				INSERT INTO accounts (user_id, credits, updated_at)
				VALUES ($1, $2, now())
			`, id, credits)
		}

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			return tx.SendBatch(ctx, batch).Close()
		})
		if err != nil {
			return err
		}

		log.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}

	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
