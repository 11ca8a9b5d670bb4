package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/spotflow/internal/models"
)

// PostgresStorage stores runs and their spots in PostgreSQL. Spot
// positions are kept as pgvector values for nearest-neighbour lookups.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// SpotMatch is one row returned by SearchNearestSpots
type SpotMatch struct {
	RunID    string
	Spot     models.Spot
	Distance float64
}

// NewPostgresStorage creates a new PostgreSQL storage connection
func NewPostgresStorage(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the tables and indexes if they don't exist
func (s *PostgresStorage) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS runs (
            id UUID PRIMARY KEY,
            detector VARCHAR(64) NOT NULL,
            command VARCHAR(255) NOT NULL,
            region VARCHAR(255) NOT NULL,
            pixel_width DOUBLE PRECISION NOT NULL,
            pixel_height DOUBLE PRECISION NOT NULL,
            frame_interval DOUBLE PRECISION NOT NULL,
            units VARCHAR(32) NOT NULL,
            processing_time_ms BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS spots (
            id BIGSERIAL PRIMARY KEY,
            run_id UUID REFERENCES runs(id) ON DELETE CASCADE,
            frame INTEGER NOT NULL,
            x DOUBLE PRECISION NOT NULL,
            y DOUBLE PRECISION NOT NULL,
            z DOUBLE PRECISION NOT NULL,
            t DOUBLE PRECISION NOT NULL,
            radius DOUBLE PRECISION NOT NULL,
            quality DOUBLE PRECISION NOT NULL,
            position vector(3) NOT NULL
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_spots_run_id ON spots(run_id);
        CREATE INDEX IF NOT EXISTS idx_spots_run_frame ON spots(run_id, frame);
        CREATE INDEX IF NOT EXISTS idx_spots_position ON spots USING ivfflat (position vector_l2_ops) WITH (lists = 100);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}

// AddResult stores a run and all of its spots in one transaction
func (s *PostgresStorage) AddResult(ctx context.Context, result models.RunResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cal := result.Calibration
	_, err = tx.Exec(ctx,
		`INSERT INTO runs
        (id, detector, command, region, pixel_width, pixel_height, frame_interval, units, processing_time_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		result.ID, result.Detector, result.Command, result.Region.String(),
		cal.PixelWidth, cal.PixelHeight, cal.FrameInterval, cal.Units,
		result.ProcessingTime, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}

	batch := &pgx.Batch{}
	for _, spot := range result.Spots {
		batch.Queue(
			`INSERT INTO spots (run_id, frame, x, y, z, t, radius, quality, position)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			result.ID, spot.Frame, spot.X, spot.Y, spot.Z, spot.T, spot.Radius, spot.Quality, positionVector(spot.Position()))
	}
	br := tx.SendBatch(ctx, batch)
	for i := range result.Spots {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to store spot %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to store spots: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	s.logger.Info("run stored", "run", result.ID, "spots", len(result.Spots))
	return nil
}

// Flush implements the Storage interface - no-op for Postgres as we save immediately
func (s *PostgresStorage) Flush() error {
	return nil
}

// SearchNearestSpots returns the spots closest to pos, in physical units.
// An empty runID searches every run.
func (s *PostgresStorage) SearchNearestSpots(ctx context.Context, runID string, pos [3]float64, limit int) ([]SpotMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id::text, frame, x, y, z, t, radius, quality,
        position <-> $1 AS distance
        FROM spots
        WHERE $2 = '' OR run_id::text = $2
        ORDER BY position <-> $1
        LIMIT $3`,
		positionVector(pos), runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search nearest spots: %w", err)
	}
	defer rows.Close()

	var matches []SpotMatch
	for rows.Next() {
		var m SpotMatch
		if err := rows.Scan(&m.RunID, &m.Spot.Frame, &m.Spot.X, &m.Spot.Y, &m.Spot.Z,
			&m.Spot.T, &m.Spot.Radius, &m.Spot.Quality, &m.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func positionVector(p [3]float64) pgvector.Vector {
	return pgvector.NewVector([]float32{float32(p[0]), float32(p[1]), float32(p[2])})
}
