package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgLogPrefix = "stats:pgstore"

const schema = `
CREATE TABLE IF NOT EXISTS stats_snapshots (
	id                  BIGSERIAL PRIMARY KEY,
	role                TEXT        NOT NULL,
	taken_at            TIMESTAMPTZ NOT NULL,
	total_requests      BIGINT      NOT NULL,
	successful_requests BIGINT      NOT NULL,
	failed_requests     BIGINT      NOT NULL,
	timeout_requests    BIGINT      NOT NULL,
	cache_hits          BIGINT      NOT NULL,
	avg_response_us     BIGINT      NOT NULL,
	min_response_us     BIGINT      NOT NULL,
	max_response_us     BIGINT      NOT NULL
);
CREATE INDEX IF NOT EXISTS stats_snapshots_role_taken_at ON stats_snapshots (role, taken_at DESC);
`

// PGStore keeps a history of snapshots in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to databaseURL and creates the table if needed.
func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", pgLogPrefix, err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", pgLogPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", pgLogPrefix, err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to create schema: %w", pgLogPrefix, err)
	}
	return &PGStore{pool: pool}, nil
}

// Save appends a snapshot for role.
func (s *PGStore) Save(ctx context.Context, role string, snap Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stats_snapshots (role, taken_at, total_requests, successful_requests,
			failed_requests, timeout_requests, cache_hits, avg_response_us, min_response_us, max_response_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		role, snap.TakenAt, snap.TotalRequests, snap.SuccessfulRequests, snap.FailedRequests,
		snap.TimeoutRequests, snap.CacheHits, snap.AverageResponseTime.Microseconds(),
		snap.MinResponseTime.Microseconds(), snap.MaxResponseTime.Microseconds())
	if err != nil {
		return fmt.Errorf("%s - insert snapshot: %w", pgLogPrefix, err)
	}
	return nil
}

// Latest returns the most recent snapshot of role. ok is false when none
// was saved yet.
func (s *PGStore) Latest(ctx context.Context, role string) (snap Snapshot, ok bool, err error) {
	var avg, lo, hi int64
	err = s.pool.QueryRow(ctx, `
		SELECT taken_at, total_requests, successful_requests, failed_requests, timeout_requests,
			cache_hits, avg_response_us, min_response_us, max_response_us
		FROM stats_snapshots WHERE role = $1 ORDER BY taken_at DESC LIMIT 1`, role).
		Scan(&snap.TakenAt, &snap.TotalRequests, &snap.SuccessfulRequests, &snap.FailedRequests,
			&snap.TimeoutRequests, &snap.CacheHits, &avg, &lo, &hi)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("%s - query latest: %w", pgLogPrefix, err)
	}
	snap.AverageResponseTime = time.Duration(avg) * time.Microsecond
	snap.MinResponseTime = time.Duration(lo) * time.Microsecond
	snap.MaxResponseTime = time.Duration(hi) * time.Microsecond
	return snap, true, nil
}

// Prune deletes snapshots older than before.
func (s *PGStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stats_snapshots WHERE taken_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("%s - prune: %w", pgLogPrefix, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}
