package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"videoloop/internal/apperrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	root_id TEXT PRIMARY KEY,
	record  JSONB  NOT NULL,
	version BIGINT NOT NULL DEFAULT 0
)`

// uniqueViolation is the Postgres error code for duplicate primary keys.
const uniqueViolation = "23505"

// PostgresStore persists records in Postgres with a native conditional write,
// for deployments where multiple instances receive callbacks concurrently and
// the blob-backed store's lease-plus-recheck is not strong enough.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the jobs table exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Create persists a new record, refusing to overwrite an existing one.
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Internal("job.create", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (root_id, record, version) VALUES ($1, $2, $3)`,
		rec.RootID, data, rec.Version)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperrors.Conflict("job", rec.RootID, fmt.Sprintf("job %s already exists", rec.RootID))
	}
	if err != nil {
		return apperrors.Internal("job.create", err)
	}
	return nil
}

// Load returns the record for rootID.
func (s *PostgresStore) Load(ctx context.Context, rootID string) (*Record, error) {
	var data []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT record, version FROM jobs WHERE root_id = $1`, rootID).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", rootID)
	}
	if err != nil {
		return nil, apperrors.Internal("job.load", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.Internal("job.load", err)
	}
	rec.Version = version
	return &rec, nil
}

// Save conditionally overwrites the record and bumps rec.Version.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	next := rec.Clone()
	next.Version = rec.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return apperrors.Internal("job.save", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET record = $2, version = version + 1 WHERE root_id = $1 AND version = $3`,
		rec.RootID, data, rec.Version)
	if err != nil {
		return apperrors.Internal("job.save", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the record vanished or another writer won the race.
		if _, loadErr := s.Load(ctx, rec.RootID); loadErr != nil {
			return loadErr
		}
		return apperrors.Conflict("job", rec.RootID,
			fmt.Sprintf("job %s version changed (have %d)", rec.RootID, rec.Version))
	}
	rec.Version++
	return nil
}

// Ready checks Postgres is reachable (readiness probe hook).
func (s *PostgresStore) Ready(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
