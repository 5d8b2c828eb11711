// Package archivestore implements the durable archive-job sink spec.md §1
// treats as an external collaborator, backed by Postgres via pgxpool the
// way erauner12-toolbridge-api's internal/db package opens its pool.
package archivestore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/persistence"
)

// Open creates a connection pool to the archive-job database.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("archive store connection pool created")
	return pool, nil
}

// Store implements persistence.ArchiveStore against a Postgres table of
// archive job rows.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert writes one archive job row (spec.md §6 "Persistence sink").
// ON CONFLICT DO NOTHING backstops the in-process TryBeginPersist claim
// with the unique constraint archive_job carries on chat_id, so a second
// insert for the same chat from another node is a silent no-op rather than
// a duplicate archive row.
func (s *Store) Insert(ctx context.Context, job persistence.ArchiveJob) error {
	const stmt = `
		INSERT INTO archive_job (chat_id, created, not_before, data, retries_remaining)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chat_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, stmt, job.ChatID, job.Created, job.NotBefore, job.Data, job.RetriesRemaining)
	return err
}

var _ persistence.ArchiveStore = (*Store)(nil)
