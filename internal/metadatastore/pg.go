// Package metadatastore implements chatmodel.MetadataStore against the same
// postgres pool the archive store uses, grounded on the teacher's
// erauner12-toolbridge-api-style pgx query idiom.
package metadatastore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/svcerr"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load fetches a chat's metadata row by token. A missing row surfaces as
// svcerr.InvalidChat so ChatManager.Get can reject unknown tokens per
// spec.md's error taxonomy.
func (s *Store) Load(ctx context.Context, token string) (*chatmodel.Metadata, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, max_duration, max_participants, start_timestamp, end_timestamp
		FROM chat
		WHERE token = $1
	`, token)

	var meta chatmodel.Metadata
	if err := row.Scan(&meta.ID, &meta.MaxDuration, &meta.MaxParticipants, &meta.StartTimestamp, &meta.EndTimestamp); err != nil {
		if err == pgx.ErrNoRows {
			return nil, svcerr.InvalidChat("unknown chat token: " + token)
		}
		return nil, err
	}
	return &meta, nil
}

var _ chatmodel.MetadataStore = (*Store)(nil)
