package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/wa-marketing-back/internal/domain"
)

// PostgresStore persists group metadata in the group_cache table:
//
//	CREATE TABLE group_cache (
//	    group_id     TEXT PRIMARY KEY,
//	    subject      TEXT NOT NULL,
//	    participants INT NOT NULL,
//	    updated_at   TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Probe runs a cheap existence query so a dropped table or unreachable
// server surfaces here instead of on every Get.
func (s *PostgresStore) Probe(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `SELECT 1 FROM group_cache LIMIT 1`); err != nil {
		return fmt.Errorf("probe group_cache: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, groupID string) (domain.GroupMetadata, time.Time, error) {
	var (
		meta      domain.GroupMetadata
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT group_id, subject, participants, updated_at
		FROM group_cache
		WHERE group_id = $1
	`, groupID).Scan(&meta.GroupID, &meta.Subject, &meta.Participants, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.GroupMetadata{}, time.Time{}, ErrNotFound
		}
		return domain.GroupMetadata{}, time.Time{}, fmt.Errorf("query group_cache: %w", err)
	}
	meta.FetchedAt = updatedAt
	return meta, updatedAt, nil
}

// Upsert inserts and falls back to an update-by-key when the insert
// conflicts on the primary key.
func (s *PostgresStore) Upsert(ctx context.Context, meta domain.GroupMetadata) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO group_cache (group_id, subject, participants, updated_at)
		VALUES ($1, $2, $3, $4)
	`, meta.GroupID, meta.Subject, meta.Participants, now)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return fmt.Errorf("insert group_cache: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE group_cache
		SET subject = $2, participants = $3, updated_at = $4
		WHERE group_id = $1
	`, meta.GroupID, meta.Subject, meta.Participants, now)
	if err != nil {
		return fmt.Errorf("update group_cache: %w", err)
	}
	return nil
}
