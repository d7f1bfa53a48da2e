package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/wa-marketing-back/internal/domain"
)

// PostgresStore persists jobs in the agent_jobs table, scoped to a single
// job kind per instance:
//
//	CREATE TABLE agent_jobs (
//	    id              TEXT PRIMARY KEY,
//	    kind            TEXT NOT NULL,
//	    identity_key    TEXT NOT NULL,
//	    messages        JSONB NOT NULL DEFAULT '[]',
//	    conversation_id TEXT NOT NULL DEFAULT '',
//	    priority        INT NOT NULL,
//	    status          TEXT NOT NULL,
//	    retry_count     INT NOT NULL,
//	    last_error      TEXT NOT NULL DEFAULT '',
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL,
//	    processed_at    TIMESTAMPTZ
//	);
//	CREATE INDEX agent_jobs_pending_idx
//	    ON agent_jobs (kind, status, priority, created_at);
type PostgresStore struct {
	pool *pgxpool.Pool
	kind domain.JobKind
}

func NewPostgresStore(pool *pgxpool.Pool, kind domain.JobKind) *PostgresStore {
	return &PostgresStore{pool: pool, kind: kind}
}

const jobColumns = `id, kind, identity_key, messages, conversation_id, priority, status, retry_count, last_error, created_at, updated_at, processed_at`

func (s *PostgresStore) Insert(ctx context.Context, job *domain.Job) error {
	messages, err := json.Marshal(job.Messages)
	if err != nil {
		return fmt.Errorf("encode job messages: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		job.ID,
		string(s.kind),
		job.IdentityKey,
		messages,
		job.ConversationID,
		job.Priority,
		string(job.Status),
		job.RetryCount,
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
		job.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, job *domain.Job) error {
	messages, err := json.Marshal(job.Messages)
	if err != nil {
		return fmt.Errorf("encode job messages: %w", err)
	}
	command, err := s.pool.Exec(ctx, `
		UPDATE agent_jobs
		SET messages = $2,
			conversation_id = $3,
			priority = $4,
			status = $5,
			retry_count = $6,
			last_error = $7,
			updated_at = $8,
			processed_at = $9
		WHERE id = $1
	`,
		job.ID,
		messages,
		job.ConversationID,
		job.Priority,
		string(job.Status),
		job.RetryCount,
		job.LastError,
		job.UpdatedAt,
		job.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindActive(ctx context.Context, identityKey string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM agent_jobs
		WHERE kind = $1 AND identity_key = $2 AND status IN ('pending','processing')
		LIMIT 1
	`, string(s.kind), identityKey)
	return scanJob(row)
}

func (s *PostgresStore) NextPending(ctx context.Context) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM agent_jobs
		WHERE kind = $1 AND status = 'pending'
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, string(s.kind))
	return scanJob(row)
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	command, err := s.pool.Exec(ctx, `
		DELETE FROM agent_jobs
		WHERE kind = $1 AND status IN ('completed','failed') AND updated_at < $2
	`, string(s.kind), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func (s *PostgresStore) ReclaimProcessingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	command, err := s.pool.Exec(ctx, `
		UPDATE agent_jobs
		SET status = 'pending', updated_at = $3
		WHERE kind = $1 AND status = 'processing' AND updated_at < $2
	`, string(s.kind), cutoff, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reclaim processing jobs: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM agent_jobs
		WHERE kind = $1
		GROUP BY status
	`, string(s.kind))
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status string
			total  int
		)
		if err := rows.Scan(&status, &total); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[domain.JobStatus(status)] = total
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate job counts: %w", rows.Err())
	}
	return counts, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		kind        string
		status      string
		messages    []byte
		processedAt *time.Time
	)
	err := row.Scan(
		&job.ID,
		&kind,
		&job.IdentityKey,
		&messages,
		&job.ConversationID,
		&job.Priority,
		&status,
		&job.RetryCount,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&processedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	job.ProcessedAt = processedAt
	if err := json.Unmarshal(messages, &job.Messages); err != nil {
		return nil, fmt.Errorf("decode job messages: %w", err)
	}
	return &job, nil
}
