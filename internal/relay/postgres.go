package relay

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgJobs implements JobStore backed by PostgreSQL.
type pgJobs struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

func NewPostgresJobs(pool *pgxpool.Pool, log *zap.SugaredLogger) JobStore {
	return &pgJobs{pool: pool, log: log}
}

// EnsureSchema creates the jobs table if missing. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS transfer_jobs (
  token text PRIMARY KEY,
  provider text NOT NULL,
  file_id text NOT NULL,
  endpoint text NOT NULL,
  protocol text NOT NULL,
  status text NOT NULL,
  bytes bigint NOT NULL DEFAULT 0,
  error text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

func (s *pgJobs) Create(ctx context.Context, job Job) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO transfer_jobs(token, provider, file_id, endpoint, protocol, status)
VALUES ($1,$2,$3,$4,$5,$6)`,
		job.Token, job.Provider, job.FileID, job.Endpoint, job.Protocol, string(job.Status))
	return err
}

func (s *pgJobs) SetStatus(ctx context.Context, token string, status Status, bytes int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE transfer_jobs SET status=$1, bytes=$2, error=$3, updated_at=NOW() WHERE token=$4`,
		string(status), bytes, errMsg, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *pgJobs) Get(ctx context.Context, token string) (Job, error) {
	var job Job
	var status string
	err := s.pool.QueryRow(ctx, `
SELECT token, provider, file_id, endpoint, protocol, status, bytes, error, created_at, updated_at
FROM transfer_jobs WHERE token=$1`, token).Scan(
		&job.Token, &job.Provider, &job.FileID, &job.Endpoint, &job.Protocol,
		&status, &job.Bytes, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, err
	}
	job.Status = Status(status)
	return job, nil
}
