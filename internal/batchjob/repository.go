package batchjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roomledger/roomledger/internal/period"
)

// Store persists job rows.
type Store interface {
	Insert(ctx context.Context, job Job) error
	Get(ctx context.Context, id uuid.UUID) (Job, error)
	Save(ctx context.Context, job Job) error
	FindActive(ctx context.Context, jobType JobType, periodType period.Type, periodKey string) ([]Job, error)
	List(ctx context.Context, filter Filter) ([]Job, error)
	FindStaleInProgress(ctx context.Context, updatedBefore time.Time) ([]Job, error)
}

// Repository is the PostgreSQL job ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the ledger.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const jobColumns = `id::text, job_type, target_owner_id, target_period_type, target_period_key, status, metadata,
    started_at, completed_at, COALESCE(error_message,''), created_at, updated_at`

// Insert stores a new job row.
func (r *Repository) Insert(ctx context.Context, job Job) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("batchjob: repository not initialised")
	}
	payload, err := json.Marshal(job.Metadata)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO batch_jobs
    (id, job_type, target_owner_id, target_period_type, target_period_key, status, metadata, started_at, completed_at, error_message, created_at, updated_at)
VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12)`,
		job.ID.String(), string(job.Type), job.TargetOwnerID, string(job.PeriodType), job.PeriodKey, string(job.Status),
		payload, job.StartedAt, job.CompletedAt, job.ErrorMessage, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("batchjob: insert: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	if r == nil || r.pool == nil {
		return Job{}, fmt.Errorf("batchjob: repository not initialised")
	}
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1::uuid`, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, err
	}
	return job, nil
}

// Save overwrites the mutable columns of a job.
func (r *Repository) Save(ctx context.Context, job Job) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("batchjob: repository not initialised")
	}
	payload, err := json.Marshal(job.Metadata)
	if err != nil {
		return err
	}
	cmd, err := r.pool.Exec(ctx, `UPDATE batch_jobs
SET status = $2, metadata = $3, started_at = $4, completed_at = $5, error_message = NULLIF($6,''), updated_at = $7
WHERE id = $1::uuid`, job.ID.String(), string(job.Status), payload, job.StartedAt, job.CompletedAt, job.ErrorMessage, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("batchjob: save %s: %w", job.ID, err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// FindActive lists PENDING and IN_PROGRESS jobs for a period, oldest first. An empty job type matches any.
func (r *Repository) FindActive(ctx context.Context, jobType JobType, periodType period.Type, periodKey string) ([]Job, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("batchjob: repository not initialised")
	}
	return r.query(ctx, `SELECT `+jobColumns+` FROM batch_jobs
WHERE status IN ('PENDING','IN_PROGRESS')
  AND ($1 = '' OR job_type = $1)
  AND target_period_type = $2 AND target_period_key = $3
ORDER BY created_at`, string(jobType), string(periodType), periodKey)
}

// List returns jobs matching the filter, newest first unless OldestFirst is set.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Job, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("batchjob: repository not initialised")
	}
	filter = filter.normalised()
	var owner any
	if filter.OwnerID != nil {
		owner = *filter.OwnerID
	}
	order := "created_at DESC, id DESC"
	if filter.OldestFirst {
		order = "created_at, id"
	}
	return r.query(ctx, `SELECT `+jobColumns+` FROM batch_jobs
WHERE ($1 = '' OR job_type = $1)
  AND ($2 = '' OR target_period_type = $2)
  AND ($3 = '' OR target_period_key = $3)
  AND ($4::bigint IS NULL OR target_owner_id = $4)
  AND ($5 = '' OR status = $5)
ORDER BY `+order+`
LIMIT $6 OFFSET $7`, string(filter.Type), string(filter.PeriodType), filter.PeriodKey, owner, string(filter.Status), filter.Limit, filter.Offset)
}

// FindStaleInProgress lists IN_PROGRESS jobs whose last progress write is older than the cutoff.
func (r *Repository) FindStaleInProgress(ctx context.Context, updatedBefore time.Time) ([]Job, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("batchjob: repository not initialised")
	}
	return r.query(ctx, `SELECT `+jobColumns+` FROM batch_jobs
WHERE status = 'IN_PROGRESS' AND updated_at < $1
ORDER BY created_at`, updatedBefore)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]Job, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("batchjob: query: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job                        Job
		id, jobType, ptype, status string
		meta                       []byte
	)
	if err := row.Scan(&id, &jobType, &job.TargetOwnerID, &ptype, &job.PeriodKey, &status, &meta,
		&job.StartedAt, &job.CompletedAt, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return Job{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Job{}, fmt.Errorf("batchjob: parse id %q: %w", id, err)
	}
	job.ID = parsed
	job.Type = JobType(jobType)
	job.PeriodType = period.Type(ptype)
	job.Status = Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return Job{}, fmt.Errorf("batchjob: decode metadata: %w", err)
		}
	}
	return job, nil
}
