package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/TGVideoBot/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	const query = `
INSERT INTO jobs (id, user_id, chat_id, provider, mode, prompt_text, negative_prompt,
                  aspect_ratio, resolution, reference_url, cost, status)
VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.UserID, job.ChatID, job.Provider, job.Mode, job.Prompt, job.NegativePrompt,
		job.AspectRatio, job.Resolution, job.ReferenceURL, job.Cost, job.Status)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	const query = `
SELECT id, user_id, chat_id, provider, mode, prompt_text, COALESCE(negative_prompt, ''),
       COALESCE(aspect_ratio, ''), COALESCE(resolution, ''), COALESCE(reference_url, ''),
       cost, status, COALESCE(provider_job_id, ''), COALESCE(result_path, ''),
       COALESCE(fail_reason, ''), created_at, updated_at
FROM jobs WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var j models.Job
	if err := row.Scan(&j.ID, &j.UserID, &j.ChatID, &j.Provider, &j.Mode, &j.Prompt, &j.NegativePrompt,
		&j.AspectRatio, &j.Resolution, &j.ReferenceURL,
		&j.Cost, &j.Status, &j.ProviderJobID, &j.ResultPath,
		&j.FailReason, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

// SetStatus moves the job through a non-terminal transition. Terminal rows are
// never touched, so a late status write after finalization is a no-op.
func (r *JobRepository) SetStatus(ctx context.Context, id string, status models.JobStatus) error {
	const query = `
UPDATE jobs SET status = ?, updated_at = NOW()
WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'timed_out')`
	if _, err := r.db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return nil
}

func (r *JobRepository) SetProviderJobID(ctx context.Context, id, providerJobID string) error {
	const query = `UPDATE jobs SET provider_job_id = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, providerJobID, id); err != nil {
		return fmt.Errorf("set provider job id: %w", err)
	}
	return nil
}

// MarkSucceeded finalizes the job as succeeded. Returns true only when this
// call performed the terminal transition; a job already finalized (cancelled,
// timed out) is left untouched and reports false.
func (r *JobRepository) MarkSucceeded(ctx context.Context, id, resultPath string) (bool, error) {
	const query = `
UPDATE jobs SET status = 'succeeded', result_path = ?, updated_at = NOW()
WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'timed_out')`
	res, err := r.db.ExecContext(ctx, query, resultPath, id)
	if err != nil {
		return false, fmt.Errorf("mark job succeeded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("succeeded rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkFailed finalizes the job in a terminal failure state (failed or
// timed_out). Returns true only when this call performed the transition; the
// caller uses that to issue the refund exactly once.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, status models.JobStatus, reason string) (bool, error) {
	if status != models.JobFailed && status != models.JobTimedOut {
		return false, fmt.Errorf("mark failed: %q is not a failure status", status)
	}
	const query = `
UPDATE jobs SET status = ?, fail_reason = ?, updated_at = NOW()
WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'timed_out')`
	res, err := r.db.ExecContext(ctx, query, status, reason, id)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *JobRepository) CountActiveForUser(ctx context.Context, userID int64) (int, error) {
	const query = `
SELECT COUNT(*) FROM jobs
WHERE user_id = ? AND status NOT IN ('succeeded', 'failed', 'timed_out')`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

func (r *JobRepository) CountForDay(ctx context.Context, userID int64, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	const query = `
SELECT COUNT(*) FROM jobs
WHERE user_id = ? AND created_at >= ? AND created_at < ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, start, end).Scan(&count); err != nil {
		return 0, fmt.Errorf("count daily jobs: %w", err)
	}
	return count, nil
}
