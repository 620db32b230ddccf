package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/myrmex-ai/myrmex/pkg/models"
)

const jobColumns = `id, schedule, agent_id, enabled, payload_type, payload,
	session_mode, max_duration, retry_count, created_at, updated_at`

// UpsertCronJob inserts or updates a job definition by id. The job table is
// the scheduler's source of truth; YAML files only seed it.
func (s *Store) UpsertCronJob(ctx context.Context, job *models.CronJob) error {
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.PayloadType == "" {
		job.PayloadType = "prompt"
	}
	if job.SessionMode == "" {
		job.SessionMode = models.SessionModeIsolated
	}

	start := s.now()
	defer s.observe("insert", "cron_jobs", start)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (id, schedule, agent_id, enabled, payload_type,
			payload, session_mode, max_duration, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			schedule = excluded.schedule,
			agent_id = excluded.agent_id,
			enabled = excluded.enabled,
			payload_type = excluded.payload_type,
			payload = excluded.payload,
			session_mode = excluded.session_mode,
			max_duration = excluded.max_duration,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`,
		job.ID, job.Schedule, job.AgentID, job.Enabled, job.PayloadType,
		job.Payload, job.SessionMode, job.MaxDuration, job.RetryCount,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert cron job: %w", err)
	}
	return nil
}

// GetCronJob loads one job by id.
func (s *Store) GetCronJob(ctx context.Context, id string) (*models.CronJob, error) {
	start := s.now()
	defer s.observe("select", "cron_jobs", start)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM cron_jobs WHERE id = ?`, id)
	return scanCronJob(row)
}

// ListCronJobs returns all jobs ordered by id.
func (s *Store) ListCronJobs(ctx context.Context) ([]*models.CronJob, error) {
	start := s.now()
	defer s.observe("select", "cron_jobs", start)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM cron_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetCronJobEnabled flips a job's enabled flag.
func (s *Store) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	start := s.now()
	defer s.observe("update", "cron_jobs", start)
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set job enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeleteCronJob removes a job definition. Its execution history is kept.
func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	start := s.now()
	defer s.observe("delete", "cron_jobs", start)
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecordExecution appends one run to the job's history.
func (s *Store) RecordExecution(ctx context.Context, exec *models.JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	start := s.now()
	defer s.observe("insert", "job_executions", start)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, started_at,
			finished_at, duration_ms, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, exec.Status, exec.StartedAt.UTC(),
		exec.FinishedAt.UTC(), exec.Duration.Milliseconds(),
		exec.Result, exec.Error)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// ListExecutions returns a job's most recent runs, newest first.
func (s *Store) ListExecutions(ctx context.Context, jobID string, limit int) ([]*models.JobExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	start := s.now()
	defer s.observe("select", "job_executions", start)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, status, started_at, finished_at, duration_ms, result, error
		FROM job_executions WHERE job_id = ?
		ORDER BY started_at DESC LIMIT ?`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.JobExecution
	for rows.Next() {
		var e models.JobExecution
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &e.StartedAt,
			&e.FinishedAt, &durationMS, &e.Result, &e.Error); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// PruneExecutions removes history rows older than the cutoff and returns
// the number deleted.
func (s *Store) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	start := s.now()
	defer s.observe("delete", "job_executions", start)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_executions WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

func scanCronJob(row rowScanner) (*models.CronJob, error) {
	var job models.CronJob
	err := row.Scan(&job.ID, &job.Schedule, &job.AgentID, &job.Enabled,
		&job.PayloadType, &job.Payload, &job.SessionMode, &job.MaxDuration,
		&job.RetryCount, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cron job: %w", err)
	}
	return &job, nil
}
