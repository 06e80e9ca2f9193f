package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

const jobColumns = `id, skus, scrapers, status, COALESCE(runner_name, ''), COALESCE(lease_token, ''),
	lease_expires_at, heartbeat_at, test_mode, max_workers, created_at, completed_at, COALESCE(error_message, '')`

func scanJob(row rowScanner) (coordinator.ScrapeJob, error) {
	var (
		job    coordinator.ScrapeJob
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.SKUs,
		&job.Scrapers,
		&status,
		&job.RunnerName,
		&job.LeaseToken,
		&job.LeaseExpiresAt,
		&job.HeartbeatAt,
		&job.TestMode,
		&job.MaxWorkers,
		&job.CreatedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
	)
	if err != nil {
		return coordinator.ScrapeJob{}, err
	}
	job.Status = coordinator.JobStatus(status)
	return job, nil
}

// InsertJob inserts a pending job row.
func (s *Store) InsertJob(ctx context.Context, job coordinator.ScrapeJob) error {
	query := `
		INSERT INTO scrape_jobs (id, skus, scrapers, status, test_mode, max_workers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	scrapers := job.Scrapers
	if scrapers == nil {
		scrapers = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.SKUs,
		scrapers,
		string(job.Status),
		job.TestMode,
		job.MaxWorkers,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// InsertChunk inserts a chunk row.
func (s *Store) InsertChunk(ctx context.Context, chunk coordinator.ScrapeJobChunk) error {
	query := `
		INSERT INTO scrape_job_chunks (id, job_id, chunk_index, skus, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err := s.pool.Exec(ctx, query,
		chunk.ID,
		chunk.JobID,
		chunk.ChunkIndex,
		chunk.SKUs,
		string(chunk.Status),
		chunk.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// DeleteJob removes a job row; chunks cascade.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scrape_jobs WHERE id = $1;`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// claimQuery selects, locks, and claims one job and its chunks in a single
// statement. SKIP LOCKED lets concurrent pollers pass over a row another
// transaction is claiming instead of blocking on it.
const claimQuery = `
	WITH next_job AS (
		SELECT id FROM scrape_jobs
		WHERE status = 'pending'
			AND ($5::text[] IS NULL OR (cardinality(scrapers) > 0 AND scrapers <@ $5::text[]))
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	), claimed AS (
		UPDATE scrape_jobs j
		SET status = 'running', runner_name = $1, lease_token = $2, lease_expires_at = $3, heartbeat_at = $4
		FROM next_job
		WHERE j.id = next_job.id
		RETURNING j.id, j.skus, j.scrapers, j.status, j.runner_name, j.lease_token,
			j.lease_expires_at, j.heartbeat_at, j.test_mode, j.max_workers, j.created_at,
			j.completed_at, COALESCE(j.error_message, '')
	), chunks AS (
		UPDATE scrape_job_chunks c
		SET status = 'running', runner_name = $1
		FROM claimed
		WHERE c.job_id = claimed.id
	)
	SELECT * FROM claimed;
`

// ClaimNextJob atomically claims the oldest eligible pending job.
func (s *Store) ClaimNextJob(ctx context.Context, req store.ClaimRequest) (coordinator.ScrapeJob, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, claimQuery,
		req.RunnerName,
		req.LeaseToken,
		req.LeaseExpiresAt,
		req.Now,
		req.AllowedScrapers,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return coordinator.ScrapeJob{}, false, nil
	}
	if err != nil {
		return coordinator.ScrapeJob{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (coordinator.ScrapeJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1;`, jobID))
	if err != nil {
		return coordinator.ScrapeJob{}, fmt.Errorf("get job: %w", notFound(err))
	}
	return job, nil
}

// ExtendLease renews the lease only while owner, token, and status match.
func (s *Store) ExtendLease(ctx context.Context, ext store.LeaseExtension) error {
	query := `
		UPDATE scrape_jobs
		SET lease_expires_at = $1, heartbeat_at = $2
		WHERE id = $3 AND status = 'running' AND runner_name = $4 AND lease_token = $5;
	`
	tag, err := s.pool.Exec(ctx, query, ext.ExpiresAt, ext.HeartbeatAt, ext.JobID, ext.RunnerName, ext.LeaseToken)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseConflict
	}
	return nil
}

// CompleteJob finishes a running job, clears the lease, and updates its chunks.
func (s *Store) CompleteJob(ctx context.Context, c store.JobCompletion) (coordinator.ScrapeJob, error) {
	query := `
		WITH done AS (
			UPDATE scrape_jobs
			SET status = $1, completed_at = $2, error_message = $3, lease_token = NULL, lease_expires_at = NULL
			WHERE id = $4 AND status = 'running' AND runner_name = $5 AND ($6::text = '' OR lease_token = $6)
			RETURNING ` + jobColumns + `
		), chunks AS (
			UPDATE scrape_job_chunks c SET status = $1 FROM done WHERE c.job_id = done.id
		)
		SELECT * FROM done;
	`
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		string(c.Status),
		c.CompletedAt,
		nullIfEmpty(c.ErrorMessage),
		c.JobID,
		c.RunnerName,
		c.LeaseToken,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return coordinator.ScrapeJob{}, store.ErrLeaseConflict
	}
	if err != nil {
		return coordinator.ScrapeJob{}, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

// CancelJob cancels a non-terminal job.
func (s *Store) CancelJob(ctx context.Context, jobID string, at time.Time) (coordinator.ScrapeJob, error) {
	query := `
		WITH cancelled AS (
			UPDATE scrape_jobs
			SET status = 'cancelled', completed_at = $2, lease_token = NULL, lease_expires_at = NULL
			WHERE id = $1 AND status IN ('pending', 'claimed', 'running')
			RETURNING ` + jobColumns + `
		), chunks AS (
			UPDATE scrape_job_chunks c SET status = 'cancelled' FROM cancelled WHERE c.job_id = cancelled.id
		)
		SELECT * FROM cancelled;
	`
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return coordinator.ScrapeJob{}, getErr
		}
		return coordinator.ScrapeJob{}, store.ErrStateConflict
	}
	if err != nil {
		return coordinator.ScrapeJob{}, fmt.Errorf("cancel job: %w", err)
	}
	return job, nil
}

// ReclaimExpiredLeases returns jobs with lapsed leases to pending.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	query := `
		WITH expired AS (
			UPDATE scrape_jobs
			SET status = 'pending', runner_name = NULL, lease_token = NULL, lease_expires_at = NULL, heartbeat_at = NULL
			WHERE status = 'running' AND lease_expires_at < $1
			RETURNING id
		), chunks AS (
			UPDATE scrape_job_chunks c SET status = 'pending', runner_name = NULL FROM expired WHERE c.job_id = expired.id
		)
		SELECT count(*) FROM expired;
	`
	var n int64
	if err := s.pool.QueryRow(ctx, query, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return n, nil
}
