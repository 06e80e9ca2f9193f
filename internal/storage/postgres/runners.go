package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

const runnerColumns = `name, COALESCE(api_key_hash, ''), key_prefix, work_state, revoked, last_seen_at,
	current_job_id, jobs_completed, memory_usage_mb, allowed_scrapers, metadata, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunner(row rowScanner) (coordinator.Runner, error) {
	var (
		r         coordinator.Runner
		workState string
		metadata  []byte
	)
	err := row.Scan(
		&r.Name,
		&r.APIKeyHash,
		&r.KeyPrefix,
		&workState,
		&r.Revoked,
		&r.LastSeenAt,
		&r.CurrentJobID,
		&r.JobsCompleted,
		&r.MemoryUsageMB,
		&r.AllowedScrapers,
		&metadata,
		&r.CreatedAt,
	)
	if err != nil {
		return coordinator.Runner{}, err
	}
	r.WorkState = coordinator.WorkState(workState)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return coordinator.Runner{}, fmt.Errorf("decode runner metadata: %w", err)
		}
	}
	return r, nil
}

// UpsertRunner inserts a runner or rotates its key.
func (s *Store) UpsertRunner(ctx context.Context, runner coordinator.Runner) error {
	metadata, err := json.Marshal(runner.Metadata)
	if err != nil {
		return fmt.Errorf("marshal runner metadata: %w", err)
	}
	if runner.Metadata == nil {
		metadata = []byte(`{}`)
	}
	query := `
		INSERT INTO scraper_runners (name, api_key_hash, key_prefix, allowed_scrapers, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET api_key_hash = EXCLUDED.api_key_hash,
			key_prefix = EXCLUDED.key_prefix,
			allowed_scrapers = EXCLUDED.allowed_scrapers,
			metadata = EXCLUDED.metadata,
			revoked = FALSE;
	`
	_, err = s.pool.Exec(ctx, query,
		runner.Name,
		nullIfEmpty(runner.APIKeyHash),
		runner.KeyPrefix,
		runner.AllowedScrapers,
		metadata,
		runner.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert runner: %w", err)
	}
	return nil
}

// FindRunnerByKeyHash looks up a non-revoked runner by key hash.
func (s *Store) FindRunnerByKeyHash(ctx context.Context, hash string) (coordinator.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM scraper_runners WHERE api_key_hash = $1 AND NOT revoked;`
	r, err := scanRunner(s.pool.QueryRow(ctx, query, hash))
	if err != nil {
		return coordinator.Runner{}, fmt.Errorf("find runner by key: %w", notFound(err))
	}
	return r, nil
}

// GetRunner loads one runner.
func (s *Store) GetRunner(ctx context.Context, name string) (coordinator.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM scraper_runners WHERE name = $1;`
	r, err := scanRunner(s.pool.QueryRow(ctx, query, name))
	if err != nil {
		return coordinator.Runner{}, fmt.Errorf("get runner: %w", notFound(err))
	}
	return r, nil
}

// TouchRunner records liveness, creating a keyless row when needed.
func (s *Store) TouchRunner(ctx context.Context, u store.RunnerUpdate) error {
	query := `
		INSERT INTO scraper_runners (name, work_state, last_seen_at, current_job_id, jobs_completed, memory_usage_mb, created_at)
		VALUES ($1, $2, $3, COALESCE($4::text, ''), COALESCE($5::integer, 0), COALESCE($6::double precision, 0), $3)
		ON CONFLICT (name) DO UPDATE
		SET work_state = EXCLUDED.work_state,
			last_seen_at = EXCLUDED.last_seen_at,
			current_job_id = COALESCE($4::text, scraper_runners.current_job_id),
			jobs_completed = COALESCE($5::integer, scraper_runners.jobs_completed),
			memory_usage_mb = COALESCE($6::double precision, scraper_runners.memory_usage_mb);
	`
	_, err := s.pool.Exec(ctx, query,
		u.Name,
		string(u.WorkState),
		u.SeenAt,
		u.CurrentJobID,
		u.JobsCompleted,
		u.MemoryUsageMB,
	)
	if err != nil {
		return fmt.Errorf("touch runner: %w", err)
	}
	return nil
}

// ListRunners returns all runners ordered by name.
func (s *Store) ListRunners(ctx context.Context) ([]coordinator.Runner, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runnerColumns+` FROM scraper_runners ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var out []coordinator.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runners: %w", err)
	}
	return out, nil
}

// RevokeRunner disables a runner's key.
func (s *Store) RevokeRunner(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scraper_runners SET revoked = TRUE WHERE name = $1;`, name)
	if err != nil {
		return fmt.Errorf("revoke runner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
