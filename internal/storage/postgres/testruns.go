package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

const testRunColumns = `id, scraper_id, status, results, skus_tested, passed_count, failed_count,
	error_message, duration_ms, started_at, completed_at, runner_id, triggered_by`

func scanTestRun(row rowScanner) (coordinator.ScraperTestRun, error) {
	var (
		run     coordinator.ScraperTestRun
		status  string
		results []byte
	)
	err := row.Scan(
		&run.ID,
		&run.ScraperID,
		&status,
		&results,
		&run.SKUsTested,
		&run.PassedCount,
		&run.FailedCount,
		&run.ErrorMessage,
		&run.DurationMS,
		&run.StartedAt,
		&run.CompletedAt,
		&run.RunnerID,
		&run.TriggeredBy,
	)
	if err != nil {
		return coordinator.ScraperTestRun{}, err
	}
	run.Status = coordinator.TestRunStatus(status)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &run.Results); err != nil {
			return coordinator.ScraperTestRun{}, fmt.Errorf("decode test run results: %w", err)
		}
	}
	return run, nil
}

func marshalResults(results []coordinator.SKUResult) ([]byte, error) {
	if results == nil {
		results = []coordinator.SKUResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("marshal test run results: %w", err)
	}
	return data, nil
}

// CreateTestRun inserts a test run row.
func (s *Store) CreateTestRun(ctx context.Context, run coordinator.ScraperTestRun) error {
	results, err := marshalResults(run.Results)
	if err != nil {
		return err
	}
	skus := run.SKUsTested
	if skus == nil {
		skus = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scraper_test_runs (id, scraper_id, status, results, skus_tested, started_at, triggered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		run.ID, run.ScraperID, string(run.Status), results, skus, run.StartedAt, run.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("insert test run: %w", err)
	}
	return nil
}

// GetTestRun loads a test run.
func (s *Store) GetTestRun(ctx context.Context, runID string) (coordinator.ScraperTestRun, error) {
	run, err := scanTestRun(s.pool.QueryRow(ctx,
		`SELECT `+testRunColumns+` FROM scraper_test_runs WHERE id = $1;`, runID))
	if err != nil {
		return coordinator.ScraperTestRun{}, fmt.Errorf("get test run: %w", notFound(err))
	}
	return run, nil
}

// CompleteTestRun writes the terminal fields of a run.
func (s *Store) CompleteTestRun(ctx context.Context, run coordinator.ScraperTestRun) error {
	results, err := marshalResults(run.Results)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scraper_test_runs
		SET status = $1, results = $2, passed_count = $3, failed_count = $4, error_message = $5,
			duration_ms = $6, completed_at = $7, runner_id = $8
		WHERE id = $9;`,
		string(run.Status),
		results,
		run.PassedCount,
		run.FailedCount,
		run.ErrorMessage,
		run.DurationMS,
		run.CompletedAt,
		run.RunnerID,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("complete test run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecentTestRuns returns up to limit runs newest first.
func (s *Store) RecentTestRuns(ctx context.Context, scraperID string, limit int) ([]coordinator.ScraperTestRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+testRunColumns+` FROM scraper_test_runs
		WHERE scraper_id = $1 ORDER BY started_at DESC LIMIT $2;`, scraperID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent test runs: %w", err)
	}
	defer rows.Close()

	var out []coordinator.ScraperTestRun
	for rows.Next() {
		run, err := scanTestRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate test runs: %w", err)
	}
	return out, nil
}

// SaveHealth stores the rolling health on the scraper config row.
func (s *Store) SaveHealth(ctx context.Context, h coordinator.ScraperHealth) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scraper_configs SET health_score = $1, health_status = $2, last_test_at = $3 WHERE id = $4;`,
		h.HealthScore, string(h.HealthStatus), h.LastTestAt, h.ScraperID,
	)
	if err != nil {
		return fmt.Errorf("save scraper health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetHealth loads the stored health of a scraper.
func (s *Store) GetHealth(ctx context.Context, scraperID string) (coordinator.ScraperHealth, error) {
	var (
		h      coordinator.ScraperHealth
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, health_score, health_status, last_test_at FROM scraper_configs WHERE id = $1;`, scraperID,
	).Scan(&h.ScraperID, &h.HealthScore, &status, &h.LastTestAt)
	if err != nil {
		return coordinator.ScraperHealth{}, fmt.Errorf("get scraper health: %w", notFound(err))
	}
	h.HealthStatus = coordinator.HealthStatus(status)
	return h, nil
}
