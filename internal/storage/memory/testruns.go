package memory

import (
	"context"
	"errors"
	"slices"
	"sort"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

// CreateTestRun stores a new test run.
func (s *Store) CreateTestRun(_ context.Context, run coordinator.ScraperTestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.testRuns[run.ID]; ok {
		return errors.New("test run already exists")
	}
	s.testRuns[run.ID] = copyRun(run)
	return nil
}

// GetTestRun loads a test run.
func (s *Store) GetTestRun(_ context.Context, runID string) (coordinator.ScraperTestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.testRuns[runID]
	if !ok {
		return coordinator.ScraperTestRun{}, store.ErrNotFound
	}
	return copyRun(run), nil
}

// CompleteTestRun overwrites the terminal fields of a run.
func (s *Store) CompleteTestRun(_ context.Context, run coordinator.ScraperTestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.testRuns[run.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Status = run.Status
	existing.Results = slices.Clone(run.Results)
	existing.PassedCount = run.PassedCount
	existing.FailedCount = run.FailedCount
	existing.ErrorMessage = run.ErrorMessage
	existing.DurationMS = run.DurationMS
	existing.CompletedAt = run.CompletedAt
	existing.RunnerID = run.RunnerID
	s.testRuns[run.ID] = existing
	return nil
}

// RecentTestRuns returns the newest runs of a scraper.
func (s *Store) RecentTestRuns(_ context.Context, scraperID string, limit int) ([]coordinator.ScraperTestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []coordinator.ScraperTestRun
	for _, run := range s.testRuns {
		if run.ScraperID == scraperID {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveHealth stores the rolling health of a scraper.
func (s *Store) SaveHealth(_ context.Context, health coordinator.ScraperHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[health.ScraperID]; !ok {
		return store.ErrNotFound
	}
	s.health[health.ScraperID] = health
	return nil
}

// GetHealth returns stored health, or unknown when none was computed yet.
func (s *Store) GetHealth(_ context.Context, scraperID string) (coordinator.ScraperHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.configs[scraperID]; !ok {
		return coordinator.ScraperHealth{}, store.ErrNotFound
	}
	h, ok := s.health[scraperID]
	if !ok {
		return coordinator.ScraperHealth{ScraperID: scraperID, HealthStatus: coordinator.HealthUnknown}, nil
	}
	return h, nil
}

func copyRun(run coordinator.ScraperTestRun) coordinator.ScraperTestRun {
	run.Results = slices.Clone(run.Results)
	run.SKUsTested = cloneStrings(run.SKUsTested)
	return run
}
