package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

// UpsertRunner inserts or re-keys a runner.
func (s *Store) UpsertRunner(_ context.Context, runner coordinator.Runner) error {
	if runner.Name == "" {
		return fmt.Errorf("runner name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runners[runner.Name]
	if ok {
		existing.APIKeyHash = runner.APIKeyHash
		existing.KeyPrefix = runner.KeyPrefix
		existing.AllowedScrapers = cloneStrings(runner.AllowedScrapers)
		existing.Metadata = maps.Clone(runner.Metadata)
		existing.Revoked = false
		s.runners[runner.Name] = existing
		return nil
	}
	runner.AllowedScrapers = cloneStrings(runner.AllowedScrapers)
	runner.Metadata = maps.Clone(runner.Metadata)
	runner.Revoked = false
	if runner.WorkState == "" {
		runner.WorkState = coordinator.WorkStateIdle
	}
	s.runners[runner.Name] = runner
	return nil
}

// FindRunnerByKeyHash scans for a non-revoked runner with the given hash.
func (s *Store) FindRunnerByKeyHash(_ context.Context, hash string) (coordinator.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runners {
		if r.APIKeyHash != "" && r.APIKeyHash == hash && !r.Revoked {
			return copyRunner(r), nil
		}
	}
	return coordinator.Runner{}, store.ErrNotFound
}

// GetRunner loads one runner by name.
func (s *Store) GetRunner(_ context.Context, name string) (coordinator.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[name]
	if !ok {
		return coordinator.Runner{}, store.ErrNotFound
	}
	return copyRunner(r), nil
}

// TouchRunner records liveness, creating the runner when needed.
func (s *Store) TouchRunner(_ context.Context, update store.RunnerUpdate) error {
	if update.Name == "" {
		return fmt.Errorf("runner name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[update.Name]
	if !ok {
		r = coordinator.Runner{Name: update.Name, CreatedAt: update.SeenAt}
	}
	r.WorkState = update.WorkState
	r.LastSeenAt = ptr(update.SeenAt)
	if update.CurrentJobID != nil {
		r.CurrentJobID = *update.CurrentJobID
	}
	if update.JobsCompleted != nil {
		r.JobsCompleted = *update.JobsCompleted
	}
	if update.MemoryUsageMB != nil {
		r.MemoryUsageMB = *update.MemoryUsageMB
	}
	s.runners[update.Name] = r
	return nil
}

// ListRunners returns all runners ordered by name.
func (s *Store) ListRunners(context.Context) ([]coordinator.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coordinator.Runner, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, copyRunner(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RevokeRunner marks the runner revoked.
func (s *Store) RevokeRunner(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[name]
	if !ok {
		return store.ErrNotFound
	}
	r.Revoked = true
	s.runners[name] = r
	return nil
}

func copyRunner(r coordinator.Runner) coordinator.Runner {
	r.AllowedScrapers = cloneStrings(r.AllowedScrapers)
	r.Metadata = maps.Clone(r.Metadata)
	if r.LastSeenAt != nil {
		r.LastSeenAt = ptr(*r.LastSeenAt)
	}
	return r
}
