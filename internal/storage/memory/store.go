package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store with maps guarded by a single mutex, so every
// method is atomic with respect to the others.
type Store struct {
	mu sync.RWMutex

	runners map[string]coordinator.Runner

	jobs     map[string]coordinator.ScrapeJob
	jobOrder []string
	chunks   map[string]coordinator.ScrapeJobChunk

	configs  map[string]coordinator.ScraperConfig
	versions map[string]coordinator.ConfigVersion

	testRuns map[string]coordinator.ScraperTestRun
	health   map[string]coordinator.ScraperHealth

	// Fault injection hooks for tests.
	FailInsertChunk error
	FailInsertJob   error
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		runners:  make(map[string]coordinator.Runner),
		jobs:     make(map[string]coordinator.ScrapeJob),
		chunks:   make(map[string]coordinator.ScrapeJobChunk),
		configs:  make(map[string]coordinator.ScraperConfig),
		versions: make(map[string]coordinator.ConfigVersion),
		testRuns: make(map[string]coordinator.ScraperTestRun),
		health:   make(map[string]coordinator.ScraperHealth),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	return append([]string(nil), src...)
}

func ptr[T any](v T) *T {
	out := v
	return &out
}
