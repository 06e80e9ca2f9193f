package auth

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/logging"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

var runnerNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

// RegisterRequest describes a runner to register or re-key.
type RegisterRequest struct {
	Name            string         `json:"name"`
	AllowedScrapers []string       `json:"allowed_scrapers,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Registration is returned once; APIKey is never retrievable again.
type Registration struct {
	Runner coordinator.Runner `json:"runner"`
	APIKey string             `json:"api_key"`
}

// RunnerView is a runner with its derived liveness.
type RunnerView struct {
	coordinator.Runner
	Status coordinator.RunnerStatus `json:"status"`
}

// PollBuckets releases per-runner poll throttling state.
type PollBuckets interface {
	Forget(key string)
}

// Registry manages runner registrations.
type Registry struct {
	runners    store.RunnerRepository
	clock      coordinator.Clock
	staleAfter time.Duration
	buckets    PollBuckets
	logger     *zap.Logger
}

// NewRegistry builds a registry.
func NewRegistry(
	runners store.RunnerRepository,
	clock coordinator.Clock,
	staleAfter time.Duration,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		runners:    runners,
		clock:      clock,
		staleAfter: staleAfter,
		logger:     logging.OrNop(logger).Named("registry"),
	}
}

// WithPollBuckets makes Revoke release the runner's poll bucket.
func (r *Registry) WithPollBuckets(b PollBuckets) *Registry {
	r.buckets = b
	return r
}

// Register upserts the runner with a fresh key. Re-registering an existing
// name rotates its key and clears any revocation.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	if !runnerNamePattern.MatchString(req.Name) {
		return Registration{}, coordinator.Validation("runner name must be lowercase alphanumeric with . _ - (max 63)")
	}
	key, err := GenerateAPIKey()
	if err != nil {
		return Registration{}, coordinator.Internal("failed to generate api key", err)
	}
	runner := coordinator.Runner{
		Name:            req.Name,
		APIKeyHash:      key.Hash,
		KeyPrefix:       key.Prefix,
		WorkState:       coordinator.WorkStateIdle,
		AllowedScrapers: req.AllowedScrapers,
		Metadata:        req.Metadata,
		CreatedAt:       r.clock.Now(),
	}
	if err := r.runners.UpsertRunner(ctx, runner); err != nil {
		return Registration{}, coordinator.Internal("failed to register runner", err)
	}
	r.logger.Info("runner registered", zap.String("runner", req.Name), zap.String("key_prefix", key.Prefix))
	stored, err := r.runners.GetRunner(ctx, req.Name)
	if err != nil {
		stored = runner
	}
	return Registration{Runner: stored, APIKey: key.Key}, nil
}

// Revoke disables a runner's key.
func (r *Registry) Revoke(ctx context.Context, name string) error {
	err := r.runners.RevokeRunner(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return coordinator.NotFound("Runner not found")
	}
	if err != nil {
		return coordinator.Internal("failed to revoke runner", err)
	}
	if r.buckets != nil {
		r.buckets.Forget(name)
	}
	r.logger.Info("runner revoked", zap.String("runner", name))
	return nil
}

// List returns every runner with derived liveness.
func (r *Registry) List(ctx context.Context) ([]RunnerView, error) {
	runners, err := r.runners.ListRunners(ctx)
	if err != nil {
		return nil, coordinator.Internal("failed to list runners", err)
	}
	now := r.clock.Now()
	out := make([]RunnerView, 0, len(runners))
	for _, runner := range runners {
		out = append(out, RunnerView{Runner: runner, Status: runner.Status(now, r.staleAfter)})
	}
	return out, nil
}
