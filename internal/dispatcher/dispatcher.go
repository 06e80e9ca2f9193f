// Package dispatcher creates scrape jobs and hands them to polling runners.
package dispatcher

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/configs"
	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/logging"
	"github.com/JakeFAU/scraper-coordinator/internal/metrics"
	"github.com/JakeFAU/scraper-coordinator/internal/policy/ratelimit"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
	"github.com/JakeFAU/scraper-coordinator/internal/telemetry"
)

// DefaultLeaseDuration is the lease granted on claim and on every heartbeat.
const DefaultLeaseDuration = 5 * time.Minute

// Repository is the storage the dispatcher needs.
type Repository interface {
	store.JobRepository
	store.RunnerRepository
}

// ConfigResolver returns the published configs runners should use.
type ConfigResolver interface {
	ResolvePublished(ctx context.Context, slugs []string) ([]configs.RunnerConfig, error)
}

type tokenGenerator interface {
	NewToken() (string, error)
}

// CreateRequest describes a batch of SKUs to scrape.
type CreateRequest struct {
	// ID is optional; test runs reuse their run ID as the job ID.
	ID       string   `json:"id,omitempty"`
	SKUs     []string `json:"skus"`
	Scrapers []string `json:"scrapers,omitempty"`
	TestMode bool     `json:"test_mode,omitempty"`
	// MaxRunners is accepted for compatibility; it does not split the batch.
	MaxRunners int `json:"max_runners,omitempty"`
	MaxWorkers int `json:"max_workers,omitempty"`
}

// CreateResult identifies the created job.
type CreateResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
}

// JobPayload is the job handed to a runner on poll.
type JobPayload struct {
	JobID          string                 `json:"job_id"`
	SKUs           []string               `json:"skus"`
	Scrapers       []string               `json:"scrapers"`
	TestMode       bool                   `json:"test_mode"`
	MaxWorkers     int                    `json:"max_workers"`
	LeaseToken     string                 `json:"lease_token"`
	LeaseExpiresAt time.Time              `json:"lease_expires_at"`
	ScraperConfigs []configs.RunnerConfig `json:"scraper_configs"`
}

// PollResult wraps the optional job.
type PollResult struct {
	Job *JobPayload `json:"job"`
}

// Options tunes the dispatcher.
type Options struct {
	LeaseDuration     time.Duration
	DefaultMaxWorkers int
}

// Dispatcher implements job creation and the poll-and-claim flow.
type Dispatcher struct {
	repo     Repository
	ids      coordinator.IDGenerator
	clock    coordinator.Clock
	resolver ConfigResolver
	limiter  *ratelimit.Limiter
	opts     Options
	logger   *zap.Logger
}

// New creates a Dispatcher. limiter may be nil to disable poll throttling.
func New(
	repo Repository,
	ids coordinator.IDGenerator,
	clock coordinator.Clock,
	resolver ConfigResolver,
	limiter *ratelimit.Limiter,
	opts Options,
	logger *zap.Logger,
) *Dispatcher {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.DefaultMaxWorkers <= 0 {
		opts.DefaultMaxWorkers = 1
	}
	return &Dispatcher{
		repo:     repo,
		ids:      ids,
		clock:    clock,
		resolver: resolver,
		limiter:  limiter,
		opts:     opts,
		logger:   logging.OrNop(logger).Named("dispatcher"),
	}
}

// CreateJob inserts one job and one chunk holding every SKU. If the chunk
// insert fails the job row is deleted again.
func (d *Dispatcher) CreateJob(ctx context.Context, req CreateRequest) (CreateResult, error) {
	skus := normalize(req.SKUs)
	if len(skus) == 0 {
		return CreateResult{}, coordinator.Validation("No SKUs provided")
	}
	jobID := req.ID
	if jobID == "" {
		id, err := d.ids.NewID()
		if err != nil {
			return CreateResult{}, coordinator.Internal("Failed to create scraping job", err)
		}
		jobID = id
	}
	chunkID, err := d.ids.NewID()
	if err != nil {
		return CreateResult{}, coordinator.Internal("Failed to create scraping job", err)
	}
	maxWorkers := req.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = d.opts.DefaultMaxWorkers
	}
	now := d.clock.Now()

	job := coordinator.ScrapeJob{
		ID:         jobID,
		SKUs:       skus,
		Scrapers:   normalize(req.Scrapers),
		Status:     coordinator.JobStatusPending,
		TestMode:   req.TestMode,
		MaxWorkers: maxWorkers,
		CreatedAt:  now,
	}
	if err := d.repo.InsertJob(ctx, job); err != nil {
		d.logger.Error("insert job failed", zap.String("job_id", jobID), zap.Error(err))
		return CreateResult{}, coordinator.Internal("Failed to create scraping job", err)
	}

	chunk := coordinator.ScrapeJobChunk{
		ID:         chunkID,
		JobID:      jobID,
		ChunkIndex: 0,
		SKUs:       skus,
		Status:     coordinator.JobStatusPending,
		CreatedAt:  now,
	}
	if err := d.repo.InsertChunk(ctx, chunk); err != nil {
		d.logger.Error("insert chunk failed; deleting job", zap.String("job_id", jobID), zap.Error(err))
		if delErr := d.repo.DeleteJob(ctx, jobID); delErr != nil {
			d.logger.Error("compensating job delete failed", zap.String("job_id", jobID), zap.Error(delErr))
		}
		return CreateResult{}, coordinator.Internal("Failed to create scraping job", err)
	}

	metrics.ObserveJobCreated()
	d.logger.Info("scrape job created",
		zap.String("job_id", jobID),
		zap.Int("skus", len(skus)),
		zap.Strings("scrapers", job.Scrapers),
		zap.Bool("test_mode", req.TestMode),
	)
	return CreateResult{Success: true, JobID: jobID}, nil
}

// Poll claims at most one job for the runner.
func (d *Dispatcher) Poll(ctx context.Context, identity coordinator.RunnerIdentity) (PollResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatcher.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", identity.RunnerName))

	if !d.limiter.Allow(identity.RunnerName) {
		metrics.ObserveClaim("rate_limited")
		return PollResult{}, coordinator.RateLimited("Polling too frequently")
	}

	now := d.clock.Now()
	if err := d.repo.TouchRunner(ctx, store.RunnerUpdate{
		Name:      identity.RunnerName,
		WorkState: coordinator.WorkStatePolling,
		SeenAt:    now,
	}); err != nil {
		return PollResult{}, coordinator.Internal("failed to record runner poll", err)
	}

	allowed, err := d.allowedScrapers(ctx, identity.RunnerName)
	if err != nil {
		return PollResult{}, err
	}

	token, err := d.newLeaseToken()
	if err != nil {
		return PollResult{}, coordinator.Internal("failed to issue lease", err)
	}
	expires := now.Add(d.opts.LeaseDuration)
	job, ok, err := d.repo.ClaimNextJob(ctx, store.ClaimRequest{
		RunnerName:      identity.RunnerName,
		LeaseToken:      token,
		LeaseExpiresAt:  expires,
		Now:             now,
		AllowedScrapers: allowed,
	})
	if err != nil {
		span.SetStatus(codes.Error, "claim failed")
		return PollResult{}, coordinator.Internal("failed to claim job", err)
	}
	if !ok {
		metrics.ObserveClaim("empty")
		return PollResult{}, nil
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	if len(job.SKUs) == 0 {
		d.failJob(ctx, job, "Job has no SKUs configured")
		return PollResult{}, coordinator.Validation("Job has no SKUs configured")
	}

	resolved, err := d.resolver.ResolvePublished(ctx, job.Scrapers)
	if err != nil {
		return PollResult{}, err
	}

	jobID := job.ID
	if err := d.repo.TouchRunner(ctx, store.RunnerUpdate{
		Name:         identity.RunnerName,
		WorkState:    coordinator.WorkStateBusy,
		SeenAt:       now,
		CurrentJobID: &jobID,
	}); err != nil {
		d.logger.Warn("record runner claim failed", zap.String("runner", identity.RunnerName), zap.Error(err))
	}

	metrics.ObserveClaim("claimed")
	d.logger.Info("job claimed",
		zap.String("job_id", job.ID),
		zap.String("runner", identity.RunnerName),
		zap.Time("lease_expires_at", expires),
	)
	scrapers := job.Scrapers
	if scrapers == nil {
		scrapers = []string{}
	}
	return PollResult{Job: &JobPayload{
		JobID:          job.ID,
		SKUs:           job.SKUs,
		Scrapers:       scrapers,
		TestMode:       job.TestMode,
		MaxWorkers:     job.MaxWorkers,
		LeaseToken:     job.LeaseToken,
		LeaseExpiresAt: expires,
		ScraperConfigs: resolved,
	}}, nil
}

// Get loads one job.
func (d *Dispatcher) Get(ctx context.Context, jobID string) (coordinator.ScrapeJob, error) {
	job, err := d.repo.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return coordinator.ScrapeJob{}, coordinator.NotFound("Job not found")
	}
	if err != nil {
		return coordinator.ScrapeJob{}, coordinator.Internal("failed to load job", err)
	}
	return job, nil
}

func (d *Dispatcher) allowedScrapers(ctx context.Context, runnerName string) ([]string, error) {
	runner, err := d.repo.GetRunner(ctx, runnerName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, coordinator.Internal("failed to load runner", err)
	}
	if len(runner.AllowedScrapers) == 0 {
		return nil, nil
	}
	return runner.AllowedScrapers, nil
}

func (d *Dispatcher) failJob(ctx context.Context, job coordinator.ScrapeJob, reason string) {
	_, err := d.repo.CompleteJob(ctx, store.JobCompletion{
		JobID:        job.ID,
		RunnerName:   job.RunnerName,
		LeaseToken:   job.LeaseToken,
		Status:       coordinator.JobStatusFailed,
		ErrorMessage: reason,
		CompletedAt:  d.clock.Now(),
	})
	if err != nil {
		d.logger.Warn("fail empty job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJobFinished(string(coordinator.JobStatusFailed))
}

func (d *Dispatcher) newLeaseToken() (string, error) {
	if tg, ok := d.ids.(tokenGenerator); ok {
		return tg.NewToken()
	}
	return d.ids.NewID()
}

func normalize(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
