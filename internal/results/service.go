// Package results ingests runner callbacks for scraper test runs and keeps
// each scraper's rolling health score current.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/configs"
	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/dispatcher"
	"github.com/JakeFAU/scraper-coordinator/internal/logging"
	"github.com/JakeFAU/scraper-coordinator/internal/metrics"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

// Repository is the storage the results service needs.
type Repository interface {
	store.TestRunRepository
	store.JobRepository
	store.RunnerRepository
}

// KeyAuthenticator resolves runner API keys.
type KeyAuthenticator interface {
	RequireAPIKey(ctx context.Context, key string) (coordinator.RunnerIdentity, error)
}

// ScraperLookup loads scraper configs and their published test SKUs.
type ScraperLookup interface {
	Get(ctx context.Context, configID string) (configs.ConfigView, error)
	PublishedTestSKUs(ctx context.Context, configID string) ([]string, error)
}

// JobCreator enqueues the scrape job backing a test run.
type JobCreator interface {
	CreateJob(ctx context.Context, req dispatcher.CreateRequest) (dispatcher.CreateResult, error)
}

// Payload is the callback body a runner posts when a test job finishes.
type Payload struct {
	JobID        string                  `json:"job_id"`
	Status       string                  `json:"status"`
	Results      []coordinator.SKUResult `json:"results"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	DurationMS   int64                   `json:"duration_ms,omitempty"`
}

// Ack is returned to the runner.
type Ack struct {
	Success     bool                      `json:"success"`
	TestRunID   string                    `json:"test_run_id"`
	FinalStatus coordinator.TestRunStatus `json:"final_status"`
}

// CompletedEvent is published on coordinator.TopicTestRunCompleted.
type CompletedEvent struct {
	TestRunID    string                    `json:"test_run_id"`
	ScraperID    string                    `json:"scraper_id"`
	Status       coordinator.TestRunStatus `json:"status"`
	PassedCount  int                       `json:"passed_count"`
	FailedCount  int                       `json:"failed_count"`
	HealthScore  int                       `json:"health_score"`
	HealthStatus coordinator.HealthStatus  `json:"health_status"`
	RunnerName   string                    `json:"runner_name"`
}

// Deps groups the collaborators of Service. Blobs and Publisher are optional.
type Deps struct {
	Repo      Repository
	Auth      KeyAuthenticator
	Scrapers  ScraperLookup
	Jobs      JobCreator
	IDs       coordinator.IDGenerator
	Clock     coordinator.Clock
	Blobs     coordinator.BlobStore
	Publisher coordinator.Publisher
	Logger    *zap.Logger
}

// Service implements test run creation and callback ingestion.
type Service struct {
	repo      Repository
	auth      KeyAuthenticator
	scrapers  ScraperLookup
	jobs      JobCreator
	ids       coordinator.IDGenerator
	clock     coordinator.Clock
	blobs     coordinator.BlobStore
	publisher coordinator.Publisher
	logger    *zap.Logger
}

// NewService wires a Service.
func NewService(d Deps) *Service {
	return &Service{
		repo:      d.Repo,
		auth:      d.Auth,
		scrapers:  d.Scrapers,
		jobs:      d.Jobs,
		ids:       d.IDs,
		clock:     d.Clock,
		blobs:     d.Blobs,
		publisher: d.Publisher,
		logger:    logging.OrNop(d.Logger).Named("results"),
	}
}

// StartTestRun creates a pending test run and the test-mode scrape job that
// executes it. Both share one ID so the runner's callback can name either.
// With no SKUs given, the published config's test SKUs are used.
func (s *Service) StartTestRun(
	ctx context.Context,
	scraperID string,
	skus []string,
	actor string,
) (coordinator.ScraperTestRun, error) {
	view, err := s.scrapers.Get(ctx, scraperID)
	if err != nil {
		return coordinator.ScraperTestRun{}, err
	}
	if len(skus) == 0 {
		skus, err = s.scrapers.PublishedTestSKUs(ctx, scraperID)
		if err != nil {
			return coordinator.ScraperTestRun{}, err
		}
	}
	if len(skus) == 0 {
		return coordinator.ScraperTestRun{}, coordinator.Validation("No test SKUs configured for this scraper")
	}

	runID, err := s.ids.NewID()
	if err != nil {
		return coordinator.ScraperTestRun{}, coordinator.Internal("failed to start test run", err)
	}
	run := coordinator.ScraperTestRun{
		ID:          runID,
		ScraperID:   view.ID,
		Status:      coordinator.TestRunPending,
		SKUsTested:  skus,
		StartedAt:   s.clock.Now(),
		TriggeredBy: actor,
	}
	if err := s.repo.CreateTestRun(ctx, run); err != nil {
		return coordinator.ScraperTestRun{}, coordinator.Internal("failed to start test run", err)
	}

	if _, err := s.jobs.CreateJob(ctx, dispatcher.CreateRequest{
		ID:       runID,
		SKUs:     skus,
		Scrapers: []string{view.Slug},
		TestMode: true,
	}); err != nil {
		now := s.clock.Now()
		run.Status = coordinator.TestRunFailed
		run.ErrorMessage = "failed to enqueue test job"
		run.CompletedAt = &now
		if markErr := s.repo.CompleteTestRun(ctx, run); markErr != nil {
			s.logger.Error("mark test run failed", zap.String("test_run_id", runID), zap.Error(markErr))
		}
		return coordinator.ScraperTestRun{}, err
	}

	s.logger.Info("test run started",
		zap.String("test_run_id", runID),
		zap.String("scraper", view.Slug),
		zap.Int("skus", len(skus)),
	)
	return run, nil
}

// Get loads a test run.
func (s *Service) Get(ctx context.Context, runID string) (coordinator.ScraperTestRun, error) {
	run, err := s.repo.GetTestRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return coordinator.ScraperTestRun{}, coordinator.NotFound("Test run not found")
	}
	if err != nil {
		return coordinator.ScraperTestRun{}, coordinator.Internal("failed to load test run", err)
	}
	return run, nil
}

// Authenticate resolves the runner behind a callback. Only runner API keys
// are accepted.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (coordinator.RunnerIdentity, error) {
	return s.auth.RequireAPIKey(ctx, apiKey)
}

// Callback records a runner's results for a test run and recomputes the
// scraper's health. identity must come from Authenticate.
func (s *Service) Callback(ctx context.Context, identity coordinator.RunnerIdentity, p Payload) (Ack, error) {
	if strings.TrimSpace(p.JobID) == "" {
		return Ack{}, coordinator.Validation("job_id is required")
	}
	run, err := s.Get(ctx, p.JobID)
	if err != nil {
		return Ack{}, err
	}

	now := s.clock.Now()
	final := FinalStatus(p.Status, p.Results)
	passed := 0
	for _, r := range p.Results {
		if r.IsClean() {
			passed++
		}
	}

	run.Status = final
	run.Results = p.Results
	run.PassedCount = passed
	run.FailedCount = len(p.Results) - passed
	run.ErrorMessage = p.ErrorMessage
	run.DurationMS = p.DurationMS
	run.CompletedAt = &now
	run.RunnerID = identity.RunnerName
	if err := s.repo.CompleteTestRun(ctx, run); err != nil {
		return Ack{}, coordinator.Internal("failed to record test results", err)
	}
	metrics.ObserveTestRun(string(final))

	s.archive(ctx, run.ScraperID, run.ID, p)

	health, err := s.recomputeHealth(ctx, run.ScraperID, now)
	if err != nil {
		return Ack{}, err
	}

	s.finishJob(ctx, identity.RunnerName, run.ID, final, p.ErrorMessage, now)

	idle := ""
	if err := s.repo.TouchRunner(ctx, store.RunnerUpdate{
		Name:         identity.RunnerName,
		WorkState:    coordinator.WorkStateIdle,
		SeenAt:       now,
		CurrentJobID: &idle,
	}); err != nil {
		s.logger.Warn("record runner online failed", zap.String("runner", identity.RunnerName), zap.Error(err))
	}

	s.emit(ctx, CompletedEvent{
		TestRunID:    run.ID,
		ScraperID:    run.ScraperID,
		Status:       final,
		PassedCount:  run.PassedCount,
		FailedCount:  run.FailedCount,
		HealthScore:  health.HealthScore,
		HealthStatus: health.HealthStatus,
		RunnerName:   identity.RunnerName,
	})

	s.logger.Info("test run completed",
		zap.String("test_run_id", run.ID),
		zap.String("scraper_id", run.ScraperID),
		zap.String("status", string(final)),
		zap.Int("health_score", health.HealthScore),
	)
	return Ack{Success: true, TestRunID: run.ID, FinalStatus: final}, nil
}

func (s *Service) recomputeHealth(ctx context.Context, scraperID string, at time.Time) (coordinator.ScraperHealth, error) {
	recent, err := s.repo.RecentTestRuns(ctx, scraperID, HealthWindow)
	if err != nil {
		return coordinator.ScraperHealth{}, coordinator.Internal("failed to load recent test runs", err)
	}
	score, status := Score(recent)
	health := coordinator.ScraperHealth{
		ScraperID:    scraperID,
		HealthScore:  score,
		HealthStatus: status,
		LastTestAt:   &at,
	}
	if err := s.repo.SaveHealth(ctx, health); err != nil {
		return coordinator.ScraperHealth{}, coordinator.Internal("failed to save scraper health", err)
	}
	metrics.SetScraperHealth(scraperID, score)
	return health, nil
}

// finishJob completes the scrape job sharing the run's ID. The job may have
// been reclaimed or never existed, so failures are only logged.
func (s *Service) finishJob(
	ctx context.Context,
	runner, jobID string,
	final coordinator.TestRunStatus,
	msg string,
	at time.Time,
) {
	status := coordinator.JobStatusCompleted
	if final == coordinator.TestRunFailed {
		status = coordinator.JobStatusFailed
	}
	_, err := s.repo.CompleteJob(ctx, store.JobCompletion{
		JobID:        jobID,
		RunnerName:   runner,
		Status:       status,
		ErrorMessage: msg,
		CompletedAt:  at,
	})
	if err != nil {
		s.logger.Debug("test job not completed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.ObserveJobFinished(string(status))
}

func (s *Service) archive(ctx context.Context, scraperID, runID string, p Payload) {
	if s.blobs == nil {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		s.logger.Warn("encode callback for archive", zap.String("test_run_id", runID), zap.Error(err))
		return
	}
	path := fmt.Sprintf("callbacks/%s/%s.json", scraperID, runID)
	uri, err := s.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("archive callback failed", zap.String("test_run_id", runID), zap.Error(err))
		return
	}
	s.logger.Debug("callback archived", zap.String("test_run_id", runID), zap.String("uri", uri))
}

func (s *Service) emit(ctx context.Context, ev CompletedEvent) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, coordinator.TopicTestRunCompleted, ev); err != nil {
		s.logger.Warn("publish test run event failed", zap.String("test_run_id", ev.TestRunID), zap.Error(err))
	}
}
