package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLeaseConflict signals that a conditional job update matched no row
	// because the owner, lease token, or status changed underneath the caller.
	ErrLeaseConflict = errors.New("lease conflict")
	// ErrStateConflict signals that a record was not in the lifecycle state the
	// write required.
	ErrStateConflict = errors.New("state conflict")
)

// RunnerUpdate carries the liveness fields written by poll, heartbeat, and
// callback. Nil pointers leave the stored value unchanged.
type RunnerUpdate struct {
	Name          string
	WorkState     coordinator.WorkState
	SeenAt        time.Time
	CurrentJobID  *string
	JobsCompleted *int
	MemoryUsageMB *float64
}

// RunnerRepository persists runner registrations and liveness.
type RunnerRepository interface {
	// UpsertRunner inserts the runner or replaces its key hash, prefix, allowed
	// scrapers, and metadata. Registration always clears the revoked flag.
	UpsertRunner(ctx context.Context, runner coordinator.Runner) error
	// FindRunnerByKeyHash returns the non-revoked runner holding hash or ErrNotFound.
	FindRunnerByKeyHash(ctx context.Context, hash string) (coordinator.Runner, error)
	// GetRunner loads one runner by name or returns ErrNotFound.
	GetRunner(ctx context.Context, name string) (coordinator.Runner, error)
	// TouchRunner records liveness, creating a keyless row for runners that
	// authenticate through sessions.
	TouchRunner(ctx context.Context, update RunnerUpdate) error
	// ListRunners returns every runner ordered by name.
	ListRunners(ctx context.Context) ([]coordinator.Runner, error)
	// RevokeRunner disables the runner's key or returns ErrNotFound.
	RevokeRunner(ctx context.Context, name string) error
}

// ClaimRequest describes one atomic claim attempt.
type ClaimRequest struct {
	RunnerName     string
	LeaseToken     string
	LeaseExpiresAt time.Time
	Now            time.Time
	// AllowedScrapers restricts claimable jobs to those whose scraper filter is
	// a non-empty subset. Nil means unrestricted.
	AllowedScrapers []string
}

// LeaseExtension renews a lease held by RunnerName with LeaseToken.
type LeaseExtension struct {
	JobID       string
	RunnerName  string
	LeaseToken  string
	HeartbeatAt time.Time
	ExpiresAt   time.Time
}

// JobCompletion finishes a running job owned by RunnerName. An empty
// LeaseToken skips the token comparison (used by result callbacks).
type JobCompletion struct {
	JobID        string
	RunnerName   string
	LeaseToken   string
	Status       coordinator.JobStatus
	ErrorMessage string
	CompletedAt  time.Time
}

// JobRepository persists scrape jobs and their chunks.
type JobRepository interface {
	InsertJob(ctx context.Context, job coordinator.ScrapeJob) error
	InsertChunk(ctx context.Context, chunk coordinator.ScrapeJobChunk) error
	// DeleteJob removes a job row; used only to compensate a failed chunk insert.
	DeleteJob(ctx context.Context, jobID string) error
	// ClaimNextJob atomically moves the oldest eligible pending job to running
	// and assigns the lease. The bool is false when nothing was claimable.
	ClaimNextJob(ctx context.Context, req ClaimRequest) (coordinator.ScrapeJob, bool, error)
	GetJob(ctx context.Context, jobID string) (coordinator.ScrapeJob, error)
	// ExtendLease returns ErrLeaseConflict when the job is no longer running
	// under the given runner and token.
	ExtendLease(ctx context.Context, ext LeaseExtension) error
	// CompleteJob returns ErrLeaseConflict when the job is no longer running
	// under the given runner (and token, when set).
	CompleteJob(ctx context.Context, completion JobCompletion) (coordinator.ScrapeJob, error)
	// CancelJob returns ErrStateConflict when the job is already terminal.
	CancelJob(ctx context.Context, jobID string, at time.Time) (coordinator.ScrapeJob, error)
	// ReclaimExpiredLeases resets running jobs whose lease expired before now.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// PublishParams describes a publish or rollback unit of work.
type PublishParams struct {
	ConfigID        string
	SourceVersionID string
	NewVersionID    string
	Actor           string
	// ChangeSummary defaults to coordinator.DefaultChangeSummary when empty.
	ChangeSummary string
	// AllowedSourceStatuses is re-checked under the config row lock.
	AllowedSourceStatuses []coordinator.VersionStatus
	At                    time.Time
}

// PublishResult reports the outcome of Publish.
type PublishResult struct {
	Version coordinator.ConfigVersion
	// PreviousVersionNumber is zero when no version was published before.
	PreviousVersionNumber int
	PreviousArchived      bool
}

// ConfigRepository persists scraper configs and their versions.
type ConfigRepository interface {
	// CreateConfig inserts the config pointing at its first draft version.
	CreateConfig(ctx context.Context, cfg coordinator.ScraperConfig, first coordinator.ConfigVersion) error
	GetConfig(ctx context.Context, configID string) (coordinator.ScraperConfig, error)
	GetVersion(ctx context.Context, versionID string) (coordinator.ConfigVersion, error)
	// ListVersions returns versions newest first.
	ListVersions(ctx context.Context, configID string) ([]coordinator.ConfigVersion, error)
	// LatestPublishedNumber returns the highest version number ever published, or 0.
	LatestPublishedNumber(ctx context.Context, configID string) (int, error)
	// InsertDraft stores a new draft and repoints the config at it.
	InsertDraft(ctx context.Context, version coordinator.ConfigVersion) error
	// SaveValidation writes the result and status onto a non-published version
	// or returns ErrStateConflict.
	SaveValidation(
		ctx context.Context,
		versionID string,
		status coordinator.VersionStatus,
		result coordinator.ValidationResult,
	) error
	// Publish inserts the published copy, repoints the config, and archives the
	// previously published version in one transaction.
	Publish(ctx context.Context, params PublishParams) (PublishResult, error)
	// ListPublished returns published versions for the given slugs, or for
	// every config when slugs is empty.
	ListPublished(ctx context.Context, slugs []string) ([]coordinator.PublishedConfig, error)
}

// TestRunRepository persists scraper test runs and rolling health.
type TestRunRepository interface {
	CreateTestRun(ctx context.Context, run coordinator.ScraperTestRun) error
	GetTestRun(ctx context.Context, runID string) (coordinator.ScraperTestRun, error)
	// CompleteTestRun writes the terminal fields of run.
	CompleteTestRun(ctx context.Context, run coordinator.ScraperTestRun) error
	// RecentTestRuns returns up to limit runs newest first.
	RecentTestRuns(ctx context.Context, scraperID string, limit int) ([]coordinator.ScraperTestRun, error)
	SaveHealth(ctx context.Context, health coordinator.ScraperHealth) error
	GetHealth(ctx context.Context, scraperID string) (coordinator.ScraperHealth, error)
}

// Store bundles every repository behind one backend.
type Store interface {
	RunnerRepository
	JobRepository
	ConfigRepository
	TestRunRepository
	Ping(ctx context.Context) error
	Close()
}
