// Package coordinator defines core types shared across the scraper coordination subsystems.
package coordinator

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in scrape_jobs.status.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ScrapeJob is a batch of SKUs handed to exactly one runner at a time.
// LeaseToken and LeaseExpiresAt are populated only while Status is running.
type ScrapeJob struct {
	ID             string     `json:"id"`
	SKUs           []string   `json:"skus"`
	Scrapers       []string   `json:"scrapers"`
	Status         JobStatus  `json:"status"`
	RunnerName     string     `json:"runner_name,omitempty"`
	LeaseToken     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty"`
	TestMode       bool       `json:"test_mode"`
	MaxWorkers     int        `json:"max_workers"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// ScrapeJobChunk is the unit of work beneath a job. Jobs currently carry one chunk
// holding every SKU.
type ScrapeJobChunk struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	ChunkIndex int       `json:"chunk_index"`
	SKUs       []string  `json:"skus"`
	Status     JobStatus `json:"status"`
	RunnerName string    `json:"runner_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkState is the runner-declared activity, set only by poll and heartbeat payloads.
type WorkState string

// Work states a runner may declare.
const (
	WorkStateIdle    WorkState = "idle"
	WorkStateBusy    WorkState = "busy"
	WorkStatePolling WorkState = "polling"
)

// ParseWorkState normalizes a heartbeat status string. Unknown values map to idle.
func ParseWorkState(raw string) WorkState {
	switch WorkState(raw) {
	case WorkStateBusy, WorkStatePolling:
		return WorkState(raw)
	case "running":
		return WorkStateBusy
	default:
		return WorkStateIdle
	}
}

// RunnerStatus is the liveness reported for a runner. It is always derived, never stored.
type RunnerStatus string

// Derived runner statuses.
const (
	RunnerOnline  RunnerStatus = "online"
	RunnerOffline RunnerStatus = "offline"
	RunnerBusy    RunnerStatus = "busy"
	RunnerPolling RunnerStatus = "polling"
	RunnerRevoked RunnerStatus = "revoked"
)

// DefaultStaleAfter is the silence after which a runner counts as offline.
const DefaultStaleAfter = 5 * time.Minute

// Runner is a registered remote worker process.
type Runner struct {
	Name            string         `json:"name"`
	APIKeyHash      string         `json:"-"`
	KeyPrefix       string         `json:"key_prefix"`
	WorkState       WorkState      `json:"work_state"`
	Revoked         bool           `json:"revoked"`
	LastSeenAt      *time.Time     `json:"last_seen_at,omitempty"`
	CurrentJobID    string         `json:"current_job_id,omitempty"`
	JobsCompleted   int            `json:"jobs_completed"`
	MemoryUsageMB   float64        `json:"memory_usage_mb"`
	AllowedScrapers []string       `json:"allowed_scrapers,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Status derives liveness from last_seen_at recency and the declared work state.
func (r Runner) Status(now time.Time, staleAfter time.Duration) RunnerStatus {
	if r.Revoked {
		return RunnerRevoked
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if r.LastSeenAt == nil || now.Sub(*r.LastSeenAt) > staleAfter {
		return RunnerOffline
	}
	switch r.WorkState {
	case WorkStateBusy:
		return RunnerBusy
	case WorkStatePolling:
		return RunnerPolling
	default:
		return RunnerOnline
	}
}

// RunnerIdentity is the authenticated caller of a runner endpoint.
type RunnerIdentity struct {
	RunnerName string `json:"runner_name"`
	KeyID      string `json:"key_id,omitempty"`
	AuthMethod string `json:"auth_method"`
}

// Authentication methods recorded on RunnerIdentity.
const (
	AuthMethodAPIKey = "api_key"
	AuthMethodBearer = "bearer"
)

// Principal is an authenticated staff session.
type Principal struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

// HasRole reports whether any of roles is granted.
func (p Principal) HasRole(roles ...string) bool {
	for _, have := range p.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// ScraperConfig is the stable identity of a scraper; runners address it by Slug.
type ScraperConfig struct {
	ID               string    `json:"id"`
	Slug             string    `json:"slug"`
	DisplayName      string    `json:"display_name"`
	Domain           string    `json:"domain"`
	CurrentVersionID string    `json:"current_version_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// VersionStatus is the lifecycle state of a config version.
type VersionStatus string

// Config version states: draft -> validated -> published -> archived.
const (
	VersionDraft     VersionStatus = "draft"
	VersionValidated VersionStatus = "validated"
	VersionPublished VersionStatus = "published"
	VersionArchived  VersionStatus = "archived"
)

// ValidationResult is persisted on every validate call.
type ValidationResult struct {
	Valid       bool      `json:"valid"`
	Errors      []Issue   `json:"errors"`
	Warnings    []Issue   `json:"warnings"`
	ValidatedAt time.Time `json:"validated_at"`
	ValidatedBy string    `json:"validated_by"`
}

// Issue is a single validation finding.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ConfigVersion is one revision of a scraper's extraction rules. Published
// payloads are never edited; edits always create a new draft.
type ConfigVersion struct {
	ID               string            `json:"id"`
	ConfigID         string            `json:"config_id"`
	VersionNumber    int               `json:"version_number"`
	Status           VersionStatus     `json:"status"`
	Config           json.RawMessage   `json:"config"`
	ValidationResult *ValidationResult `json:"validation_result,omitempty"`
	PublishedAt      *time.Time        `json:"published_at,omitempty"`
	PublishedBy      string            `json:"published_by,omitempty"`
	ChangeSummary    string            `json:"change_summary,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CreatedBy        string            `json:"created_by,omitempty"`
}

// DefaultChangeSummary is recorded when a publish carries no summary.
func DefaultChangeSummary(versionNumber int) string {
	return fmt.Sprintf("Published version %d", versionNumber)
}

// RollbackChangeSummary is recorded on the version created by a rollback.
func RollbackChangeSummary(targetVersionNumber int, reason string) string {
	return fmt.Sprintf("Rollback to v%d: %s", targetVersionNumber, reason)
}

// PublishedConfig pairs a scraper with its single published version.
type PublishedConfig struct {
	Config  ScraperConfig
	Version ConfigVersion
}

// TestRunStatus is the state of a scraper test run.
type TestRunStatus string

// Test run states.
const (
	TestRunPending   TestRunStatus = "pending"
	TestRunRunning   TestRunStatus = "running"
	TestRunPassed    TestRunStatus = "passed"
	TestRunPartial   TestRunStatus = "partial"
	TestRunFailed    TestRunStatus = "failed"
	TestRunCancelled TestRunStatus = "cancelled"
)

// SKU outcome values reported by runners.
const (
	SKUSuccess   = "success"
	SKUNoResults = "no_results"
	SKUNotFound  = "not_found"
	SKUError     = "error"
	SKUTimeout   = "timeout"
)

// SKUResult is the per-SKU outcome of a test run.
type SKUResult struct {
	SKU          string          `json:"sku"`
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
}

// IsClean reports whether the result counts toward a passing run.
func (r SKUResult) IsClean() bool {
	return r.Status == SKUSuccess || r.Status == SKUNoResults
}

// ScraperTestRun records one execution of a scraper against a SKU set.
type ScraperTestRun struct {
	ID           string        `json:"id"`
	ScraperID    string        `json:"scraper_id"`
	Status       TestRunStatus `json:"status"`
	Results      []SKUResult   `json:"results"`
	SKUsTested   []string      `json:"skus_tested"`
	PassedCount  int           `json:"passed_count"`
	FailedCount  int           `json:"failed_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
	DurationMS   int64         `json:"duration_ms,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	RunnerID     string        `json:"runner_id,omitempty"`
	TriggeredBy  string        `json:"triggered_by,omitempty"`
}

// HealthStatus buckets the rolling health score.
type HealthStatus string

// Health buckets.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthBroken   HealthStatus = "broken"
	HealthUnknown  HealthStatus = "unknown"
)

// ScraperHealth is the rolling reliability of one scraper.
type ScraperHealth struct {
	ScraperID    string       `json:"scraper_id"`
	HealthScore  int          `json:"health_score"`
	HealthStatus HealthStatus `json:"health_status"`
	LastTestAt   *time.Time   `json:"last_test_at,omitempty"`
}
