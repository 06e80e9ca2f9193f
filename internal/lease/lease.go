// Package lease renews, completes, and cancels claimed scrape jobs.
//
// Every write is conditional on the job's owner, lease token, and status, so a
// runner that lost its lease can never mutate the job row.
package lease

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/logging"
	"github.com/JakeFAU/scraper-coordinator/internal/metrics"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

// DefaultDuration is how far each heartbeat pushes the lease expiry.
const DefaultDuration = 5 * time.Minute

// Conflict messages returned to runners.
const (
	MsgNotOwner      = "Runner does not own current job"
	MsgTokenMismatch = "Lease token mismatch"
	MsgNotRunning    = "Current job is not running"
	MsgLeaseLost     = "Lease is no longer held"
)

// Repository is the storage the lease manager needs.
type Repository interface {
	store.JobRepository
	store.RunnerRepository
}

// Beat is a runner heartbeat body.
type Beat struct {
	// RunnerName is ignored in favour of the authenticated identity.
	RunnerName    string   `json:"runner_name,omitempty"`
	Status        string   `json:"status,omitempty"`
	CurrentJobID  *string  `json:"current_job_id,omitempty"`
	LeaseToken    string   `json:"lease_token,omitempty"`
	JobsCompleted *int     `json:"jobs_completed,omitempty"`
	MemoryUsageMB *float64 `json:"memory_usage_mb,omitempty"`
}

// Ack acknowledges a heartbeat.
type Ack struct {
	Acknowledged       bool       `json:"acknowledged"`
	Timestamp          time.Time  `json:"timestamp"`
	EnforcedRunnerName string     `json:"enforced_runner_name"`
	LeaseExpiresAt     *time.Time `json:"lease_expires_at"`
}

// Completion finishes a job the runner holds.
type Completion struct {
	LeaseToken   string                `json:"lease_token"`
	Status       coordinator.JobStatus `json:"status"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

// Manager owns lease renewal and job termination.
type Manager struct {
	repo     Repository
	clock    coordinator.Clock
	duration time.Duration
	logger   *zap.Logger
}

// NewManager constructs a Manager. A non-positive duration uses DefaultDuration.
func NewManager(repo Repository, clock coordinator.Clock, duration time.Duration, logger *zap.Logger) *Manager {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Manager{
		repo:     repo,
		clock:    clock,
		duration: duration,
		logger:   logging.OrNop(logger).Named("lease"),
	}
}

// Heartbeat records runner liveness and, when the beat names a job, renews
// its lease.
func (m *Manager) Heartbeat(ctx context.Context, identity coordinator.RunnerIdentity, beat Beat) (Ack, error) {
	now := m.clock.Now()
	name := identity.RunnerName
	if beat.RunnerName != "" && beat.RunnerName != name {
		m.logger.Warn("heartbeat runner name overridden",
			zap.String("claimed", beat.RunnerName),
			zap.String("authenticated", name),
		)
	}

	if err := m.repo.TouchRunner(ctx, store.RunnerUpdate{
		Name:          name,
		WorkState:     coordinator.ParseWorkState(beat.Status),
		SeenAt:        now,
		CurrentJobID:  beat.CurrentJobID,
		JobsCompleted: beat.JobsCompleted,
		MemoryUsageMB: beat.MemoryUsageMB,
	}); err != nil {
		metrics.ObserveHeartbeat("error")
		return Ack{}, coordinator.Internal("failed to record heartbeat", err)
	}

	ack := Ack{Acknowledged: true, Timestamp: now, EnforcedRunnerName: name}
	if beat.CurrentJobID == nil || *beat.CurrentJobID == "" {
		metrics.ObserveHeartbeat("idle")
		return ack, nil
	}

	job, err := m.ownedRunningJob(ctx, *beat.CurrentJobID, name, beat.LeaseToken)
	if err != nil {
		metrics.ObserveHeartbeat(outcome(err))
		return Ack{}, err
	}

	expires := now.Add(m.duration)
	err = m.repo.ExtendLease(ctx, store.LeaseExtension{
		JobID:       job.ID,
		RunnerName:  name,
		LeaseToken:  job.LeaseToken,
		HeartbeatAt: now,
		ExpiresAt:   expires,
	})
	if errors.Is(err, store.ErrLeaseConflict) {
		metrics.ObserveHeartbeat("conflict")
		return Ack{}, coordinator.Conflict(MsgLeaseLost)
	}
	if err != nil {
		metrics.ObserveHeartbeat("error")
		return Ack{}, coordinator.Internal("failed to extend lease", err)
	}

	metrics.ObserveHeartbeat("renewed")
	m.logger.Debug("lease renewed",
		zap.String("job_id", job.ID),
		zap.String("runner", name),
		zap.Time("lease_expires_at", expires),
	)
	ack.LeaseExpiresAt = &expires
	return ack, nil
}

// Complete moves a held job to completed or failed and clears its lease.
func (m *Manager) Complete(
	ctx context.Context,
	identity coordinator.RunnerIdentity,
	jobID string,
	c Completion,
) (coordinator.ScrapeJob, error) {
	if c.Status == "" {
		c.Status = coordinator.JobStatusCompleted
	}
	if c.Status != coordinator.JobStatusCompleted && c.Status != coordinator.JobStatusFailed {
		return coordinator.ScrapeJob{}, coordinator.Validation("status must be completed or failed")
	}
	job, err := m.ownedRunningJob(ctx, jobID, identity.RunnerName, c.LeaseToken)
	if err != nil {
		return coordinator.ScrapeJob{}, err
	}

	now := m.clock.Now()
	done, err := m.repo.CompleteJob(ctx, store.JobCompletion{
		JobID:        job.ID,
		RunnerName:   identity.RunnerName,
		LeaseToken:   job.LeaseToken,
		Status:       c.Status,
		ErrorMessage: c.ErrorMessage,
		CompletedAt:  now,
	})
	if errors.Is(err, store.ErrLeaseConflict) {
		return coordinator.ScrapeJob{}, coordinator.Conflict(MsgLeaseLost)
	}
	if err != nil {
		return coordinator.ScrapeJob{}, coordinator.Internal("failed to complete job", err)
	}

	idle := ""
	if err := m.repo.TouchRunner(ctx, store.RunnerUpdate{
		Name:         identity.RunnerName,
		WorkState:    coordinator.WorkStateIdle,
		SeenAt:       now,
		CurrentJobID: &idle,
	}); err != nil {
		m.logger.Warn("record runner idle failed", zap.String("runner", identity.RunnerName), zap.Error(err))
	}
	metrics.ObserveJobFinished(string(done.Status))
	m.logger.Info("job finished",
		zap.String("job_id", done.ID),
		zap.String("runner", identity.RunnerName),
		zap.String("status", string(done.Status)),
	)
	return done, nil
}

// Cancel flips a non-terminal job to cancelled. Later heartbeats against it
// are rejected as not running.
func (m *Manager) Cancel(ctx context.Context, jobID string) (coordinator.ScrapeJob, error) {
	job, err := m.repo.CancelJob(ctx, jobID, m.clock.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return coordinator.ScrapeJob{}, coordinator.NotFound("Job not found")
	case errors.Is(err, store.ErrStateConflict):
		return coordinator.ScrapeJob{}, coordinator.Conflict("Job is already finished")
	case err != nil:
		return coordinator.ScrapeJob{}, coordinator.Internal("failed to cancel job", err)
	}
	metrics.ObserveJobFinished(string(coordinator.JobStatusCancelled))
	m.logger.Info("job cancelled", zap.String("job_id", job.ID))
	return job, nil
}

// ownedRunningJob applies the ownership checks in order: existence, owner,
// token, status.
func (m *Manager) ownedRunningJob(ctx context.Context, jobID, runnerName, token string) (coordinator.ScrapeJob, error) {
	job, err := m.repo.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return coordinator.ScrapeJob{}, coordinator.NotFound("Job not found")
	}
	if err != nil {
		return coordinator.ScrapeJob{}, coordinator.Internal("failed to load job", err)
	}
	if job.RunnerName != "" && job.RunnerName != runnerName {
		return coordinator.ScrapeJob{}, coordinator.Conflict(MsgNotOwner)
	}
	if job.LeaseToken != "" && job.LeaseToken != token {
		return coordinator.ScrapeJob{}, coordinator.Conflict(MsgTokenMismatch)
	}
	if job.Status != coordinator.JobStatusRunning {
		return coordinator.ScrapeJob{}, coordinator.Conflict(MsgNotRunning)
	}
	return job, nil
}

func outcome(err error) string {
	switch coordinator.KindOf(err) {
	case coordinator.KindNotFound:
		return "not_found"
	case coordinator.KindConflict:
		return "conflict"
	default:
		return "error"
	}
}
