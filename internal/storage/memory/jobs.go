package memory

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

// InsertJob stores a new job.
func (s *Store) InsertJob(_ context.Context, job coordinator.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsertJob != nil {
		return s.FailInsertJob
	}
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = copyJob(job)
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

// InsertChunk stores a chunk for an existing job.
func (s *Store) InsertChunk(_ context.Context, chunk coordinator.ScrapeJobChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsertChunk != nil {
		return s.FailInsertChunk
	}
	if _, ok := s.jobs[chunk.JobID]; !ok {
		return store.ErrNotFound
	}
	chunk.SKUs = cloneStrings(chunk.SKUs)
	s.chunks[chunk.ID] = chunk
	return nil
}

// DeleteJob removes a job and its chunks.
func (s *Store) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return store.ErrNotFound
	}
	delete(s.jobs, jobID)
	s.jobOrder = slices.DeleteFunc(s.jobOrder, func(id string) bool { return id == jobID })
	for id, c := range s.chunks {
		if c.JobID == jobID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// ClaimNextJob claims the oldest eligible pending job under the write lock.
func (s *Store) ClaimNextJob(_ context.Context, req store.ClaimRequest) (coordinator.ScrapeJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		picked coordinator.ScrapeJob
		found  bool
	)
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if job.Status != coordinator.JobStatusPending || !claimable(job, req.AllowedScrapers) {
			continue
		}
		if !found || job.CreatedAt.Before(picked.CreatedAt) {
			picked = job
			found = true
		}
	}
	if !found {
		return coordinator.ScrapeJob{}, false, nil
	}
	picked.Status = coordinator.JobStatusRunning
	picked.RunnerName = req.RunnerName
	picked.LeaseToken = req.LeaseToken
	picked.LeaseExpiresAt = ptr(req.LeaseExpiresAt)
	picked.HeartbeatAt = ptr(req.Now)
	s.jobs[picked.ID] = picked
	s.setChunkState(picked.ID, coordinator.JobStatusRunning, req.RunnerName)
	return copyJob(picked), true, nil
}

func claimable(job coordinator.ScrapeJob, allowed []string) bool {
	if allowed == nil {
		return true
	}
	if len(job.Scrapers) == 0 {
		return false
	}
	for _, slug := range job.Scrapers {
		if !slices.Contains(allowed, slug) {
			return false
		}
	}
	return true
}

// GetJob loads a job.
func (s *Store) GetJob(_ context.Context, jobID string) (coordinator.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return coordinator.ScrapeJob{}, store.ErrNotFound
	}
	return copyJob(job), nil
}

// ExtendLease renews the lease when owner, token, and status still match.
func (s *Store) ExtendLease(_ context.Context, ext store.LeaseExtension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[ext.JobID]
	if !ok || job.Status != coordinator.JobStatusRunning ||
		job.RunnerName != ext.RunnerName || job.LeaseToken != ext.LeaseToken {
		return store.ErrLeaseConflict
	}
	job.LeaseExpiresAt = ptr(ext.ExpiresAt)
	job.HeartbeatAt = ptr(ext.HeartbeatAt)
	s.jobs[ext.JobID] = job
	return nil
}

// CompleteJob finishes a running job and clears its lease.
func (s *Store) CompleteJob(_ context.Context, c store.JobCompletion) (coordinator.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[c.JobID]
	if !ok || job.Status != coordinator.JobStatusRunning || job.RunnerName != c.RunnerName ||
		(c.LeaseToken != "" && job.LeaseToken != c.LeaseToken) {
		return coordinator.ScrapeJob{}, store.ErrLeaseConflict
	}
	job.Status = c.Status
	job.ErrorMessage = c.ErrorMessage
	job.CompletedAt = ptr(c.CompletedAt)
	job.LeaseToken = ""
	job.LeaseExpiresAt = nil
	s.jobs[c.JobID] = job
	s.setChunkState(job.ID, c.Status, job.RunnerName)
	return copyJob(job), nil
}

// CancelJob flips a non-terminal job to cancelled.
func (s *Store) CancelJob(_ context.Context, jobID string, at time.Time) (coordinator.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return coordinator.ScrapeJob{}, store.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return coordinator.ScrapeJob{}, store.ErrStateConflict
	}
	job.Status = coordinator.JobStatusCancelled
	job.CompletedAt = ptr(at)
	job.LeaseToken = ""
	job.LeaseExpiresAt = nil
	s.jobs[jobID] = job
	s.setChunkState(jobID, coordinator.JobStatusCancelled, job.RunnerName)
	return copyJob(job), nil
}

// ReclaimExpiredLeases returns expired running jobs to the pending pool.
func (s *Store) ReclaimExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, job := range s.jobs {
		if job.Status != coordinator.JobStatusRunning || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		job.Status = coordinator.JobStatusPending
		job.RunnerName = ""
		job.LeaseToken = ""
		job.LeaseExpiresAt = nil
		job.HeartbeatAt = nil
		s.jobs[id] = job
		s.setChunkState(id, coordinator.JobStatusPending, "")
		n++
	}
	return n, nil
}

// Chunks returns the chunks of a job; used by tests.
func (s *Store) Chunks(jobID string) []coordinator.ScrapeJobChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []coordinator.ScrapeJobChunk
	for _, c := range s.chunks {
		if c.JobID == jobID {
			c.SKUs = cloneStrings(c.SKUs)
			out = append(out, c)
		}
	}
	return out
}

// JobCount returns the number of stored jobs.
func (s *Store) JobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Store) setChunkState(jobID string, status coordinator.JobStatus, runner string) {
	for id, c := range s.chunks {
		if c.JobID != jobID {
			continue
		}
		c.Status = status
		c.RunnerName = runner
		s.chunks[id] = c
	}
}

func copyJob(job coordinator.ScrapeJob) coordinator.ScrapeJob {
	job.SKUs = cloneStrings(job.SKUs)
	job.Scrapers = cloneStrings(job.Scrapers)
	if job.LeaseExpiresAt != nil {
		job.LeaseExpiresAt = ptr(*job.LeaseExpiresAt)
	}
	if job.HeartbeatAt != nil {
		job.HeartbeatAt = ptr(*job.HeartbeatAt)
	}
	if job.CompletedAt != nil {
		job.CompletedAt = ptr(*job.CompletedAt)
	}
	return job
}
