package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/regional-access/internal/analyst"
)

// JobRegistry tracks regional jobs in-memory.
type JobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]analyst.RegionalJob
}

// NewJobRegistry constructs a JobRegistry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{
		jobs: make(map[string]analyst.RegionalJob),
	}
}

// CreateJob stores a new job in pending status.
func (r *JobRegistry) CreateJob(_ context.Context, job analyst.RegionalJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("regional job %s already exists", job.ID)
	}
	job.Status = analyst.JobStatusPending
	r.jobs[job.ID] = job
	return nil
}

// GetJob returns the job with jobID.
func (r *JobRegistry) GetJob(_ context.Context, jobID string) (analyst.RegionalJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return analyst.RegionalJob{}, fmt.Errorf("%w: %s", analyst.ErrJobNotFound, jobID)
	}
	return job, nil
}

// UpdateProgress records how many origins have been collated.
func (r *JobRegistry) UpdateProgress(_ context.Context, jobID string, received int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", analyst.ErrJobNotFound, jobID)
	}
	job.Received = received
	r.jobs[jobID] = job
	return nil
}

// CompleteJob marks the job complete with the location of its access grid.
func (r *JobRegistry) CompleteJob(_ context.Context, jobID string, resultURI string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", analyst.ErrJobNotFound, jobID)
	}
	job.Status = analyst.JobStatusComplete
	job.ResultURI = resultURI
	job.Received = job.Origins()
	r.jobs[jobID] = job
	return nil
}

// FailJob marks the job failed with reason. A completed job is left untouched.
func (r *JobRegistry) FailJob(_ context.Context, jobID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", analyst.ErrJobNotFound, jobID)
	}
	if job.Status == analyst.JobStatusComplete {
		return nil
	}
	job.Status = analyst.JobStatusFailed
	job.Failure = reason
	r.jobs[jobID] = job
	return nil
}
