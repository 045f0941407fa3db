package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"research-job-service/internal/models"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("operation not permitted in current job status")
)

// Registry is the sole authority over the job-id to job mapping. All mutations
// are serialized through one mutex held only for the duration of a call, never
// across I/O. Every accessor returns a deep copy, so a reader always observes
// one complete post-write state.
type Registry struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	order      []string
	maxRetries int
}

const DefaultMaxRetries = 3

// New constructs an empty registry. maxRetries <= 0 falls back to the default
// bound of 3 automatic retries per job.
func New(maxRetries int) *Registry {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Registry{
		jobs:       make(map[string]*models.Job),
		maxRetries: maxRetries,
	}
}

// Create allocates a new pending job, or returns the existing job when the
// idempotency key matches one that is running or already completed. The
// second return value reports whether an existing job was reused.
func (r *Registry) Create(query, idempotencyKey string) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idempotencyKey != "" {
		for _, id := range r.order {
			job := r.jobs[id]
			if job.IdempotencyKey == nil || *job.IdempotencyKey != idempotencyKey {
				continue
			}
			if job.Status == models.StatusRunning || job.Status == models.StatusCompleted {
				return job.Clone(), true
			}
		}
	}

	job := &models.Job{
		ID:         uuid.New().String(),
		Query:      query,
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC(),
		Progress:   models.NewProgress(),
		MaxRetries: r.maxRetries,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		job.IdempotencyKey = &key
	}
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	return job.Clone(), false
}

// Get returns a snapshot of the job or ErrNotFound.
func (r *Registry) Get(id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

// List returns jobs in insertion order, optionally filtered by status and
// truncated to limit (limit <= 0 means no truncation).
func (r *Registry) List(status string, limit int) []*models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.Job, 0, len(r.order))
	for _, id := range r.order {
		job := r.jobs[id]
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// UpdateStatus sets the status and maintains the timestamp rules: started_at
// is set once on the first transition into running, completed_at once on the
// first transition into a terminal status. Unknown ids are a no-op.
func (r *Registry) UpdateStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.Status = status
	now := time.Now().UTC()
	if status == models.StatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if models.IsTerminal(status) && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
}

// UpdateProgress delegates to the job's progress tracker. Unknown ids are a
// no-op.
func (r *Registry) UpdateProgress(id, stage, operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.Progress.Update(stage, operation)
}

// RequestCancel sets the cancellation flag. It succeeds only while the job is
// running; the runner observes the flag at its next checkpoint.
func (r *Registry) RequestCancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status != models.StatusRunning {
		return false
	}
	job.CancellationRequested = true
	return true
}

// IsCancelRequested is a pure read of the cancellation flag.
func (r *Registry) IsCancelRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return ok && job.CancellationRequested
}

// MarkCompleted transitions the job to completed, stores the result and forces
// the percentage to 100. The first terminal transition wins: calling this on a
// job that is already terminal is a no-op, so completed_at is never
// overwritten.
func (r *Registry) MarkCompleted(id string, result map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || models.IsTerminal(job.Status) {
		return
	}
	now := time.Now().UTC()
	job.Status = models.StatusCompleted
	job.Result = result
	job.Error = nil
	job.CompletedAt = &now
	job.Progress.Percentage = 100
}

// MarkFailed records a failure. While allowRetry holds and the retry budget is
// not exhausted the job moves to the re-runnable retry status and the counter
// increments; otherwise it lands in terminal failed.
func (r *Registry) MarkFailed(id, errMsg string, allowRetry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || models.IsTerminal(job.Status) {
		return
	}
	job.Error = &errMsg
	job.Result = nil
	if allowRetry && job.RetryCount < job.MaxRetries {
		job.Status = models.StatusRetry
		job.RetryCount++
		return
	}
	now := time.Now().UTC()
	job.Status = models.StatusFailed
	job.CompletedAt = &now
}

// AppendExecutionRecord adds one entry to the job's append-only stage history.
func (r *Registry) AppendExecutionRecord(id, stage string, success bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.ExecutionHistory = append(job.ExecutionHistory, models.ExecutionRecord{
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		Success:   success,
		Detail:    detail,
	})
}

// Claim atomically transitions a pending or retry job into running, installing
// a fresh progress tracker for the new execution and clearing any stale
// cancellation flag. It is the single-flight guard: a second claim while the
// job is running fails with ErrInvalidState.
func (r *Registry) Claim(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != models.StatusPending && job.Status != models.StatusRetry {
		return fmt.Errorf("%w: cannot claim job in status %s", ErrInvalidState, job.Status)
	}
	job.Status = models.StatusRunning
	job.Progress = models.NewProgress()
	job.CancellationRequested = false
	if job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
	}
	return nil
}

// ResetForRetry prepares a failed or cancelled job for a client-initiated
// re-run: status back to pending, error cleared, fresh progress. The stage
// history is preserved as the audit trail across attempts.
func (r *Registry) ResetForRetry(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != models.StatusFailed && job.Status != models.StatusCancelled {
		return fmt.Errorf("%w: cannot retry job in status %s", ErrInvalidState, job.Status)
	}
	job.Status = models.StatusPending
	job.Error = nil
	job.Progress = models.NewProgress()
	job.CompletedAt = nil
	job.CancellationRequested = false
	return nil
}

// Delete removes a job. Running jobs must be cancelled first.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status == models.StatusRunning {
		return fmt.Errorf("%w: cannot delete a running job", ErrInvalidState)
	}
	delete(r.jobs, id)
	r.removeFromOrder(id)
	return nil
}

// CleanupExpired removes terminal jobs whose completed_at predates now-maxAge
// and returns how many were removed.
func (r *Registry) CleanupExpired(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, id := range append([]string(nil), r.order...) {
		job := r.jobs[id]
		if !models.IsTerminal(job.Status) || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			r.removeFromOrder(id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) removeFromOrder(id string) {
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
