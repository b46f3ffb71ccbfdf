package job

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDuplicateID is returned by Create when the job ID is already
// registered.
var ErrDuplicateID = errors.New("job id already exists")

// Registry owns the job table. Every exported operation runs as a
// single critical section; returned jobs are copies, so no caller can
// observe a record mid-update.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
	log  *zap.Logger
	now  func() time.Time
}

// NewRegistry creates an empty job registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		log:  log.Named("jobs"),
		now:  time.Now,
	}
}

// Create registers a new job in the queued state. TotalItems is fixed
// to the number of target URLs.
func (r *Registry) Create(id string, urls []string, scrapeType ScrapeType, exportFormat ExportFormat, includeMedia, includeComments bool) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; ok {
		return Job{}, ErrDuplicateID
	}

	now := r.now()
	j := &Job{
		ID:              id,
		URLs:            append([]string(nil), urls...),
		ScrapeType:      scrapeType,
		ExportFormat:    exportFormat,
		IncludeMedia:    includeMedia,
		IncludeComments: includeComments,
		Status:          StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
		TotalItems:      len(urls),
	}
	r.jobs[id] = j

	r.log.Info("created job", zap.String("job_id", id), zap.Int("targets", len(urls)))
	return j.clone(), nil
}

// Get returns a snapshot of the job, if present. Absence is a normal
// outcome, not an error.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// UpdateStatus overwrites the job's status and, when non-empty, its
// error text. Updating an absent job is logged and ignored. The
// registry does not police the transition graph; callers own it.
func (r *Registry) UpdateStatus(id string, status Status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		r.log.Warn("status update for unknown job", zap.String("job_id", id))
		return
	}

	j.Status = status
	j.UpdatedAt = r.now()
	if errMsg != "" {
		j.Error = errMsg
	}

	r.log.Info("job status updated",
		zap.String("job_id", id),
		zap.String("status", string(status)))
}

// UpdateProgress overwrites the item counters. Updating an absent job
// is ignored.
func (r *Registry) UpdateProgress(id string, completed, total, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return
	}

	j.CompletedItems = completed
	j.TotalItems = total
	j.FailedItems = failed
	j.UpdatedAt = r.now()
}

// List returns jobs sorted by creation time, newest first, truncated to
// limit. An empty status matches everything.
func (r *Registry) List(status Status, limit int) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j.clone())
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Delete removes the job and reports whether it existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	r.log.Info("deleted job", zap.String("job_id", id))
	return true
}

// Cleanup removes completed and failed jobs older than maxAge and
// returns how many were removed. Queued, running and cancelled jobs are
// never swept, regardless of age.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for id, j := range r.jobs {
		if j.Status != StatusCompleted && j.Status != StatusFailed {
			continue
		}
		if j.CreatedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}

	if removed > 0 {
		r.log.Info("cleaned up old jobs", zap.Int("removed", removed))
	}
	return removed
}

// Stats returns job counts keyed by status, plus "total".
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := map[string]int{
		"total":                 len(r.jobs),
		string(StatusQueued):    0,
		string(StatusRunning):   0,
		string(StatusCompleted): 0,
		string(StatusFailed):    0,
		string(StatusCancelled): 0,
	}
	for _, j := range r.jobs {
		stats[string(j.Status)]++
	}
	return stats
}
