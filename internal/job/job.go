// Package job tracks the lifecycle of scrape jobs: an in-memory,
// mutex-guarded registry of job records with atomic create, read,
// update, list, delete and cleanup operations.
package job

import "time"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ScrapeType selects what kind of target the job extracts.
type ScrapeType string

const (
	ScrapePost    ScrapeType = "post"
	ScrapeProfile ScrapeType = "profile"
	ScrapeHashtag ScrapeType = "hashtag"
	ScrapePlace   ScrapeType = "place"
)

// Valid reports whether t is a known scrape type.
func (t ScrapeType) Valid() bool {
	switch t {
	case ScrapePost, ScrapeProfile, ScrapeHashtag, ScrapePlace:
		return true
	}
	return false
}

// ExportFormat selects the finalized result format of a job.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
	ExportZIP  ExportFormat = "zip"
)

// Valid reports whether f is a known export format.
func (f ExportFormat) Valid() bool {
	switch f {
	case ExportJSON, ExportCSV, ExportZIP:
		return true
	}
	return false
}

// Job is a single scrape job. TotalItems is fixed at creation to the
// number of target URLs; CompletedItems+FailedItems never exceeds it.
type Job struct {
	ID              string       `json:"job_id"`
	URLs            []string     `json:"urls"`
	ScrapeType      ScrapeType   `json:"scrape_type"`
	ExportFormat    ExportFormat `json:"export_format"`
	IncludeMedia    bool         `json:"include_media"`
	IncludeComments bool         `json:"include_comments"`
	Status          Status       `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	TotalItems      int          `json:"total_items"`
	CompletedItems  int          `json:"completed_items"`
	FailedItems     int          `json:"failed_items"`
	Error           string       `json:"error,omitempty"`
}

// clone returns a defensive copy so callers never share the registry's
// backing slices.
func (j *Job) clone() Job {
	c := *j
	c.URLs = append([]string(nil), j.URLs...)
	return c
}
