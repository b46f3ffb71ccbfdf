// Package storage persists job artifacts on the local filesystem: an
// append-only JSONL result log per job, finalized JSON/CSV exports, ZIP
// bundles, and storage accounting.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/job"
)

const (
	formatFile  = "format.txt"
	resultsFile = "results.jsonl"
)

// Manager owns the data directory layout: one directory per job under
// jobs/, finished bundles under exports/.
type Manager struct {
	baseDir    string
	jobsDir    string
	exportsDir string
	log        *zap.Logger
}

// NewManager creates the directory layout under dataDir.
func NewManager(dataDir string, log *zap.Logger) (*Manager, error) {
	m := &Manager{
		baseDir:    dataDir,
		jobsDir:    filepath.Join(dataDir, "jobs"),
		exportsDir: filepath.Join(dataDir, "exports"),
		log:        log.Named("storage"),
	}
	for _, dir := range []string{m.baseDir, m.jobsDir, m.exportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	return m, nil
}

func (m *Manager) jobDir(jobID string) string {
	return filepath.Join(m.jobsDir, jobID)
}

// InitJob creates the job directory, records the requested export
// format and starts an empty result log.
func (m *Manager) InitJob(jobID string, format job.ExportFormat) error {
	dir := m.jobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, formatFile), []byte(format), 0o644); err != nil {
		return fmt.Errorf("write format file: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, resultsFile), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create result log: %w", err)
	}
	return f.Close()
}

// SaveResult appends one scraped item to the job's result log.
func (m *Manager) SaveResult(jobID string, item map[string]any) error {
	dir := m.jobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, resultsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open result log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// Results reads the job's result log back as a slice of items.
func (m *Manager) Results(jobID string) ([]map[string]any, error) {
	return m.readResultLog(filepath.Join(m.jobDir(jobID), resultsFile))
}

func (m *Manager) readResultLog(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no results for job: %w", err)
		}
		return nil, fmt.Errorf("open result log: %w", err)
	}
	defer f.Close()

	var items []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item map[string]any
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("parse result line: %w", err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan result log: %w", err)
	}
	if items == nil {
		items = []map[string]any{}
	}
	return items, nil
}

// ResultCount returns how many items the job's result log holds. A
// missing log counts as zero.
func (m *Manager) ResultCount(jobID string) int {
	items, err := m.Results(jobID)
	if err != nil {
		return 0
	}
	return len(items)
}

// JobFormat returns the export format recorded for the job, defaulting
// to JSON when unknown.
func (m *Manager) JobFormat(jobID string) job.ExportFormat {
	data, err := os.ReadFile(filepath.Join(m.jobDir(jobID), formatFile))
	if err != nil {
		return job.ExportJSON
	}
	format := job.ExportFormat(strings.TrimSpace(string(data)))
	if !format.Valid() {
		return job.ExportJSON
	}
	return format
}

// DeleteJob removes all data belonging to the job, including any
// export bundle.
func (m *Manager) DeleteJob(jobID string) error {
	if err := os.RemoveAll(m.jobDir(jobID)); err != nil {
		return fmt.Errorf("delete job dir: %w", err)
	}
	bundle := filepath.Join(m.exportsDir, jobID+".zip")
	if err := os.Remove(bundle); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete export bundle: %w", err)
	}
	m.log.Info("deleted job data", zap.String("job_id", jobID))
	return nil
}

// JobSizeMB returns the on-disk footprint of a job's artifacts in
// megabytes.
func (m *Manager) JobSizeMB(jobID string) float64 {
	return float64(dirSize(m.jobDir(jobID))) / (1024 * 1024)
}

// Stats summarizes storage usage across all jobs.
type Stats struct {
	TotalJobs     int     `json:"total_jobs"`
	JobsSizeMB    float64 `json:"jobs_size_mb"`
	ExportsSizeMB float64 `json:"exports_size_mb"`
	TotalSizeMB   float64 `json:"total_size_mb"`
}

// StorageStats reports per-directory sizes and the job count.
func (m *Manager) StorageStats() Stats {
	entries, _ := os.ReadDir(m.jobsDir)
	jobs := len(entries)
	jobsSize := dirSize(m.jobsDir)
	exportsSize := dirSize(m.exportsDir)

	return Stats{
		TotalJobs:     jobs,
		JobsSizeMB:    float64(jobsSize) / (1024 * 1024),
		ExportsSizeMB: float64(exportsSize) / (1024 * 1024),
		TotalSizeMB:   float64(jobsSize+exportsSize) / (1024 * 1024),
	}
}

func dirSize(dir string) int64 {
	var size int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
