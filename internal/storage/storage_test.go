package storage

import (
	"archive/zip"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/job"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestInitJobAndFormat(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.InitJob("job-1", job.ExportCSV))
	assert.Equal(t, job.ExportCSV, m.JobFormat("job-1"))

	// Unknown jobs default to JSON.
	assert.Equal(t, job.ExportJSON, m.JobFormat("missing"))

	items, err := m.Results("job-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSaveAndReadResults(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.InitJob("job-1", job.ExportJSON))

	first := map[string]any{"url": "https://example.com/p/a", "title": "first"}
	second := map[string]any{"url": "https://example.com/p/b", "title": "second", "likes": float64(42)}
	require.NoError(t, m.SaveResult("job-1", first))
	require.NoError(t, m.SaveResult("job-1", second))

	items, err := m.Results("job-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0])
	assert.Equal(t, second, items[1])
	assert.Equal(t, 2, m.ResultCount("job-1"))
}

func TestResultsMissingJob(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Results("missing")
	assert.Error(t, err)
	assert.Equal(t, 0, m.ResultCount("missing"))
}

func TestExportJSON(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.InitJob("job-1", job.ExportJSON))
	require.NoError(t, m.SaveResult("job-1", map[string]any{"title": "only"}))

	path, err := m.FinalizeExport("job-1")
	require.NoError(t, err)
	assert.Equal(t, "results.json", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"title": "only"`)
}

func TestExportCSVFlattensNestedFields(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.InitJob("job-1", job.ExportCSV))
	require.NoError(t, m.SaveResult("job-1", map[string]any{
		"url":   "https://example.com/p/a",
		"owner": map[string]any{"username": "alice"},
		"tags":  []any{"go", "scraping"},
	}))

	path, err := m.FinalizeExport("job-1")
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"owner_username", "tags", "url"}, rows[0])
	assert.Equal(t, []string{"alice", `["go","scraping"]`, "https://example.com/p/a"}, rows[1])
}

func TestExportCSVEmptyResults(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.InitJob("job-1", job.ExportCSV))

	path, err := m.FinalizeExport("job-1")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "No data available")
}

func TestCreateBundleContainsAllFormats(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.InitJob("job-1", job.ExportZIP))
	require.NoError(t, m.SaveResult("job-1", map[string]any{"title": "bundled"}))

	path, err := m.FinalizeExport("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1.zip", filepath.Base(path))

	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "results.jsonl")
	assert.Contains(t, names, "results.json")
	assert.Contains(t, names, "results.csv")
	assert.NotContains(t, names, "format.txt")
}

func TestDeleteJob(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.InitJob("job-1", job.ExportZIP))
	require.NoError(t, m.SaveResult("job-1", map[string]any{"title": "x"}))
	_, err := m.FinalizeExport("job-1")
	require.NoError(t, err)

	require.NoError(t, m.DeleteJob("job-1"))
	_, err = m.Results("job-1")
	assert.Error(t, err)
	_, err = os.Stat(filepath.Join(m.exportsDir, "job-1.zip"))
	assert.True(t, os.IsNotExist(err))

	// Deleting an absent job is not an error.
	require.NoError(t, m.DeleteJob("missing"))
}

func TestJobSizeAndStats(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.InitJob("job-1", job.ExportJSON))
	require.NoError(t, m.SaveResult("job-1", map[string]any{"title": "payload"}))

	assert.Greater(t, m.JobSizeMB("job-1"), 0.0)
	assert.Equal(t, 0.0, m.JobSizeMB("missing"))

	stats := m.StorageStats()
	assert.Equal(t, 1, stats.TotalJobs)
	assert.Greater(t, stats.JobsSizeMB, 0.0)
}
