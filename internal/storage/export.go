package storage

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/job"
)

// FinalizeExport converts the job's JSONL result log into the format
// the job requested and returns the path of the produced file.
func (m *Manager) FinalizeExport(jobID string) (string, error) {
	format := m.JobFormat(jobID)
	path, err := m.ExportAs(jobID, format)
	if err != nil {
		return "", err
	}
	m.log.Info("finalized export",
		zap.String("job_id", jobID),
		zap.String("format", string(format)))
	return path, nil
}

// ExportAs produces (or reuses) the job's results in the given format
// and returns the file path.
func (m *Manager) ExportAs(jobID string, format job.ExportFormat) (string, error) {
	switch format {
	case job.ExportJSON:
		return m.exportJSON(jobID)
	case job.ExportCSV:
		return m.exportCSV(jobID)
	case job.ExportZIP:
		return m.CreateBundle(jobID)
	default:
		return "", fmt.Errorf("unsupported export format: %s", format)
	}
}

func (m *Manager) exportJSON(jobID string) (string, error) {
	out := filepath.Join(m.jobDir(jobID), "results.json")
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}

	items, err := m.Results(jobID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write json export: %w", err)
	}
	return out, nil
}

func (m *Manager) exportCSV(jobID string) (string, error) {
	out := filepath.Join(m.jobDir(jobID), "results.csv")
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}

	items, err := m.Results(jobID)
	if err != nil {
		return "", err
	}

	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create csv export: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if len(items) == 0 {
		if err := w.Write([]string{"No data available"}); err != nil {
			return "", fmt.Errorf("write csv: %w", err)
		}
		return out, nil
	}

	flattened := make([]map[string]string, 0, len(items))
	keySet := map[string]struct{}{}
	for _, item := range items {
		flat := flatten(item, "")
		for k := range flat {
			keySet[k] = struct{}{}
		}
		flattened = append(flattened, flat)
	}

	header := make([]string, 0, len(keySet))
	for k := range keySet {
		header = append(header, k)
	}
	sort.Strings(header)

	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	for _, flat := range flattened {
		row := make([]string, len(header))
		for i, k := range header {
			row[i] = flat[k]
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("write csv row: %w", err)
		}
	}
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return out, nil
}

// flatten collapses nested objects into underscore-joined column names.
// Lists become JSON strings.
func flatten(item map[string]any, prefix string) map[string]string {
	out := make(map[string]string, len(item))
	for k, v := range item {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch val := v.(type) {
		case map[string]any:
			for nk, nv := range flatten(val, key) {
				out[nk] = nv
			}
		case []any:
			data, _ := json.Marshal(val)
			out[key] = string(data)
		case nil:
			out[key] = ""
		case string:
			out[key] = val
		default:
			data, _ := json.Marshal(val)
			out[key] = string(data)
		}
	}
	return out
}

// CreateBundle zips all of the job's artifacts (JSON and CSV exports
// are generated first so the bundle is complete) and returns the bundle
// path under exports/.
func (m *Manager) CreateBundle(jobID string) (string, error) {
	bundle := filepath.Join(m.exportsDir, jobID+".zip")
	if _, err := os.Stat(bundle); err == nil {
		return bundle, nil
	}

	if _, err := m.exportJSON(jobID); err != nil {
		return "", err
	}
	if _, err := m.exportCSV(jobID); err != nil {
		return "", err
	}

	f, err := os.Create(bundle)
	if err != nil {
		return "", fmt.Errorf("create bundle: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	dir := m.jobDir(jobID)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		// The format marker is bookkeeping, not a deliverable.
		if rel == formatFile {
			return nil
		}

		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return "", fmt.Errorf("build bundle: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close bundle: %w", err)
	}

	m.log.Info("created export bundle", zap.String("job_id", jobID))
	return bundle, nil
}
