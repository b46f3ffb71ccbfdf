package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop())
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)

	created, err := r.Create("job-1", []string{"https://example.com/p/a", "https://example.com/p/b"}, ScrapePost, ExportJSON, true, false)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, created.Status)
	assert.Equal(t, 2, created.TotalItems)
	assert.Equal(t, 0, created.CompletedItems)
	assert.Equal(t, 0, created.FailedItems)

	got, ok := r.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.URLs, got.URLs)
}

func TestCreateDuplicateID(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create("job-1", []string{"https://example.com"}, ScrapePost, ExportJSON, false, false)
	require.NoError(t, err)

	_, err = r.Create("job-1", []string{"https://example.org"}, ScrapePost, ExportJSON, false, false)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetAbsent(t *testing.T) {
	r := newTestRegistry(t)

	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create("job-1", []string{"https://example.com"}, ScrapePost, ExportJSON, false, false)
	require.NoError(t, err)

	got, ok := r.Get("job-1")
	require.True(t, ok)
	got.URLs[0] = "mutated"
	got.Status = StatusFailed

	fresh, ok := r.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, "https://example.com", fresh.URLs[0])
	assert.Equal(t, StatusQueued, fresh.Status)
}

func TestUpdateStatus(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create("job-1", []string{"https://example.com"}, ScrapePost, ExportJSON, false, false)
	require.NoError(t, err)

	r.UpdateStatus("job-1", StatusRunning, "")
	got, _ := r.Get("job-1")
	assert.Equal(t, StatusRunning, got.Status)
	assert.Empty(t, got.Error)

	r.UpdateStatus("job-1", StatusFailed, "target unreachable")
	got, _ = r.Get("job-1")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "target unreachable", got.Error)

	// Unknown IDs are a logged no-op, never a panic.
	r.UpdateStatus("missing", StatusCompleted, "")
}

func TestUpdateProgressInvariant(t *testing.T) {
	r := newTestRegistry(t)

	urls := []string{"a", "b", "c", "d"}
	_, err := r.Create("job-1", urls, ScrapePost, ExportJSON, false, false)
	require.NoError(t, err)

	steps := [][3]int{{1, 4, 0}, {2, 4, 1}, {3, 4, 1}}
	for _, s := range steps {
		r.UpdateProgress("job-1", s[0], s[1], s[2])
		got, ok := r.Get("job-1")
		require.True(t, ok)
		assert.LessOrEqual(t, got.CompletedItems+got.FailedItems, got.TotalItems)
	}
}

func TestListOrderFilterLimit(t *testing.T) {
	r := newTestRegistry(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		tick := base.Add(time.Duration(i) * time.Minute)
		r.now = func() time.Time { return tick }
		_, err := r.Create(id, []string{"https://example.com"}, ScrapePost, ExportJSON, false, false)
		require.NoError(t, err)
	}
	r.UpdateStatus("mid", StatusRunning, "")

	all := r.List("", 50)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "mid", all[1].ID)
	assert.Equal(t, "old", all[2].ID)

	running := r.List(StatusRunning, 50)
	require.Len(t, running, 1)
	assert.Equal(t, "mid", running[0].ID)

	limited := r.List("", 2)
	require.Len(t, limited, 2)
	assert.Equal(t, "new", limited[0].ID)
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create("job-1", []string{"https://example.com"}, ScrapePost, ExportJSON, false, false)
	require.NoError(t, err)

	assert.True(t, r.Delete("job-1"))
	assert.False(t, r.Delete("job-1"))
	_, ok := r.Get("job-1")
	assert.False(t, ok)
}

func TestCleanupSweepsOnlyOldTerminalJobs(t *testing.T) {
	r := newTestRegistry(t)

	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return past }
	for _, id := range []string{"old-done", "old-failed", "old-running", "old-queued", "old-cancelled"} {
		_, err := r.Create(id, []string{"https://example.com"}, ScrapePost, ExportJSON, false, false)
		require.NoError(t, err)
	}
	r.UpdateStatus("old-done", StatusCompleted, "")
	r.UpdateStatus("old-failed", StatusFailed, "boom")
	r.UpdateStatus("old-running", StatusRunning, "")
	r.UpdateStatus("old-cancelled", StatusCancelled, "")

	now := past.Add(10 * 24 * time.Hour)
	r.now = func() time.Time { return now }
	_, err := r.Create("fresh-done", []string{"https://example.com"}, ScrapePost, ExportJSON, false, false)
	require.NoError(t, err)
	r.UpdateStatus("fresh-done", StatusCompleted, "")

	removed := r.Cleanup(7 * 24 * time.Hour)
	assert.Equal(t, 2, removed)

	for _, id := range []string{"old-running", "old-queued", "old-cancelled", "fresh-done"} {
		_, ok := r.Get(id)
		assert.True(t, ok, id)
	}
	for _, id := range []string{"old-done", "old-failed"} {
		_, ok := r.Get(id)
		assert.False(t, ok, id)
	}
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Create(id, []string{"https://example.com"}, ScrapePost, ExportJSON, false, false)
		require.NoError(t, err)
	}
	r.UpdateStatus("a", StatusRunning, "")
	r.UpdateStatus("b", StatusCompleted, "")

	stats := r.Stats()
	assert.Equal(t, 3, stats["total"])
	assert.Equal(t, 1, stats["queued"])
	assert.Equal(t, 1, stats["running"])
	assert.Equal(t, 1, stats["completed"])
	assert.Equal(t, 0, stats["failed"])
	assert.Equal(t, 0, stats["cancelled"])
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())

	assert.True(t, Status("queued").Valid())
	assert.False(t, Status("paused").Valid())
	assert.True(t, ScrapeType("profile").Valid())
	assert.False(t, ScrapeType("story").Valid())
	assert.True(t, ExportFormat("zip").Valid())
	assert.False(t, ExportFormat("xml").Valid())
}
