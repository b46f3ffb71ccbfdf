package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/billing"
	"github.com/gramharvest/scraper-api/internal/extractor"
	"github.com/gramharvest/scraper-api/internal/job"
	"github.com/gramharvest/scraper-api/internal/middleware"
	"github.com/gramharvest/scraper-api/internal/scraper"
	"github.com/gramharvest/scraper-api/internal/storage"
)

const (
	testSecret = "test-secret"
	testAPIKey = "sk_test_api"
)

type stubExtractor struct{}

func (stubExtractor) ExtractBatch(ctx context.Context, targets []string, opts extractor.Options, onProgress func(completed, total int)) ([]extractor.Result, error) {
	results := make([]extractor.Result, 0, len(targets))
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, extractor.Result{
			Target: target,
			Item:   map[string]any{"url": target, "title": "stub"},
		})
		if onProgress != nil {
			onProgress(i+1, len(targets))
		}
	}
	return results, nil
}

type env struct {
	router   *gin.Engine
	registry *job.Registry
	store    *storage.Manager
	ledger   *billing.Ledger
	recorder *billing.Recorder
	service  *scraper.Service
	account  billing.Account
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop()
	registry := job.NewRegistry(log)
	store, err := storage.NewManager(t.TempDir(), log)
	require.NoError(t, err)
	ledger, err := billing.NewLedger(t.TempDir(), log)
	require.NoError(t, err)
	recorder := billing.NewRecorder(ledger, log)

	account, err := ledger.CreateAccount("api@example.com", []string{testAPIKey}, "professional", nil)
	require.NoError(t, err)

	svc := scraper.NewService(registry, store, recorder, stubExtractor{}, nil, scraper.Config{Workers: 1, QueueSize: 10}, log)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })

	r := gin.New()
	r.POST("/auth/token", TokenHandler(ledger, testSecret, time.Hour, log))

	authorized := r.Group("/")
	authorized.Use(middleware.AuthRequired(ledger, testSecret, log))
	{
		authorized.POST("/scrape", CreateScrapeHandler(registry, store, svc, 10, log))
		authorized.GET("/scrape/:id", GetScrapeHandler(registry))
		authorized.GET("/scrape/:id/results", ResultsHandler(registry, store, log))
		authorized.POST("/scrape/:id/cancel", CancelHandler(registry))
		authorized.DELETE("/scrape/:id", DeleteScrapeHandler(registry, store, log))
		authorized.GET("/jobs", ListJobsHandler(registry))
		authorized.GET("/stats", StatsHandler(registry, store))
		authorized.GET("/account", AccountHandler(recorder, log))
		authorized.GET("/account/usage", UsageHandler(recorder, log))
		authorized.GET("/account/invoice", InvoiceHandler(recorder, log))
	}

	return &env{
		router:   r,
		registry: registry,
		store:    store,
		ledger:   ledger,
		recorder: recorder,
		service:  svc,
		account:  account,
	}
}

func (e *env) request(t *testing.T, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("X-API-Key", testAPIKey)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (e *env) submitJob(t *testing.T, urls []string) string {
	t.Helper()

	w := e.request(t, http.MethodPost, "/scrape", ScrapeRequest{URLs: urls}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	j := body["job"].(map[string]any)
	return j["job_id"].(string)
}

func (e *env) waitForTerminal(t *testing.T, id string) job.Job {
	t.Helper()

	var j job.Job
	require.Eventually(t, func() bool {
		cur, ok := e.registry.Get(id)
		if !ok {
			return false
		}
		j = cur
		return cur.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return j
}

func TestTokenExchange(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, e.account.ID, body["account_id"])

	// The minted token authenticates requests on its own.
	req = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+body["token"].(string))
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenExchangeUnknownKey(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.Header.Set("X-API-Key", "sk_bogus")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	w := e.request(t, http.MethodGet, "/jobs", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-API-Key", "sk_bogus")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateScrapeRunsToCompletion(t *testing.T) {
	e := newEnv(t)

	id := e.submitJob(t, []string{"https://a.example", "https://b.example"})
	j := e.waitForTerminal(t, id)
	assert.Equal(t, job.StatusCompleted, j.Status)

	w := e.request(t, http.MethodGet, "/scrape/"+id, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(100), body["progress_percent"])
}

func TestCreateScrapeValidation(t *testing.T) {
	e := newEnv(t)

	w := e.request(t, http.MethodPost, "/scrape", ScrapeRequest{}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.request(t, http.MethodPost, "/scrape", ScrapeRequest{URLs: []string{"  "}}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	urls := make([]string, 11)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://t%d.example", i)
	}
	w = e.request(t, http.MethodPost, "/scrape", ScrapeRequest{URLs: urls}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.request(t, http.MethodPost, "/scrape", ScrapeRequest{
		URLs:       []string{"https://a.example"},
		ScrapeType: "story",
	}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.request(t, http.MethodPost, "/scrape", ScrapeRequest{
		URLs:         []string{"https://a.example"},
		ExportFormat: "xml",
	}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateScrapeSpendingLimitPreflight(t *testing.T) {
	e := newEnv(t)

	limit := 0.0
	key := "sk_limited"
	_, err := e.ledger.CreateAccount("limited@example.com", []string{key}, "starter", &limit)
	require.NoError(t, err)

	// Exhaust the starter allowance so the next post is overage.
	_, err = e.recorder.RecordUsage(key, "seed-job", 1000, false, false, 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/scrape", bytes.NewBufferString(`{"urls":["https://a.example"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", key)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(0), body["spending_limit"])
	assert.Equal(t, 0.01, body["estimated_cost"])
}

func TestCreateScrapeUnpaidSubscription(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.ledger.SetSubscriptionPaid(e.account.ID, false))

	w := e.request(t, http.MethodPost, "/scrape", ScrapeRequest{URLs: []string{"https://a.example"}}, true)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestGetScrapeNotFound(t *testing.T) {
	e := newEnv(t)

	w := e.request(t, http.MethodGet, "/scrape/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResultsLifecycle(t *testing.T) {
	e := newEnv(t)

	// A job without results yet is rejected.
	_, err := e.registry.Create("pending", []string{"https://a.example"}, job.ScrapePost, job.ExportJSON, false, false)
	require.NoError(t, err)
	w := e.request(t, http.MethodGet, "/scrape/pending/results", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	id := e.submitJob(t, []string{"https://a.example", "https://b.example"})
	e.waitForTerminal(t, id)

	w = e.request(t, http.MethodGet, "/scrape/"+id+"/results", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["count"])
	assert.Len(t, body["results"], 2)

	// CSV comes back as an attachment.
	w = e.request(t, http.MethodGet, "/scrape/"+id+"/results?format=csv", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".csv")

	w = e.request(t, http.MethodGet, "/scrape/"+id+"/results?format=xml", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelFinishedJobRejected(t *testing.T) {
	e := newEnv(t)

	id := e.submitJob(t, []string{"https://a.example"})
	e.waitForTerminal(t, id)

	w := e.request(t, http.MethodPost, "/scrape/"+id+"/cancel", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.request(t, http.MethodPost, "/scrape/missing/cancel", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteScrape(t *testing.T) {
	e := newEnv(t)

	id := e.submitJob(t, []string{"https://a.example"})
	e.waitForTerminal(t, id)

	w := e.request(t, http.MethodDelete, "/scrape/"+id, nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.request(t, http.MethodGet, "/scrape/"+id, nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.request(t, http.MethodDelete, "/scrape/"+id, nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsAndStats(t *testing.T) {
	e := newEnv(t)

	first := e.submitJob(t, []string{"https://a.example"})
	e.waitForTerminal(t, first)

	w := e.request(t, http.MethodGet, "/jobs", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])

	w = e.request(t, http.MethodGet, "/jobs?status=queued", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(0), body["count"])

	w = e.request(t, http.MethodGet, "/jobs?status=bogus", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.request(t, http.MethodGet, "/stats", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	jobs := body["jobs"].(map[string]any)
	assert.Equal(t, float64(1), jobs["total"])
}

func TestAccountEndpoints(t *testing.T) {
	e := newEnv(t)

	id := e.submitJob(t, []string{"https://a.example", "https://b.example"})
	e.waitForTerminal(t, id)

	w := e.request(t, http.MethodGet, "/account", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, e.account.ID, body["user_id"])
	month := body["current_month"].(map[string]any)
	assert.Equal(t, float64(2), month["total_posts"])

	w = e.request(t, http.MethodGet, "/account/usage", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(2), body["total_posts"])
	assert.Equal(t, float64(1), body["num_jobs"])

	w = e.request(t, http.MethodGet, "/account/usage?month=13", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.request(t, http.MethodGet, "/account/invoice", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "professional", body["pricing_tier"])
	charges := body["charges"].(map[string]any)
	assert.Equal(t, 37.50, charges["subscription"])
}
