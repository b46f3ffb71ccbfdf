package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/api"
	"github.com/gramharvest/scraper-api/internal/billing"
	"github.com/gramharvest/scraper-api/internal/config"
	"github.com/gramharvest/scraper-api/internal/extractor"
	"github.com/gramharvest/scraper-api/internal/job"
	"github.com/gramharvest/scraper-api/internal/logging"
	"github.com/gramharvest/scraper-api/internal/metrics"
	"github.com/gramharvest/scraper-api/internal/middleware"
	"github.com/gramharvest/scraper-api/internal/scraper"
	"github.com/gramharvest/scraper-api/internal/storage"
)

const serviceName = "scraper-api"

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	registry := job.NewRegistry(log)

	store, err := storage.NewManager(cfg.DataDir, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	ledger, err := billing.NewLedger(cfg.DataDir, log)
	if err != nil {
		log.Fatal("failed to initialize ledger", zap.Error(err))
	}
	recorder := billing.NewRecorder(ledger, log)

	m := metrics.New()

	ext := extractor.NewHTML(cfg.ScrapeTimeout, cfg.ScrapeDelay, log)
	svc := scraper.NewService(registry, store, recorder, ext, m, scraper.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	}, log)
	if err := svc.Start(); err != nil {
		log.Fatal("failed to start scraper service", zap.Error(err))
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@hourly", func() {
		registry.Cleanup(cfg.CleanupMaxAge)
	}); err != nil {
		log.Fatal("failed to schedule cleanup", zap.Error(err))
	}
	sweeper.Start()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(m.Middleware())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": serviceName,
			"docs":    "POST /auth/token, POST /scrape, GET /scrape/:id",
		})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
			"service":   serviceName,
		})
	})
	r.GET("/metrics", m.Handler())

	r.POST("/auth/token", api.TokenHandler(ledger, cfg.JWTSecret, cfg.TokenDuration, log))

	authorized := r.Group("/")
	authorized.Use(middleware.AuthRequired(ledger, cfg.JWTSecret, log))
	{
		authorized.POST("/scrape", api.CreateScrapeHandler(registry, store, svc, cfg.MaxURLsPerJob, log))
		authorized.GET("/scrape/:id", api.GetScrapeHandler(registry))
		authorized.GET("/scrape/:id/results", api.ResultsHandler(registry, store, log))
		authorized.POST("/scrape/:id/cancel", api.CancelHandler(registry))
		authorized.DELETE("/scrape/:id", api.DeleteScrapeHandler(registry, store, log))
		authorized.GET("/jobs", api.ListJobsHandler(registry))
		authorized.GET("/stats", api.StatsHandler(registry, store))
		authorized.GET("/account", api.AccountHandler(recorder, log))
		authorized.GET("/account/usage", api.UsageHandler(recorder, log))
		authorized.GET("/account/invoice", api.InvoiceHandler(recorder, log))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Info("starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}

	sweeper.Stop()
	if err := svc.Stop(); err != nil {
		log.Warn("failed to stop scraper service", zap.Error(err))
	}

	log.Info("server exited")
}
