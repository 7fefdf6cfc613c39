// Command orchestratord runs the TextLoom task orchestration core: the
// worker pool that drives tasks through stages 1-5, the Poller that
// resolves submitted video merges, and the Housekeeping maintenance loop.
// It exposes a thin /healthz + /metrics operational surface — not the task
// CRUD REST API, which is served by a separate process (spec §1/§6.3).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/textloom/orchestrator/internal/clock"
	"github.com/textloom/orchestrator/internal/collaborators/mediaanalyze"
	"github.com/textloom/orchestrator/internal/collaborators/mediafetch"
	"github.com/textloom/orchestrator/internal/collaborators/scriptgen"
	"github.com/textloom/orchestrator/internal/collaborators/subtitle"
	"github.com/textloom/orchestrator/internal/collaborators/upload"
	"github.com/textloom/orchestrator/internal/collaborators/videomerge"
	"github.com/textloom/orchestrator/internal/config"
	"github.com/textloom/orchestrator/internal/dispatcher"
	"github.com/textloom/orchestrator/internal/housekeeping"
	"github.com/textloom/orchestrator/internal/metrics"
	"github.com/textloom/orchestrator/internal/notify"
	"github.com/textloom/orchestrator/internal/poller"
	"github.com/textloom/orchestrator/internal/stages"
	"github.com/textloom/orchestrator/internal/store"
	"github.com/textloom/orchestrator/internal/workspace"
	"github.com/textloom/orchestrator/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}
	slog.SetDefault(cfg.NewLogger())
	slog.Info("starting orchestratord", "version", version.Full(), "pod_id", cfg.Env.PodID)

	db, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ws, err := workspace.New(cfg.Env.WorkspaceRoot)
	if err != nil {
		slog.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(registry)
	observer := collectors.Observer()

	notifier := notify.New(cfg.NotifyConfig())

	fetcher := mediafetch.New(http.DefaultClient).WithObserver(observer)
	analyzer := mediaanalyze.New(cfg.Env.AnthropicAPIKey, "").WithObserver(observer)
	generator, err := scriptgen.New(scriptgen.Config{
		Backend: scriptgen.Backend(cfg.Env.ScriptGenBackend),
		APIKey:  cfg.Env.AnthropicAPIKey,
		Model:   cfg.Env.ScriptGenModel,
	})
	if err != nil {
		slog.Error("failed to construct script generator", "error", err)
		os.Exit(1)
	}
	generator = generator.WithObserver(observer)

	merge := videomerge.New(cfg.Env.VideoMergeBaseURL, http.DefaultClient).WithObserver(observer)
	subtitleRenderer := subtitle.New(cfg.Env.SubtitleBaseURL, http.DefaultClient)

	uploader, err := upload.New(ctx, upload.Config{
		Backend:         upload.Backend(cfg.Env.UploadBackend),
		LocalDir:        cfg.Env.UploadLocalDir,
		Bucket:          cfg.Env.UploadBucket,
		Region:          cfg.Env.UploadRegion,
		Endpoint:        cfg.Env.UploadEndpoint,
		AccessKeyID:     cfg.Env.UploadAccessKey,
		SecretAccessKey: cfg.Env.UploadSecretKey,
		PublicBaseURL:   cfg.Env.UploadPublicBaseURL,
		Observer:        observer,
	})
	if err != nil {
		slog.Error("failed to construct uploader", "error", err)
		os.Exit(1)
	}

	deps := &stages.Deps{
		Store:               db,
		Clock:               clock.Real{},
		IDs:                 clock.UUIDGenerator{},
		Fetcher:             fetcher,
		Uploader:            uploader,
		Analyzer:            analyzer,
		Generator:           generator,
		Submitter:           merge,
		CollaboratorTimeout: cfg.YAML.Collaborator.CallTimeout,
	}

	dp := dispatcher.New(cfg.Env.PodID, db, clock.Real{}, deps, notifier, cfg.DispatcherConfig())
	pl := poller.New(db, clock.Real{}, merge, subtitleRenderer, notifier, cfg.PollerConfig())
	hk := housekeeping.New(db, clock.Real{}, ws, cfg.HousekeepingConfig())

	// Reclaim every already-expired lease, whichever pod held it, before
	// handing those tasks' rows to a fresh set of worker goroutines.
	hk.ReclaimStartupOrphans(ctx)

	dp.Start(ctx)
	pl.Start(ctx)
	hk.Start(ctx)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(reqCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "pool": dp.Health()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Env.HTTPPort), Handler: router}
	go func() {
		slog.Info("operational HTTP surface listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	hk.Stop()
	pl.Stop()
	dp.Stop()
	slog.Info("orchestratord stopped")
}
