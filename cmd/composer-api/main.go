package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/videocompose/composer/pkg/common/config"
	"github.com/videocompose/composer/pkg/common/logging"
	"github.com/videocompose/composer/pkg/common/validation"
	"github.com/videocompose/composer/pkg/diagnostics"
	"github.com/videocompose/composer/pkg/dispatcher"
	"github.com/videocompose/composer/pkg/facade"
	"github.com/videocompose/composer/pkg/ffmpegenc"
	"github.com/videocompose/composer/pkg/httpapi"
	"github.com/videocompose/composer/pkg/progress"
	"github.com/videocompose/composer/pkg/registry"
	"github.com/videocompose/composer/pkg/repository/postgres"
	"github.com/videocompose/composer/pkg/sweeper"
	"github.com/videocompose/composer/pkg/videorepo"
	"github.com/videocompose/composer/pkg/worker"
	"golang.org/x/net/http2"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		ffmpegPath  = flag.String("ffmpeg", "", "Path to the ffmpeg binary (defaults to $PATH lookup)")
		catalogFile = flag.String("catalog", "", "Path to a JSON file seeding the video catalog (optional)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logCfg := logging.DefaultConfig()
	if lvl, parseErr := logging.ParseLogLevel(cfg.Logging.Level); parseErr == nil {
		logCfg.Level = lvl
	}
	if cfg.Logging.Format == "json" {
		logCfg.Format = logging.JSONFormat
	}
	appLog := logging.NewLogger(logCfg)

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer dbCancel()
	repo, err := postgres.NewTaskDatabase(dbCtx, &postgres.DatabaseConfig{
		ConnectionString: cfg.Database.DSN,
		MaxConnections:   cfg.Database.MaxConnections,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer repo.Close()

	if err := repo.MigrateToLatest(dbCtx); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	reg := registry.New(appLog)
	prog := progress.New(appLog)
	disp := dispatcher.New(reg, prog, cfg.Worker.MaxConcurrentWorkers, appLog)
	fac := facade.New(reg, prog, disp, repo, appLog)

	diagIndex, err := diagnostics.New(diagnostics.DefaultConfig(), appLog)
	if err != nil {
		appLog.Error("diagnostics index disabled: failed to open", map[string]interface{}{"error": err.Error()})
	} else {
		if err := diagIndex.Start(); err != nil {
			appLog.Error("diagnostics index disabled: failed to start", map[string]interface{}{"error": err.Error()})
			diagIndex = nil
		} else {
			fac.WithDiagnostics(diagIndex)
			defer diagIndex.Stop()
		}
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sw := sweeper.New(reg, prog, fac,
		time.Duration(cfg.Worker.WorkerTimeoutSeconds)*time.Second,
		time.Duration(cfg.Worker.StaleSweepIntervalSeconds)*time.Second,
		appLog,
	)
	go sw.Run(sweepCtx)

	catalog := videorepo.New(1000, 0.01)
	if *catalogFile != "" {
		if err := seedCatalogFromFile(catalog, *catalogFile); err != nil {
			appLog.Error("failed to seed video catalog", map[string]interface{}{"error": err.Error()})
		}
	}
	fac.WithCatalog(catalog)

	encoder := ffmpegenc.New(*ffmpegPath)
	newWorker := func() dispatcher.WorkerFunc {
		w := worker.New(fac, catalog, encoder, repo, cfg.Worker.OutputRoot, appLog)
		return w.Run
	}

	if err := os.MkdirAll(cfg.Worker.OutputRoot, 0o755); err != nil {
		log.Fatalf("failed to create output root %q: %v", cfg.Worker.OutputRoot, err)
	}

	srv := httpapi.NewServer(fac, diagIndex, newWorker, httpapi.Config{
		OutputRoot: cfg.Worker.OutputRoot,
		BaseURL:    fmt.Sprintf("http://%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		RateLimit:  validation.DefaultRateLimitConfig(),
	}, appLog)
	defer srv.Shutdown()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: srv.Router(),
	}
	if err := http2.ConfigureServer(httpServer, &http2.Server{}); err != nil {
		appLog.Warn("h2c/http2 support disabled", map[string]interface{}{"error": err.Error()})
	}

	if *configFile != "" {
		stopWatch, err := config.WatchFile(*configFile, appLog, func(r config.Reloadable) {
			disp.SetMaxConcurrent(r.MaxConcurrentWorkers)
			sw.SetInterval(time.Duration(r.StaleSweepIntervalSeconds) * time.Second)
		})
		if err != nil {
			appLog.Warn("config hot-reload disabled", map[string]interface{}{"error": err.Error()})
		} else {
			defer stopWatch()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		appLog.Info("shutdown signal received, draining in-flight requests", nil)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLog.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	appLog.Info("composer-api starting", map[string]interface{}{
		"addr": httpServer.Addr,
	})
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server exited: %v", err)
	}
}

// seedCatalogFromFile loads a JSON array of videorepo.Entry values and
// seeds the catalog from it. Populating the real catalog (from whatever
// owns video metadata) is out of scope; this only gives the binary a way
// to run standalone against a fixture file.
func seedCatalogFromFile(repo *videorepo.Repository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}

	var entries []videorepo.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse catalog file: %w", err)
	}

	repo.Seed(entries)
	return nil
}
