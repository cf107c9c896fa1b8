package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/yourusername/backup-controller/internal/api"
	"github.com/yourusername/backup-controller/internal/config"
	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/eventbus"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/orchestrator"
	"github.com/yourusername/backup-controller/internal/ping"
	"github.com/yourusername/backup-controller/internal/registry"
	"github.com/yourusername/backup-controller/internal/scheduler"
	"github.com/yourusername/backup-controller/internal/storage"
)

// shutdownWatchdog forces the process to exit if graceful shutdown hangs
// past this deadline (spec §5).
const shutdownWatchdog = 8 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := setupLogging(cfg); err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logging.Close()

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrations(cfg)
		return
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer db.Close()

	logging.L().Info("running_migrations")
	if err := db.Migrate(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	activityLogger := logging.NewActivityLogger(db.DB)
	defer activityLogger.Close()

	stopSnapshots := database.StartDailySnapshots(cfg.Database.Path, filepath.Join(cfg.Storage.DataDir, "backups"))
	defer stopSnapshots()

	backupRoot, err := resolveBackupRoot(db, cfg)
	if err != nil {
		log.Fatalf("failed to resolve backup root: %v", err)
	}
	store := storage.New(db, backupRoot)
	go store.BackfillManifests(db)

	bus := eventbus.New()
	defer bus.Close()

	reg := registry.New(db, bus)
	defer reg.CloseAll()

	orc := orchestrator.New(db, bus, reg, store, cfg.Concurrency.MaxGlobal, cfg.Concurrency.MaxPerServer)

	sched := scheduler.New(db, orc)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	pingSvc := ping.New(db, bus, reg)
	pingSvc.Start()

	router, closeSockets := api.SetupRouter(cfg, db, store, bus, reg, orc, sched, pingSvc, activityLogger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.L().Info("server_starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.L().Info("shutdown_initiated")

	done := make(chan struct{})
	go func() {
		runShutdownSequence(db, sched, pingSvc, orc, closeSockets, httpServer)
		close(done)
	}()

	select {
	case <-done:
		logging.L().Info("shutdown_completed")
	case <-time.After(shutdownWatchdog):
		logging.L().Error("shutdown_watchdog_forced_exit")
		os.Exit(1)
	}
}

// runShutdownSequence implements spec §5's six-stage ordering: unregister
// cron subscriptions and stop the cron loop, stop the ping timer, cancel
// running jobs, close the agent sockets and then the UI sockets
// (closeSockets), flush and close the database, then close the HTTP
// listener.
func runShutdownSequence(db *database.DB, sched *scheduler.Scheduler, pingSvc *ping.Service, orc *orchestrator.Orchestrator, closeSockets func(), httpServer *http.Server) {
	sched.UnscheduleAll()
	sched.Stop()
	pingSvc.Stop()
	orc.CancelAll()
	closeSockets()

	if err := db.Close(); err != nil {
		logging.L().Error("db_close_failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWatchdog)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logging.L().Error("http_shutdown_failed", "error", err)
	}
}

// resolveBackupRoot seeds the backup_root setting from the configured
// default on first boot; afterward the database row is authoritative so
// that a later change via PUT /api/storage/settings sticks across restarts.
func resolveBackupRoot(db *database.DB, cfg *config.Config) (string, error) {
	root, err := db.GetSetting("backup_root")
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return "", err
	}
	if root != "" {
		return root, nil
	}

	if err := os.MkdirAll(cfg.Storage.BackupRoot, 0755); err != nil {
		return "", fmt.Errorf("create default backup root: %w", err)
	}
	if err := db.SetSetting("backup_root", cfg.Storage.BackupRoot); err != nil {
		return "", err
	}
	return cfg.Storage.BackupRoot, nil
}

func setupLogging(cfg *config.Config) error {
	if cfg.Logging.File == "" {
		dataDir := cfg.Storage.DataDir
		if dataDir == "" {
			dataDir = "./data"
		}
		cfg.Logging.File = filepath.Join(dataDir, "logs", "server.log")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
		return err
	}
	_, err := logging.Init(cfg.Logging)
	return err
}

func runMigrations(cfg *config.Config) {
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migrations completed successfully")
}
