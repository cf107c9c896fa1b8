package logging_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/logging"
)

func TestActivityLoggerLogActivity(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "data", "test.db")

	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}

	logger := logging.NewActivityLogger(db.DB)
	defer logger.Close()

	if err := logger.LogActivity(&logging.Activity{
		ServerID:     "server-1",
		ActivityType: logging.ActivityServerDeploy,
		Description:  "deployed",
		Success:      true,
	}); err != nil {
		t.Fatalf("failed to log activity: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM activity_log").Scan(&count); err != nil {
		t.Fatalf("failed to query activity log: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected activity_log to contain rows")
	}
}

func TestActivityLoggerGetActivitiesFilters(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "data", "test.db")

	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}

	logger := logging.NewActivityLogger(db.DB)
	defer logger.Close()

	if err := logger.LogJobRun("job-1", "server-1", true); err != nil {
		t.Fatalf("LogJobRun: %v", err)
	}
	if err := logger.LogJobFailed("job-2", "server-2", "remote path missing"); err != nil {
		t.Fatalf("LogJobFailed: %v", err)
	}

	acts, err := logger.GetActivities("server-1", "", time.Time{}, 0)
	if err != nil {
		t.Fatalf("GetActivities: %v", err)
	}
	if len(acts) != 1 || acts[0].JobID != "job-1" {
		t.Fatalf("expected 1 activity for server-1, got %+v", acts)
	}

	failed, err := logger.GetActivities("", "job-2", time.Time{}, 0)
	if err != nil {
		t.Fatalf("GetActivities: %v", err)
	}
	if len(failed) != 1 || failed[0].Success {
		t.Fatalf("expected 1 failed activity for job-2, got %+v", failed)
	}
}
