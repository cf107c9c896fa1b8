package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/backup-controller/internal/models"
)

// CreateJob inserts a new Job row.
func (db *DB) CreateJob(j *models.Job) error {
	encoded, err := j.RemotePaths.Encode()
	if err != nil {
		return fmt.Errorf("encode remote paths: %w", err)
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	_, err = db.Exec(`
		INSERT INTO jobs (id, server_id, name, remote_paths, local_path, cron_expr, status, enabled, retention_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ServerID, j.Name, encoded, j.LocalPath, j.CronExpr, string(j.Status), j.Enabled, j.RetentionCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob fetches one Job by id.
func (db *DB) GetJob(id string) (*models.Job, error) {
	row := db.QueryRow(jobSelect+" WHERE id = ?", id)
	return scanJob(row)
}

// ListJobs returns all Jobs, optionally filtered by server id.
func (db *DB) ListJobs(serverID string) ([]*models.Job, error) {
	var rows *sql.Rows
	var err error
	if serverID != "" {
		rows, err = db.Query(jobSelect+" WHERE server_id = ? ORDER BY name", serverID)
	} else {
		rows, err = db.Query(jobSelect + " ORDER BY name")
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListEnabledScheduledJobs returns every enabled Job with a non-empty cron
// expression, for the scheduler's startup subscription pass (spec §4.7).
func (db *DB) ListEnabledScheduledJobs() ([]*models.Job, error) {
	rows, err := db.Query(jobSelect + " WHERE enabled = 1 AND cron_expr != ''")
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJob overwrites the mutable fields of a Job row.
func (db *DB) UpdateJob(j *models.Job) error {
	encoded, err := j.RemotePaths.Encode()
	if err != nil {
		return fmt.Errorf("encode remote paths: %w", err)
	}
	j.UpdatedAt = time.Now().UTC()
	_, err = db.Exec(`
		UPDATE jobs SET name=?, remote_paths=?, local_path=?, cron_expr=?, enabled=?, retention_count=?, updated_at=?
		WHERE id=?`,
		j.Name, encoded, j.LocalPath, j.CronExpr, j.Enabled, j.RetentionCount, j.UpdatedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// SetJobStatus transitions a Job's status and, on run-start, its last-run
// instant (spec §4.6 state machine).
func (db *DB) SetJobStatus(id string, status models.JobStatus, touchLastRun bool) error {
	now := time.Now().UTC()
	if touchLastRun {
		_, err := db.Exec("UPDATE jobs SET status=?, last_run_at=?, updated_at=? WHERE id=?", string(status), now, now, id)
		return err
	}
	_, err := db.Exec("UPDATE jobs SET status=?, updated_at=? WHERE id=?", string(status), now, id)
	return err
}

// DeleteJob removes a Job row; cascades to Versions/Logs via FK.
func (db *DB) DeleteJob(id string) error {
	_, err := db.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// LocalPathExists reports whether a Job already owns this local base path,
// used by the storage layout manager's collision-suffixing loop (spec §4.5).
func (db *DB) LocalPathExists(localPath string) (bool, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(1) FROM jobs WHERE local_path = ?", localPath).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check local path: %w", err)
	}
	return n > 0, nil
}

const jobSelect = `
	SELECT id, server_id, name, remote_paths, local_path, cron_expr, status, enabled, retention_count, last_run_at, created_at, updated_at
	FROM jobs`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var encoded, status string
	var lastRun sql.NullTime
	err := row.Scan(&j.ID, &j.ServerID, &j.Name, &encoded, &j.LocalPath, &j.CronExpr, &status, &j.Enabled, &j.RetentionCount, &lastRun, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = models.JobStatus(status)
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	paths, err := models.DecodeRemotePaths(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode remote paths: %w", err)
	}
	j.RemotePaths = paths
	return &j, nil
}
