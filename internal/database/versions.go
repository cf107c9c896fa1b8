package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/backup-controller/internal/models"
)

const versionSelect = `
	SELECT id, job_id, log_id, timestamp, local_path, status, bytes_transferred, total_bytes, files_transferred, unchanged_files, unchanged_bytes, created_at, completed_at
	FROM versions`

// CreateVersion inserts a new Version row with status "running" (spec §4.6:
// created eagerly at run start).
func (db *DB) CreateVersion(v *models.Version) error {
	v.CreatedAt = time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO versions (id, job_id, log_id, timestamp, local_path, status, bytes_transferred, total_bytes, files_transferred, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.JobID, v.LogID, v.Timestamp, v.LocalPath, string(v.Status), v.BytesTransferred, v.TotalBytes, v.FilesTransferred, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create version: %w", err)
	}
	return nil
}

// GetVersion fetches one Version by id.
func (db *DB) GetVersion(id string) (*models.Version, error) {
	row := db.QueryRow(versionSelect+" WHERE id = ?", id)
	return scanVersion(row)
}

// ListVersionsByJob returns every Version for a Job, newest first.
func (db *DB) ListVersionsByJob(jobID string) ([]*models.Version, error) {
	rows, err := db.Query(versionSelect+" WHERE job_id = ? ORDER BY timestamp DESC", jobID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// ListAllVersions returns every Version across all jobs, newest first.
func (db *DB) ListAllVersions() ([]*models.Version, error) {
	rows, err := db.Query(versionSelect + " ORDER BY timestamp DESC")
	if err != nil {
		return nil, fmt.Errorf("list all versions: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// ListVersionsByServer returns every Version belonging to a server's jobs,
// newest first — used to gather paths before a by-server bulk delete.
func (db *DB) ListVersionsByServer(serverID string) ([]*models.Version, error) {
	rows, err := db.Query(versionSelect+` WHERE job_id IN (SELECT id FROM jobs WHERE server_id = ?) ORDER BY timestamp DESC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list versions by server: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// FindLatestCompletedVersion returns the most recent completed Version for
// a Job, or ErrNotFound if none exists — the link-dest source (spec §4.5).
func (db *DB) FindLatestCompletedVersion(jobID string) (*models.Version, error) {
	row := db.QueryRow(versionSelect+` WHERE job_id = ? AND status = 'completed' ORDER BY timestamp DESC LIMIT 1`, jobID)
	return scanVersion(row)
}

// ListCompletedVersionsDesc returns completed Versions for a Job sorted
// newest-first, for retention enforcement (spec §4.5).
func (db *DB) ListCompletedVersionsDesc(jobID string) ([]*models.Version, error) {
	rows, err := db.Query(versionSelect+` WHERE job_id = ? AND status = 'completed' ORDER BY timestamp DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list completed versions: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// UpdateVersionOnCompletion seals a Version as completed with final totals,
// including the incremental-backup unchanged-file/byte counts (spec
// §C.1's richer `backup:completed` payload).
func (db *DB) UpdateVersionOnCompletion(versionID string, bytesTransferred int64, filesTransferred int, totalBytes int64, unchangedFiles int, unchangedBytes int64) error {
	now := time.Now().UTC()
	_, err := db.Exec(`
		UPDATE versions SET status='completed', bytes_transferred=?, files_transferred=?, total_bytes=?, unchanged_files=?, unchanged_bytes=?, completed_at=?
		WHERE id=?`,
		bytesTransferred, filesTransferred, totalBytes, unchangedFiles, unchangedBytes, now, versionID,
	)
	if err != nil {
		return fmt.Errorf("update version on completion: %w", err)
	}
	return nil
}

// UpdateVersionProgress records an in-flight progress snapshot without
// sealing the row (still "running").
func (db *DB) UpdateVersionProgress(versionID string, bytesTransferred int64, totalBytes int64) error {
	_, err := db.Exec(`UPDATE versions SET bytes_transferred=?, total_bytes=? WHERE id=?`, bytesTransferred, totalBytes, versionID)
	return err
}

// SetVersionStatus seals a Version as failed (or another terminal status)
// without the completion totals.
func (db *DB) SetVersionStatus(versionID string, status models.VersionStatus) error {
	now := time.Now().UTC()
	_, err := db.Exec(`UPDATE versions SET status=?, completed_at=? WHERE id=?`, string(status), now, versionID)
	return err
}

// DeleteVersion removes a Version row (the filesystem delete is the
// caller's responsibility and happens asynchronously, spec §4.5).
func (db *DB) DeleteVersion(id string) error {
	_, err := db.Exec("DELETE FROM versions WHERE id = ?", id)
	return err
}

// DeleteVersionsByJob removes all Version rows for a job, returning the
// number of rows deleted.
func (db *DB) DeleteVersionsByJob(jobID string) (int64, error) {
	res, err := db.Exec("DELETE FROM versions WHERE job_id = ?", jobID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteVersionsByServer removes all Version rows belonging to a server's
// jobs, returning the number of rows deleted.
func (db *DB) DeleteVersionsByServer(serverID string) (int64, error) {
	res, err := db.Exec(`DELETE FROM versions WHERE job_id IN (SELECT id FROM jobs WHERE server_id = ?)`, serverID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanVersions(rows *sql.Rows) ([]*models.Version, error) {
	var out []*models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(row rowScanner) (*models.Version, error) {
	var v models.Version
	var status string
	var logID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&v.ID, &v.JobID, &logID, &v.Timestamp, &v.LocalPath, &status, &v.BytesTransferred, &v.TotalBytes, &v.FilesTransferred, &v.UnchangedFiles, &v.UnchangedBytes, &v.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	v.Status = models.VersionStatus(status)
	if logID.Valid {
		v.LogID = &logID.String
	}
	if completedAt.Valid {
		v.CompletedAt = &completedAt.Time
	}
	return &v, nil
}
