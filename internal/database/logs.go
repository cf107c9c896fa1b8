package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/yourusername/backup-controller/internal/models"
)

// CreateLog inserts a new Log row with status "running".
func (db *DB) CreateLog(l *models.Log) error {
	l.StartedAt = time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO logs (id, job_id, started_at, status, bytes_total, files_total, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.JobID, l.StartedAt, l.Status, l.BytesTotal, l.FilesTotal, l.Output, l.Error,
	)
	if err != nil {
		return fmt.Errorf("create log: %w", err)
	}
	return nil
}

// FinishLog seals a Log row with its terminal status and totals, including
// the incremental-backup unchanged-file/byte counts (spec §C.1).
func (db *DB) FinishLog(id string, status string, bytesTotal int64, filesTotal int, unchangedFiles int, unchangedBytes int64, errText string) error {
	now := time.Now().UTC()
	_, err := db.Exec(`
		UPDATE logs SET finished_at=?, status=?, bytes_total=?, files_total=?, unchanged_files=?, unchanged_bytes=?, error=?
		WHERE id=?`,
		now, status, bytesTotal, filesTotal, unchangedFiles, unchangedBytes, errText, id,
	)
	return err
}

// ListLogsByJob returns the most recent `limit` logs for a job, newest first.
func (db *DB) ListLogsByJob(jobID string, limit int) ([]*models.Log, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, job_id, started_at, finished_at, status, bytes_total, files_total, unchanged_files, unchanged_bytes, output, error
		FROM logs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []*models.Log
	for rows.Next() {
		var l models.Log
		var finishedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.JobID, &l.StartedAt, &finishedAt, &l.Status, &l.BytesTotal, &l.FilesTotal, &l.UnchangedFiles, &l.UnchangedBytes, &l.Output, &l.Error); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if finishedAt.Valid {
			l.FinishedAt = &finishedAt.Time
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
