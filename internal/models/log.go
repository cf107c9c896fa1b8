package models

import "time"

// Log is a per-run audit record, cascade-deleted with its Job.
type Log struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         string     `json:"status"`
	BytesTotal     int64      `json:"bytes_total"`
	FilesTotal     int        `json:"files_total"`
	UnchangedFiles int        `json:"unchanged_files"`
	UnchangedBytes int64      `json:"unchanged_bytes"`
	Output         string     `json:"output"`
	Error          string     `json:"error,omitempty"`
}
