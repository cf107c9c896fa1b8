package models

import "time"

// VersionStatus is a Version's terminal/non-terminal state.
type VersionStatus string

const (
	VersionRunning   VersionStatus = "running"
	VersionCompleted VersionStatus = "completed"
	VersionFailed    VersionStatus = "failed"
)

// Version is one snapshot attempt of a Job.
type Version struct {
	ID               string        `json:"id"`
	JobID            string        `json:"job_id"`
	LogID            *string       `json:"log_id,omitempty"`
	Timestamp        string        `json:"timestamp"` // YYYY-MM-DD_HH-MM-SS
	LocalPath        string        `json:"local_path"`
	Status           VersionStatus `json:"status"`
	BytesTransferred int64         `json:"bytes_transferred"`
	TotalBytes       int64         `json:"total_bytes"`
	FilesTransferred int           `json:"files_transferred"`
	UnchangedFiles   int           `json:"unchanged_files"`
	UnchangedBytes   int64         `json:"unchanged_bytes"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// VersionMeta is the on-disk `.version-meta.json` written on completion
// (spec §6 Persisted layout).
type VersionMeta struct {
	VersionID        string `json:"version_id"`
	Timestamp        string `json:"timestamp"`
	BytesTransferred int64  `json:"bytes_transferred"`
	FilesTransferred int    `json:"files_transferred"`
	UnchangedFiles   int    `json:"unchanged_files"`
	UnchangedBytes   int64  `json:"unchanged_bytes"`
	Status           string `json:"status"`
}
