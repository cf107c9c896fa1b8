package models

import (
	"encoding/json"
	"time"
)

// JobStatus is a Job's lifecycle state (spec §4.6 state machine).
type JobStatus string

const (
	JobIdle      JobStatus = "idle"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// RemotePaths is the "encoded sequence of strings" spec §9 calls out: a
// JSON array stored in a TEXT column. decode(encode(x)) == x by construction.
type RemotePaths []string

// Encode marshals the path list to its stored TEXT representation.
func (p RemotePaths) Encode() (string, error) {
	b, err := json.Marshal([]string(p))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeRemotePaths parses the stored TEXT representation back into a list.
func DecodeRemotePaths(encoded string) (RemotePaths, error) {
	if encoded == "" {
		return RemotePaths{}, nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(encoded), &paths); err != nil {
		return nil, err
	}
	return RemotePaths(paths), nil
}

// Job is a backup specification bound to a Server.
type Job struct {
	ID             string      `json:"id"`
	ServerID       string      `json:"server_id"`
	Name           string      `json:"name"`
	RemotePaths    RemotePaths `json:"remote_paths"`
	LocalPath      string      `json:"local_path"`
	CronExpr       string      `json:"cron_expr"`
	Status         JobStatus   `json:"status"`
	Enabled        bool        `json:"enabled"`
	RetentionCount int         `json:"retention_count"`
	LastRunAt      *time.Time  `json:"last_run_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
