package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// ActivityLogger persists a durable audit trail of deploys, job runs, and
// cancellations to the database, independent of the structured slog stream
// (which is for operational diagnostics, not a queryable history).
//
// Adapted from the teacher's server-lifecycle activity logger, repointed at
// backup-domain activity kinds.
type ActivityLogger struct {
	db *sql.DB
	mu sync.Mutex
}

// Activity is one recorded event.
type Activity struct {
	Timestamp    time.Time              `json:"timestamp"`
	ServerID     string                 `json:"server_id,omitempty"`
	JobID        string                 `json:"job_id,omitempty"`
	ActivityType string                 `json:"activity_type"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Activity type constants (spec SPEC_FULL §A.2).
const (
	ActivityServerDeploy    = "server.deploy"
	ActivityJobRun          = "job.run"
	ActivityJobCancel       = "job.cancel"
	ActivityJobFailed       = "job.failed"
	ActivityStorageRootMove = "storage.root_changed"
)

// NewActivityLogger wraps db for durable activity logging.
func NewActivityLogger(db *sql.DB) *ActivityLogger {
	return &ActivityLogger{db: db}
}

// LogActivity records one activity row.
func (al *ActivityLogger) LogActivity(activity *Activity) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now().UTC()
	}

	metadataJSON, err := json.Marshal(activity.Metadata)
	if err != nil {
		return fmt.Errorf("marshal activity metadata: %w", err)
	}

	_, err = al.db.Exec(`
		INSERT INTO activity_log (timestamp, server_id, job_id, activity_type, description, metadata, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		activity.Timestamp, activity.ServerID, activity.JobID, activity.ActivityType,
		activity.Description, string(metadataJSON), activity.Success, activity.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// LogServerDeploy logs an agent deployment attempt (spec §4.4).
func (al *ActivityLogger) LogServerDeploy(serverID string, success bool, detectedIP string, errorMsg string) error {
	return al.LogActivity(&Activity{
		ServerID:     serverID,
		ActivityType: ActivityServerDeploy,
		Description:  fmt.Sprintf("agent deploy (detected source ip: %s)", detectedIP),
		Metadata:     map[string]interface{}{"detected_source_ip": detectedIP},
		Success:      success,
		ErrorMessage: errorMsg,
	})
}

// LogJobRun logs a job run start (manual or scheduled).
func (al *ActivityLogger) LogJobRun(jobID, serverID string, full bool) error {
	return al.LogActivity(&Activity{
		ServerID:     serverID,
		JobID:        jobID,
		ActivityType: ActivityJobRun,
		Description:  fmt.Sprintf("run started (full: %v)", full),
		Metadata:     map[string]interface{}{"full": full},
		Success:      true,
	})
}

// LogJobCancel logs an operator-requested cancellation.
func (al *ActivityLogger) LogJobCancel(jobID, serverID string) error {
	return al.LogActivity(&Activity{
		ServerID:     serverID,
		JobID:        jobID,
		ActivityType: ActivityJobCancel,
		Description:  "run cancelled",
		Success:      true,
	})
}

// LogJobFailed logs a terminal run failure.
func (al *ActivityLogger) LogJobFailed(jobID, serverID, reason string) error {
	return al.LogActivity(&Activity{
		ServerID:     serverID,
		JobID:        jobID,
		ActivityType: ActivityJobFailed,
		Description:  "run failed",
		Success:      false,
		ErrorMessage: reason,
	})
}

// LogStorageRootChanged logs a backup_root relocation (spec §6 storage settings PUT).
func (al *ActivityLogger) LogStorageRootChanged(oldRoot, newRoot string) error {
	return al.LogActivity(&Activity{
		ActivityType: ActivityStorageRootMove,
		Description:  fmt.Sprintf("backup root moved: %s -> %s", oldRoot, newRoot),
		Metadata:     map[string]interface{}{"old_root": oldRoot, "new_root": newRoot},
		Success:      true,
	})
}

// GetActivities retrieves activities, optionally filtered by server/job id
// and a since-instant, newest first.
func (al *ActivityLogger) GetActivities(serverID, jobID string, since time.Time, limit int) ([]*Activity, error) {
	query := `SELECT timestamp, server_id, job_id, activity_type, description, metadata, success, error_message FROM activity_log WHERE 1=1`
	var args []interface{}

	if serverID != "" {
		query += " AND server_id = ?"
		args = append(args, serverID)
	}
	if jobID != "" {
		query += " AND job_id = ?"
		args = append(args, jobID)
	}
	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		a := &Activity{}
		var metadataJSON string
		if err := rows.Scan(&a.Timestamp, &a.ServerID, &a.JobID, &a.ActivityType, &a.Description, &metadataJSON, &a.Success, &a.ErrorMessage); err != nil {
			log.Printf("[ActivityLogger] error scanning row: %v", err)
			continue
		}
		if metadataJSON != "" {
			json.Unmarshal([]byte(metadataJSON), &a.Metadata)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close is a no-op retained for symmetry with the shutdown sequence; the
// underlying *sql.DB is closed separately by the database layer.
func (al *ActivityLogger) Close() error {
	return nil
}
