package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/backup-controller/internal/models"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("not found")

// CreateServer inserts a new Server row.
func (db *DB) CreateServer(s *models.Server) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := db.Exec(`
		INSERT INTO servers (id, name, hostname, port, ssh_user, agent_status, agent_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Hostname, s.Port, s.SSHUser, string(s.AgentStatus), s.AgentVersion, now, now,
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return nil
}

// DeleteServer removes a Server row; cascades to Jobs/Versions/Logs via FK.
func (db *DB) DeleteServer(id string) error {
	_, err := db.Exec("DELETE FROM servers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return nil
}

// GetServer fetches one Server by id.
func (db *DB) GetServer(id string) (*models.Server, error) {
	row := db.QueryRow(`
		SELECT id, name, hostname, port, ssh_user, agent_status, agent_version, agent_last_seen, created_at, updated_at
		FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

// ListServers returns all Server rows ordered by name.
func (db *DB) ListServers() ([]*models.Server, error) {
	rows, err := db.Query(`
		SELECT id, name, hostname, port, ssh_user, agent_status, agent_version, agent_last_seen, created_at, updated_at
		FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []*models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateServer overwrites the mutable fields of a Server row.
func (db *DB) UpdateServer(s *models.Server) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := db.Exec(`
		UPDATE servers SET name=?, hostname=?, port=?, ssh_user=?, updated_at=?
		WHERE id=?`,
		s.Name, s.Hostname, s.Port, s.SSHUser, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	return nil
}

// SetServerAgentState updates the agent-connection-derived fields only;
// called by the registry on register/disconnect, independent of REST edits.
func (db *DB) SetServerAgentState(id string, status models.AgentStatus, version string, lastSeen *time.Time) error {
	_, err := db.Exec(`
		UPDATE servers SET agent_status=?, agent_version=?, agent_last_seen=?, updated_at=?
		WHERE id=?`,
		string(status), version, lastSeen, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set server agent state: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*models.Server, error) {
	var s models.Server
	var status string
	var lastSeen sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.Hostname, &s.Port, &s.SSHUser, &status, &s.AgentVersion, &lastSeen, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	s.AgentStatus = models.AgentStatus(status)
	if lastSeen.Valid {
		s.AgentLastSeen = &lastSeen.Time
	}
	return &s, nil
}
