// Package models holds the persisted entity shapes from spec §3.
package models

import "time"

// AgentStatus is the Server's agent connection state.
type AgentStatus string

const (
	AgentDisconnected AgentStatus = "disconnected"
	AgentConnected    AgentStatus = "connected"
	AgentUpdating     AgentStatus = "updating"
	AgentError        AgentStatus = "error"
)

// Server is a remote host under management.
type Server struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Hostname      string      `json:"hostname"`
	Port          int         `json:"port"`
	SSHUser       string      `json:"ssh_user"`
	AgentStatus   AgentStatus `json:"agent_status"`
	AgentVersion  string      `json:"agent_version"`
	AgentLastSeen *time.Time  `json:"agent_last_seen,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
