package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/backup-controller/internal/apierror"
	"github.com/yourusername/backup-controller/internal/config"
	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/models"
	"github.com/yourusername/backup-controller/internal/registry"
)

// AgentHandler implements the agent self-update and binary-serving routes
// (spec §6), grounded on
// original_source/backup-server-rs/src/routes/agent.rs.
type AgentHandler struct {
	db  *database.DB
	reg *registry.Registry
	cfg *config.Config
}

// NewAgentHandler wires an AgentHandler from its service dependencies.
func NewAgentHandler(db *database.DB, reg *registry.Registry, cfg *config.Config) *AgentHandler {
	return &AgentHandler{db: db, reg: reg, cfg: cfg}
}

// Update handles POST /api/agent/update/:serverId: it sends an
// agent:update frame pointing the agent at GET /api/agent/binary, then
// marks the server row "updating".
func (h *AgentHandler) Update(c *gin.Context) {
	serverID := c.Param("serverId")
	server, err := h.db.GetServer(serverID)
	if err != nil {
		respondError(c, err)
		return
	}

	if !h.reg.IsConnected(serverID) {
		respondError(c, apierror.Conflict("agent is not connected"))
		return
	}

	sent := h.reg.Send(serverID, "agent:update", gin.H{
		"download_path": "/api/agent/binary",
		"version":       "latest",
	})
	if !sent {
		respondError(c, apierror.Internal("failed to send update command"))
		return
	}

	if err := h.db.SetServerAgentState(serverID, models.AgentUpdating, server.AgentVersion, server.AgentLastSeen); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "update_initiated"})
}

// Binary handles GET /api/agent/binary: serves the configured agent binary
// for agents to self-update against.
func (h *AgentHandler) Binary(c *gin.Context) {
	path := h.cfg.Deploy.AgentBinaryPath
	if path == "" {
		respondError(c, apierror.NotFound("agent binary path is not configured"))
		return
	}
	c.FileAttachment(path, "backup-agent")
}
