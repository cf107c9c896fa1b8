package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/backup-controller/internal/apierror"
	"github.com/yourusername/backup-controller/internal/config"
	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/deploy"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/models"
	"github.com/yourusername/backup-controller/internal/ping"
	"github.com/yourusername/backup-controller/internal/registry"
)

// ServerHandler implements the GET/POST/PUT/DELETE /api/servers routes and
// the ping-status and explore endpoints (spec §6).
type ServerHandler struct {
	db       *database.DB
	reg      *registry.Registry
	ping     *ping.Service
	cfg      *config.Config
	activity *logging.ActivityLogger
}

// NewServerHandler wires a ServerHandler from its service dependencies.
func NewServerHandler(db *database.DB, reg *registry.Registry, pingSvc *ping.Service, cfg *config.Config, activity *logging.ActivityLogger) *ServerHandler {
	return &ServerHandler{db: db, reg: reg, ping: pingSvc, cfg: cfg, activity: activity}
}

// ListServers handles GET /api/servers.
func (h *ServerHandler) ListServers(c *gin.Context) {
	servers, err := h.db.ListServers()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, servers)
}

// GetServer handles GET /api/servers/:id.
func (h *ServerHandler) GetServer(c *gin.Context) {
	server, err := h.db.GetServer(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

type createServerRequest struct {
	Name        string `json:"name" binding:"required"`
	Hostname    string `json:"hostname" binding:"required"`
	Port        int    `json:"port"`
	SSHUser     string `json:"ssh_user" binding:"required"`
	SSHPassword string `json:"ssh_password" binding:"required"`
}

// CreateServer handles POST /api/servers: it persists the row, then runs
// the §4.4 deploy pipeline synchronously. A deploy failure rolls the row
// back and reports 422, per spec §6.
func (h *ServerHandler) CreateServer(c *gin.Context) {
	var req createServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierror.Validation(err.Error()))
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}

	server := &models.Server{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Hostname:    req.Hostname,
		Port:        req.Port,
		SSHUser:     req.SSHUser,
		AgentStatus: models.AgentDisconnected,
	}
	if err := h.db.CreateServer(server); err != nil {
		respondError(c, err)
		return
	}

	result, err := deploy.Deploy(deploy.Options{
		ServerID:        server.ID,
		Host:            server.Hostname,
		SSHPort:         server.Port,
		SSHUser:         req.SSHUser,
		SSHPassword:     req.SSHPassword,
		AgentBinaryPath: h.cfg.Deploy.AgentBinaryPath,
		AgentPort:       h.cfg.Deploy.AgentPort,
		ControllerPort:  h.cfg.Server.Port,
		FallbackIP:      h.cfg.Deploy.BackupServerIP,
		KnownHostsPath:  h.cfg.Deploy.KnownHostsPath,
		TrustOnFirstUse: h.cfg.Deploy.TrustOnFirstUse,
	}, h.reg)
	if err != nil {
		h.activity.LogServerDeploy(server.ID, false, "", err.Error())
		if delErr := h.db.DeleteServer(server.ID); delErr != nil {
			logging.L().Error("server_rollback_failed", "server_id", server.ID, "error", delErr)
		}
		respondError(c, apierror.Precondition(http.StatusUnprocessableEntity, "agent deploy failed: "+err.Error()))
		return
	}

	h.activity.LogServerDeploy(server.ID, true, result.DetectedSourceIP, "")
	c.JSON(http.StatusCreated, server)
}

type updateServerRequest struct {
	Name     string `json:"name" binding:"required"`
	Hostname string `json:"hostname" binding:"required"`
	Port     int    `json:"port"`
	SSHUser  string `json:"ssh_user" binding:"required"`
}

// UpdateServer handles PUT /api/servers/:id.
func (h *ServerHandler) UpdateServer(c *gin.Context) {
	server, err := h.db.GetServer(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var req updateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierror.Validation(err.Error()))
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}

	server.Name = req.Name
	server.Hostname = req.Hostname
	server.Port = req.Port
	server.SSHUser = req.SSHUser
	if err := h.db.UpdateServer(server); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

// DeleteServer handles DELETE /api/servers/:id; Jobs/Versions/Logs cascade
// via the schema's foreign keys.
func (h *ServerHandler) DeleteServer(c *gin.Context) {
	if err := h.db.DeleteServer(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPingStatus handles GET /api/servers/ping-status, serving the cached
// snapshot the ping.Service maintains rather than probing live.
func (h *ServerHandler) GetPingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.ping.Snapshot())
}

// Explore handles GET /api/servers/:id/explore?path=…, proxying a
// fs:browse RPC to the agent over the registry's request/response channel.
// Grounded on original_source/backup-server-rs/src/routes/explorer.rs.
func (h *ServerHandler) Explore(c *gin.Context) {
	serverID := c.Param("id")
	if _, err := h.db.GetServer(serverID); err != nil {
		respondError(c, err)
		return
	}
	if !h.reg.IsConnected(serverID) {
		respondError(c, apierror.Unavailable("agent is not connected"))
		return
	}

	path := c.Query("path")
	if path == "" {
		path = "/"
	}

	raw, err := h.reg.Request(c.Request.Context(), serverID, "fs:browse", map[string]any{"path": path}, 30*time.Second)
	if err != nil {
		respondError(c, mapExploreError(err, path))
		return
	}

	var result struct {
		Error   string          `json:"error"`
		Entries json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		respondError(c, apierror.Internal("malformed agent response: "+err.Error()))
		return
	}
	if result.Error != "" {
		respondError(c, apierror.Internal(result.Error))
		return
	}
	if result.Entries == nil {
		result.Entries = json.RawMessage("[]")
	}
	c.Data(http.StatusOK, "application/json", result.Entries)
}

// mapExploreError classifies an agent-reported browse failure by message
// content, matching explorer.rs's permission/not-found substring checks.
func mapExploreError(err error, path string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Permission denied") || strings.Contains(msg, "EACCES"):
		return apierror.Validation("permission denied: " + path)
	case strings.Contains(msg, "No such file") || strings.Contains(msg, "not found"):
		return apierror.NotFound("path not found: " + path)
	default:
		return apierror.Internal(msg)
	}
}
