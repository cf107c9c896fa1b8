package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/backup-controller/internal/apierror"
	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/eventbus"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/models"
	"github.com/yourusername/backup-controller/internal/orchestrator"
	"github.com/yourusername/backup-controller/internal/registry"
	"github.com/yourusername/backup-controller/internal/scheduler"
	"github.com/yourusername/backup-controller/internal/storage"
)

// JobHandler implements the /api/jobs routes (spec §6), including the
// remote-path validation and local-path allocation that happen on create
// and on a name change.
type JobHandler struct {
	db       *database.DB
	store    *storage.Manager
	orc      *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	reg      *registry.Registry
	bus      *eventbus.Broadcaster
	activity *logging.ActivityLogger
}

// NewJobHandler wires a JobHandler from its service dependencies.
func NewJobHandler(db *database.DB, store *storage.Manager, orc *orchestrator.Orchestrator, sched *scheduler.Scheduler, reg *registry.Registry, bus *eventbus.Broadcaster, activity *logging.ActivityLogger) *JobHandler {
	return &JobHandler{db: db, store: store, orc: orc, sched: sched, reg: reg, bus: bus, activity: activity}
}

// ListJobs handles GET /api/jobs, optionally filtered by ?server_id=.
func (h *JobHandler) ListJobs(c *gin.Context) {
	jobs, err := h.db.ListJobs(c.Query("server_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// GetJob handles GET /api/jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.db.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type jobRequest struct {
	ServerID       string   `json:"server_id" binding:"required"`
	Name           string   `json:"name" binding:"required"`
	RemotePaths    []string `json:"remote_paths" binding:"required"`
	CronExpr       string   `json:"cron_expr"`
	Enabled        bool     `json:"enabled"`
	RetentionCount int      `json:"retention_count"`
}

// CreateJob handles POST /api/jobs: requires a configured backup root,
// validates every remote path exists via the agent, allocates the job's
// local base path, persists the row, and schedules it if cron+enabled.
func (h *JobHandler) CreateJob(c *gin.Context) {
	if h.store.Root() == "" {
		respondError(c, apierror.Precondition(http.StatusPreconditionFailed, "backup root is not configured"))
		return
	}

	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierror.Validation(err.Error()))
		return
	}
	if len(req.RemotePaths) == 0 {
		respondError(c, apierror.Validation("remote_paths must not be empty"))
		return
	}

	server, err := h.db.GetServer(req.ServerID)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.validateRemotePaths(c.Request.Context(), server.ID, req.RemotePaths); err != nil {
		respondError(c, err)
		return
	}

	localPath, err := h.store.AllocateJobPath(server.Name, req.Name)
	if err != nil {
		respondError(c, apierror.Internal(err.Error()))
		return
	}

	job := &models.Job{
		ID:             uuid.NewString(),
		ServerID:       server.ID,
		Name:           req.Name,
		RemotePaths:    models.RemotePaths(req.RemotePaths),
		LocalPath:      localPath,
		CronExpr:       req.CronExpr,
		Status:         models.JobIdle,
		Enabled:        req.Enabled,
		RetentionCount: req.RetentionCount,
	}
	if err := h.db.CreateJob(job); err != nil {
		respondError(c, err)
		return
	}

	if job.CronExpr != "" && job.Enabled {
		if err := h.sched.Schedule(job.ID, job.CronExpr); err != nil {
			logging.L().Error("job_schedule_failed", "job_id", job.ID, "error", err)
		}
	}

	h.bus.Broadcast("job:created", gin.H{"job_id": job.ID})
	c.JSON(http.StatusCreated, job)
}

// UpdateJob handles PUT /api/jobs/:id. A name change re-allocates the
// job's local path (the slug depends on the name); the cron schedule is
// always re-applied to reflect the possibly-changed expression/enabled bit.
func (h *JobHandler) UpdateJob(c *gin.Context) {
	job, err := h.db.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierror.Validation(err.Error()))
		return
	}
	if len(req.RemotePaths) == 0 {
		respondError(c, apierror.Validation("remote_paths must not be empty"))
		return
	}

	if err := h.validateRemotePaths(c.Request.Context(), job.ServerID, req.RemotePaths); err != nil {
		respondError(c, err)
		return
	}

	if req.Name != job.Name {
		server, err := h.db.GetServer(job.ServerID)
		if err != nil {
			respondError(c, err)
			return
		}
		localPath, err := h.store.AllocateJobPath(server.Name, req.Name)
		if err != nil {
			respondError(c, apierror.Internal(err.Error()))
			return
		}
		job.LocalPath = localPath
	}

	job.Name = req.Name
	job.RemotePaths = models.RemotePaths(req.RemotePaths)
	job.CronExpr = req.CronExpr
	job.Enabled = req.Enabled
	job.RetentionCount = req.RetentionCount

	if err := h.db.UpdateJob(job); err != nil {
		respondError(c, err)
		return
	}

	h.sched.Unschedule(job.ID)
	if job.CronExpr != "" && job.Enabled {
		if err := h.sched.Schedule(job.ID, job.CronExpr); err != nil {
			logging.L().Error("job_schedule_failed", "job_id", job.ID, "error", err)
		}
	}

	h.bus.Broadcast("job:updated", gin.H{"job_id": job.ID})
	c.JSON(http.StatusOK, job)
}

// DeleteJob handles DELETE /api/jobs/:id: cancels an in-flight run,
// unschedules the cron entry, deletes the DB row (cascading Versions/Logs),
// then removes the storage subtree asynchronously.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	job, err := h.db.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if h.orc.IsRunning(job.ID) {
		h.orc.Cancel(job.ID)
	}
	h.sched.Unschedule(job.ID)

	if err := h.db.DeleteJob(job.ID); err != nil {
		respondError(c, err)
		return
	}

	go func(path string) {
		if err := h.store.RemoveJobTree(path); err != nil {
			logging.L().Warn("job_tree_delete_failed", "path", path, "error", err)
		}
	}(job.LocalPath)

	h.bus.Broadcast("job:deleted", gin.H{"job_id": job.ID})
	c.Status(http.StatusNoContent)
}

type runJobRequest struct {
	Full bool `json:"full"`
}

// RunJob handles POST /api/jobs/:id/run; 409 if already running.
func (h *JobHandler) RunJob(c *gin.Context) {
	job, err := h.db.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if h.orc.IsRunning(job.ID) {
		respondError(c, apierror.Conflict("job is already running"))
		return
	}

	var req runJobRequest
	_ = c.ShouldBindJSON(&req)

	server, err := h.db.GetServer(job.ServerID)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.orc.Start(job, server, req.Full); err != nil {
		respondError(c, apierror.Internal(err.Error()))
		return
	}

	h.activity.LogJobRun(job.ID, job.ServerID, req.Full)
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

// CancelJob handles POST /api/jobs/:id/cancel; 404 if not running.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	if !h.orc.Cancel(jobID) {
		respondError(c, apierror.NotFound("job is not running"))
		return
	}

	job, err := h.db.GetJob(jobID)
	if err == nil {
		h.activity.LogJobCancel(job.ID, job.ServerID)
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// GetJobLogs handles GET /api/jobs/:id/logs?limit=N (default 50).
func (h *JobHandler) GetJobLogs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	logs, err := h.db.ListLogsByJob(c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// validateRemotePaths proxies one fs:browse RPC per path to confirm it
// exists on the agent before the job is persisted (spec §6 "validates
// each remote path via agent"), grounded on the same RPC explore uses.
func (h *JobHandler) validateRemotePaths(ctx context.Context, serverID string, paths []string) error {
	if !h.reg.IsConnected(serverID) {
		return apierror.Unavailable("agent not connected")
	}
	for _, p := range paths {
		raw, err := h.reg.Request(ctx, serverID, "fs:browse", map[string]any{"path": p}, 15*time.Second)
		if err != nil {
			return apierror.Precondition(http.StatusUnprocessableEntity, fmt.Sprintf("remote path check failed for %q: %v", p, err))
		}
		var result struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(raw, &result); err == nil && result.Error != "" {
			return apierror.Precondition(http.StatusUnprocessableEntity, fmt.Sprintf("remote path %q: %s", p, result.Error))
		}
	}
	return nil
}
