package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/eventbus"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/storage"
)

// VersionHandler implements the /api/versions routes (spec §6): every
// delete path removes the DB row first and cleans up the filesystem
// subtree asynchronously, grounded on
// original_source/backup-server-rs/src/routes/versions.rs.
type VersionHandler struct {
	db    *database.DB
	store *storage.Manager
	bus   *eventbus.Broadcaster
}

// NewVersionHandler wires a VersionHandler from its service dependencies.
func NewVersionHandler(db *database.DB, store *storage.Manager, bus *eventbus.Broadcaster) *VersionHandler {
	return &VersionHandler{db: db, store: store, bus: bus}
}

// ListVersions handles GET /api/versions?job_id=….
func (h *VersionHandler) ListVersions(c *gin.Context) {
	if jobID := c.Query("job_id"); jobID != "" {
		list, err := h.db.ListVersionsByJob(jobID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
		return
	}

	list, err := h.db.ListAllVersions()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetVersion handles GET /api/versions/:id.
func (h *VersionHandler) GetVersion(c *gin.Context) {
	v, err := h.db.GetVersion(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// DeleteVersion handles DELETE /api/versions/:id.
func (h *VersionHandler) DeleteVersion(c *gin.Context) {
	id := c.Param("id")
	v, err := h.db.GetVersion(id)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.db.DeleteVersion(id); err != nil {
		respondError(c, err)
		return
	}

	go func(path string) {
		if err := h.store.RemoveJobTree(path); err != nil {
			logging.L().Warn("version_delete_failed", "path", path, "error", err)
		}
	}(v.LocalPath)

	h.bus.Broadcast("version:deleted", gin.H{"version_id": id, "job_id": v.JobID})
	c.Status(http.StatusNoContent)
}

// DeleteByJob handles DELETE /api/versions/by-job/:jobId.
func (h *VersionHandler) DeleteByJob(c *gin.Context) {
	jobID := c.Param("jobId")
	versions, err := h.db.ListVersionsByJob(jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	count, err := h.db.DeleteVersionsByJob(jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	for _, v := range versions {
		go func(path string) {
			if err := h.store.RemoveJobTree(path); err != nil {
				logging.L().Warn("version_bulk_delete_failed", "path", path, "error", err)
			}
		}(v.LocalPath)
	}

	h.bus.Broadcast("version:bulk-deleted", gin.H{"job_id": jobID, "deleted_count": count})
	c.JSON(http.StatusOK, gin.H{"deleted": count, "kept": 0})
}

// DeleteByServer handles DELETE /api/versions/by-server/:serverId.
func (h *VersionHandler) DeleteByServer(c *gin.Context) {
	serverID := c.Param("serverId")
	versions, err := h.db.ListVersionsByServer(serverID)
	if err != nil {
		respondError(c, err)
		return
	}

	count, err := h.db.DeleteVersionsByServer(serverID)
	if err != nil {
		respondError(c, err)
		return
	}

	for _, v := range versions {
		go func(path string) {
			if err := h.store.RemoveJobTree(path); err != nil {
				logging.L().Warn("version_bulk_delete_failed", "path", path, "error", err)
			}
		}(v.LocalPath)
	}

	c.JSON(http.StatusOK, gin.H{"deleted": count, "kept": 0})
}
