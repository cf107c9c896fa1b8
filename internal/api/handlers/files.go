package handlers

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zstd"

	"github.com/yourusername/backup-controller/internal/apierror"
	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/models"
	"github.com/yourusername/backup-controller/internal/storage"
)

// FileHandler implements the agent→controller file transfer routes (spec
// §6's upload protocol, plus the manifest-fetch and hardlink-creation
// endpoints original_source/backup-server-rs/src/routes/files.rs adds for
// incremental backups).
type FileHandler struct {
	db    *database.DB
	store *storage.Manager
}

// NewFileHandler wires a FileHandler from its service dependencies.
func NewFileHandler(db *database.DB, store *storage.Manager) *FileHandler {
	return &FileHandler{db: db, store: store}
}

// Upload handles POST /api/files/upload: a single request whose body is
// the file content, optionally content-encoding: zstd. Required headers:
// x-job-id, x-relative-path (relative to the version root), x-total-size
// (decompressed bytes expected). Size is verified on close; on mismatch
// the partial file is unlinked and 400 is returned (spec §6).
func (h *FileHandler) Upload(c *gin.Context) {
	jobID := c.GetHeader("x-job-id")
	if jobID == "" {
		respondError(c, apierror.Validation("missing x-job-id header"))
		return
	}
	relativePath := c.GetHeader("x-relative-path")
	if relativePath == "" {
		respondError(c, apierror.Validation("missing x-relative-path header"))
		return
	}
	totalSize, err := strconv.ParseInt(c.GetHeader("x-total-size"), 10, 64)
	if err != nil {
		respondError(c, apierror.Validation("missing or invalid x-total-size header"))
		return
	}

	baseDir, err := h.resolveUploadBase(jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	destPath, err := storage.BrowsePath(baseDir, relativePath)
	if err != nil {
		respondError(c, apierror.Validation(err.Error()))
		return
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		respondError(c, apierror.Internal("create directory: "+err.Error()))
		return
	}

	var reader io.Reader = c.Request.Body
	if c.GetHeader("content-encoding") == "zstd" {
		zr, err := zstd.NewReader(c.Request.Body)
		if err != nil {
			respondError(c, apierror.Internal("zstd decoder: "+err.Error()))
			return
		}
		defer zr.Close()
		reader = zr
	}

	if err := writeUploadedFile(destPath, reader, totalSize); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "path": relativePath, "size": totalSize})
}

// resolveUploadBase picks the running version's directory for this job, or
// falls back to a bare job-id path under the backup root if none is
// running — mirroring files.rs's `base_dir` fallback.
func (h *FileHandler) resolveUploadBase(jobID string) (string, error) {
	versions, err := h.db.ListVersionsByJob(jobID)
	if err != nil {
		return "", apierror.Internal(err.Error())
	}
	for _, v := range versions {
		if v.Status == models.VersionRunning {
			return v.LocalPath, nil
		}
	}
	return filepath.Join(h.store.Root(), jobID), nil
}

func writeUploadedFile(destPath string, reader io.Reader, totalSize int64) error {
	f, err := os.Create(destPath)
	if err != nil {
		return apierror.Internal("create file: " + err.Error())
	}

	written, copyErr := io.Copy(f, reader)
	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(destPath)
		return apierror.Internal("write error: " + copyErr.Error())
	}
	if closeErr != nil {
		os.Remove(destPath)
		return apierror.Internal("flush error: " + closeErr.Error())
	}

	if written != totalSize {
		os.Remove(destPath)
		logging.L().Warn("upload_size_mismatch", "path", destPath, "expected", totalSize, "actual", written)
		return apierror.Validation(fmt.Sprintf("file size mismatch: expected %d got %d", totalSize, written))
	}
	return nil
}

// GetManifest handles GET /api/files/manifest/:jobId: the agent fetches
// this to decide which files changed since the last completed version.
func (h *FileHandler) GetManifest(c *gin.Context) {
	jobID := c.Param("jobId")
	version, err := h.db.FindLatestCompletedVersion(jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	manifest, err := h.store.ReadManifest(version.LocalPath)
	if err != nil {
		respondError(c, apierror.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusOK, manifest)
}

type hardlinkRequest struct {
	JobID string   `json:"job_id" binding:"required"`
	Files []string `json:"files" binding:"required"`
}

// CreateHardlinks handles POST /api/files/hardlink: hardlinks unchanged
// files from the previous completed version into the current running
// version so each version stays a complete, browsable snapshot without
// re-transferring bytes that didn't change.
func (h *FileHandler) CreateHardlinks(c *gin.Context) {
	var req hardlinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierror.Validation(err.Error()))
		return
	}

	versions, err := h.db.ListVersionsByJob(req.JobID)
	if err != nil {
		respondError(c, err)
		return
	}

	var current, previous string
	for _, v := range versions {
		if v.Status == models.VersionRunning && current == "" {
			current = v.LocalPath
		}
		if v.Status == models.VersionCompleted && previous == "" {
			previous = v.LocalPath
		}
	}
	if current == "" {
		respondError(c, apierror.Validation("no running version found"))
		return
	}
	if previous == "" {
		respondError(c, apierror.Validation("no previous completed version"))
		return
	}

	var linked, failed int
	for _, rel := range req.Files {
		src := filepath.Join(previous, rel)
		dst := filepath.Join(current, rel)

		if _, err := os.Stat(src); err != nil {
			logging.L().Warn("hardlink_source_missing", "path", rel)
			failed++
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			failed++
			continue
		}
		if err := os.Link(src, dst); err != nil {
			logging.L().Warn("hardlink_failed", "path", rel, "error", err)
			failed++
			continue
		}
		linked++
	}

	c.JSON(http.StatusOK, gin.H{"linked": linked, "failed": failed})
}
