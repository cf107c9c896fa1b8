package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/backup-controller/internal/apierror"
	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/storage"
)

// StorageHandler implements the /api/storage routes (spec §6): settings,
// path browsing confined to a root, disk usage, and the aggregated
// server/job/version hierarchy. Grounded on
// original_source/backup-server-rs/src/routes/storage.rs.
type StorageHandler struct {
	db       *database.DB
	store    *storage.Manager
	activity *logging.ActivityLogger
}

// NewStorageHandler wires a StorageHandler from its service dependencies.
func NewStorageHandler(db *database.DB, store *storage.Manager, activity *logging.ActivityLogger) *StorageHandler {
	return &StorageHandler{db: db, store: store, activity: activity}
}

// GetSettings handles GET /api/storage/settings.
func (h *StorageHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backup_root": h.store.Root()})
}

type settingsRequest struct {
	BackupRoot string `json:"backup_root" binding:"required"`
}

// PutSettings handles PUT /api/storage/settings: when the root changes, it
// moves the existing tree's contents into the new root and rewrites every
// Job's local_path that was rooted under the old one.
func (h *StorageHandler) PutSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierror.Validation(err.Error()))
		return
	}

	info, err := os.Stat(req.BackupRoot)
	if err != nil || !info.IsDir() {
		respondError(c, apierror.Validation("path does not exist or is not a directory"))
		return
	}

	oldRoot := h.store.Root()
	if oldRoot != "" && oldRoot != req.BackupRoot {
		if err := relocateBackupRoot(h.db, oldRoot, req.BackupRoot); err != nil {
			respondError(c, apierror.Internal(err.Error()))
			return
		}
		h.activity.LogStorageRootChanged(oldRoot, req.BackupRoot)
	}

	if err := h.db.SetSetting("backup_root", req.BackupRoot); err != nil {
		respondError(c, err)
		return
	}
	h.store.SetRoot(req.BackupRoot)

	c.JSON(http.StatusOK, gin.H{"backup_root": req.BackupRoot})
}

// relocateBackupRoot moves oldRoot's top-level entries into newRoot and
// rewrites every Job.local_path rooted under oldRoot to the equivalent
// path under newRoot.
func relocateBackupRoot(db *database.DB, oldRoot, newRoot string) error {
	if err := os.MkdirAll(newRoot, 0755); err != nil {
		return fmt.Errorf("create new root: %w", err)
	}

	entries, err := os.ReadDir(oldRoot)
	if err == nil {
		for _, entry := range entries {
			src := filepath.Join(oldRoot, entry.Name())
			dst := filepath.Join(newRoot, entry.Name())
			if err := os.Rename(src, dst); err != nil {
				logging.L().Warn("storage_root_move_entry_failed", "src", src, "dst", dst, "error", err)
			}
		}
	}

	jobs, err := db.ListJobs("")
	if err != nil {
		return fmt.Errorf("list jobs for root rewrite: %w", err)
	}
	for _, job := range jobs {
		if !strings.HasPrefix(job.LocalPath, oldRoot) {
			continue
		}
		job.LocalPath = newRoot + strings.TrimPrefix(job.LocalPath, oldRoot)
		if err := db.UpdateJob(job); err != nil {
			return fmt.Errorf("rewrite job local_path for %s: %w", job.ID, err)
		}
	}
	return nil
}

// localEntry mirrors explore_local's LocalEntry shape: a backup_meta field
// is attached for top-level job directories, mirroring .backup-meta.json.
type localEntry struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modifiedAt"`
	BackupMeta any    `json:"backupMeta,omitempty"`
}

// Browse handles GET /api/storage/browse?path=…, confined to the backup root.
func (h *StorageHandler) Browse(c *gin.Context) {
	if h.store.Root() == "" {
		respondError(c, apierror.Precondition(http.StatusPreconditionFailed, "backup root is not configured"))
		return
	}
	subPath := c.DefaultQuery("path", "/")
	entries, err := listLocalEntries(h.store.Root(), subPath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// BrowseVersion handles GET /api/storage/browse-version?version_id=…&path=…,
// confined to that version's own directory.
func (h *StorageHandler) BrowseVersion(c *gin.Context) {
	versionID := c.Query("version_id")
	if versionID == "" {
		respondError(c, apierror.Validation("version_id query parameter required"))
		return
	}
	version, err := h.db.GetVersion(versionID)
	if err != nil {
		respondError(c, err)
		return
	}

	subPath := c.DefaultQuery("path", "/")
	entries, err := listLocalEntries(version.LocalPath, subPath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func listLocalEntries(root, subPath string) ([]localEntry, error) {
	resolved, err := storage.BrowsePath(root, subPath)
	if err != nil {
		return nil, apierror.Validation(err.Error())
	}

	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, apierror.Validation("failed to read directory: " + err.Error())
	}

	trimmedSub := strings.TrimSuffix(subPath, "/")
	out := make([]localEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if name == ".backup-meta.json" || name == ".version-meta.json" || name == ".backup-manifest.json" {
			continue
		}

		info, err := de.Info()
		var size int64
		var modifiedAt string
		if err == nil {
			size = info.Size()
			modifiedAt = info.ModTime().UTC().Format(time.RFC3339)
		}

		entryType := "file"
		if de.IsDir() {
			entryType = "directory"
		} else if info != nil && info.Mode()&os.ModeSymlink != 0 {
			entryType = "symlink"
		}

		var backupMeta any
		if entryType == "directory" {
			if data, err := os.ReadFile(filepath.Join(resolved, name, ".backup-meta.json")); err == nil {
				var meta any
				if json.Unmarshal(data, &meta) == nil {
					backupMeta = meta
				}
			}
		}

		out = append(out, localEntry{
			Name:       name,
			Path:       trimmedSub + "/" + name,
			Type:       entryType,
			Size:       size,
			ModifiedAt: modifiedAt,
			BackupMeta: backupMeta,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		iDir, jDir := out[i].Type == "directory", out[j].Type == "directory"
		if iDir != jDir {
			return iDir
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// DiskUsage handles GET /api/storage/disk-usage, shelling out to `df -B1`
// against the backup root (original_source/backup-server-rs's own
// approach — no third-party stat library appears anywhere in the pack, so
// this stays on `df` rather than hand-rolling a syscall wrapper).
func (h *StorageHandler) DiskUsage(c *gin.Context) {
	root := h.store.Root()
	if root == "" {
		respondError(c, apierror.Precondition(http.StatusPreconditionFailed, "backup root is not configured"))
		return
	}

	out, err := exec.Command("df", "-B1", root).Output()
	if err != nil {
		respondError(c, apierror.Internal("df failed: "+err.Error()))
		return
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		respondError(c, apierror.Internal("unexpected df output"))
		return
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		respondError(c, apierror.Internal("unexpected df output"))
		return
	}

	total, _ := strconv.ParseUint(fields[1], 10, 64)
	used, _ := strconv.ParseUint(fields[2], 10, 64)
	available, _ := strconv.ParseUint(fields[3], 10, 64)
	var usedPercent uint64
	if total > 0 {
		usedPercent = (used * 100) / total
	}

	c.JSON(http.StatusOK, gin.H{
		"total":       total,
		"used":        used,
		"available":   available,
		"usedPercent": usedPercent,
	})
}

// Hierarchy handles GET /api/storage/hierarchy: the full servers→jobs→
// versions tree with per-job total transferred bytes.
func (h *StorageHandler) Hierarchy(c *gin.Context) {
	servers, err := h.db.ListServers()
	if err != nil {
		respondError(c, err)
		return
	}

	type versionView struct {
		ID               string  `json:"id"`
		JobID            string  `json:"job_id"`
		VersionTimestamp string  `json:"version_timestamp"`
		LocalPath        string  `json:"local_path"`
		Status           string  `json:"status"`
		BytesTransferred int64   `json:"bytes_transferred"`
		FilesTransferred int     `json:"files_transferred"`
		CreatedAt        string  `json:"created_at"`
		CompletedAt      *string `json:"completed_at,omitempty"`
	}
	type jobView struct {
		ID          string        `json:"id"`
		Name        string        `json:"name"`
		RemotePaths []string      `json:"remote_paths"`
		LocalPath   string        `json:"local_path"`
		Versions    []versionView `json:"versions"`
		TotalSize   int64         `json:"totalSize"`
	}
	type serverView struct {
		ID            string    `json:"id"`
		Name          string    `json:"name"`
		Hostname      string    `json:"hostname"`
		Port          int       `json:"port"`
		Jobs          []jobView `json:"jobs"`
		TotalVersions int       `json:"totalVersions"`
	}

	result := make([]serverView, 0, len(servers))
	for _, s := range servers {
		jobs, err := h.db.ListJobs(s.ID)
		if err != nil {
			respondError(c, err)
			return
		}

		sv := serverView{ID: s.ID, Name: s.Name, Hostname: s.Hostname, Port: s.Port}
		for _, job := range jobs {
			versions, err := h.db.ListVersionsByJob(job.ID)
			if err != nil {
				respondError(c, err)
				return
			}

			jv := jobView{ID: job.ID, Name: job.Name, RemotePaths: []string(job.RemotePaths), LocalPath: job.LocalPath}
			var totalSize int64
			for _, v := range versions {
				var completedAt *string
				if v.CompletedAt != nil {
					s := v.CompletedAt.UTC().Format(time.RFC3339)
					completedAt = &s
				}
				jv.Versions = append(jv.Versions, versionView{
					ID:               v.ID,
					JobID:            v.JobID,
					VersionTimestamp: v.Timestamp,
					LocalPath:        v.LocalPath,
					Status:           string(v.Status),
					BytesTransferred: v.BytesTransferred,
					FilesTransferred: v.FilesTransferred,
					CreatedAt:        v.CreatedAt.UTC().Format(time.RFC3339),
					CompletedAt:      completedAt,
				})
				totalSize += v.BytesTransferred
			}
			jv.TotalSize = totalSize
			sv.Jobs = append(sv.Jobs, jv)
			sv.TotalVersions += len(jv.Versions)
		}
		result = append(result, sv)
	}

	c.JSON(http.StatusOK, gin.H{"servers": result})
}
