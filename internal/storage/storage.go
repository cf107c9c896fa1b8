// Package storage implements the storage layout manager (spec §4.5): slug
// computation, per-server/per-job subtree allocation with collision
// suffixing, version directory lifecycle, the "current" symlink, retention
// pruning, and the on-disk meta/manifest artifacts.
//
// Grounded on the teacher's internal/backup/retention.go (keep-N pruning
// shape) and destination_local.go (local filesystem layout conventions);
// the manifest artifact is grounded on
// original_source/backup-server-rs/src/services/agent_orchestrator.rs.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/models"
)

// Manager owns the configured root and all path computation/filesystem
// mutation for job storage subtrees.
type Manager struct {
	db   *database.DB
	root string
}

// New constructs a Manager rooted at root (the "backup_root" setting).
func New(db *database.DB, root string) *Manager {
	return &Manager{db: db, root: root}
}

// Root returns the currently configured backup root.
func (m *Manager) Root() string {
	return m.root
}

// SetRoot changes the configured root for subsequent path allocation. It
// does not move existing job directories.
func (m *Manager) SetRoot(root string) {
	m.root = root
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s, replaces runs of non-[a-z0-9] with "-", and trims
// leading/trailing dashes (spec §4.5).
func Slug(s string) string {
	lower := strings.ToLower(s)
	replaced := slugInvalid.ReplaceAllString(lower, "-")
	return strings.Trim(replaced, "-")
}

// AllocateJobPath computes the local base path for a new Job:
// backup_root/<slug(server.name)>/<slug(job.name)>, appending "-2", "-3", ...
// until it doesn't collide with any existing Job's local path (spec §4.5).
func (m *Manager) AllocateJobPath(serverName, jobName string) (string, error) {
	base := filepath.Join(m.root, Slug(serverName), Slug(jobName))
	candidate := base
	for n := 2; ; n++ {
		exists, err := m.db.LocalPathExists(candidate)
		if err != nil {
			return "", fmt.Errorf("check local path collision: %w", err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

// NewVersionTimestamp returns the lexicographically sortable version
// timestamp (spec §3): YYYY-MM-DD_HH-MM-SS.
func NewVersionTimestamp() string {
	return time.Now().UTC().Format("2006-01-02_15-04-05")
}

// VersionPath returns job.local_path/versions/<timestamp>.
func VersionPath(jobLocalPath, timestamp string) string {
	return filepath.Join(jobLocalPath, "versions", timestamp)
}

// CurrentLinkPath returns job.local_path/current.
func CurrentLinkPath(jobLocalPath string) string {
	return filepath.Join(jobLocalPath, "current")
}

// CreateVersionDir creates versions/<ts>/ eagerly so the agent can target it
// for uploads (spec §4.6), along with the job-root .backup-meta.json.
func (m *Manager) CreateVersionDir(job *models.Job, server *models.Server, timestamp string) (string, error) {
	versionDir := VersionPath(job.LocalPath, timestamp)
	if err := os.MkdirAll(versionDir, 0755); err != nil {
		return "", fmt.Errorf("create version dir: %w", err)
	}

	if err := m.writeBackupMeta(job, server); err != nil {
		logging.L().Warn("backup_meta_write_failed", "job_id", job.ID, "error", err)
	}

	return versionDir, nil
}

func (m *Manager) writeBackupMeta(job *models.Job, server *models.Server) error {
	now := time.Now().UTC().Format(time.RFC3339)
	lastRun := now
	if job.LastRunAt != nil {
		lastRun = job.LastRunAt.UTC().Format(time.RFC3339)
	}

	meta := models.BackupMeta{
		Server: models.BackupMetaServer{Name: server.Name, Hostname: server.Hostname, Port: server.Port},
		Job:    models.BackupMetaJob{ID: job.ID, Name: job.Name, RemotePaths: []string(job.RemotePaths)},
		Agent:  models.BackupMetaAgent{Enabled: true},
		CreatedAt: now,
		LastRunAt: lastRun,
	}

	return writeJSONAtomic(filepath.Join(job.LocalPath, ".backup-meta.json"), meta)
}

// WriteVersionMeta writes versions/<ts>/.version-meta.json on completion.
func (m *Manager) WriteVersionMeta(versionDir string, meta models.VersionMeta) error {
	return writeJSONAtomic(filepath.Join(versionDir, ".version-meta.json"), meta)
}

// WriteManifest writes the per-version file-diff artifact (SPEC_FULL §C.3).
func (m *Manager) WriteManifest(versionDir string, manifest models.Manifest) error {
	return writeJSONAtomic(filepath.Join(versionDir, ".backup-manifest.json"), manifest)
}

// ReadManifest reads a version's manifest, or an empty Manifest if absent.
func (m *Manager) ReadManifest(versionDir string) (models.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(versionDir, ".backup-manifest.json"))
	if os.IsNotExist(err) {
		return models.Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest models.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}

// BuildManifestFromListing walks versionDir and produces a manifest keyed by
// path relative to versionDir, used both after a normal run and by
// BackfillManifests for versions that predate this feature.
func BuildManifestFromListing(versionDir string) (models.Manifest, error) {
	manifest := make(models.Manifest)
	err := filepath.Walk(versionDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(versionDir, path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(rel, ".") {
			return nil
		}
		manifest[rel] = models.ManifestEntry{Size: info.Size(), Mtime: info.ModTime().Unix()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk version dir: %w", err)
	}
	return manifest, nil
}

// PromoteCurrent atomically repoints job.local_path/current at the newly
// completed version by creating a temporary symlink and renaming it over
// the old one.
func (m *Manager) PromoteCurrent(jobLocalPath, timestamp string) error {
	link := CurrentLinkPath(jobLocalPath)
	target := filepath.Join("versions", timestamp)

	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create temp current symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap current symlink: %w", err)
	}
	return nil
}

// EnforceRetention lists completed versions for job newest-first and prunes
// everything beyond retentionCount: row delete first, then best-effort
// asynchronous filesystem delete (spec §4.5, invariant I1).
func (m *Manager) EnforceRetention(jobID string, retentionCount int) error {
	versions, err := m.db.ListCompletedVersionsDesc(jobID)
	if err != nil {
		return fmt.Errorf("list completed versions: %w", err)
	}
	if retentionCount <= 0 || len(versions) <= retentionCount {
		return nil
	}

	toPrune := versions[retentionCount:]
	for _, v := range toPrune {
		if err := m.db.DeleteVersion(v.ID); err != nil {
			logging.L().Error("retention_row_delete_failed", "version_id", v.ID, "error", err)
			continue
		}
		go func(path string) {
			if err := os.RemoveAll(path); err != nil {
				logging.L().Warn("retention_fs_delete_failed", "path", path, "error", err)
			}
		}(v.LocalPath)
	}
	return nil
}

// RemoveJobTree deletes a job's entire storage subtree, used after the Job
// row itself is deleted via REST.
func (m *Manager) RemoveJobTree(jobLocalPath string) error {
	return os.RemoveAll(jobLocalPath)
}

// BrowsePath resolves rel against root and rejects any result that escapes
// root (spec §I7 path-escape safety), returning the safe absolute path.
func BrowsePath(root, rel string) (string, error) {
	resolved := filepath.Join(root, rel)

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	absResolved, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	if absResolved != absRoot && !strings.HasPrefix(absResolved, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absResolved, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
