package storage

import (
	"os"
	"path/filepath"

	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/logging"
)

// BackfillManifests regenerates .backup-manifest.json for any completed
// Version missing one, from its live directory listing. Low-priority
// startup task (SPEC_FULL §C.5), grounded on agent_orchestrator.rs's
// backfill_manifests.
func (m *Manager) BackfillManifests(db *database.DB) {
	jobs, err := db.ListJobs("")
	if err != nil {
		logging.L().Error("backfill_manifests_list_jobs_failed", "error", err)
		return
	}

	for _, job := range jobs {
		versions, err := db.ListCompletedVersionsDesc(job.ID)
		if err != nil {
			logging.L().Error("backfill_manifests_list_versions_failed", "job_id", job.ID, "error", err)
			continue
		}

		for _, v := range versions {
			manifestPath := filepath.Join(v.LocalPath, ".backup-manifest.json")
			if _, err := os.Stat(manifestPath); err == nil {
				continue
			}

			manifest, err := BuildManifestFromListing(v.LocalPath)
			if err != nil {
				logging.L().Warn("backfill_manifest_build_failed", "version_id", v.ID, "error", err)
				continue
			}
			if err := m.WriteManifest(v.LocalPath, manifest); err != nil {
				logging.L().Warn("backfill_manifest_write_failed", "version_id", v.ID, "error", err)
				continue
			}
			logging.L().Info("backfill_manifest_written", "version_id", v.ID)
		}
	}
}
