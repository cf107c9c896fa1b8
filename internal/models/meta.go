package models

// BackupMeta is the human-readable job-root manifest `.backup-meta.json`
// (spec §4.6), written eagerly when a version directory is created.
type BackupMeta struct {
	Server    BackupMetaServer `json:"server"`
	Job       BackupMetaJob    `json:"job"`
	Agent     BackupMetaAgent  `json:"agent"`
	CreatedAt string           `json:"createdAt"`
	LastRunAt string           `json:"lastRunAt"`
}

type BackupMetaServer struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

type BackupMetaJob struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	RemotePaths []string `json:"remotePaths"`
}

type BackupMetaAgent struct {
	Enabled bool `json:"enabled"`
}

// ManifestEntry records the size and modification time of one file as of a
// completed version, used to decide full-vs-incremental on the next run
// (SPEC_FULL §C.3, supplement from original_source).
type ManifestEntry struct {
	Size  int64 `json:"size"`
	Mtime int64 `json:"mtime"`
}

// Manifest is the per-version `.backup-manifest.json` file-diffing artifact.
type Manifest map[string]ManifestEntry
