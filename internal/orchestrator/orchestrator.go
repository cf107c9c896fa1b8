// Package orchestrator implements the backup orchestrator (spec §4.6): the
// per-job state machine, the three-layer concurrency model, progress
// aggregation, version directory lifecycle, and retention triggering.
//
// Grounded on original_source/backup-server-rs/src/services/agent_orchestrator.rs
// for the state machine and progress-throttling rules; the semaphore
// plumbing follows the teacher's internal/backup/manager.go worker-pool
// idiom (buffered channels as counting semaphores).
package orchestrator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/eventbus"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/models"
	"github.com/yourusername/backup-controller/internal/registry"
	"github.com/yourusername/backup-controller/internal/storage"
)

const (
	progressThrottle = 250 * time.Millisecond
	jobWallClock     = 1 * time.Hour
)

// runningJob is the in-memory state of one job's active run.
type runningJob struct {
	serverID   string
	versionID  string
	logID      string
	timestamp  string
	versionDir string
	full       bool

	resultCh chan resultEvent
	cancelCh chan struct{}

	progressMu  sync.Mutex
	lastPercent int
	lastEmit    time.Time
}

type resultEvent struct {
	kind    string // "completed" | "failed"
	payload map[string]any
}

// Orchestrator tracks running jobs and enforces the layered semaphore model
// (spec §I4: at most one running job controller-wide, bounded global and
// per-server upload slots).
type Orchestrator struct {
	db      *database.DB
	bus     *eventbus.Broadcaster
	reg     *registry.Registry
	storage *storage.Manager

	jobSem    chan struct{}
	globalSem chan struct{}

	serverSemMu  sync.Mutex
	serverSems   map[string]chan struct{}
	maxPerServer int

	mu      sync.Mutex
	running map[string]*runningJob // jobID -> state
}

// New constructs an Orchestrator and subscribes to the agent frame types it
// reacts to. maxGlobal/maxPerServer come from Concurrency config.
func New(db *database.DB, bus *eventbus.Broadcaster, reg *registry.Registry, store *storage.Manager, maxGlobal, maxPerServer int) *Orchestrator {
	o := &Orchestrator{
		db:           db,
		bus:          bus,
		reg:          reg,
		storage:      store,
		jobSem:       make(chan struct{}, 1),
		globalSem:    make(chan struct{}, maxGlobal),
		serverSems:   make(map[string]chan struct{}),
		maxPerServer: maxPerServer,
		running:      make(map[string]*runningJob),
	}

	reg.On("backup:progress", o.handleProgress)
	reg.On("backup:completed", o.handleCompleted)
	reg.On("backup:failed", o.handleFailed)
	reg.On("agent:disconnected", o.handleAgentDisconnected)

	return o
}

// IsRunning reports whether jobID currently has an active run.
func (o *Orchestrator) IsRunning(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[jobID]
	return ok
}

// Start begins a run of job against server. Re-entrant per spec §4.6: if
// the job is already running, this is a silent no-op returning success.
func (o *Orchestrator) Start(job *models.Job, server *models.Server, full bool) error {
	o.mu.Lock()
	if _, ok := o.running[job.ID]; ok {
		o.mu.Unlock()
		return nil
	}
	rj := &runningJob{
		serverID: server.ID,
		full:     full,
		resultCh: make(chan resultEvent, 1),
		cancelCh: make(chan struct{}),
	}
	o.running[job.ID] = rj
	o.mu.Unlock()

	go o.run(job, server, rj)
	return nil
}

// Cancel transitions a running job to cancelled and notifies the agent.
// No-op (caller should surface 404) if the job is not running.
func (o *Orchestrator) Cancel(jobID string) bool {
	o.mu.Lock()
	rj, ok := o.running[jobID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	o.reg.Send(rj.serverID, "backup:cancel", map[string]any{"job_id": jobID})
	select {
	case <-rj.cancelCh:
	default:
		close(rj.cancelCh)
	}
	return true
}

func (o *Orchestrator) run(job *models.Job, server *models.Server, rj *runningJob) {
	log := &models.Log{ID: uuid.NewString(), JobID: job.ID, Status: "running"}
	if err := o.db.CreateLog(log); err != nil {
		logging.L().Error("orchestrator_create_log_failed", "job_id", job.ID, "error", err)
		o.finish(job, rj, "failed", err.Error())
		return
	}
	rj.logID = log.ID

	if err := o.db.SetJobStatus(job.ID, models.JobRunning, true); err != nil {
		logging.L().Error("orchestrator_set_job_status_failed", "job_id", job.ID, "error", err)
	}

	timestamp := storage.NewVersionTimestamp()
	rj.timestamp = timestamp

	versionDir, err := o.storage.CreateVersionDir(job, server, timestamp)
	if err != nil {
		o.finish(job, rj, "failed", fmt.Sprintf("create version directory: %v", err))
		return
	}
	rj.versionDir = versionDir

	version := &models.Version{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		LogID:     &log.ID,
		Timestamp: timestamp,
		LocalPath: versionDir,
		Status:    models.VersionRunning,
	}
	if err := o.db.CreateVersion(version); err != nil {
		o.finish(job, rj, "failed", fmt.Sprintf("create version row: %v", err))
		return
	}
	rj.versionID = version.ID

	o.bus.Broadcast("backup:started", map[string]any{"job_id": job.ID, "version_id": version.ID})
	o.bus.Broadcast("job:updated", map[string]any{"id": job.ID, "status": string(models.JobRunning)})
	o.bus.Broadcast("backup:progress", map[string]any{"job_id": job.ID, "percent": 0, "current_file": "Processing..."})

	linkDest := ""
	if !rj.full {
		if prior, err := o.db.FindLatestCompletedVersion(job.ID); err == nil {
			linkDest = prior.LocalPath
		}
	}

	acquired := o.acquireSlots(job, rj.cancelCh)
	if !acquired {
		o.finish(job, rj, "cancelled", "cancelled before acquiring upload slots")
		return
	}
	defer o.releaseSlots(job)

	if !o.reg.Send(server.ID, "backup:start", map[string]any{
		"job_id":    job.ID,
		"paths":     []string(job.RemotePaths),
		"full":      rj.full,
		"link_dest": linkDest,
	}) {
		o.finish(job, rj, "failed", "agent not connected")
		return
	}

	select {
	case ev := <-rj.resultCh:
		o.handleTerminal(job, server, rj, ev)
	case <-rj.cancelCh:
		o.finish(job, rj, "cancelled", "cancelled by operator")
	case <-time.After(jobWallClock):
		o.finish(job, rj, "failed", "timed out")
	}
}

// acquireSlots implements the §4.6 acquisition order: job-semaphore, then
// for each remote path, global-semaphore then per-server-semaphore. Returns
// false if cancelled while waiting.
func (o *Orchestrator) acquireSlots(job *models.Job, cancelCh <-chan struct{}) bool {
	select {
	case o.jobSem <- struct{}{}:
	case <-cancelCh:
		return false
	}

	serverSem := o.serverSemFor(job.ServerID)
	for range job.RemotePaths {
		select {
		case o.globalSem <- struct{}{}:
		case <-cancelCh:
			return false
		}
		select {
		case serverSem <- struct{}{}:
		case <-cancelCh:
			<-o.globalSem
			return false
		}
	}
	return true
}

// releaseSlots releases in exact reverse of acquireSlots.
func (o *Orchestrator) releaseSlots(job *models.Job) {
	serverSem := o.serverSemFor(job.ServerID)
	for range job.RemotePaths {
		<-serverSem
		<-o.globalSem
	}
	<-o.jobSem
}

func (o *Orchestrator) serverSemFor(serverID string) chan struct{} {
	o.serverSemMu.Lock()
	defer o.serverSemMu.Unlock()
	sem, ok := o.serverSems[serverID]
	if !ok {
		sem = make(chan struct{}, o.maxPerServer)
		o.serverSems[serverID] = sem
	}
	return sem
}

func (o *Orchestrator) handleTerminal(job *models.Job, server *models.Server, rj *runningJob, ev resultEvent) {
	switch ev.kind {
	case "completed":
		totalBytes := toInt64(ev.payload["total_bytes"])
		filesTransferred := toInt(ev.payload["files_transferred"])
		unchangedFiles := toInt(ev.payload["unchanged_files"])
		unchangedBytes := toInt64(ev.payload["unchanged_bytes"])

		if err := o.db.UpdateVersionOnCompletion(rj.versionID, totalBytes, filesTransferred, totalBytes, unchangedFiles, unchangedBytes); err != nil {
			logging.L().Error("orchestrator_seal_version_failed", "version_id", rj.versionID, "error", err)
		}
		o.db.FinishLog(rj.logID, "completed", totalBytes, filesTransferred, unchangedFiles, unchangedBytes, "")
		o.db.SetJobStatus(job.ID, models.JobCompleted, false)

		if err := o.storage.PromoteCurrent(job.LocalPath, rj.timestamp); err != nil {
			logging.L().Error("orchestrator_promote_current_failed", "job_id", job.ID, "error", err)
		}

		manifest, err := storage.BuildManifestFromListing(rj.versionDir)
		if err == nil {
			o.storage.WriteManifest(rj.versionDir, manifest)
		}
		o.storage.WriteVersionMeta(rj.versionDir, models.VersionMeta{
			VersionID:        rj.versionID,
			Timestamp:        rj.timestamp,
			BytesTransferred: totalBytes,
			FilesTransferred: filesTransferred,
			UnchangedFiles:   unchangedFiles,
			UnchangedBytes:   unchangedBytes,
			Status:           "completed",
		})

		if err := o.storage.EnforceRetention(job.ID, job.RetentionCount); err != nil {
			logging.L().Error("orchestrator_retention_failed", "job_id", job.ID, "error", err)
		}

		o.bus.Broadcast("backup:completed", map[string]any{
			"job_id":            job.ID,
			"jobId":             job.ID,
			"total_bytes":       totalBytes,
			"totalBytes":        totalBytes,
			"files_transferred": filesTransferred,
			"filesTransferred":  filesTransferred,
			"unchanged_files":   unchangedFiles,
			"unchangedFiles":    unchangedFiles,
			"unchanged_bytes":   unchangedBytes,
			"unchangedBytes":    unchangedBytes,
			"backup_type":       backupType(rj.full),
			"backupType":        backupType(rj.full),
		})
		o.bus.Broadcast("job:updated", map[string]any{"id": job.ID, "status": string(models.JobCompleted)})
		o.bus.Broadcast("backup:progress", map[string]any{"job_id": job.ID, "percent": 100, "current_file": "Processing..."})

	case "failed":
		errText, _ := ev.payload["error"].(string)
		o.finish(job, rj, "failed", errText)
		return
	}

	o.clearRunning(job.ID)
}

// finish seals the job as failed or cancelled and emits the corresponding
// terminal events. Used both for agent-reported failures and internally
// detected ones (disconnect, timeout, cancellation, pre-start errors).
func (o *Orchestrator) finish(job *models.Job, rj *runningJob, outcome, reason string) {
	if rj.versionID != "" {
		o.db.SetVersionStatus(rj.versionID, models.VersionFailed)
	}
	if rj.logID != "" {
		o.db.FinishLog(rj.logID, outcome, 0, 0, 0, 0, reason)
	}

	status := models.JobFailed
	eventType := "backup:failed"
	if outcome == "cancelled" {
		status = models.JobCancelled
		eventType = "backup:cancelled"
	}
	o.db.SetJobStatus(job.ID, status, false)

	o.bus.Broadcast(eventType, map[string]any{"job_id": job.ID, "jobId": job.ID, "error": reason})
	o.bus.Broadcast("job:updated", map[string]any{"id": job.ID, "status": string(status)})

	logging.L().Info("orchestrator_job_finished", "job_id", job.ID, "outcome", outcome, "reason", reason)
	o.clearRunning(job.ID)
}

func (o *Orchestrator) clearRunning(jobID string) {
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()
}

// handleProgress is the registry handler for inbound "backup:progress"
// frames. Throttles to one emission per 250ms per job and enforces
// clamped, monotonic percent (spec §4.6).
func (o *Orchestrator) handleProgress(serverID string, payload json.RawMessage) {
	var p struct {
		JobID       string  `json:"job_id"`
		Percent     float64 `json:"percent"`
		BytesDone   int64   `json:"bytes_done"`
		TotalBytes  int64   `json:"total_bytes"`
		Throughput  float64 `json:"throughput_bytes_per_sec"`
		CurrentFile string  `json:"current_file"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	o.mu.Lock()
	rj, ok := o.running[p.JobID]
	o.mu.Unlock()
	if !ok {
		return
	}

	rj.progressMu.Lock()
	defer rj.progressMu.Unlock()

	percent := clampMonotonicPercent(rj.lastPercent, int(p.Percent))

	if time.Since(rj.lastEmit) < progressThrottle {
		return
	}
	rj.lastPercent = percent
	rj.lastEmit = time.Now()

	currentFile := p.CurrentFile
	if currentFile == "" {
		currentFile = "Processing..."
	}

	o.bus.Broadcast("backup:progress", map[string]any{
		"job_id":       p.JobID,
		"jobId":        p.JobID,
		"percent":      percent,
		"bytes_done":   p.BytesDone,
		"total_bytes":  p.TotalBytes,
		"speed":        formatSpeed(p.Throughput),
		"current_file": currentFile,
	})

	o.db.UpdateVersionProgress(rj.versionID, p.BytesDone, p.TotalBytes)
}

func (o *Orchestrator) handleCompleted(serverID string, payload json.RawMessage) {
	o.deliverResult(payload, "completed")
}

func (o *Orchestrator) handleFailed(serverID string, payload json.RawMessage) {
	o.deliverResult(payload, "failed")
}

func (o *Orchestrator) deliverResult(payload json.RawMessage, kind string) {
	var generic map[string]any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return
	}
	jobID, _ := generic["job_id"].(string)
	if jobID == "" {
		return
	}

	o.mu.Lock()
	rj, ok := o.running[jobID]
	o.mu.Unlock()
	if !ok {
		// Job already terminal (e.g. cancelled); discard per §4.6 cancellation
		// semantics ("the orchestrator discards the event").
		return
	}

	select {
	case rj.resultCh <- resultEvent{kind: kind, payload: generic}:
	default:
	}
}

// handleAgentDisconnected seals any job running against serverID as failed
// with a synthetic "agent disconnected during backup" error (spec §4.6).
func (o *Orchestrator) handleAgentDisconnected(serverID string, _ json.RawMessage) {
	o.mu.Lock()
	var affected []string
	for jobID, rj := range o.running {
		if rj.serverID == serverID {
			affected = append(affected, jobID)
		}
	}
	o.mu.Unlock()

	for _, jobID := range affected {
		o.mu.Lock()
		rj, ok := o.running[jobID]
		o.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case rj.resultCh <- resultEvent{kind: "failed", payload: map[string]any{"error": "agent disconnected during backup"}}:
		default:
		}
	}
}

// CancelAll aborts every running job, sealing each Version "failed". Used
// during shutdown stage 3.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	jobIDs := make([]string, 0, len(o.running))
	for id := range o.running {
		jobIDs = append(jobIDs, id)
	}
	o.mu.Unlock()

	for _, id := range jobIDs {
		o.Cancel(id)
	}
}

// clampMonotonicPercent clamps incoming into [0,100] and never lets the
// emitted percent regress below what was last emitted for the job (spec §4.6).
func clampMonotonicPercent(lastEmitted, incoming int) int {
	if incoming < 0 {
		incoming = 0
	}
	if incoming > 100 {
		incoming = 100
	}
	if incoming < lastEmitted {
		return lastEmitted
	}
	return incoming
}

var speedUnits = []string{"B", "KB", "MB", "GB", "TB"}

// formatSpeed renders a throughput in bytes/sec as "N.NN UNIT/s" using
// decimal (1000-based) units, per spec §4.6.
func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	v := bytesPerSec
	unit := speedUnits[0]
	for _, u := range speedUnits[1:] {
		if v < 1000 {
			break
		}
		v /= 1000
		unit = u
	}
	return fmt.Sprintf("%.2f %s/s", v, unit)
}

func backupType(full bool) string {
	if full {
		return "full"
	}
	return "incremental"
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toInt(v any) int {
	return int(toInt64(v))
}
