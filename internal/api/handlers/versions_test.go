package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/backup-controller/internal/models"
)

func seedJobAndVersion(t *testing.T, env *testEnv) (*models.Server, *models.Job, *models.Version) {
	t.Helper()

	server := &models.Server{
		ID: uuid.NewString(), Name: "web-01", Hostname: "10.0.0.5", Port: 22, SSHUser: "root",
		AgentStatus: models.AgentConnected, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := env.db.CreateServer(server); err != nil {
		t.Fatalf("create server: %v", err)
	}

	job := &models.Job{
		ID: uuid.NewString(), ServerID: server.ID, Name: "daily", RemotePaths: models.RemotePaths{"/etc"},
		LocalPath: "/tmp/does-not-matter", Status: models.JobIdle, Enabled: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := env.db.CreateJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	version := &models.Version{
		ID: uuid.NewString(), JobID: job.ID, Timestamp: "2026-08-02_03-00-00",
		LocalPath: "/tmp/does-not-matter/versions/2026-08-02_03-00-00",
		Status:    models.VersionCompleted, CreatedAt: time.Now(),
	}
	if err := env.db.CreateVersion(version); err != nil {
		t.Fatalf("create version: %v", err)
	}

	return server, job, version
}

func TestVersionHandler_ListVersionsByJob(t *testing.T) {
	env := newTestEnv(t)
	_, job, _ := seedJobAndVersion(t, env)
	h := NewVersionHandler(env.db, env.store, env.bus)

	c, w := newTestContext(http.MethodGet, "/api/versions?job_id="+job.ID)
	h.ListVersions(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var versions []*models.Version
	if err := json.Unmarshal(w.Body.Bytes(), &versions); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("len(versions) = %d, want 1", len(versions))
	}
}

func TestVersionHandler_GetVersionNotFound(t *testing.T) {
	env := newTestEnv(t)
	h := NewVersionHandler(env.db, env.store, env.bus)

	c, w := newTestContext(http.MethodGet, "/api/versions/missing")
	setParams(c, "id", "missing")
	h.GetVersion(c)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestVersionHandler_DeleteByJobReportsCount(t *testing.T) {
	env := newTestEnv(t)
	_, job, _ := seedJobAndVersion(t, env)
	h := NewVersionHandler(env.db, env.store, env.bus)

	c, w := newTestContext(http.MethodDelete, "/api/versions/by-job/"+job.ID)
	setParams(c, "jobId", job.ID)
	h.DeleteByJob(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Deleted int `json:"deleted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", resp.Deleted)
	}

	remaining, err := env.db.ListVersionsByJob(job.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("remaining versions = %d, want 0", len(remaining))
	}
}
