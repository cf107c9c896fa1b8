package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/yourusername/backup-controller/internal/models"
)

func TestJobHandler_CreateJobRequiresConfiguredRoot(t *testing.T) {
	env := newTestEnv(t)
	env.store.SetRoot("")
	h := NewJobHandler(env.db, env.store, env.orc, env.sched, env.reg, env.bus, env.activity)

	c, w := newTestContext(http.MethodPost, "/api/jobs")
	c.Request.Body = httpBody(`{"server_id":"x","name":"daily","remote_paths":["/etc"]}`)
	c.Request.Header.Set("Content-Type", "application/json")
	h.CreateJob(c)

	if w.Code != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want 412", w.Code)
	}
}

func TestJobHandler_CreateJobRejectsDisconnectedAgent(t *testing.T) {
	env := newTestEnv(t)
	server, _, _ := seedJobAndVersion(t, env)
	h := NewJobHandler(env.db, env.store, env.orc, env.sched, env.reg, env.bus, env.activity)

	c, w := newTestContext(http.MethodPost, "/api/jobs")
	c.Request.Body = httpBody(`{"server_id":"` + server.ID + `","name":"weekly","remote_paths":["/var/log"]}`)
	c.Request.Header.Set("Content-Type", "application/json")
	h.CreateJob(c)

	// No agent is actually connected in this test, so remote path
	// validation must refuse before anything is persisted.
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503, body=%s", w.Code, w.Body.String())
	}
}

func TestJobHandler_ListJobsFiltersByServer(t *testing.T) {
	env := newTestEnv(t)
	_, job, _ := seedJobAndVersion(t, env)
	h := NewJobHandler(env.db, env.store, env.orc, env.sched, env.reg, env.bus, env.activity)

	c, w := newTestContext(http.MethodGet, "/api/jobs?server_id="+job.ServerID)
	h.ListJobs(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var jobs []*models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("len(jobs) = %d, want 1", len(jobs))
	}
}

func TestJobHandler_RunJobNotFound(t *testing.T) {
	env := newTestEnv(t)
	h := NewJobHandler(env.db, env.store, env.orc, env.sched, env.reg, env.bus, env.activity)

	c, w := newTestContext(http.MethodPost, "/api/jobs/missing/run")
	setParams(c, "id", "missing")
	h.RunJob(c)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestJobHandler_CancelJobNotRunning(t *testing.T) {
	env := newTestEnv(t)
	_, job, _ := seedJobAndVersion(t, env)
	h := NewJobHandler(env.db, env.store, env.orc, env.sched, env.reg, env.bus, env.activity)

	c, w := newTestContext(http.MethodPost, "/api/jobs/"+job.ID+"/cancel")
	setParams(c, "id", job.ID)
	h.CancelJob(c)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestJobHandler_GetJobLogsDefaultLimit(t *testing.T) {
	env := newTestEnv(t)
	_, job, _ := seedJobAndVersion(t, env)
	h := NewJobHandler(env.db, env.store, env.orc, env.sched, env.reg, env.bus, env.activity)

	c, w := newTestContext(http.MethodGet, "/api/jobs/"+job.ID+"/logs")
	setParams(c, "id", job.ID)
	h.GetJobLogs(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var logs []*models.Log
	if err := json.Unmarshal(w.Body.Bytes(), &logs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("len(logs) = %d, want 0", len(logs))
	}
}
