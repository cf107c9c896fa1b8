package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestFileHandler_UploadRequiresHeaders(t *testing.T) {
	env := newTestEnv(t)
	h := NewFileHandler(env.db, env.store)

	c, w := newTestContext(http.MethodPost, "/api/files/upload")
	c.Request.Body = httpBody("some content")
	h.Upload(c)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestFileHandler_UploadWritesPlainBody(t *testing.T) {
	env := newTestEnv(t)
	_, job, _ := seedJobAndVersion(t, env)
	h := NewFileHandler(env.db, env.store)

	content := "hello world"
	c, w := newTestContext(http.MethodPost, "/api/files/upload")
	c.Request.Body = httpBody(content)
	c.Request.Header.Set("x-job-id", job.ID)
	c.Request.Header.Set("x-relative-path", "notes.txt")
	c.Request.Header.Set("x-total-size", "11")
	h.Upload(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	dest := filepath.Join(env.store.Root(), job.ID, "notes.txt")
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(data) != content {
		t.Errorf("uploaded content = %q, want %q", string(data), content)
	}
}

func TestFileHandler_UploadRejectsSizeMismatch(t *testing.T) {
	env := newTestEnv(t)
	_, job, _ := seedJobAndVersion(t, env)
	h := NewFileHandler(env.db, env.store)

	c, w := newTestContext(http.MethodPost, "/api/files/upload")
	c.Request.Body = httpBody("short")
	c.Request.Header.Set("x-job-id", job.ID)
	c.Request.Header.Set("x-relative-path", "notes.txt")
	c.Request.Header.Set("x-total-size", "999")
	h.Upload(c)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if _, err := os.Stat(filepath.Join(env.store.Root(), job.ID, "notes.txt")); err == nil {
		t.Error("partial upload was not cleaned up")
	}
}

func TestFileHandler_CreateHardlinksRequiresRunningVersion(t *testing.T) {
	env := newTestEnv(t)
	_, job, _ := seedJobAndVersion(t, env) // seeded version is "completed", not "running"
	h := NewFileHandler(env.db, env.store)

	c, w := newTestContext(http.MethodPost, "/api/files/hardlink")
	c.Request.Body = httpBody(`{"job_id":"` + job.ID + `","files":["a.txt"]}`)
	c.Request.Header.Set("Content-Type", "application/json")
	h.CreateHardlinks(c)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}
