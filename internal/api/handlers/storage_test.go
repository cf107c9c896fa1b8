package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestStorageHandler_GetSettings(t *testing.T) {
	env := newTestEnv(t)
	h := NewStorageHandler(env.db, env.store, env.activity)

	c, w := newTestContext(http.MethodGet, "/api/storage/settings")
	h.GetSettings(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		BackupRoot string `json:"backup_root"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.BackupRoot != env.store.Root() {
		t.Errorf("backup_root = %q, want %q", resp.BackupRoot, env.store.Root())
	}
}

func TestStorageHandler_PutSettingsRejectsNonexistentDir(t *testing.T) {
	env := newTestEnv(t)
	h := NewStorageHandler(env.db, env.store, env.activity)

	c, w := newTestContext(http.MethodPut, "/api/storage/settings")
	c.Request.Body = httpBody(`{"backup_root":"/does/not/exist/anywhere"}`)
	c.Request.Header.Set("Content-Type", "application/json")
	h.PutSettings(c)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestStorageHandler_PutSettingsRelocatesRoot(t *testing.T) {
	env := newTestEnv(t)
	h := NewStorageHandler(env.db, env.store, env.activity)

	oldRoot := env.store.Root()
	if err := os.MkdirAll(oldRoot, 0755); err != nil {
		t.Fatalf("mkdir old root: %v", err)
	}
	if err := os.WriteFile(filepath.Join(oldRoot, "marker.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	newRoot := filepath.Join(filepath.Dir(oldRoot), "backups-relocated")
	if err := os.MkdirAll(newRoot, 0755); err != nil {
		t.Fatalf("mkdir new root: %v", err)
	}

	c, w := newTestContext(http.MethodPut, "/api/storage/settings")
	c.Request.Body = httpBody(`{"backup_root":"` + newRoot + `"}`)
	c.Request.Header.Set("Content-Type", "application/json")
	h.PutSettings(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if env.store.Root() != newRoot {
		t.Errorf("store root = %q, want %q", env.store.Root(), newRoot)
	}
	if _, err := os.Stat(filepath.Join(newRoot, "marker.txt")); err != nil {
		t.Errorf("marker.txt was not relocated: %v", err)
	}
}

func TestStorageHandler_BrowseRequiresConfiguredRoot(t *testing.T) {
	env := newTestEnv(t)
	env.store.SetRoot("")
	h := NewStorageHandler(env.db, env.store, env.activity)

	c, w := newTestContext(http.MethodGet, "/api/storage/browse")
	h.Browse(c)

	if w.Code != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want 412", w.Code)
	}
}
