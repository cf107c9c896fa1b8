package handlers

import (
	"net/http"
	"os"
	"testing"
)

func TestAgentHandler_UpdateRejectsDisconnectedAgent(t *testing.T) {
	env := newTestEnv(t)
	_, _, _ = seedJobAndVersion(t, env) // gives us a real server row

	servers, err := env.db.ListServers()
	if err != nil || len(servers) == 0 {
		t.Fatalf("expected a seeded server, err=%v", err)
	}

	h := NewAgentHandler(env.db, env.reg, env.cfg)
	c, w := newTestContext(http.MethodPost, "/api/agent/update/"+servers[0].ID)
	setParams(c, "serverId", servers[0].ID)
	h.Update(c)

	// reg has no live connection for this server id, so Update must refuse.
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestAgentHandler_BinaryServesConfiguredFile(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(env.cfg.Deploy.AgentBinaryPath, []byte("fake-binary"), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	h := NewAgentHandler(env.db, env.reg, env.cfg)
	c, w := newTestContext(http.MethodGet, "/api/agent/binary")
	h.Binary(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "fake-binary" {
		t.Errorf("body = %q, want %q", w.Body.String(), "fake-binary")
	}
}

func TestAgentHandler_BinaryMissingConfig(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Deploy.AgentBinaryPath = ""

	h := NewAgentHandler(env.db, env.reg, env.cfg)
	c, w := newTestContext(http.MethodGet, "/api/agent/binary")
	h.Binary(c)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
