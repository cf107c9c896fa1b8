package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/eventbus"
	"github.com/yourusername/backup-controller/internal/models"
)

func newTestRegistry(t *testing.T) (*Registry, *database.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	r := New(db, bus)
	t.Cleanup(r.CloseAll)
	return r, db
}

func seedTestServer(t *testing.T, db *database.DB) *models.Server {
	t.Helper()
	server := &models.Server{
		ID: uuid.NewString(), Name: "web-01", Hostname: "10.0.0.5", Port: 22, SSHUser: "root",
		AgentStatus: models.AgentDisconnected,
	}
	if err := db.CreateServer(server); err != nil {
		t.Fatalf("create server: %v", err)
	}
	return server
}

func newRegistryServer(r *Registry) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.ServeWS(conn)
	}))
}

func dialAndRegister(t *testing.T, wsURL, serverID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	reg, _ := json.Marshal(map[string]any{
		"type":    "agent:register",
		"payload": map[string]any{"server_id": serverID, "hostname": "h", "version": "1.0"},
	})
	if err := conn.WriteMessage(websocket.TextMessage, reg); err != nil {
		t.Fatalf("write register: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack struct {
		Type string `json:"type"`
	}
	json.Unmarshal(data, &ack)
	if ack.Type != "agent:register:ok" {
		t.Fatalf("expected agent:register:ok, got %q", ack.Type)
	}
	return conn
}

func wsURLFor(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// TestRegistry_DuplicateRegistrationClosesOlderSocket exercises invariant I5
// (exactly one AgentConnection per server) and the requirement that
// re-registering a server closes the previous socket before the new one
// takes over.
func TestRegistry_DuplicateRegistrationClosesOlderSocket(t *testing.T) {
	r, db := newTestRegistry(t)
	server := seedTestServer(t, db)
	wsServer := newRegistryServer(r)
	defer wsServer.Close()

	wsURL := wsURLFor(wsServer)
	first := dialAndRegister(t, wsURL, server.ID)
	defer first.Close()

	if !r.IsConnected(server.ID) {
		t.Fatal("expected server to be connected after first registration")
	}
	if ids := r.ConnectedServerIDs(); len(ids) != 1 {
		t.Fatalf("expected exactly one connected server, got %d", len(ids))
	}

	second := dialAndRegister(t, wsURL, server.ID)
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected the first connection to be closed once a duplicate registration arrived")
	}

	if ids := r.ConnectedServerIDs(); len(ids) != 1 {
		t.Fatalf("expected still exactly one connected server after the duplicate, got %d", len(ids))
	}
	if !r.IsConnected(server.ID) {
		t.Fatal("server should still be connected via the newer socket")
	}
}

func TestRegistry_HandshakeRejectsUnknownServer(t *testing.T) {
	r, _ := newTestRegistry(t)
	wsServer := newRegistryServer(r)
	defer wsServer.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURLFor(wsServer), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reg, _ := json.Marshal(map[string]any{
		"type":    "agent:register",
		"payload": map[string]any{"server_id": "does-not-exist"},
	})
	conn.WriteMessage(websocket.TextMessage, reg)

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp struct {
		Type string `json:"type"`
	}
	json.Unmarshal(data, &resp)
	if resp.Type != "agent:register:error" {
		t.Fatalf("expected agent:register:error, got %q", resp.Type)
	}
}

func TestRegistry_RequestTimesOutWithoutResponse(t *testing.T) {
	r, db := newTestRegistry(t)
	server := seedTestServer(t, db)
	wsServer := newRegistryServer(r)
	defer wsServer.Close()

	conn := dialAndRegister(t, wsURLFor(wsServer), server.ID)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := r.Request(ctx, server.ID, "fs:browse", map[string]any{"path": "/"}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error when the agent never answers")
	}
}

func TestRegistry_RequestReturnsErrNotConnected(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Request(ctx, "unknown-server", "fs:browse", nil, time.Second)
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// TestRegistry_RequestResponseRoundTrip exercises the agent RPC proxy used by
// fs:browse: Request() assigns a request_id, the agent echoes it back in a
// reply frame, and resolveRequest correlates the two.
func TestRegistry_RequestResponseRoundTrip(t *testing.T) {
	r, db := newTestRegistry(t)
	server := seedTestServer(t, db)
	wsServer := newRegistryServer(r)
	defer wsServer.Close()

	conn := dialAndRegister(t, wsURLFor(wsServer), server.ID)
	defer conn.Close()

	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		json.Unmarshal(data, &frame)

		reply, _ := json.Marshal(map[string]any{
			"type": "fs:browse:result",
			"payload": map[string]any{
				"request_id": frame.Payload["request_id"],
				"entries":    []string{"a.txt", "b.txt"},
			},
		})
		conn.WriteMessage(websocket.TextMessage, reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := r.Request(ctx, server.ID, "fs:browse", map[string]any{"path": "/srv"}, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var got struct {
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got.Entries))
	}
}

func TestRegistry_OnOffMulticastDispatch(t *testing.T) {
	r, _ := newTestRegistry(t)

	received := make(chan string, 1)
	id := r.On("custom:event", func(serverID string, payload json.RawMessage) {
		received <- serverID
	})

	payload, _ := json.Marshal(map[string]any{})
	r.dispatch("custom:event", "srv-9", payload)

	select {
	case got := <-received:
		if got != "srv-9" {
			t.Errorf("handler received serverID %q, want srv-9", got)
		}
	default:
		t.Fatal("registered handler was not invoked")
	}

	r.Off("custom:event", id)
	r.dispatch("custom:event", "srv-9", payload)
	select {
	case <-received:
		t.Fatal("handler fired again after Off removed it")
	default:
	}
}

func TestParseFrame(t *testing.T) {
	cases := []struct {
		name      string
		data      string
		wantType  string
		wantEmpty bool
	}{
		{"typed", `{"type":"backup:progress","payload":{"percent":50}}`, "backup:progress", false},
		{"single-key", `{"agent:disconnected":{"server_id":"x"}}`, "agent:disconnected", false},
		{"invalid json", `not json`, "", true},
		{"no type no single key", `{"a":1,"b":2}`, "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			frameType, _ := parseFrame([]byte(c.data))
			if frameType != c.wantType {
				t.Errorf("parseFrame(%q) type = %q, want %q", c.data, frameType, c.wantType)
			}
		})
	}
}
