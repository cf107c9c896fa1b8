// Package registry implements the agent registry (spec §4.3): inbound
// agent WebSocket sessions, the registration handshake, request/response
// correlation, keep-alive, and multicast dispatch of asynchronous events.
//
// Connection management (register/unregister, ping/pong keep-alive) is
// grounded on the teacher's internal/websocket Hub/Client lifecycle.
// Request/response correlation and the registration handshake are grounded
// on original_source/backup-server-rs/src/ws/agent_registry.rs, which has
// no teacher analog.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/eventbus"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/models"
)

const (
	pingInterval    = 30 * time.Second
	pongGrace       = 1 * pingInterval
	writeWait       = 10 * time.Second
	defaultReqTimeout = 30 * time.Second
)

// ErrNotConnected is returned when sending/requesting against a server with
// no open AgentConnection.
var ErrNotConnected = errors.New("agent not connected")

// Handler is a multicast event handler registered via On.
type Handler func(serverID string, payload json.RawMessage)

type subscription struct {
	id      string
	handler Handler
}

// agentConnection is the in-memory-only AgentConnection entity (spec §3).
type agentConnection struct {
	serverID    string
	hostname    string
	version     string
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time
	lastPing    time.Time
	writeMu     sync.Mutex
}

type pendingRequest struct {
	ch chan json.RawMessage
}

// Registry is the agent registry. One instance serves the whole process.
type Registry struct {
	db  *database.DB
	bus *eventbus.Broadcaster

	mu     sync.RWMutex
	agents map[string]*agentConnection

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	handlersMu sync.RWMutex
	handlers   map[string][]subscription
}

// New constructs a Registry backed by db for server validation/state and
// bus for UI broadcast of connection-lifecycle events.
func New(db *database.DB, bus *eventbus.Broadcaster) *Registry {
	return &Registry{
		db:       db,
		bus:      bus,
		agents:   make(map[string]*agentConnection),
		pending:  make(map[string]*pendingRequest),
		handlers: make(map[string][]subscription),
	}
}

// ServeWS runs one agent connection's lifecycle to completion: registration
// handshake, then sequential frame dispatch, until the socket closes.
func (r *Registry) ServeWS(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongGrace))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongGrace))
		return nil
	})

	serverID, ac, ok := r.handshake(conn)
	if !ok {
		return
	}

	done := make(chan struct{})
	go r.pingLoop(ac, done)

	r.dispatchLoop(serverID, ac)

	close(done)
	r.handleDisconnect(serverID, ac)
}

// handshake reads the first frame, which must be agent:register, validates
// it, and installs the AgentConnection on success.
func (r *Registry) handshake(conn *websocket.Conn) (string, *agentConnection, bool) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, false
	}

	frameType, payload := parseFrame(data)
	if frameType != "agent:register" {
		writeFrame(conn, "agent:register:error", map[string]any{"error": "first frame must be agent:register"})
		return "", nil, false
	}

	var reg struct {
		ServerID string `json:"server_id"`
		Hostname string `json:"hostname"`
		Version  string `json:"version"`
	}
	_ = json.Unmarshal(payload, &reg)

	if reg.ServerID == "" {
		writeFrame(conn, "agent:register:error", map[string]any{"error": "server_id is required"})
		return "", nil, false
	}

	if _, err := r.db.GetServer(reg.ServerID); err != nil {
		writeFrame(conn, "agent:register:error", map[string]any{"error": "server not found"})
		return "", nil, false
	}

	ac := &agentConnection{
		serverID:    reg.ServerID,
		hostname:    reg.Hostname,
		version:     reg.Version,
		conn:        conn,
		send:        make(chan []byte, 32),
		connectedAt: time.Now(),
		lastPing:    time.Now(),
	}

	r.mu.Lock()
	if old, exists := r.agents[reg.ServerID]; exists {
		old.conn.Close()
	}
	r.agents[reg.ServerID] = ac
	r.mu.Unlock()

	now := time.Now().UTC()
	if err := r.db.SetServerAgentState(reg.ServerID, models.AgentConnected, reg.Version, &now); err != nil {
		logging.L().Error("agent_register_db_update_failed", "server_id", reg.ServerID, "error", err)
	}

	writeFrame(conn, "agent:register:ok", map[string]any{"server_id": reg.ServerID})
	r.bus.Broadcast("server:updated", map[string]any{"server_id": reg.ServerID, "agent_status": string(models.AgentConnected)})

	logging.L().Info("agent_registered", "server_id", reg.ServerID, "hostname", reg.Hostname, "version", reg.Version)
	return reg.ServerID, ac, true
}

// dispatchLoop processes frames from a single agent sequentially,
// preserving per-agent arrival order (spec §4.3 ordering guarantee).
func (r *Registry) dispatchLoop(serverID string, ac *agentConnection) {
	for {
		_, data, err := ac.conn.ReadMessage()
		if err != nil {
			return
		}

		frameType, payload := parseFrame(data)
		if frameType == "" {
			continue
		}

		var withReqID struct {
			RequestID string `json:"request_id"`
		}
		_ = json.Unmarshal(payload, &withReqID)

		if withReqID.RequestID != "" && r.resolveRequest(withReqID.RequestID, payload) {
			continue
		}

		r.dispatch(frameType, serverID, payload)
	}
}

func (r *Registry) dispatch(frameType, serverID string, payload json.RawMessage) {
	r.handlersMu.RLock()
	subs := append([]subscription(nil), r.handlers[frameType]...)
	r.handlersMu.RUnlock()

	for _, s := range subs {
		s.handler(serverID, payload)
	}
}

func (r *Registry) resolveRequest(requestID string, payload json.RawMessage) bool {
	r.pendingMu.Lock()
	pr, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.pendingMu.Unlock()

	if !ok {
		return false
	}
	select {
	case pr.ch <- payload:
	default:
	}
	return true
}

func (r *Registry) handleDisconnect(serverID string, ac *agentConnection) {
	r.mu.Lock()
	if r.agents[serverID] != ac {
		// A newer registration replaced this connection; the server stays
		// connected through it.
		r.mu.Unlock()
		return
	}
	delete(r.agents, serverID)
	r.mu.Unlock()

	server, err := r.db.GetServer(serverID)
	if err != nil {
		return
	}
	if server.AgentStatus == models.AgentUpdating {
		// Preserve "updating" across the self-update reconnect gap (spec §4.8).
		logging.L().Info("agent_disconnected_during_update", "server_id", serverID)
		return
	}

	if err := r.db.SetServerAgentState(serverID, models.AgentDisconnected, server.AgentVersion, server.AgentLastSeen); err != nil {
		logging.L().Error("agent_disconnect_db_update_failed", "server_id", serverID, "error", err)
	}
	r.bus.Broadcast("server:updated", map[string]any{"server_id": serverID, "agent_status": string(models.AgentDisconnected)})
	logging.L().Info("agent_disconnected", "server_id", serverID)

	payload, _ := json.Marshal(map[string]any{"server_id": serverID})
	r.dispatch("agent:disconnected", serverID, payload)
}

func (r *Registry) pingLoop(ac *agentConnection, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ac.writeMu.Lock()
			ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := ac.conn.WriteMessage(websocket.PingMessage, nil)
			ac.writeMu.Unlock()
			if err != nil {
				ac.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// IsConnected reports whether an AgentConnection currently exists for serverID.
func (r *Registry) IsConnected(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[serverID]
	return ok
}

// ConnectedServerIDs returns the server ids with an open AgentConnection.
func (r *Registry) ConnectedServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// Send enqueues a {type,payload} frame to serverID's agent. Returns false
// if not connected.
func (r *Registry) Send(serverID, msgType string, payload any) bool {
	r.mu.RLock()
	ac, ok := r.agents[serverID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(map[string]any{"type": msgType, "payload": payload})
	if err != nil {
		logging.L().Error("registry_send_marshal_failed", "type", msgType, "error", err)
		return false
	}

	ac.writeMu.Lock()
	defer ac.writeMu.Unlock()
	ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ac.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

// Request sends a frame with a freshly assigned request_id and waits for a
// matching response, the agent's registry-level RPC mechanism (spec §4.3,
// used for fs:browse).
func (r *Registry) Request(ctx context.Context, serverID, msgType string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultReqTimeout
	}

	requestID := uuid.NewString()
	if payload == nil {
		payload = map[string]any{}
	}
	payload["request_id"] = requestID

	pr := &pendingRequest{ch: make(chan json.RawMessage, 1)}
	r.pendingMu.Lock()
	r.pending[requestID] = pr
	r.pendingMu.Unlock()

	if !r.Send(serverID, msgType, payload) {
		r.pendingMu.Lock()
		delete(r.pending, requestID)
		r.pendingMu.Unlock()
		return nil, ErrNotConnected
	}

	select {
	case resp := <-pr.ch:
		return resp, nil
	case <-time.After(timeout):
		r.pendingMu.Lock()
		delete(r.pending, requestID)
		r.pendingMu.Unlock()
		return nil, fmt.Errorf("agent request timed out after %s", timeout)
	case <-ctx.Done():
		r.pendingMu.Lock()
		delete(r.pending, requestID)
		r.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// On registers a multicast handler for an inbound frame type. Returns a
// subscription id usable with Off.
func (r *Registry) On(frameType string, handler Handler) string {
	id := uuid.NewString()
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[frameType] = append(r.handlers[frameType], subscription{id: id, handler: handler})
	return id
}

// Off removes a previously registered handler by its subscription id.
func (r *Registry) Off(frameType, subscriptionID string) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	subs := r.handlers[frameType]
	for i, s := range subs {
		if s.id == subscriptionID {
			r.handlers[frameType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// CloseAll force-closes every agent socket, used during shutdown stage 3.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ac := range r.agents {
		ac.conn.Close()
	}
}

// parseFrame normalizes either wire shape accepted from agents:
// {"type":"...","payload":{...}} or a single-key object {"event_name":{...}}
// (SPEC_FULL §C.4, grounded in agent_registry.rs's dual parse).
func parseFrame(data []byte) (string, json.RawMessage) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", nil
	}

	if rawType, ok := generic["type"]; ok {
		var t string
		if err := json.Unmarshal(rawType, &t); err != nil {
			return "", nil
		}
		payload := generic["payload"]
		if payload == nil {
			payload = json.RawMessage("{}")
		}
		return t, payload
	}

	if len(generic) == 1 {
		for k, v := range generic {
			return k, v
		}
	}

	return "", nil
}

func writeFrame(conn *websocket.Conn, msgType string, payload any) {
	data, err := json.Marshal(map[string]any{"type": msgType, "payload": payload})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, data)
}
