// Package eventbus fans typed {type,payload} events out to UI WebSocket
// clients and keeps a short per-job replay buffer across reconnects
// (spec §4.2). Adapted from the teacher's internal/websocket Hub
// broadcast/keep-alive loop, with the replay-buffer mechanics ported from
// original_source/backup-server-rs/src/ws/ui.rs's UiBroadcaster.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourusername/backup-controller/internal/logging"
)

const (
	maxQueuePerJob     = 100
	pingInterval       = 30 * time.Second
	replayBufferTTL    = 5 * time.Minute
	writeWait          = 10 * time.Second
	clientSendCapacity = 64
)

// Event is the wire shape broadcast to UI clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// queuedMessage is a replay-buffer entry.
type queuedMessage struct {
	eventType string
	payload   any
	emittedAt int64 // epoch ms
}

// Client is one connected UI WebSocket.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	b    *Broadcaster
}

// Broadcaster is the UI event bus. One instance serves the whole process.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	queueMu sync.Mutex
	queue   map[string][]queuedMessage // jobID -> ring buffer (capped at maxQueuePerJob)
}

// New constructs an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*Client]bool),
		queue:   make(map[string][]queuedMessage),
	}
}

// Broadcast fans {type,payload} out to every connected client, fire-and-
// forget. If type starts with "backup:" and payload carries a job id (key
// "job_id" or "jobId"), the event is also appended to that job's replay
// ring buffer.
func (b *Broadcaster) Broadcast(eventType string, payload any) {
	msg := Event{Type: eventType, Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		logging.L().Error("eventbus_marshal_failed", "type", eventType, "error", err)
		return
	}

	if jobID := extractJobID(payload); jobID != "" && isBackupEvent(eventType) {
		b.enqueue(jobID, eventType, payload)
		if isTerminalBackupEvent(eventType) {
			id := jobID
			time.AfterFunc(replayBufferTTL, func() { b.dropQueue(id) })
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			logging.L().Warn("eventbus_client_slow_drop", "type", eventType)
		}
	}
}

// GetQueuedMessages returns buffered events for jobID emitted after since
// (epoch ms), in arrival order.
func (b *Broadcaster) GetQueuedMessages(jobID string, since int64) []Event {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	q := b.queue[jobID]
	out := make([]Event, 0, len(q))
	for _, m := range q {
		if m.emittedAt > since {
			out = append(out, Event{Type: m.eventType, Payload: m.payload})
		}
	}
	return out
}

func (b *Broadcaster) enqueue(jobID, eventType string, payload any) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	q := append(b.queue[jobID], queuedMessage{
		eventType: eventType,
		payload:   payload,
		emittedAt: time.Now().UnixMilli(),
	})
	if len(q) > maxQueuePerJob {
		q = q[len(q)-maxQueuePerJob:]
	}
	b.queue[jobID] = q
}

func (b *Broadcaster) dropQueue(jobID string) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	delete(b.queue, jobID)
}

func isBackupEvent(eventType string) bool {
	return len(eventType) >= 7 && eventType[:7] == "backup:"
}

func isTerminalBackupEvent(eventType string) bool {
	return eventType == "backup:completed" || eventType == "backup:failed" || eventType == "backup:cancelled"
}

func extractJobID(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := m["job_id"].(string); ok && v != "" {
		return v
	}
	if v, ok := m["jobId"].(string); ok && v != "" {
		return v
	}
	return ""
}

// ServeWS registers an already-upgraded UI connection and runs the client's
// read/write pumps until it disconnects. Blocks until the connection closes.
func (b *Broadcaster) ServeWS(conn *websocket.Conn) {
	client := &Client{conn: conn, send: make(chan []byte, clientSendCapacity), b: b}

	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()

	done := make(chan struct{})
	go client.writePump(done)
	client.readPump()
	close(done)

	b.mu.Lock()
	delete(b.clients, client)
	b.mu.Unlock()
	close(client.send)
}

// readPump handles the only inbound message type UI clients send:
// {type:"replay:request", payload:{jobId, since}}.
func (c *Client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Type    string `json:"type"`
			Payload struct {
				JobID string `json:"jobId"`
				Since int64  `json:"since"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Type != "replay:request" {
			continue
		}

		for _, ev := range c.b.GetQueuedMessages(req.Payload.JobID, req.Payload.Since) {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case c.send <- payload:
			default:
			}
		}
	}
}

func (c *Client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Close terminates every connected UI client, used during shutdown stage 4.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		c.conn.Close()
	}
}
