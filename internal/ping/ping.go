// Package ping implements the ping/liveness service (spec §2 row 9, §5):
// every 10 seconds it derives per-server reachability from the agent
// registry's in-memory connection state and broadcasts the result. It does
// not perform ICMP or TCP probing — "ping" here means "is the registered
// AgentConnection open", mirroring the registry's own source of truth.
package ping

import (
	"sync"
	"time"

	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/eventbus"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/registry"
)

const tickInterval = 10 * time.Second

// Status is one server's derived reachability snapshot.
type Status struct {
	ServerID  string `json:"server_id"`
	Connected bool   `json:"connected"`
	CheckedAt string `json:"checked_at"`
}

// Service periodically recomputes and caches ping-status for every server,
// serving both the broadcast path and the GET /api/servers/ping-status
// snapshot endpoint without re-deriving on each request.
type Service struct {
	db  *database.DB
	bus *eventbus.Broadcaster
	reg *registry.Registry

	mu       sync.RWMutex
	statuses map[string]Status

	stop chan struct{}
	done chan struct{}
}

// New constructs a Service. Call Start to begin the periodic tick.
func New(db *database.DB, bus *eventbus.Broadcaster, reg *registry.Registry) *Service {
	return &Service{
		db:       db,
		bus:      bus,
		reg:      reg,
		statuses: make(map[string]Status),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the periodic tick in a goroutine until Stop is called.
func (s *Service) Start() {
	s.tick()
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the periodic tick, used during shutdown stage 2.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

// Snapshot returns the current cached statuses for every server, the
// backing data for GET /api/servers/ping-status.
func (s *Service) Snapshot() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	return out
}

func (s *Service) tick() {
	servers, err := s.db.ListServers()
	if err != nil {
		logging.L().Error("ping_tick_list_servers_failed", "error", err)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	next := make(map[string]Status, len(servers))

	for _, server := range servers {
		status := Status{
			ServerID:  server.ID,
			Connected: s.reg.IsConnected(server.ID),
			CheckedAt: now,
		}
		next[server.ID] = status
	}

	s.mu.Lock()
	s.statuses = next
	s.mu.Unlock()

	s.bus.Broadcast("ping:status", map[string]any{"statuses": next})
}
