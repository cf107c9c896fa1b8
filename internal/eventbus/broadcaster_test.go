package eventbus

import (
	"testing"
	"time"
)

func TestBroadcaster_ReplayRoundTripReturnsPrefix(t *testing.T) {
	b := New()

	b.Broadcast("backup:started", map[string]any{"job_id": "job-1"})
	b.Broadcast("backup:progress", map[string]any{"job_id": "job-1", "percent": 50})
	b.Broadcast("backup:progress", map[string]any{"job_id": "job-1", "percent": 90})

	all := b.GetQueuedMessages("job-1", 0)
	if len(all) != 3 {
		t.Fatalf("expected all 3 queued events since epoch 0, got %d", len(all))
	}

	after := time.Now().UnixMilli()
	none := b.GetQueuedMessages("job-1", after)
	if len(none) != 0 {
		t.Fatalf("expected no events emitted after %d, got %d", after, len(none))
	}
}

func TestBroadcaster_ReplayIsIdempotent(t *testing.T) {
	b := New()
	b.Broadcast("backup:started", map[string]any{"job_id": "job-2"})
	b.Broadcast("backup:progress", map[string]any{"job_id": "job-2", "percent": 10})

	first := b.GetQueuedMessages("job-2", 0)
	second := b.GetQueuedMessages("job-2", 0)

	if len(first) != len(second) {
		t.Fatalf("replaying twice yielded different counts: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Type != second[i].Type {
			t.Errorf("event %d type mismatch: %q vs %q", i, first[i].Type, second[i].Type)
		}
	}
}

func TestBroadcaster_OnlyBackupEventsWithJobIDAreQueued(t *testing.T) {
	b := New()
	b.Broadcast("server:updated", map[string]any{"server_id": "srv-1"})
	b.Broadcast("backup:started", map[string]any{"no_job_id_here": true})
	b.Broadcast("backup:started", map[string]any{"jobId": "job-3"})

	if got := b.GetQueuedMessages("srv-1", 0); len(got) != 0 {
		t.Errorf("non-backup event leaked into a replay queue: %d entries", len(got))
	}
	if got := b.GetQueuedMessages("job-3", 0); len(got) != 1 {
		t.Errorf("expected the camelCase jobId event to be queued, got %d", len(got))
	}
}

func TestBroadcaster_QueueIsCappedPerJob(t *testing.T) {
	b := New()
	for i := 0; i < maxQueuePerJob+10; i++ {
		b.Broadcast("backup:progress", map[string]any{"job_id": "job-4", "percent": i})
	}
	got := b.GetQueuedMessages("job-4", 0)
	if len(got) != maxQueuePerJob {
		t.Errorf("queue length = %d, want cap %d", len(got), maxQueuePerJob)
	}
}

func TestBroadcaster_TerminalEventDropsQueueAfterTTL(t *testing.T) {
	b := New()
	b.Broadcast("backup:progress", map[string]any{"job_id": "job-5", "percent": 50})
	b.Broadcast("backup:completed", map[string]any{"job_id": "job-5", "percent": 100})

	if got := b.GetQueuedMessages("job-5", 0); len(got) != 2 {
		t.Fatalf("expected both events queued before TTL expiry, got %d", len(got))
	}

	// dropQueue is the callback the terminal event schedules for when the
	// TTL expires; it is called directly here instead of waiting for it.
	b.dropQueue("job-5")
	if got := b.GetQueuedMessages("job-5", 0); len(got) != 0 {
		t.Fatalf("expected queue to be gone after drop, got %d", len(got))
	}
}

func TestBroadcaster_BroadcastDeliversToConnectedClients(t *testing.T) {
	b := New()
	client := &Client{send: make(chan []byte, 1), b: b}
	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()

	b.Broadcast("job:updated", map[string]any{"id": "job-6", "status": "completed"})

	select {
	case <-client.send:
	default:
		t.Fatal("connected client did not receive the broadcast frame")
	}
}

func TestBroadcaster_SlowClientDoesNotBlockBroadcast(t *testing.T) {
	b := New()
	client := &Client{send: make(chan []byte), b: b} // unbuffered, never drained
	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.Broadcast("job:updated", map[string]any{"id": "job-7"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow/unread client instead of dropping the frame")
	}
}
