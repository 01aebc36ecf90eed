package hub

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

func queueEnv(t *testing.T, commandID string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.MsgCommandRequest, protocol.CommandRequestPayload{
		CommandID: commandID,
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func TestOfflineQueueDrainOrder(t *testing.T) {
	t.Parallel()
	q := NewOfflineQueue(16, time.Minute, zap.NewNop())

	// Two normal-priority commands, then a high-priority one: the drain
	// must deliver c3 first, then c1 and c2 in enqueue order.
	q.Enqueue("agent-1", "c1", 1, queueEnv(t, "c1"))
	q.Enqueue("agent-1", "c2", 1, queueEnv(t, "c2"))
	q.Enqueue("agent-1", "c3", 9, queueEnv(t, "c3"))

	fresh, expired := q.Drain("agent-1")
	if len(expired) != 0 {
		t.Fatalf("expired = %d entries, want 0", len(expired))
	}

	var got []string
	for _, entry := range fresh {
		got = append(got, entry.CommandID)
	}
	want := []string{"c3", "c1", "c2"}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}

	if q.Depth("agent-1") != 0 {
		t.Error("queue not empty after drain")
	}
}

func TestOfflineQueueEvictsOldestWhenFull(t *testing.T) {
	t.Parallel()
	q := NewOfflineQueue(2, time.Minute, zap.NewNop())

	if evicted := q.Enqueue("agent-1", "c1", 5, queueEnv(t, "c1")); evicted != nil {
		t.Fatalf("unexpected eviction of %s", evicted.CommandID)
	}
	if evicted := q.Enqueue("agent-1", "c2", 9, queueEnv(t, "c2")); evicted != nil {
		t.Fatalf("unexpected eviction of %s", evicted.CommandID)
	}

	// Third entry overflows: the longest-waiting entry goes, regardless of
	// its priority relative to the newcomer.
	evicted := q.Enqueue("agent-1", "c3", 0, queueEnv(t, "c3"))
	if evicted == nil || evicted.CommandID != "c1" {
		t.Fatalf("evicted = %v, want c1", evicted)
	}
	if q.Depth("agent-1") != 2 {
		t.Fatalf("Depth = %d, want 2", q.Depth("agent-1"))
	}
}

func TestOfflineQueueExpiry(t *testing.T) {
	t.Parallel()
	q := NewOfflineQueue(16, time.Minute, zap.NewNop())

	q.Enqueue("agent-1", "stale", 5, queueEnv(t, "stale"))
	q.Enqueue("agent-1", "fresh", 5, queueEnv(t, "fresh"))

	// Age the first entry past the TTL.
	q.mu.Lock()
	(*q.queues["agent-1"])[0].QueuedAt = time.Now().Add(-2 * time.Minute)
	if (*q.queues["agent-1"])[0].CommandID != "stale" {
		// Heap order put fresh first; age the other one instead.
		(*q.queues["agent-1"])[0].QueuedAt = time.Now()
		(*q.queues["agent-1"])[1].QueuedAt = time.Now().Add(-2 * time.Minute)
	}
	q.mu.Unlock()

	fresh, expired := q.Drain("agent-1")
	if len(fresh) != 1 || fresh[0].CommandID != "fresh" {
		t.Fatalf("fresh = %v, want [fresh]", fresh)
	}
	if len(expired) != 1 || expired[0].CommandID != "stale" {
		t.Fatalf("expired = %v, want [stale]", expired)
	}
}

func TestOfflineQueueSweep(t *testing.T) {
	t.Parallel()
	q := NewOfflineQueue(16, time.Minute, zap.NewNop())

	q.Enqueue("agent-1", "c1", 5, queueEnv(t, "c1"))
	q.Enqueue("agent-2", "c2", 5, queueEnv(t, "c2"))

	q.mu.Lock()
	(*q.queues["agent-1"])[0].QueuedAt = time.Now().Add(-2 * time.Minute)
	q.mu.Unlock()

	reaped := q.Sweep(time.Now())
	if len(reaped) != 1 || reaped[0].CommandID != "c1" {
		t.Fatalf("Sweep() = %v, want [c1]", reaped)
	}
	if q.Depth("agent-1") != 0 {
		t.Error("agent-1 queue should be empty after sweep")
	}
	if q.Depth("agent-2") != 1 {
		t.Error("agent-2 entry must survive the sweep")
	}
}

func TestOfflineQueueRemoveCommand(t *testing.T) {
	t.Parallel()
	q := NewOfflineQueue(16, time.Minute, zap.NewNop())

	q.Enqueue("agent-1", "c1", 5, queueEnv(t, "c1"))
	q.Enqueue("agent-2", "c1", 5, queueEnv(t, "c1"))
	q.Enqueue("agent-2", "c2", 5, queueEnv(t, "c2"))

	removed := q.RemoveCommand("c1")
	if len(removed) != 2 {
		t.Fatalf("RemoveCommand(c1) = %d entries, want 2", len(removed))
	}
	if q.TotalDepth() != 1 {
		t.Fatalf("TotalDepth = %d, want 1", q.TotalDepth())
	}
}
