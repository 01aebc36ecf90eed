package hub

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

// QueuedCommand is one entry held for an offline agent.
type QueuedCommand struct {
	CommandID string
	AgentID   string
	Priority  int // 0-10, higher drains first
	Envelope  protocol.Envelope
	QueuedAt  time.Time

	seq int // tiebreaker: FIFO within a priority
	idx int // heap bookkeeping
}

// Expired reports whether the entry has outlived the queue TTL at now.
func (q *QueuedCommand) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(q.QueuedAt) > ttl
}

// commandHeap orders by priority descending, then enqueue order ascending.
type commandHeap []*QueuedCommand

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *commandHeap) Push(x any) {
	entry := x.(*QueuedCommand)
	entry.idx = len(*h)
	*h = append(*h, entry)
}

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// OfflineQueue holds commands addressed to agents that are not currently
// connected. Each agent has an independent bounded priority queue; when an
// agent reconnects the router drains its queue in priority order, skipping
// entries that expired while waiting.
type OfflineQueue struct {
	mu     sync.Mutex
	queues map[string]*commandHeap
	max    int
	ttl    time.Duration
	seq    int
	logger *zap.Logger
}

// NewOfflineQueue creates an empty queue with per-agent capacity max and
// entry lifetime ttl.
func NewOfflineQueue(max int, ttl time.Duration, logger *zap.Logger) *OfflineQueue {
	return &OfflineQueue{
		queues: make(map[string]*commandHeap),
		max:    max,
		ttl:    ttl,
		logger: logger.Named("offline_queue"),
	}
}

// Enqueue stores env for later delivery to agentID. When the agent's queue
// is full the oldest entry is evicted to make room and returned so the
// caller can fail its command; evicted is nil otherwise.
func (q *OfflineQueue) Enqueue(agentID, commandID string, priority int, env protocol.Envelope) (evicted *QueuedCommand) {
	q.mu.Lock()

	h, ok := q.queues[agentID]
	if !ok {
		h = &commandHeap{}
		q.queues[agentID] = h
	}

	if h.Len() >= q.max {
		evicted = q.evictOldestLocked(h)
	}

	q.seq++
	heap.Push(h, &QueuedCommand{
		CommandID: commandID,
		AgentID:   agentID,
		Priority:  priority,
		Envelope:  env,
		QueuedAt:  time.Now(),
		seq:       q.seq,
	})
	depth := h.Len()
	q.mu.Unlock()

	q.logger.Debug("command queued for offline agent",
		zap.String("agent_id", agentID),
		zap.String("command_id", commandID),
		zap.Int("priority", priority),
		zap.Int("depth", depth),
	)
	return evicted
}

// Drain removes and returns every still-fresh entry for agentID, highest
// priority first and FIFO within a priority. Expired entries are dropped
// and returned separately so the caller can fail their commands.
func (q *OfflineQueue) Drain(agentID string) (fresh, expired []*QueuedCommand) {
	now := time.Now()

	q.mu.Lock()
	h, ok := q.queues[agentID]
	if !ok {
		q.mu.Unlock()
		return nil, nil
	}
	delete(q.queues, agentID)

	for h.Len() > 0 {
		entry := heap.Pop(h).(*QueuedCommand)
		if entry.Expired(q.ttl, now) {
			expired = append(expired, entry)
			continue
		}
		fresh = append(fresh, entry)
	}
	q.mu.Unlock()

	if len(fresh) > 0 || len(expired) > 0 {
		q.logger.Info("drained offline queue",
			zap.String("agent_id", agentID),
			zap.Int("delivered", len(fresh)),
			zap.Int("expired", len(expired)),
		)
	}
	return fresh, expired
}

// RemoveCommand deletes every queued entry for commandID across all agents
// and returns the removed entries. Used by cancel and emergency stop.
func (q *OfflineQueue) RemoveCommand(commandID string) []*QueuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*QueuedCommand
	for agentID, h := range q.queues {
		kept := (*h)[:0]
		for _, entry := range *h {
			if entry.CommandID == commandID {
				removed = append(removed, entry)
			} else {
				kept = append(kept, entry)
			}
		}
		*h = kept
		heap.Init(h)
		if h.Len() == 0 {
			delete(q.queues, agentID)
		}
	}
	return removed
}

// Sweep drops expired entries across every queue and returns them so the
// caller can fail their commands. Runs on the shared sweep schedule.
func (q *OfflineQueue) Sweep(now time.Time) []*QueuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reaped []*QueuedCommand
	for agentID, h := range q.queues {
		kept := (*h)[:0]
		for _, entry := range *h {
			if entry.Expired(q.ttl, now) {
				reaped = append(reaped, entry)
			} else {
				kept = append(kept, entry)
			}
		}
		*h = kept
		heap.Init(h)
		if h.Len() == 0 {
			delete(q.queues, agentID)
		}
	}
	return reaped
}

// Depth returns the number of entries queued for agentID.
func (q *OfflineQueue) Depth(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h, ok := q.queues[agentID]; ok {
		return h.Len()
	}
	return 0
}

// TotalDepth returns the number of entries queued across all agents.
func (q *OfflineQueue) TotalDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	for _, h := range q.queues {
		n += h.Len()
	}
	return n
}

// evictOldestLocked removes the entry with the smallest sequence number,
// i.e. the one that has waited longest regardless of priority.
func (q *OfflineQueue) evictOldestLocked(h *commandHeap) *QueuedCommand {
	oldest := -1
	for i, entry := range *h {
		if oldest == -1 || entry.seq < (*h)[oldest].seq {
			oldest = i
		}
	}
	if oldest == -1 {
		return nil
	}
	evicted := heap.Remove(h, oldest).(*QueuedCommand)
	q.logger.Warn("offline queue full, evicting oldest entry",
		zap.String("agent_id", evicted.AgentID),
		zap.String("command_id", evicted.CommandID),
	)
	return evicted
}
