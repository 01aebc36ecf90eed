package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

type heartbeatState struct {
	awaitingPong bool
	missed       int
	lastRTT      time.Duration
	lastPongAt   time.Time
}

// Heartbeats drives application-level liveness on top of the transport.
// Every ping interval each tracked connection is sent a protocol PING; the
// peer echoes the timestamp back in a PONG, which also gives the hub a
// round-trip measurement. A connection that misses the allowed number of
// consecutive pongs is reported on the events channel for the router to
// tear down — the manager itself never closes connections, so teardown is
// a single code path.
type Heartbeats struct {
	mu     sync.Mutex
	states map[string]*heartbeatState

	registry *Registry
	cfg      Config
	logger   *zap.Logger

	events chan string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHeartbeats creates the manager. Run must be called to start pinging.
func NewHeartbeats(cfg Config, registry *Registry, logger *zap.Logger) *Heartbeats {
	return &Heartbeats{
		states:   make(map[string]*heartbeatState),
		registry: registry,
		cfg:      cfg,
		logger:   logger.Named("heartbeat"),
		events:   make(chan string, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Events delivers the connection ids of peers that timed out.
func (h *Heartbeats) Events() <-chan string { return h.events }

// Track starts liveness monitoring for a connection.
func (h *Heartbeats) Track(connectionID string) {
	h.mu.Lock()
	h.states[connectionID] = &heartbeatState{lastPongAt: time.Now()}
	h.mu.Unlock()
}

// Untrack stops monitoring. Safe for unknown ids.
func (h *Heartbeats) Untrack(connectionID string) {
	h.mu.Lock()
	delete(h.states, connectionID)
	h.mu.Unlock()
}

// OnPong records a PONG from the peer. echoed is the timestamp the peer
// copied out of our PING, in epoch milliseconds.
func (h *Heartbeats) OnPong(connectionID string, echoed int64) {
	now := time.Now()

	h.mu.Lock()
	s, ok := h.states[connectionID]
	if ok {
		s.awaitingPong = false
		s.missed = 0
		s.lastPongAt = now
		if echoed > 0 {
			s.lastRTT = now.Sub(time.UnixMilli(echoed))
		}
	}
	h.mu.Unlock()
}

// RTT returns the last measured round-trip time for a connection.
func (h *Heartbeats) RTT(connectionID string) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.states[connectionID]; ok {
		return s.lastRTT, true
	}
	return 0, false
}

// Run drives the ping loop until Stop is called.
func (h *Heartbeats) Run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.tick()
		case <-h.stopCh:
			return
		}
	}
}

// Stop terminates the ping loop.
func (h *Heartbeats) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// tick advances the miss count for unanswered pings, reports timed-out
// connections, and pings the survivors.
func (h *Heartbeats) tick() {
	var timedOut []string
	var ping []string

	h.mu.Lock()
	for id, s := range h.states {
		if s.awaitingPong {
			s.missed++
			if s.missed >= h.cfg.MaxMissed {
				timedOut = append(timedOut, id)
				delete(h.states, id)
				continue
			}
		}
		s.awaitingPong = true
		ping = append(ping, id)
	}
	h.mu.Unlock()

	for _, id := range timedOut {
		h.logger.Warn("connection missed heartbeats",
			zap.String("connection_id", id),
			zap.Int("max_missed", h.cfg.MaxMissed),
		)
		select {
		case h.events <- id:
		default:
			// Router is wedged; the connection will be reaped on the next
			// transport-level failure instead.
			h.logger.Error("heartbeat event channel full, dropping timeout",
				zap.String("connection_id", id))
		}
	}

	for _, id := range ping {
		conn, ok := h.registry.Get(id)
		if !ok {
			h.Untrack(id)
			continue
		}
		env, err := protocol.NewEnvelope(protocol.MsgPing, protocol.PingPayload{
			Timestamp: protocol.NowMillis(),
		})
		if err != nil {
			continue
		}
		if err := conn.Send(env); err != nil {
			h.logger.Debug("ping not delivered",
				zap.String("connection_id", id), zap.Error(err))
		}
	}
}
