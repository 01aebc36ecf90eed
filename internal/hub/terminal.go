package hub

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sessionKey identifies one terminal stream: a command executing on one agent.
type sessionKey struct {
	CommandID string
	AgentID   string
}

// FlushChunk is one coalesced batch of terminal output handed to the sink.
type FlushChunk struct {
	CommandID     string
	AgentID       string
	Content       string
	Stream        string // stdout | stderr
	Ansi          bool
	Lines         int
	FirstSequence uint64
	LastSequence  uint64
}

// FlushSink receives coalesced terminal chunks. The hub's implementation
// persists the chunk and forwards it to the origin dashboard; it must not
// block for long since it is called with no manager lock held but on the
// submitting goroutine.
type FlushSink interface {
	FlushTerminal(chunk FlushChunk)
}

// streamSession buffers output for one (command, agent) pair.
type streamSession struct {
	key sessionKey

	buf     strings.Builder
	lines   int
	stream  string
	ansi    bool
	firstAt time.Time // when the oldest buffered line arrived
	firstSeq uint64
	lastSeq  uint64 // highest sequence accepted, buffered or flushed

	lastActivity time.Time
	endedAt      time.Time // zero while the command is live
}

// TerminalStreams coalesces per-line agent output into batched flushes so
// that chatty commands do not cost one WebSocket frame per line. Flushes
// fire when a session's buffer crosses the byte or line threshold, when
// stderr arrives (errors surface immediately), or on the time-based ticker.
//
// Within a session, lines are flushed in arrival order and a line whose
// sequence does not advance past everything already accepted is dropped,
// so a dashboard never observes reordered or duplicated output.
type TerminalStreams struct {
	mu       sync.Mutex
	sessions map[sessionKey]*streamSession

	cfg    Config
	sink   FlushSink
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTerminalStreams creates the manager. Run must be called to activate
// the time-based flush loop.
func NewTerminalStreams(cfg Config, sink FlushSink, logger *zap.Logger) *TerminalStreams {
	return &TerminalStreams{
		sessions: make(map[sessionKey]*streamSession),
		cfg:      cfg,
		sink:     sink,
		logger:   logger.Named("terminal"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Submit buffers one output line. Threshold-triggered flushes happen
// synchronously on the caller's goroutine so a burst is delivered without
// waiting for the next tick.
func (m *TerminalStreams) Submit(commandID, agentID, content, stream string, sequence uint64, ansi bool) {
	key := sessionKey{CommandID: commandID, AgentID: agentID}
	now := time.Now()

	m.mu.Lock()

	s, ok := m.sessions[key]
	if !ok {
		s = &streamSession{key: key}
		m.sessions[key] = s
	}
	s.lastActivity = now

	if sequence <= s.lastSeq && s.lastSeq != 0 {
		m.mu.Unlock()
		m.logger.Debug("dropping stale terminal line",
			zap.String("command_id", commandID),
			zap.String("agent_id", agentID),
			zap.Uint64("sequence", sequence),
			zap.Uint64("last_sequence", s.lastSeq),
		)
		return
	}

	var pending []FlushChunk

	// A stream or ansi-mode switch cannot share a chunk with what is
	// already buffered.
	if s.lines > 0 && (s.stream != stream || s.ansi != ansi) {
		pending = append(pending, m.takeLocked(s))
	}

	if s.lines == 0 {
		s.stream = stream
		s.ansi = ansi
		s.firstAt = now
		s.firstSeq = sequence
	}
	s.buf.WriteString(content)
	s.buf.WriteByte('\n')
	s.lines++
	s.lastSeq = sequence

	switch {
	case stream == "stderr":
		pending = append(pending, m.takeLocked(s))
	case s.buf.Len() >= m.cfg.BufferBytes:
		pending = append(pending, m.takeLocked(s))
	case s.lines >= m.cfg.BufferLines:
		pending = append(pending, m.takeLocked(s))
	case now.Sub(s.firstAt) >= 2*m.cfg.FlushInterval:
		// Safety ceiling in case the ticker fell behind.
		pending = append(pending, m.takeLocked(s))
	}

	m.mu.Unlock()

	for _, chunk := range pending {
		m.sink.FlushTerminal(chunk)
	}
}

// EndSession flushes whatever is buffered for the session and marks it
// ended. The session record lingers briefly so that output frames already
// in flight from the agent still find their sequence state, then the sweep
// removes it.
func (m *TerminalStreams) EndSession(commandID, agentID string) {
	key := sessionKey{CommandID: commandID, AgentID: agentID}

	m.mu.Lock()
	s, ok := m.sessions[key]
	var chunk FlushChunk
	var flush bool
	if ok {
		if s.lines > 0 {
			chunk = m.takeLocked(s)
			flush = true
		}
		s.endedAt = time.Now()
	}
	m.mu.Unlock()

	if flush {
		m.sink.FlushTerminal(chunk)
	}
}

// EndAgentSessions ends every live session on agentID. Called when the
// agent disconnects.
func (m *TerminalStreams) EndAgentSessions(agentID string) {
	m.mu.Lock()
	var keys []sessionKey
	for key := range m.sessions {
		if key.AgentID == agentID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.EndSession(key.CommandID, key.AgentID)
	}
}

// Run drives the time-based flush loop until Stop is called.
func (m *TerminalStreams) Run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flushDue(time.Now())
		case <-m.stopCh:
			m.FlushAll()
			return
		}
	}
}

// Stop terminates the flush loop after a final flush of every session.
func (m *TerminalStreams) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// FlushAll synchronously flushes every session with buffered output.
func (m *TerminalStreams) FlushAll() {
	m.mu.Lock()
	var pending []FlushChunk
	for _, s := range m.sessions {
		if s.lines > 0 {
			pending = append(pending, m.takeLocked(s))
		}
	}
	m.mu.Unlock()

	for _, chunk := range pending {
		m.sink.FlushTerminal(chunk)
	}
}

// flushDue flushes sessions whose oldest buffered line has waited at least
// one flush interval.
func (m *TerminalStreams) flushDue(now time.Time) {
	m.mu.Lock()
	var pending []FlushChunk
	for _, s := range m.sessions {
		if s.lines > 0 && now.Sub(s.firstAt) >= m.cfg.FlushInterval {
			pending = append(pending, m.takeLocked(s))
		}
	}
	m.mu.Unlock()

	for _, chunk := range pending {
		m.sink.FlushTerminal(chunk)
	}
}

// Sweep removes sessions that ended more than the linger period ago, plus
// live sessions idle beyond the max age (their command died without a
// terminal report). Returns how many sessions were removed.
func (m *TerminalStreams) Sweep(now time.Time) int {
	m.mu.Lock()
	var removed int
	for key, s := range m.sessions {
		switch {
		case !s.endedAt.IsZero() && now.Sub(s.endedAt) > m.cfg.Linger:
			delete(m.sessions, key)
			removed++
		case s.endedAt.IsZero() && now.Sub(s.lastActivity) > m.cfg.SessionMaxAge:
			delete(m.sessions, key)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("garbage-collected terminal sessions", zap.Int("count", removed))
	}
	return removed
}

// SessionCount returns the number of live session records.
func (m *TerminalStreams) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// takeLocked drains the session buffer into a chunk. Caller holds m.mu.
func (m *TerminalStreams) takeLocked(s *streamSession) FlushChunk {
	chunk := FlushChunk{
		CommandID:     s.key.CommandID,
		AgentID:       s.key.AgentID,
		Content:       s.buf.String(),
		Stream:        s.stream,
		Ansi:          s.ansi,
		Lines:         s.lines,
		FirstSequence: s.firstSeq,
		LastSequence:  s.lastSeq,
	}
	s.buf.Reset()
	s.lines = 0
	return chunk
}
