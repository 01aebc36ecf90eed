package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Command lifecycle statuses as carried on the wire and persisted.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// statusRank orders the lifecycle so late or duplicate reports can never
// move a command backwards. All terminal states share a rank: the first
// terminal report wins and later ones are discarded.
var statusRank = map[string]int{
	StatusPending:   0,
	StatusQueued:    1,
	StatusExecuting: 2,
	StatusCompleted: 3,
	StatusFailed:    3,
	StatusCancelled: 3,
}

// IsTerminal reports whether status ends a command's lifecycle on an agent.
func IsTerminal(status string) bool {
	return statusRank[status] == 3
}

// TrackedCommand is the in-memory routing record for one issued command.
// It exists so that agent-side reports (ack, status, output, completion)
// can be routed back to the dashboard connection that issued the command
// without a database round trip per message.
type TrackedCommand struct {
	CommandID string

	// OriginConnID is the dashboard connection that issued the command.
	// Results route here and only here.
	OriginConnID string

	// IssuerUserID owns the command for authorization and emergency stop.
	IssuerUserID string

	CreatedAt time.Time

	// perAgent holds the last accepted status per target agent.
	perAgent map[string]string

	// closing marks an entry whose origin connection is gone. It no longer
	// routes anywhere; late agent reports still advance it (persist-only)
	// until the next sweep reaps it.
	closing bool
}

// Tracker owns the command routing table. Entries are created when a
// COMMAND_REQUEST is accepted, advance monotonically as agents report, and
// are removed when every target reaches a terminal status or the TTL sweep
// reaps them.
type Tracker struct {
	mu       sync.Mutex
	commands map[string]*TrackedCommand
	ttl      time.Duration
	logger   *zap.Logger
}

// NewTracker creates an empty Tracker with the given entry TTL.
func NewTracker(ttl time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		commands: make(map[string]*TrackedCommand),
		ttl:      ttl,
		logger:   logger.Named("tracker"),
	}
}

// Track registers a command against its origin connection and target agents.
// Targets start in pending.
func (t *Tracker) Track(commandID, originConnID, issuerUserID string, targetAgents []string) {
	per := make(map[string]string, len(targetAgents))
	for _, a := range targetAgents {
		per[a] = StatusPending
	}

	t.mu.Lock()
	t.commands[commandID] = &TrackedCommand{
		CommandID:    commandID,
		OriginConnID: originConnID,
		IssuerUserID: issuerUserID,
		CreatedAt:    time.Now(),
		perAgent:     per,
	}
	t.mu.Unlock()
}

// Lookup returns the origin connection and issuer for a command. ok is false
// for unknown commands, finished-and-removed commands, and entries whose
// origin connection already closed.
func (t *Tracker) Lookup(commandID string) (originConnID, issuerUserID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, found := t.commands[commandID]
	if !found || cmd.closing {
		return "", "", false
	}
	return cmd.OriginConnID, cmd.IssuerUserID, true
}

// Known reports whether a command still has a tracking entry at all,
// including entries detached from their origin. Agent reports for known
// commands are persisted even when they no longer route.
func (t *Tracker) Known(commandID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, found := t.commands[commandID]
	return found
}

// RetireAllFromConnection detaches every command issued on a closed origin
// connection and returns how many were detached. Detached entries stop
// routing immediately; the sweep reaps them.
func (t *Tracker) RetireAllFromConnection(connectionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	for _, cmd := range t.commands {
		if cmd.OriginConnID == connectionID && !cmd.closing {
			cmd.closing = true
			n++
		}
	}
	return n
}

// Advance applies an agent's status report for a command. The transition is
// accepted only when it moves the per-agent status strictly forward; stale
// and duplicate reports return accepted=false and must not be re-delivered.
//
// done is true when this transition put the last remaining target into a
// terminal state, at which point the entry has been removed.
func (t *Tracker) Advance(commandID, agentID, status string) (accepted, done bool) {
	newRank, known := statusRank[status]
	if !known {
		return false, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, found := t.commands[commandID]
	if !found {
		return false, false
	}
	current, targeted := cmd.perAgent[agentID]
	if !targeted {
		return false, false
	}
	if newRank <= statusRank[current] {
		return false, false
	}
	cmd.perAgent[agentID] = status

	if t.allTerminalLocked(cmd) {
		delete(t.commands, commandID)
		return true, true
	}
	return true, false
}

// CommandsForAgent returns the ids of tracked commands that still have a
// non-terminal status on agentID. Used on agent disconnect.
func (t *Tracker) CommandsForAgent(agentID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for id, cmd := range t.commands {
		if status, ok := cmd.perAgent[agentID]; ok && !IsTerminal(status) {
			out = append(out, id)
		}
	}
	return out
}

// AgentsForCommand returns the target agents of a command that have not
// yet reached a terminal status.
func (t *Tracker) AgentsForCommand(commandID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, found := t.commands[commandID]
	if !found {
		return nil
	}
	var out []string
	for agentID, status := range cmd.perAgent {
		if !IsTerminal(status) {
			out = append(out, agentID)
		}
	}
	return out
}

// CommandsForIssuer returns the ids of every tracked command owned by
// issuerUserID. Used by emergency stop.
func (t *Tracker) CommandsForIssuer(issuerUserID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for id, cmd := range t.commands {
		if cmd.IssuerUserID == issuerUserID {
			out = append(out, id)
		}
	}
	return out
}

// Sweep removes entries older than the TTL, plus every entry detached from
// its origin connection, and returns how many were reaped. Runs on the
// shared sweep schedule.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.ttl)

	t.mu.Lock()
	var reaped int
	for id, cmd := range t.commands {
		if cmd.closing || cmd.CreatedAt.Before(cutoff) {
			delete(t.commands, id)
			reaped++
		}
	}
	t.mu.Unlock()

	if reaped > 0 {
		t.logger.Warn("reaped expired command tracking entries", zap.Int("count", reaped))
	}
	return reaped
}

// Len returns the number of tracked commands.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.commands)
}

func (t *Tracker) allTerminalLocked(cmd *TrackedCommand) bool {
	for _, status := range cmd.perAgent {
		if !IsTerminal(status) {
			return false
		}
	}
	return true
}
