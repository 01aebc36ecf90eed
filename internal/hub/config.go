// Package hub implements the control-plane core: the connection registry,
// token and heartbeat tracking, command ownership, offline queueing,
// terminal stream coalescing, and the message router that ties them
// together. Everything here is in-memory; persistence goes through the
// repository interfaces and is best-effort.
package hub

import "time"

// Config carries every tunable the hub core uses. DefaultConfig returns the
// production values; tests compress the timings.
type Config struct {
	// Terminal stream coalescing (per session).
	BufferBytes   int           // flush when buffered bytes reach this
	BufferLines   int           // flush when buffered lines reach this
	FlushInterval time.Duration // time-based flush cadence
	LatencyBudget time.Duration // end-to-end delivery target, documentation and tests only

	// Liveness.
	PingInterval time.Duration // protocol PING cadence per connection
	MaxMissed    int           // consecutive missed PONGs before timeout
	AuthGrace    time.Duration // unauthenticated connections are closed after this

	// Tokens.
	RefreshLead time.Duration // refresh fires this long before expiry

	// Offline queue.
	QueueMax int           // per-agent entry cap
	QueueTTL time.Duration // entries older than this are never delivered

	// Command tracking.
	TrackTTL      time.Duration // tracking entries expire after this
	SweepInterval time.Duration // cadence of the tracker/queue sweeps

	// Terminal sessions.
	SessionMaxAge time.Duration // idle sessions are garbage-collected after this
	Linger        time.Duration // ended sessions are retained briefly for stragglers

	// Outbound backpressure per dashboard connection.
	SendHighWater int64 // start eliding terminal flushes above this many buffered bytes
	SendLowWater  int64 // resume once the buffer drains below this

	// Shutdown.
	ShutdownDeadline time.Duration // hard cap on graceful stop
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		BufferBytes:   4096,
		BufferLines:   50,
		FlushInterval: 100 * time.Millisecond,
		LatencyBudget: 200 * time.Millisecond,

		PingInterval: 30 * time.Second,
		MaxMissed:    2,
		AuthGrace:    30 * time.Second,

		RefreshLead: 60 * time.Second,

		QueueMax: 1024,
		QueueTTL: 15 * time.Minute,

		TrackTTL:      time.Hour,
		SweepInterval: time.Second,

		SessionMaxAge: 5 * time.Minute,
		Linger:        5 * time.Second,

		SendHighWater: 1 << 20, // 1 MiB
		SendLowWater:  256 << 10,

		ShutdownDeadline: 5 * time.Second,
	}
}
