// Package ws is the WebSocket transport: HTTP upgrade, the authentication
// handshake, and the per-connection read/write pumps. Everything above the
// wire (routing, state) lives in internal/hub; this package only moves
// frames and enforces transport-level liveness.
package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/hub"
	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// A stalled write closes the connection rather than blocking the pump.
	writeWait = 10 * time.Second

	// pongWait is how long the pump waits for a transport pong after a
	// ping. Protocol-level PINGs ride above this; the control frames are
	// the safety net that catches half-open TCP connections.
	pongWait = 60 * time.Second

	// pingPeriod is the transport ping cadence. Must be below pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Terminal output arrives line
	// by line, so 1 MiB leaves generous headroom.
	maxMessageSize = 1 << 20

	// sendBufferSize is the per-connection outbound frame buffer. When it
	// fills, Send fails with hub.ErrSendBufferFull and the hub applies its
	// per-message policy instead of blocking the router.
	sendBufferSize = 256
)

// wsConn implements hub.Peer over a gorilla connection. Frames are
// marshaled once at Send time; the write pump is the only goroutine that
// touches the wire, per gorilla's concurrency contract.
type wsConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	send     chan []byte
	buffered atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn, logger *zap.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Send enqueues one envelope for the write pump. Never blocks: a full
// buffer or a closed connection returns an error immediately.
func (c *wsConn) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return hub.ErrSendBufferFull
	default:
	}

	select {
	case c.send <- data:
		c.buffered.Add(int64(len(data)))
		return nil
	default:
		return hub.ErrSendBufferFull
	}
}

// BufferedBytes reports the bytes waiting in the send buffer. The hub's
// elision logic reads this to detect slow dashboards.
func (c *wsConn) BufferedBytes() int64 {
	return c.buffered.Load()
}

// Close terminates the connection. A non-empty code first attempts to put
// an ERROR frame on the wire so the peer learns why. Idempotent.
func (c *wsConn) Close(code protocol.ErrorCode, reason string) {
	c.closeOnce.Do(func() {
		if code != "" {
			if data, err := json.Marshal(protocol.NewError(code, reason)); err == nil {
				select {
				case c.send <- data:
					c.buffered.Add(int64(len(data)))
				default:
				}
			}
		}
		close(c.closed)
	})
}

// writePump serialises outbound frames onto the wire and keeps transport
// pings flowing. Runs on its own goroutine; exits when the connection is
// closed from either side.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.buffered.Add(-int64(len(data)))
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			// Drain whatever is already queued (the ERROR frame from Close
			// is usually here) before the close frame.
			for {
				select {
				case data := <-c.send:
					c.buffered.Add(-int64(len(data)))
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// readEnvelope blocks for the next data frame and decodes it. The read
// deadline is refreshed on every frame, so a peer that keeps talking never
// times out even if control pongs get lost.
func (c *wsConn) readEnvelope() (protocol.Envelope, error) {
	var env protocol.Envelope
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if err := json.Unmarshal(data, &env); err != nil {
		return env, errMalformedFrame
	}
	return env, nil
}

// prepareRead installs the read limit, deadline, and pong handler.
func (c *wsConn) prepareRead(deadline time.Duration) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}
