package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Role classifies a connection from the upgrade URL's type parameter.
type Role string

const (
	RoleTracker Role = "tracker"
	RoleViewer  Role = "viewer"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
)

// client is one websocket connection. All writes are funneled through the
// send channel into writePump, so broadcasts and direct replies never
// interleave frame bytes. The watched set is mutated only from the owning
// connection's reader loop but read by broadcasting goroutines, hence the
// lock.
type client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	role     Role
	joinedAt time.Time

	lastHeartbeat atomic.Int64 // unix nanos

	// sessionID is the session owned by a tracker. Mutated and read only
	// from the reader goroutine and its disconnect path.
	sessionID string

	watchedMu sync.RWMutex
	watched   map[string]struct{}

	// sendMu guards send against the race between a broadcast delivering to
	// a stale snapshot of the client map and the disconnect path closing the
	// channel.
	sendMu     sync.Mutex
	sendClosed bool
}

func newClient(id string, conn *websocket.Conn, role Role, pingInterval time.Duration) *client {
	c := &client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		role:     role,
		joinedAt: time.Now(),
		watched:  make(map[string]struct{}),
	}
	c.touch()
	go c.writePump(pingInterval)
	return c
}

// touch refreshes the heartbeat stamp. Called on every inbound frame and on
// pong receipt.
func (c *client) touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

func (c *client) heartbeatAge(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastHeartbeat.Load()))
}

func (c *client) watch(sessionID string) {
	c.watchedMu.Lock()
	c.watched[sessionID] = struct{}{}
	c.watchedMu.Unlock()
}

func (c *client) unwatch(sessionID string) {
	c.watchedMu.Lock()
	delete(c.watched, sessionID)
	c.watchedMu.Unlock()
}

func (c *client) watching(sessionID string) bool {
	c.watchedMu.RLock()
	defer c.watchedMu.RUnlock()
	_, ok := c.watched[sessionID]
	return ok
}

// enqueue queues a frame for the writer. Reports false when the client's
// queue is full, which marks it too slow to keep. A frame for a client whose
// writer has already stopped is silently dropped; that client is gone, not
// slow.
func (c *client) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend stops the writer; safe to call more than once.
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// closeWithReason sends a close frame with the given reason and tears the
// connection down. The reader loop exits on the closed transport.
func (c *client) closeWithReason(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = c.conn.Close()
}

// writePump serializes all frame writes for the connection and emits pings on
// the heartbeat interval. It owns conn writes exclusively apart from the
// close control frame above, which gorilla permits concurrently.
func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
