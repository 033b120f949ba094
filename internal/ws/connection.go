package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/trackfast/support-chat/internal/chat"
)

// Connection represents a single WebSocket client connection with its
// associated metadata, the identity it joined with and a write mutex for
// serializing outbound frames.
type Connection struct {
	ID           string   // connection ID (UUID)
	Conn         net.Conn // underlying connection, as registered with the poller
	CreatedAt    time.Time
	writeTimeout time.Duration
	writeMu      sync.Mutex   // serializes writes to this connection
	lastSeen     atomic.Int64 // unix nanos of the last frame read or ping
	processing   atomic.Int32 // 0 = idle, 1 = being read by handleConn

	mu       sync.RWMutex
	customer string              // session joined via join_customer
	staff    *chat.StaffIdentity // identity proven via join_staff
}

// NewConnection wraps conn. writeTimeout bounds each Send; zero disables it.
func NewConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// MemberID identifies the connection in real-time groups.
func (c *Connection) MemberID() string { return c.ID }

// Touch records activity on the connection.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last recorded activity.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Send writes a text frame bounded by the connection's write timeout so a
// stalled client cannot hold up fan-out to others.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// BindCustomer records the session a customer connection joined.
func (c *Connection) BindCustomer(sessionID string) {
	c.mu.Lock()
	c.customer = sessionID
	c.mu.Unlock()
}

// CustomerSession returns the joined customer session, if any.
func (c *Connection) CustomerSession() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.customer, c.customer != ""
}

// BindStaff records the authenticated staff identity of the connection.
func (c *Connection) BindStaff(who chat.StaffIdentity) {
	c.mu.Lock()
	c.staff = &who
	c.mu.Unlock()
}

// Staff returns the authenticated staff identity, if any.
func (c *Connection) Staff() (chat.StaffIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.staff == nil {
		return chat.StaffIdentity{}, false
	}
	return *c.staff, true
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// the poller's net.Conn values to their respective Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection_id -> Connection
	byConn map[net.Conn]*Connection // poller conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection registered for the poller's net.Conn.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
