// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/trackfast/support-chat/internal/metrics"
	"github.com/trackfast/support-chat/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted data frame
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  4 << 20,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Presence records live connections in a shared store so other instances and
// operators can see them.
type Presence interface {
	Create(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// Server is the WebSocket server built on gobwas/ws and a readiness poller
// (epoll on Linux). It upgrades HTTP connections to WebSocket, registers them
// with the poller, and dispatches ready connections to a bounded worker pool
// for frame reading. The same HTTP listener serves any extra routes added with
// Handle.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	presence     Presence                            // nil disables presence records
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	admit        func(r *http.Request) bool          // nil admits every upgrade
	checks       map[string]func() bool              // dependency checks reported by /health
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, presence store and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, presence Presence, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}

	poller, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		epoll:      poller,
		conns:      NewConnectionManager(),
		presence:   presence,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.mux.HandleFunc("GET /ws", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: config.ReadTimeout,
	}
	return s, nil
}

// Handle registers an additional HTTP route on the server's listener. It must
// be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetAdmission installs a check run before every upgrade. Requests it rejects
// get 429. It must be called before Start.
func (s *Server) SetAdmission(fn func(r *http.Request) bool) {
	s.admit = fn
}

// AddHealthCheck reports check under name on /health. A failing check turns
// the response into 503 "degraded". It must be called before Start.
func (s *Server) AddHealthCheck(name string, check func() bool) {
	if s.checks == nil {
		s.checks = make(map[string]func() bool)
	}
	s.checks[name] = check
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the event loop and heartbeat in the background and blocks
// serving HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection, registers
// it with the connection manager and poller, and greets the client with its
// connection ID.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.admit != nil && !s.admit(r) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	connID := uuid.NewString()
	conn := s.epoll.Wrap(raw)
	c := NewConnection(connID, conn, s.config.WriteTimeout)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		if err := s.presence.Create(ctx, connID); err != nil {
			log.Printf("ws: failed to create presence for %s: %v", connID, err)
		}
		cancel()
	}

	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: connID,
	})
	if err != nil {
		log.Printf("ws: failed to build connected for conn %s: %v", connID, err)
	} else if err := c.Send(hello); err != nil {
		log.Printf("ws: failed to send connected for conn %s: %v", connID, err)
	}

	log.Printf("ws: new connection conn=%s remote=%s (total=%d)", connID, r.RemoteAddr, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string          `json:"status"`
		Connections int             `json:"connections"`
		Uptime      string          `json:"uptime"`
		Checks      map[string]bool `json:"checks,omitempty"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	status := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]bool, len(s.checks))
		for name, check := range s.checks {
			ok := check()
			resp.Checks[name] = ok
			if !ok {
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. Each ready connection is handed to
// a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. A failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.processing.CompareAndSwap(0, 1) {
		return
	}
	defer func() {
		c.processing.Store(0)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: frame of %d bytes exceeds limit conn=%s", header.Length, c.ID)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout or close frame). It runs before the
// presence record is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from the poller and the connection
// manager, and closes the underlying network connection. Concurrent removals
// of the same connection run the cleanup only once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.presence.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete presence for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, removes
// every active connection and closes the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			log.Printf("ws: http shutdown error: %v", herr)
			err = herr
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = s.epoll.Close()

		log.Printf("ws: server stopped, all connections closed")
	})
	return err
}
