//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on macOS and Windows during development.
//
// Each registered conn is wrapped in a peekConn. The monitor goroutine peeks
// for readiness without consuming bytes, hands the conn to Wait, then blocks
// until the server calls Resume after reading a frame. Peek and Read never run
// concurrently on the same buffer.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn              // connections with pending data
	done    chan struct{}
}

// peekConn reads through a buffer so readiness can be detected with Peek.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns the buffered conn that must be registered and read from.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts monitoring a conn previously returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, resume)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, resume chan struct{}) {
	pc, ok := conn.(*peekConn)
	if !ok {
		return
	}
	for {
		_, err := pc.r.Peek(1)

		// Data or an error is pending; either way the read path handles it.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	resume, ok := e.conns[conn]
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection from the fallback poller.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection that is ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool { return false }
