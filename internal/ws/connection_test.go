package ws

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trackfast/support-chat/internal/chat"
)

func pipeConnection(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return NewConnection(id, server, time.Second), client
}

func TestConnection_IdentityBinding(t *testing.T) {
	req := require.New(t)
	c, _ := pipeConnection(t, "c1")

	_, ok := c.CustomerSession()
	req.False(ok)
	_, ok = c.Staff()
	req.False(ok)

	c.BindCustomer("s1")
	session, ok := c.CustomerSession()
	req.True(ok)
	req.Equal("s1", session)

	c.BindStaff(chat.StaffIdentity{ID: "agent-a", Role: chat.RoleAgent})
	who, ok := c.Staff()
	req.True(ok)
	req.Equal("agent-a", who.ID)
	req.Equal("c1", c.MemberID())
}

func TestConnection_SendTimesOutOnStalledPeer(t *testing.T) {
	req := require.New(t)
	server, client := net.Pipe()
	defer client.Close()
	c := NewConnection("c1", server, 50*time.Millisecond)

	// Nobody reads from client, so the synchronous pipe stalls the write.
	err := c.Send([]byte(`{"type":"pong"}`))
	req.Error(err)
}

func TestConnectionManager_AddGetRemove(t *testing.T) {
	req := require.New(t)
	cm := NewConnectionManager()
	c, _ := pipeConnection(t, "c1")

	cm.Add(c)
	req.Equal(1, cm.Count())
	req.Same(c, cm.Get("c1"))
	req.Same(c, cm.GetByConn(c.Conn))

	req.True(cm.Remove("c1"))
	req.False(cm.Remove("c1"))
	req.Nil(cm.GetByConn(c.Conn))
	req.Zero(cm.Count())
}

func TestHeartbeat_EvictsStaleConnections(t *testing.T) {
	req := require.New(t)
	srv, err := NewServer(DefaultServerConfig(), nil, nil)
	req.NoError(err)
	defer srv.epoll.Close()

	evicted := make(chan string, 2)
	srv.SetOnDisconnect(func(conn *Connection) { evicted <- conn.ID })

	fresh, freshPeer := pipeConnection(t, "fresh")
	stale, _ := pipeConnection(t, "stale")
	go func() { _, _ = io.Copy(io.Discard, freshPeer) }()

	srv.conns.Add(fresh)
	srv.conns.Add(stale)

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	stale.lastSeen.Store(time.Now().Add(-time.Minute).UnixNano())

	checkConnections(srv, cfg, time.Now())

	req.Equal("stale", <-evicted)
	req.Equal(1, srv.Connections().Count())
	req.NotNil(srv.Connections().Get("fresh"))
}
