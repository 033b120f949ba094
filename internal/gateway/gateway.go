// Package gateway implements the WebSocket chat protocol on top of the
// connection server: joining customer sessions and staff groups, and sending
// messages through the chat service.
package gateway

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/trackfast/support-chat/internal/chat"
	"github.com/trackfast/support-chat/internal/protocol"
	"github.com/trackfast/support-chat/internal/ratelimit"
	"github.com/trackfast/support-chat/internal/realtime"
	"github.com/trackfast/support-chat/internal/ws"
)

// DefaultRequestTimeout bounds the work done for one client frame.
const DefaultRequestTimeout = 5 * time.Second

// Conn is a client connection as seen by the protocol handlers.
type Conn interface {
	realtime.Member
	BindCustomer(sessionID string)
	CustomerSession() (string, bool)
	BindStaff(who chat.StaffIdentity)
	Staff() (chat.StaffIdentity, bool)
}

// Authorizer verifies staff tokens.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (chat.StaffIdentity, error)
}

// MessageSender persists and routes messages. *chat.Service satisfies it.
type MessageSender interface {
	Send(ctx context.Context, req chat.SendRequest) (chat.Message, error)
}

// Presence mirrors connection identity into a shared store.
type Presence interface {
	BindCustomer(ctx context.Context, connID, sessionID string) error
	BindStaff(ctx context.Context, connID string, who chat.StaffIdentity) error
	Touch(ctx context.Context, connID string) error
}

// Limiter throttles sends per connection.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Deps are the collaborators of a Gateway. Presence and Limiter are optional.
type Deps struct {
	Registry *realtime.Registry
	Auth     Authorizer
	Chat     MessageSender
	Presence Presence
	Limiter  Limiter
	Timeout  time.Duration
}

// Gateway handles client protocol messages.
type Gateway struct {
	registry *realtime.Registry
	auth     Authorizer
	chat     MessageSender
	presence Presence
	limiter  Limiter
	timeout  time.Duration
}

// New creates a Gateway.
func New(d Deps) *Gateway {
	if d.Timeout <= 0 {
		d.Timeout = DefaultRequestTimeout
	}
	return &Gateway{
		registry: d.Registry,
		auth:     d.Auth,
		chat:     d.Chat,
		presence: d.Presence,
		limiter:  d.Limiter,
		timeout:  d.Timeout,
	}
}

// Register installs the protocol handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinCustomer, func(c *ws.Connection, msg interface{}) {
		g.JoinCustomer(c, msg.(protocol.JoinCustomerMsg))
	})
	d.Register(protocol.TypeJoinStaff, func(c *ws.Connection, msg interface{}) {
		g.JoinStaff(c, msg.(protocol.JoinStaffMsg))
	})
	d.Register(protocol.TypeSendCustomer, func(c *ws.Connection, msg interface{}) {
		g.SendCustomer(c, msg.(protocol.SendMsg))
	})
	d.Register(protocol.TypeSendStaff, func(c *ws.Connection, msg interface{}) {
		g.SendStaff(c, msg.(protocol.SendMsg))
	})
}

// JoinCustomer subscribes conn to the session group. A connection follows one
// session at a time; joining another leaves the previous one.
func (g *Gateway) JoinCustomer(conn Conn, msg protocol.JoinCustomerMsg) {
	if msg.SessionID == "" {
		ws.SendError(conn, protocol.CodeInvalidMessage, "session_id is required")
		return
	}

	if prev, ok := conn.CustomerSession(); ok && prev != msg.SessionID {
		g.registry.Leave(realtime.SessionGroup(prev), conn)
	}
	group := realtime.SessionGroup(msg.SessionID)
	g.registry.Join(group, conn)
	conn.BindCustomer(msg.SessionID)

	ctx, cancel := g.context()
	defer cancel()
	if g.presence != nil {
		if err := g.presence.BindCustomer(ctx, conn.MemberID(), msg.SessionID); err != nil {
			log.Printf("[gateway] presence bind customer conn=%s: %v", conn.MemberID(), err)
		}
	}

	g.reply(conn, protocol.TypeJoined, protocol.JoinedMsg{Groups: []string{group}})
	log.Printf("[gateway] conn=%s joined session=%s", conn.MemberID(), msg.SessionID)
}

// JoinStaff authenticates conn and subscribes it to the staff groups of the
// resulting identity. A failed authentication leaves the connection unjoined.
func (g *Gateway) JoinStaff(conn Conn, msg protocol.JoinStaffMsg) {
	ctx, cancel := g.context()
	defer cancel()

	who, err := g.auth.Authorize(ctx, msg.Token)
	if err != nil {
		log.Printf("[gateway] staff join rejected conn=%s: %v", conn.MemberID(), err)
		ws.SendError(conn, protocol.CodeUnauthorized, "access denied")
		return
	}

	if prev, ok := conn.Staff(); ok {
		for _, group := range realtime.StaffGroups(prev) {
			g.registry.Leave(group, conn)
		}
	}
	groups := realtime.StaffGroups(who)
	for _, group := range groups {
		g.registry.Join(group, conn)
	}
	conn.BindStaff(who)

	if g.presence != nil {
		if err := g.presence.BindStaff(ctx, conn.MemberID(), who); err != nil {
			log.Printf("[gateway] presence bind staff conn=%s: %v", conn.MemberID(), err)
		}
	}

	g.reply(conn, protocol.TypeJoined, protocol.JoinedMsg{Groups: groups})
	log.Printf("[gateway] conn=%s joined as staff=%s role=%s", conn.MemberID(), who.ID, who.Role)
}

// SendCustomer stores a customer message in the session the connection joined.
func (g *Gateway) SendCustomer(conn Conn, msg protocol.SendMsg) {
	session, ok := conn.CustomerSession()
	if !ok {
		ws.SendError(conn, protocol.CodeNotJoined, "join a session first")
		return
	}
	if msg.SessionID == "" {
		msg.SessionID = session
	}
	if msg.SessionID != session {
		ws.SendError(conn, protocol.CodeSessionMismatch, "message is not for the joined session")
		return
	}

	g.send(conn, chat.SendRequest{
		SessionID:   msg.SessionID,
		Sender:      chat.SenderCustomer,
		Content:     msg.Content,
		Attachment:  msg.Attachment,
		ShipmentRef: msg.ShipmentRef,
	})
}

// SendStaff stores a staff reply. The staff id and role always come from the
// connection's authenticated identity, so an agent can only reply about
// shipments they own.
func (g *Gateway) SendStaff(conn Conn, msg protocol.SendMsg) {
	who, ok := conn.Staff()
	if !ok {
		ws.SendError(conn, protocol.CodeNotJoined, "join as staff first")
		return
	}

	stored, sent := g.send(conn, chat.SendRequest{
		SessionID:   msg.SessionID,
		Sender:      chat.SenderStaff,
		Content:     msg.Content,
		Attachment:  msg.Attachment,
		ShipmentRef: msg.ShipmentRef,
		StaffID:     who.ID,
		StaffRole:   who.Role,
	})
	if !sent {
		return
	}

	// The session group already echoes the message to connections following it.
	if session, ok := conn.CustomerSession(); !ok || session != stored.SessionID {
		g.reply(conn, protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{Message: stored})
	}
}

// Disconnect drops every group membership of conn.
func (g *Gateway) Disconnect(conn Conn) {
	n := g.registry.LeaveAll(conn)
	log.Printf("[gateway] conn=%s left %d groups", conn.MemberID(), n)
}

func (g *Gateway) send(conn Conn, req chat.SendRequest) (chat.Message, bool) {
	ctx, cancel := g.context()
	defer cancel()

	if !g.allow(ctx, conn) {
		return chat.Message{}, false
	}

	stored, err := g.chat.Send(ctx, req)
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		ws.SendError(conn, protocol.CodeInvalidMessage, err.Error())
		return chat.Message{}, false
	case errors.Is(err, chat.ErrUnauthorized):
		log.Printf("[gateway] send denied conn=%s session=%s: %v", conn.MemberID(), req.SessionID, err)
		ws.SendError(conn, protocol.CodeUnauthorized, "access denied")
		return chat.Message{}, false
	case err != nil:
		log.Printf("[gateway] send failed conn=%s session=%s: %v", conn.MemberID(), req.SessionID, err)
		ws.SendError(conn, protocol.CodeStoreError, "message could not be saved")
		return chat.Message{}, false
	}

	if g.presence != nil {
		if err := g.presence.Touch(ctx, conn.MemberID()); err != nil {
			log.Printf("[gateway] presence touch conn=%s: %v", conn.MemberID(), err)
		}
	}
	return stored, true
}

// allow applies the send rate limit. It fails open when the limiter errors.
func (g *Gateway) allow(ctx context.Context, conn Conn) bool {
	if g.limiter == nil {
		return true
	}
	ok, _ := g.limiter.Allow(ctx, conn.MemberID(), ratelimit.RuleSend)
	if ok {
		return true
	}

	wait, _ := g.limiter.RetryAfter(ctx, conn.MemberID(), ratelimit.RuleSend)
	g.reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(wait.Seconds())),
	})
	return false
}

func (g *Gateway) reply(conn Conn, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s conn=%s: %v", msgType, conn.MemberID(), err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("[gateway] write %s conn=%s: %v", msgType, conn.MemberID(), err)
	}
}

func (g *Gateway) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}
