// Package chat holds the shipment-scoped support conversation domain: the
// message model, the session resolver that derives per-session state from the
// message log, the visibility filter that scopes sessions to staff owners, and
// the service that ties persistence to real-time routing.
package chat

import (
	"errors"
	"time"
)

var (
	// ErrUnauthorized is returned when a caller has no valid staff identity.
	ErrUnauthorized = errors.New("chat: unauthorized")

	// ErrInvalidMessage is returned when a send request fails validation.
	ErrInvalidMessage = errors.New("chat: invalid message")

	// ErrStoreUnavailable wraps any failure of the message store.
	ErrStoreUnavailable = errors.New("chat: store unavailable")
)

// Sender identifies which party wrote a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderStaff    Sender = "staff"
)

// Role is a staff member's visibility class.
type Role string

const (
	RoleAgent      Role = "agent"      // sees sessions about shipments they own
	RoleSupervisor Role = "supervisor" // sees every session
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleSupervisor
}

// StaffIdentity is the authenticated staff caller of a request or connection.
type StaffIdentity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsSupervisor reports whether the identity has unrestricted visibility.
func (s StaffIdentity) IsSupervisor() bool {
	return s.Role == RoleSupervisor
}

// Message is one immutable entry in a session's conversation. ShipmentRef,
// StaffID and Attachment are optional; an empty string means absent.
type Message struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"` // store-assigned insertion sequence
	SessionID   string    `json:"session_id"`
	Sender      Sender    `json:"sender"`
	Content     string    `json:"content"`
	Attachment  string    `json:"attachment,omitempty"`
	ShipmentRef string    `json:"shipment_ref,omitempty"`
	StaffID     string    `json:"staff_id,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Before reports whether m was created before o. Timestamps that collide are
// ordered by insertion sequence.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Seq < o.Seq
}

// Session is the derived view of one conversation. It is never stored.
type Session struct {
	SessionID   string  `json:"session_id"`
	LastMessage Message `json:"last_message"`
	ShipmentRef string  `json:"shipment_ref,omitempty"` // empty when unresolved
}
