// Package protocol defines the WebSocket message types and structures used
// between customer/staff clients and the server. All messages are JSON and
// share an envelope with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/trackfast/support-chat/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinCustomer = "join_customer"
	TypeJoinStaff    = "join_staff"
	TypeSendCustomer = "send_customer"
	TypeSendStaff    = "send_staff"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeConnected        = "connected"
	TypeJoined           = "joined"
	TypeMessageDelivered = "message_delivered"
	TypeStaffNotified    = "staff_notified"
	TypeRateLimited      = "rate_limited"
	TypeError            = "error"
	TypePong             = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeUnauthorized    = "unauthorized"
	CodeNotJoined       = "not_joined"
	CodeInvalidMessage  = "invalid_message"
	CodeSessionMismatch = "session_mismatch"
	CodeStoreError      = "store_error"
)

// ErrUnknownType is returned by ParseClientMessage for types a client may not
// send.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinCustomerMsg subscribes a customer connection to its session group.
type JoinCustomerMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// JoinStaffMsg authenticates a staff connection with a bearer token.
type JoinStaffMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// SendMsg is a chat message from a customer (send_customer) or staff member
// (send_staff). Staff identity is taken from the connection, not the payload.
type SendMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Content     string `json:"content"`
	Attachment  string `json:"attachment,omitempty"`
	ShipmentRef string `json:"shipment_ref,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent when the WebSocket upgrade completes.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// JoinedMsg confirms the groups a connection now belongs to.
type JoinedMsg struct {
	Type   string   `json:"type"`
	Groups []string `json:"groups"`
}

// MessageDeliveredMsg carries a persisted message to its session group.
type MessageDeliveredMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// StaffNotifiedMsg carries a persisted message to routed staff groups.
type StaffNotifiedMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// RateLimitedMsg is sent when the client has exceeded its send rate.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// Unknown and server-only types return an error.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinCustomer:
		var m JoinCustomerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinStaff:
		var m JoinStaffMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendCustomer, TypeSendStaff:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and forces its "type" key to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
