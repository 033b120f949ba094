// Package presence records live WebSocket connections in Redis: which server
// holds them and which customer session or staff member they joined as.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trackfast/support-chat/internal/chat"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys in Redis.
	TTL = 1 * time.Hour

	// Kinds of connection.
	KindPending  = "pending"
	KindCustomer = "customer"
	KindStaff    = "staff"
)

// Record is the presence state of one connection.
type Record struct {
	ID         string `redis:"id"`
	Kind       string `redis:"kind"`       // pending | customer | staff
	SessionID  string `redis:"session_id"` // set for customers
	StaffID    string `redis:"staff_id"`   // set for staff
	Role       string `redis:"role"`       // set for staff
	Server     string `redis:"server"`     // which WS server instance
	CreatedAt  int64  `redis:"created_at"` // unix timestamp
	LastActive int64  `redis:"last_active"`
}

// Store manages presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient creates a presence store on an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a pending record for a new connection.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := KeyPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          connID,
		"kind":        KindPending,
		"session_id":  "",
		"staff_id":    "",
		"role":        "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: create %s: %w", connID, err)
	}
	return nil
}

// BindCustomer marks the connection as a customer of sessionID.
func (s *Store) BindCustomer(ctx context.Context, connID, sessionID string) error {
	return s.update(ctx, connID, "kind", KindCustomer, "session_id", sessionID)
}

// BindStaff marks the connection as authenticated staff.
func (s *Store) BindStaff(ctx context.Context, connID string, who chat.StaffIdentity) error {
	return s.update(ctx, connID, "kind", KindStaff, "staff_id", who.ID, "role", string(who.Role))
}

// Touch records activity and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	return s.update(ctx, connID)
}

func (s *Store) update(ctx context.Context, connID string, fields ...interface{}) error {
	key := KeyPrefix + connID
	fields = append(fields, "last_active", time.Now().Unix())

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: update %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	var record Record
	if err := s.client.HGetAll(ctx, KeyPrefix+connID).Scan(&record); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", connID, err)
	}
	if record.ID == "" {
		return nil, nil
	}
	return &record, nil
}

// Delete removes a presence record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	if err := s.client.Del(ctx, KeyPrefix+connID).Err(); err != nil {
		return fmt.Errorf("presence: delete %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
