package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the append-only message log.
//
// Append assigns Seq and CreatedAt. CreatedAt is never earlier than the
// previous message of the same session. Appending a message whose ID is
// already stored returns the stored copy instead of inserting a duplicate.
type Store interface {
	Append(ctx context.Context, msg Message) (Message, error)
	History(ctx context.Context, sessionID string) ([]Message, error)
	Log(ctx context.Context) ([]Message, error)
}

// SessionSource is implemented by stores that resolve sessions themselves,
// with the same result as ResolveSessions over the full log.
type SessionSource interface {
	Sessions(ctx context.Context) ([]Session, error)
}

// Directory answers ownership questions about shipments. Shipments that do
// not exist are absent from OwnersOf's result and report ok=false from OwnerOf.
type Directory interface {
	OwnerOf(ctx context.Context, shipmentID string) (staffID string, ok bool, err error)
	OwnersOf(ctx context.Context, shipmentIDs []string) (map[string]string, error)
}

// MemoryStore is an in-process Store used for tests and single-node
// development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []Message
	byID     map[string]int
	latest   map[string]time.Time // session_id -> CreatedAt of last append
	seq      int64
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]int),
		latest: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Append stores msg under the store lock.
func (s *MemoryStore) Append(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.byID[msg.ID]; ok {
		return s.messages[i], nil
	}

	at := s.now().UTC()
	if prev, ok := s.latest[msg.SessionID]; ok && at.Before(prev) {
		at = prev
	}
	s.seq++
	msg.Seq = s.seq
	msg.CreatedAt = at

	s.byID[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.latest[msg.SessionID] = at
	return msg, nil
}

// History returns the session's messages in creation order.
func (s *MemoryStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Message, 0)
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Log returns a snapshot of every message in insertion order.
func (s *MemoryStore) Log(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

// StaticDirectory is a fixed shipment -> owner map. It backs tests and
// development runs without a database.
type StaticDirectory map[string]string

// OwnerOf returns the owner of shipmentID.
func (d StaticDirectory) OwnerOf(ctx context.Context, shipmentID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	owner, ok := d[shipmentID]
	return owner, ok, nil
}

// OwnersOf returns the owners of every known shipment in shipmentIDs.
func (d StaticDirectory) OwnersOf(ctx context.Context, shipmentIDs []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(shipmentIDs))
	for _, id := range shipmentIDs {
		if owner, ok := d[id]; ok {
			out[id] = owner
		}
	}
	return out, nil
}
