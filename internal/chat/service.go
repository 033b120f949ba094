package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/trackfast/support-chat/internal/metrics"
)

// DefaultOwnershipTimeout bounds a session-list ownership lookup.
const DefaultOwnershipTimeout = 2 * time.Second

// Router delivers a persisted message to live connections. Route must not
// block on slow recipients and never reports delivery misses.
type Router interface {
	Route(ctx context.Context, msg Message)
}

// Service exposes the session list, history and send operations.
type Service struct {
	store            Store
	dir              Directory
	router           Router
	ownershipTimeout time.Duration
}

// NewService creates a Service. router may be nil, in which case messages are
// only persisted.
func NewService(store Store, dir Directory, router Router, ownershipTimeout time.Duration) *Service {
	if ownershipTimeout <= 0 {
		ownershipTimeout = DefaultOwnershipTimeout
	}
	return &Service{
		store:            store,
		dir:              dir,
		router:           router,
		ownershipTimeout: ownershipTimeout,
	}
}

// ListSessions returns the sessions visible to who. Stores that implement
// SessionSource resolve sessions themselves; otherwise the full message log
// is read and resolved here.
func (s *Service) ListSessions(ctx context.Context, who StaffIdentity) ([]Session, error) {
	if who.ID == "" || !who.Role.Valid() {
		return nil, ErrUnauthorized
	}

	start := time.Now()
	defer func() {
		metrics.SessionListLatency.Observe(time.Since(start).Seconds())
	}()

	sessions, err := s.sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: list sessions: %w: %w", ErrStoreUnavailable, err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.ownershipTimeout)
	defer cancel()
	return Filter(lookupCtx, who, sessions, s.dir), nil
}

func (s *Service) sessions(ctx context.Context) ([]Session, error) {
	if src, ok := s.store.(SessionSource); ok {
		return src.Sessions(ctx)
	}
	msgs, err := s.store.Log(ctx)
	if err != nil {
		return nil, err
	}
	return ResolveSessions(msgs), nil
}

// History returns the messages of a session in creation order. It requires no
// credentials so customers can reload their own conversation.
func (s *Service) History(ctx context.Context, sessionID string) ([]Message, error) {
	if sessionID == "" {
		return []Message{}, nil
	}
	msgs, err := s.store.History(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("chat: history %s: %w: %w", sessionID, ErrStoreUnavailable, err)
	}
	return msgs, nil
}

// Send validates and persists a message, then hands it to the router. A
// message that fails to persist is never routed.
//
// An agent may only reply into a session whose shipment they own, and may
// only tag the reply with shipments they own. Supervisors are not restricted.
func (s *Service) Send(ctx context.Context, req SendRequest) (Message, error) {
	if err := ValidateSendRequest(req); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return Message{}, err
	}
	if req.Sender == SenderStaff && req.StaffRole == RoleAgent {
		if err := s.checkOwnership(ctx, req); err != nil {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return Message{}, err
		}
	}

	msg := Message{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		Sender:      req.Sender,
		Content:     req.Content,
		Attachment:  req.Attachment,
		ShipmentRef: req.ShipmentRef,
	}
	if req.Sender == SenderStaff {
		msg.StaffID = req.StaffID
	}

	stored, err := s.store.Append(ctx, msg)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("[chat] persist failed session=%s sender=%s: %v", req.SessionID, req.Sender, err)
		return Message{}, fmt.Errorf("chat: send: %w: %w", ErrStoreUnavailable, err)
	}
	metrics.MessagesTotal.WithLabelValues(string(stored.Sender)).Inc()

	if s.router != nil {
		s.router.Route(ctx, stored)
	}
	return stored, nil
}

// checkOwnership rejects an agent reply unless the agent owns the session's
// resolved shipment and the shipment the reply is tagged with. A session with
// no shipment is supervisor-only. Lookup failures reject the reply.
func (s *Service) checkOwnership(ctx context.Context, req SendRequest) error {
	hist, err := s.store.History(ctx, req.SessionID)
	if err != nil {
		return fmt.Errorf("chat: send: %w: %w", ErrStoreUnavailable, err)
	}
	sessionRef := ResolveShipmentRef(hist)
	if sessionRef == "" {
		return fmt.Errorf("chat: send: session %s has no shipment: %w", req.SessionID, ErrUnauthorized)
	}

	refs := lo.Uniq(lo.Compact([]string{sessionRef, req.ShipmentRef}))
	lookupCtx, cancel := context.WithTimeout(ctx, s.ownershipTimeout)
	defer cancel()
	owners, err := s.dir.OwnersOf(lookupCtx, refs)
	if err != nil {
		log.Printf("[chat] ownership lookup for staff=%s session=%s failed, rejecting: %v",
			req.StaffID, req.SessionID, err)
		return fmt.Errorf("chat: send: ownership lookup: %w", ErrUnauthorized)
	}
	for _, ref := range refs {
		if owners[ref] != req.StaffID {
			log.Printf("[chat] staff=%s rejected in session=%s: shipment=%s owned by %q",
				req.StaffID, req.SessionID, ref, owners[ref])
			return fmt.Errorf("chat: send: staff %s does not own shipment %s: %w", req.StaffID, ref, ErrUnauthorized)
		}
	}
	return nil
}
