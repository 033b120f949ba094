package realtime

import (
	"context"
	"log"
	"time"

	"github.com/trackfast/support-chat/internal/chat"
	"github.com/trackfast/support-chat/internal/metrics"
	"github.com/trackfast/support-chat/internal/protocol"
)

// Route kinds.
const (
	RouteOwner  = "owner"
	RouteLegacy = "legacy"
)

// Bus carries a frame to the members of a set of groups, possibly on other
// server instances.
type Bus interface {
	Publish(ctx context.Context, groups []string, data []byte) error
}

// HistorySource reads a session's messages. chat.Store satisfies it.
type HistorySource interface {
	History(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// Route is the staff-side routing decision for one message.
type Route struct {
	Kind        string
	ShipmentRef string // resolved reference, empty for legacy
	OwnerID     string
	Groups      []string
}

// Router decides live destinations for new messages and publishes them.
type Router struct {
	bus     Bus
	dir     chat.Directory
	history HistorySource
	timeout time.Duration
}

// NewRouter creates a Router. timeout bounds each ownership lookup.
func NewRouter(bus Bus, dir chat.Directory, history HistorySource, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = chat.DefaultOwnershipTimeout
	}
	return &Router{bus: bus, dir: dir, history: history, timeout: timeout}
}

// Resolve computes where staff notifications for msg go. A message without
// its own shipment reference inherits the session's resolved reference. An
// unresolvable reference, unknown shipment or failed lookup yields the
// legacy route.
func (r *Router) Resolve(ctx context.Context, msg chat.Message) Route {
	ref := msg.ShipmentRef
	if ref == "" && r.history != nil {
		hist, err := r.history.History(ctx, msg.SessionID)
		if err != nil {
			log.Printf("[router] history lookup session=%s failed: %v", msg.SessionID, err)
		} else {
			ref = chat.ResolveShipmentRef(hist)
		}
	}

	if ref != "" {
		lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
		owner, ok, err := r.dir.OwnerOf(lookupCtx, ref)
		cancel()
		switch {
		case err != nil:
			log.Printf("[router] owner lookup shipment=%s failed, falling back: %v", ref, err)
		case ok && owner != "":
			return Route{
				Kind:        RouteOwner,
				ShipmentRef: ref,
				OwnerID:     owner,
				Groups:      []string{StaffGroup(owner), SupervisorGroup},
			}
		}
	}

	return Route{Kind: RouteLegacy, Groups: []string{LegacyGroup}}
}

// Route acknowledges msg to its session group and notifies the resolved staff
// groups. Publish failures are logged and counted; they never surface to the
// sender because the message is already persisted.
func (r *Router) Route(ctx context.Context, msg chat.Message) {
	delivered, err := protocol.NewServerMessage(protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{Message: msg})
	if err != nil {
		log.Printf("[router] build message_delivered for %s: %v", msg.ID, err)
		return
	}
	r.publish(ctx, []string{SessionGroup(msg.SessionID)}, delivered)

	route := r.Resolve(ctx, msg)
	notified, err := protocol.NewServerMessage(protocol.TypeStaffNotified, protocol.StaffNotifiedMsg{Message: msg})
	if err != nil {
		log.Printf("[router] build staff_notified for %s: %v", msg.ID, err)
		return
	}
	r.publish(ctx, route.Groups, notified)
	metrics.DeliveriesTotal.WithLabelValues(route.Kind).Inc()

	log.Printf("[router] message=%s session=%s sender=%s route=%s shipment=%s owner=%s",
		msg.ID, msg.SessionID, msg.Sender, route.Kind, route.ShipmentRef, route.OwnerID)
}

func (r *Router) publish(ctx context.Context, groups []string, data []byte) {
	if err := r.bus.Publish(ctx, groups, data); err != nil {
		metrics.DeliveryErrors.Inc()
		log.Printf("[router] publish to %v failed: %v", groups, err)
	}
}
