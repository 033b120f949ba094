package chat

import (
	"context"
	"log"

	"github.com/samber/lo"
)

// Filter returns the sessions visible to who, preserving order.
//
// Supervisors see everything. Agents see only sessions whose resolved
// shipment is owned by them; sessions without a reference are never shown to
// an agent. Ownership is fetched with a single batched lookup over the
// distinct references. A failed lookup hides every session from the agent.
func Filter(ctx context.Context, who StaffIdentity, sessions []Session, dir Directory) []Session {
	if who.IsSupervisor() {
		return sessions
	}
	if who.Role != RoleAgent || who.ID == "" {
		return []Session{}
	}

	refs := lo.Uniq(lo.FilterMap(sessions, func(s Session, _ int) (string, bool) {
		return s.ShipmentRef, s.ShipmentRef != ""
	}))
	if len(refs) == 0 {
		return []Session{}
	}

	owners, err := dir.OwnersOf(ctx, refs)
	if err != nil {
		log.Printf("[visibility] ownership lookup for staff=%s shipments=%d failed, hiding all: %v",
			who.ID, len(refs), err)
		return []Session{}
	}

	return lo.Filter(sessions, func(s Session, _ int) bool {
		return s.ShipmentRef != "" && owners[s.ShipmentRef] == who.ID
	})
}
