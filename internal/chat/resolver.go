package chat

import (
	"slices"

	"github.com/samber/lo"
)

// ResolveSessions groups a message log into sessions, newest first.
//
// LastMessage is the latest message by CreatedAt, with Seq breaking ties. The
// shipment reference is aggregated over every message of the session (largest
// non-empty value), so a later message without a reference never unbinds the
// session. Messages with equal Seq are taken in input order.
func ResolveSessions(msgs []Message) []Session {
	sessions := make([]Session, 0)
	index := make(map[string]int)

	for _, m := range msgs {
		i, ok := index[m.SessionID]
		if !ok {
			index[m.SessionID] = len(sessions)
			sessions = append(sessions, Session{
				SessionID:   m.SessionID,
				LastMessage: m,
				ShipmentRef: m.ShipmentRef,
			})
			continue
		}

		s := &sessions[i]
		if !m.Before(s.LastMessage) {
			s.LastMessage = m
		}
		if m.ShipmentRef > s.ShipmentRef {
			s.ShipmentRef = m.ShipmentRef
		}
	}

	slices.SortStableFunc(sessions, func(a, b Session) int {
		switch {
		case b.LastMessage.Before(a.LastMessage):
			return -1
		case a.LastMessage.Before(b.LastMessage):
			return 1
		}
		return 0
	})
	return sessions
}

// ResolveShipmentRef returns the shipment reference of a single session's
// messages, or "" when none carries one.
func ResolveShipmentRef(msgs []Message) string {
	refs := lo.FilterMap(msgs, func(m Message, _ int) (string, bool) {
		return m.ShipmentRef, m.ShipmentRef != ""
	})
	return lo.Max(refs)
}
