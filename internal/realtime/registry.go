// Package realtime routes persisted chat messages to live connections. It
// holds the group registry (which connection listens on which group) and the
// router that decides, per message, which groups are notified.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/trackfast/support-chat/internal/chat"
	"github.com/trackfast/support-chat/internal/metrics"
)

// Well-known groups.
const (
	SupervisorGroup = "supervisors"
	LegacyGroup     = "legacy"
)

// SessionGroup is the group of a customer's session connections.
func SessionGroup(sessionID string) string { return "session:" + sessionID }

// StaffGroup is a staff member's private group.
func StaffGroup(staffID string) string { return "staff:" + staffID }

// StaffGroups returns every group a staff connection joins.
func StaffGroups(who chat.StaffIdentity) []string {
	groups := []string{StaffGroup(who.ID)}
	if who.IsSupervisor() {
		groups = append(groups, SupervisorGroup)
	}
	return append(groups, LegacyGroup)
}

// MaxConcurrentWrites bounds the in-flight member writes across all
// deliveries of a Registry.
const MaxConcurrentWrites = 256

// Member is a live connection that can receive frames.
type Member interface {
	MemberID() string
	Send(data []byte) error
}

// Registry is a goroutine-safe map of group -> members. Membership is
// explicit: connections call Join on join and LeaveAll on disconnect.
type Registry struct {
	mu          sync.RWMutex
	groups      map[string]map[string]Member   // group -> member_id -> member
	memberships map[string]map[string]struct{} // member_id -> groups
	fanout      chan struct{}                  // semaphore limiting concurrent member writes
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		groups:      make(map[string]map[string]Member),
		memberships: make(map[string]map[string]struct{}),
		fanout:      make(chan struct{}, MaxConcurrentWrites),
	}
}

// Join adds m to group. Joining twice is a no-op.
func (r *Registry) Join(group string, m Member) {
	id := m.MemberID()

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]Member)
		r.groups[group] = members
	}
	if _, ok := members[id]; ok {
		return
	}
	members[id] = m

	joined, ok := r.memberships[id]
	if !ok {
		joined = make(map[string]struct{})
		r.memberships[id] = joined
	}
	joined[group] = struct{}{}
	metrics.GroupMembers.Inc()
}

// Leave removes m from group.
func (r *Registry) Leave(group string, m Member) {
	id := m.MemberID()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(group, id)
}

// LeaveAll removes m from every group it joined and returns how many groups
// it left.
func (r *Registry) LeaveAll(m Member) int {
	id := m.MemberID()

	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.memberships[id]
	n := len(joined)
	for group := range joined {
		r.leaveLocked(group, id)
	}
	return n
}

func (r *Registry) leaveLocked(group, id string) {
	members, ok := r.groups[group]
	if !ok {
		return
	}
	if _, ok := members[id]; !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, group)
	}
	if joined, ok := r.memberships[id]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(r.memberships, id)
		}
	}
	metrics.GroupMembers.Dec()
}

// Size returns the number of members in group.
func (r *Registry) Size(group string) int {
	r.mu.RLock()
	n := len(r.groups[group])
	r.mu.RUnlock()
	return n
}

// Deliver writes data once to every distinct member of groups and returns how
// many writes succeeded. Members are snapshotted under the read lock and
// written outside it, each on its own goroutine bounded by the fan-out
// semaphore, so one stalled member delays no other. A group with no members
// is skipped silently.
func (r *Registry) Deliver(groups []string, data []byte) int {
	r.mu.RLock()
	targets := make(map[string]Member)
	for _, group := range groups {
		for id, m := range r.groups[group] {
			targets[id] = m
		}
	}
	r.mu.RUnlock()

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, m := range targets {
		r.fanout <- struct{}{}
		wg.Add(1)
		go func(m Member) {
			defer func() {
				<-r.fanout
				wg.Done()
			}()
			if err := m.Send(data); err == nil {
				delivered.Add(1)
			}
		}(m)
	}
	wg.Wait()
	return int(delivered.Load())
}

// Publish implements Bus for a single-process deployment.
func (r *Registry) Publish(_ context.Context, groups []string, data []byte) error {
	r.Deliver(groups, data)
	return nil
}
