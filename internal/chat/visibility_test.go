package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingDirectory records how often it is queried.
type countingDirectory struct {
	owners StaticDirectory
	calls  atomic.Int32
	err    error
	delay  time.Duration
	asked  []string
}

func (d *countingDirectory) OwnerOf(ctx context.Context, id string) (string, bool, error) {
	return d.owners.OwnerOf(ctx, id)
}

func (d *countingDirectory) OwnersOf(ctx context.Context, ids []string) (map[string]string, error) {
	d.calls.Add(1)
	d.asked = append(d.asked, ids...)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.owners.OwnersOf(ctx, ids)
}

var (
	agentA     = StaffIdentity{ID: "agent-a", Role: RoleAgent}
	agentB     = StaffIdentity{ID: "agent-b", Role: RoleAgent}
	supervisor = StaffIdentity{ID: "boss", Role: RoleSupervisor}
)

func sessionIDs(sessions []Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}
	return ids
}

func fixtureSessions() []Session {
	return ResolveSessions([]Message{
		msgAt(1, "s1", SenderCustomer, "SHIP-1", 0),
		msgAt(2, "s2", SenderCustomer, "SHIP-2", time.Second),
		msgAt(3, "s3", SenderCustomer, "", 2*time.Second),
		msgAt(4, "s4", SenderCustomer, "SHIP-GONE", 3*time.Second),
		msgAt(5, "s5", SenderCustomer, "SHIP-1", 4*time.Second),
		msgAt(6, "s1", SenderStaff, "", 5*time.Second),
	})
}

func fixtureDirectory() *countingDirectory {
	return &countingDirectory{owners: StaticDirectory{
		"SHIP-1": agentA.ID,
		"SHIP-2": agentB.ID,
	}}
}

func Test_Filter_Owner_Sees_Session_Other_Agent_Does_Not(t *testing.T) {
	req := require.New(t)
	sessions := ResolveSessions([]Message{msgAt(1, "s1", SenderCustomer, "SHIP-1", 0)})
	dir := fixtureDirectory()

	req.Equal([]string{"s1"}, sessionIDs(Filter(context.Background(), agentA, sessions, dir)))
	req.Empty(Filter(context.Background(), agentB, sessions, dir))
}

func Test_Filter_Agent_Sees_Only_Owned_In_Order(t *testing.T) {
	req := require.New(t)
	got := Filter(context.Background(), agentA, fixtureSessions(), fixtureDirectory())
	// s1 was last touched by a staff reply without a reference and must stay.
	req.Equal([]string{"s1", "s5"}, sessionIDs(got))
}

func Test_Filter_Supervisor_Sees_Everything(t *testing.T) {
	req := require.New(t)
	dir := fixtureDirectory()
	sessions := fixtureSessions()

	got := Filter(context.Background(), supervisor, sessions, dir)
	req.Equal(sessions, got)
	req.Zero(dir.calls.Load(), "supervisor listing must not query ownership")
}

func Test_Filter_Single_Batched_Lookup_Over_Distinct_Refs(t *testing.T) {
	req := require.New(t)
	dir := fixtureDirectory()

	Filter(context.Background(), agentA, fixtureSessions(), dir)
	req.Equal(int32(1), dir.calls.Load())
	req.ElementsMatch([]string{"SHIP-1", "SHIP-2", "SHIP-GONE"}, dir.asked)
}

func Test_Filter_No_Refs_Skips_Lookup(t *testing.T) {
	req := require.New(t)
	dir := fixtureDirectory()
	sessions := ResolveSessions([]Message{msgAt(1, "s1", SenderCustomer, "", 0)})

	req.Empty(Filter(context.Background(), agentA, sessions, dir))
	req.Zero(dir.calls.Load())
}

func Test_Filter_Lookup_Failure_Hides_Everything(t *testing.T) {
	req := require.New(t)
	dir := fixtureDirectory()
	dir.err = errors.New("directory down")

	req.Empty(Filter(context.Background(), agentA, fixtureSessions(), dir))
}

func Test_Filter_Unknown_Role_Sees_Nothing(t *testing.T) {
	req := require.New(t)
	got := Filter(context.Background(), StaffIdentity{ID: "agent-a", Role: "guest"}, fixtureSessions(), fixtureDirectory())
	req.Empty(got)
}

func Test_Filter_Ownership_Monotonicity(t *testing.T) {
	req := require.New(t)
	sessions := fixtureSessions()
	owners := fixtureDirectory().owners

	for _, agent := range []StaffIdentity{agentA, agentB, {ID: "agent-c", Role: RoleAgent}} {
		visible := make(map[string]bool)
		for _, s := range Filter(context.Background(), agent, sessions, fixtureDirectory()) {
			visible[s.SessionID] = true
		}
		for _, s := range sessions {
			owner, ok := owners[s.ShipmentRef]
			want := s.ShipmentRef != "" && ok && owner == agent.ID
			req.Equal(want, visible[s.SessionID], "agent=%s session=%s", agent.ID, s.SessionID)
		}
	}
}

func Test_Filter_Supervisor_Superset(t *testing.T) {
	req := require.New(t)
	sessions := fixtureSessions()
	all := make(map[string]bool)
	for _, s := range Filter(context.Background(), supervisor, sessions, fixtureDirectory()) {
		all[s.SessionID] = true
	}
	for _, agent := range []StaffIdentity{agentA, agentB} {
		for _, s := range Filter(context.Background(), agent, sessions, fixtureDirectory()) {
			req.True(all[s.SessionID], "agent %s sees %s but supervisor does not", agent.ID, s.SessionID)
		}
	}
}
