package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_MemoryStore_Append_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.Append(ctx, Message{ID: "m1", SessionID: "s1", Sender: SenderCustomer, Content: "a"})
	req.NoError(err)
	again, err := store.Append(ctx, Message{ID: "m1", SessionID: "s1", Sender: SenderCustomer, Content: "changed"})
	req.NoError(err)

	req.Equal(first, again)
	log, err := store.Log(ctx)
	req.NoError(err)
	req.Len(log, 1)
	req.Equal("a", log[0].Content)
}

func Test_MemoryStore_CreatedAt_Never_Goes_Backwards(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	clock := []time.Time{t0.Add(time.Minute), t0, t0.Add(2 * time.Minute)}
	store.now = func() time.Time {
		now := clock[0]
		clock = clock[1:]
		return now
	}

	a, err := store.Append(ctx, Message{ID: "a", SessionID: "s1"})
	req.NoError(err)
	b, err := store.Append(ctx, Message{ID: "b", SessionID: "s1"})
	req.NoError(err)
	c, err := store.Append(ctx, Message{ID: "c", SessionID: "s1"})
	req.NoError(err)

	req.Equal(a.CreatedAt, b.CreatedAt, "clock skew must not reorder the session")
	req.True(a.Before(b))
	req.True(b.Before(c))

	hist, err := store.History(ctx, "s1")
	req.NoError(err)
	req.Equal([]string{"a", "b", "c"}, []string{hist[0].ID, hist[1].ID, hist[2].ID})
}

func Test_MemoryStore_History_Scoped_To_Session(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	for _, m := range []Message{
		{ID: "1", SessionID: "s1"},
		{ID: "2", SessionID: "s2"},
		{ID: "3", SessionID: "s1"},
	} {
		_, err := store.Append(ctx, m)
		req.NoError(err)
	}

	hist, err := store.History(ctx, "s1")
	req.NoError(err)
	req.Len(hist, 2)

	hist, err = store.History(ctx, "missing")
	req.NoError(err)
	req.NotNil(hist)
	req.Empty(hist)
}

func Test_MemoryStore_Cancelled_Context(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().Append(ctx, Message{ID: "x"})
	req.ErrorIs(err, context.Canceled)
}

func Test_StaticDirectory(t *testing.T) {
	req := require.New(t)
	dir := StaticDirectory{"SHIP-1": "agent-a"}

	owner, ok, err := dir.OwnerOf(context.Background(), "SHIP-1")
	req.NoError(err)
	req.True(ok)
	req.Equal("agent-a", owner)

	_, ok, err = dir.OwnerOf(context.Background(), "SHIP-404")
	req.NoError(err)
	req.False(ok)

	owners, err := dir.OwnersOf(context.Background(), []string{"SHIP-1", "SHIP-404"})
	req.NoError(err)
	req.Equal(map[string]string{"SHIP-1": "agent-a"}, owners)
}
