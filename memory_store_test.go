package sagastream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLog(t *testing.T) {
	testEventLog(t, func(*testing.T) EventLog { return NewMemoryLog() })
}

func TestMemoryStore(t *testing.T) {
	testResultQueue(t, NewMemoryStore())
}

func TestMemoryLogPendingHonoursIdle(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	now := time.Unix(1000, 0)
	log.now = func() time.Time { return now }

	require.NoError(t, log.CreateGroup(ctx, "s", "g"))
	id, err := log.Append(ctx, "s", "x")
	require.NoError(t, err)
	_, err = log.Read(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)

	pending, err := log.Pending(ctx, "s", "g", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	claimed, err := log.Claim(ctx, "s", "g", "c2", time.Minute, id)
	require.NoError(t, err)
	assert.Empty(t, claimed, "young deliveries are not claimable")

	now = now.Add(2 * time.Minute)
	pending, err = log.Pending(ctx, "s", "g", time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, pending)
	claimed, err = log.Claim(ctx, "s", "g", "c2", time.Minute, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, log.deliveries("s", "g", id))
}

func TestMemoryLogClaimSkipsDeletedEntries(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	require.NoError(t, log.CreateGroup(ctx, "s", "g"))
	id, err := log.Append(ctx, "s", "x")
	require.NoError(t, err)
	_, err = log.Read(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.NoError(t, log.Delete(ctx, "s", id))

	claimed, err := log.Claim(ctx, "s", "g", "c2", 0, id)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	pending, err := log.Pending(ctx, "s", "g", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryLogReadUnknownGroup(t *testing.T) {
	_, err := NewMemoryLog().Read(context.Background(), "s", "nope", "c", 1, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", "v", time.Second))
	stored, err := store.SetIfAbsent(ctx, "once", "1", time.Second)
	require.NoError(t, err)
	require.True(t, stored)

	now = now.Add(2 * time.Second)
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
	stored, err = store.SetIfAbsent(ctx, "once", "2", time.Second)
	require.NoError(t, err)
	assert.True(t, stored, "expired guards can be taken again")
}

func TestMemoryStorePopWaitsForPush(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Push(ctx, "q", "late", 0)
	}()

	v, err := store.BlockingPop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}
