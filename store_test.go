package sagastream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEventLog exercises the EventLog contract against any implementation.
func testEventLog(t *testing.T, newLog func(t *testing.T) EventLog) {
	ctx := context.Background()

	t.Run("new group starts at end of stream", func(t *testing.T) {
		log := newLog(t)
		_, err := log.Append(ctx, "s", "before")
		require.NoError(t, err)
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))
		require.NoError(t, log.CreateGroup(ctx, "s", "g"), "create is idempotent")

		entries, err := log.Read(ctx, "s", "g", "c1", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)

		id, err := log.Append(ctx, "s", "after")
		require.NoError(t, err)
		entries, err = log.Read(ctx, "s", "g", "c1", 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, Entry{ID: id, Payload: "after"}, entries[0])
	})

	t.Run("pending until acknowledged", func(t *testing.T) {
		log := newLog(t)
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))
		first, err := log.Append(ctx, "s", "one")
		require.NoError(t, err)
		second, err := log.Append(ctx, "s", "two")
		require.NoError(t, err)

		entries, err := log.Read(ctx, "s", "g", "c1", 1, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1, "count bounds a read")
		entries, err = log.Read(ctx, "s", "g", "c1", 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		pending, err := log.Pending(ctx, "s", "g", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{first, second}, pending)

		require.NoError(t, log.Ack(ctx, "s", "g", first))
		pending, err = log.Pending(ctx, "s", "g", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{second}, pending)
	})

	t.Run("claim hands pending entries to another consumer", func(t *testing.T) {
		log := newLog(t)
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))
		id, err := log.Append(ctx, "s", "orphan")
		require.NoError(t, err)
		_, err = log.Read(ctx, "s", "g", "crashed", 10, 0)
		require.NoError(t, err)

		claimed, err := log.Claim(ctx, "s", "g", "rescuer", 0, id)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "orphan", claimed[0].Payload)

		require.NoError(t, log.Ack(ctx, "s", "g", id))
		pending, err := log.Pending(ctx, "s", "g", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("history operations", func(t *testing.T) {
		log := newLog(t)
		_, err := log.Last(ctx, "h")
		require.ErrorIs(t, err, ErrNotFound)

		first, err := log.Append(ctx, "h", "a")
		require.NoError(t, err)
		last, err := log.Append(ctx, "h", "b")
		require.NoError(t, err)

		entry, err := log.Last(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, Entry{ID: last, Payload: "b"}, entry)

		entry, err = log.Get(ctx, "h", first)
		require.NoError(t, err)
		assert.Equal(t, "a", entry.Payload)

		n, err := log.Len(ctx, "h")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		require.NoError(t, log.Delete(ctx, "h", first))
		_, err = log.Get(ctx, "h", first)
		require.ErrorIs(t, err, ErrNotFound)
		n, err = log.Len(ctx, "h")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("blocking read wakes on append", func(t *testing.T) {
		log := newLog(t)
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))

		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = log.Append(ctx, "s", "late")
		}()

		entries, err := log.Read(ctx, "s", "g", "c1", 10, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "late", entries[0].Payload)
	})

	t.Run("blocking read times out empty", func(t *testing.T) {
		log := newLog(t)
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))

		entries, err := log.Read(ctx, "s", "g", "c1", 10, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

// testResultQueue exercises the RequestStore and ResultQueue contracts.
func testResultQueue(t *testing.T, store interface {
	RequestStore
	ResultQueue
}) {
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	stored, err := store.SetIfAbsent(ctx, "once", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = store.SetIfAbsent(ctx, "once", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)

	require.NoError(t, store.Push(ctx, "q", "first", time.Minute))
	require.NoError(t, store.Push(ctx, "q", "second", time.Minute))
	v, err = store.BlockingPop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", v)
	v, err = store.BlockingPop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	_, err = store.BlockingPop(ctx, "q", 100*time.Millisecond)
	require.ErrorIs(t, err, ErrResultTimeout)
}
