package sagastream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rollbackSaga(id string) Saga {
	return Saga{ID: id, OriginNode: "node-0", Group: "test", State: StateRollback, Cause: "card declined"}
}

func TestDeadLetterRelayEmpty(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.DeadLetters().Relay(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.DeadLetters().RelayByID(ctx, "1-1")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := e.DeadLetters().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeadLetterAddNotifiesListeners(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var notified []string
	e.DeadLetters().OnDeadLetter(func(_ context.Context, id string, saga Saga) {
		notified = append(notified, id+"/"+saga.ID)
	})

	id, err := e.DeadLetters().Add(ctx, rollbackSaga("s-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{id + "/s-1"}, notified)

	n, err := e.DeadLetters().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDeadLetterRelayNewest(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var relayed atomic.Value
	require.NoError(t, e.Registry().Handle(StateRollback, func(_ context.Context, ev *SagaEvent) (HandlerResult, error) {
		relayed.Store(ev.Saga.ID)
		return None(), nil
	}))

	_, err := e.DeadLetters().Add(ctx, rollbackSaga("s-1"))
	require.NoError(t, err)
	_, err = e.DeadLetters().Add(ctx, rollbackSaga("s-2"))
	require.NoError(t, err)

	report, err := e.DeadLetters().Relay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, "s-2", relayed.Load())

	n, err := e.DeadLetters().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDeadLetterFailedRelayKeepsEntry(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Registry().Handle(StateRollback, func(context.Context, *SagaEvent) (HandlerResult, error) {
		return None(), errors.New("still failing")
	}))

	id, err := e.DeadLetters().Add(ctx, rollbackSaga("s-1"))
	require.NoError(t, err)

	report, err := e.DeadLetters().RelayByID(ctx, id)
	require.ErrorIs(t, err, ErrDeadLetter)
	assert.Equal(t, 1, report.Failed)

	n, err := e.DeadLetters().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "a failed relay is neither removed nor parked twice")
}

func TestDeadLetterRelayWithoutHandlerKeepsEntry(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.DeadLetters().Add(ctx, rollbackSaga("s-1"))
	require.NoError(t, err)

	report, err := e.DeadLetters().RelayByID(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, report.Matched)

	_, err = e.DeadLetters().Relay(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	n, err := e.DeadLetters().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "an unhandled relay must not drop the entry")
}
