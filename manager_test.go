package sagastream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/sagastream/idgen"
)

func TestManagerStartPublishes(t *testing.T) {
	ctx := context.Background()
	e, log := newTestEngine(t)
	m := e.Manager()

	id, err := m.Start(ctx, order{OrderID: "o-1", Amount: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := m.Exists(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	state, err := m.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateStart, state)

	sagas := history(t, e, log, id)
	require.Len(t, sagas, 1)
	assert.Equal(t, "node-1", sagas[0].OriginNode)
	assert.Equal(t, "test", sagas[0].Group)
	assert.Equal(t, encode(t, order{OrderID: "o-1", Amount: 2}), sagas[0].Payload)

	lifecycle := log.snapshot(e.cfg.keys().lifecycle())
	require.Len(t, lifecycle, 1)
	assert.Equal(t, log.snapshot(e.cfg.keys().history(id))[0].Payload, lifecycle[0].Payload)
}

func TestManagerJoinAfterCommitFails(t *testing.T) {
	ctx := context.Background()
	e, log := newTestEngine(t)
	m := e.Manager()

	id, err := m.Start(ctx, nil)
	require.NoError(t, err)
	_, err = m.Join(ctx, id, nil)
	require.NoError(t, err)
	_, err = m.Commit(ctx, id, nil)
	require.NoError(t, err)

	before := len(log.snapshot(e.cfg.keys().lifecycle()))
	for i := 0; i < 3; i++ {
		_, err = m.Join(ctx, id, order{OrderID: "late"})
		require.ErrorIs(t, err, ErrAlreadyCommitted)

		var sagaErr *SagaError
		require.ErrorAs(t, err, &sagaErr)
		assert.Equal(t, "join", sagaErr.Op)
		assert.Equal(t, id, sagaErr.SagaID)
	}
	assert.Len(t, log.snapshot(e.cfg.keys().lifecycle()), before, "rejected joins publish nothing")

	// Commit may be republished.
	_, err = m.Commit(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, []SagaState{StateStart, StateJoin, StateCommit, StateCommit}, states(history(t, e, log, id)))
}

func TestManagerJoinAfterCommitAndRollbackFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e, log := newTestEngine(t, withStore(store))
	m := e.Manager()

	id, err := m.Start(ctx, nil)
	require.NoError(t, err)
	_, err = m.Commit(ctx, id, nil)
	require.NoError(t, err)
	_, err = m.Rollback(ctx, id, "commit handler failed", nil)
	require.NoError(t, err)

	_, err = m.Join(ctx, id, nil)
	require.ErrorIs(t, err, ErrAlreadyCommitted)
	assert.Equal(t, []SagaState{StateStart, StateCommit, StateRollback}, states(history(t, e, log, id)))

	_, err = store.Get(ctx, "sagastream:committed:"+id)
	assert.NoError(t, err, "commit leaves a marker")
}

func TestManagerConcurrentJoinsAfterCommit(t *testing.T) {
	ctx := context.Background()
	e, log := newTestEngine(t)
	m := e.Manager()

	id, err := m.Start(ctx, nil)
	require.NoError(t, err)
	_, err = m.Commit(ctx, id, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Join(ctx, id, nil); !errors.Is(err, ErrAlreadyCommitted) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, accepted.Load())
	assert.Equal(t, []SagaState{StateStart, StateCommit}, states(history(t, e, log, id)))
}

// commitFailingLog fails appends of COMMIT sagas while fail is set.
type commitFailingLog struct {
	*MemoryLog
	fail atomic.Bool
}

func (l *commitFailingLog) Append(ctx context.Context, stream, payload string) (string, error) {
	if l.fail.Load() && strings.Contains(payload, string(StateCommit)) {
		return "", errors.New("log unavailable")
	}
	return l.MemoryLog.Append(ctx, stream, payload)
}

func TestManagerFailedCommitKeepsSagaOpen(t *testing.T) {
	ctx := context.Background()
	failing := &commitFailingLog{MemoryLog: NewMemoryLog()}
	e, _ := newTestEngine(t, withLog(failing))
	m := e.Manager()

	id, err := m.Start(ctx, nil)
	require.NoError(t, err)

	failing.fail.Store(true)
	_, err = m.Commit(ctx, id, nil)
	require.Error(t, err)
	failing.fail.Store(false)

	_, err = m.Join(ctx, id, nil)
	require.NoError(t, err, "a commit that never reached the log does not close the saga")
	assert.Equal(t, []SagaState{StateStart, StateJoin}, states(history(t, e, failing.MemoryLog, id)))

	_, err = m.Commit(ctx, id, nil)
	require.NoError(t, err)
	_, err = m.Join(ctx, id, nil)
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
}

func TestManagerUnknownSaga(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	m := e.Manager()

	_, err := m.Join(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Commit(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Rollback(ctx, "missing", "why", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Exists(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Exists(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerRollbackCarriesCause(t *testing.T) {
	ctx := context.Background()
	e, log := newTestEngine(t)
	m := e.Manager()

	id, err := m.Start(ctx, nil)
	require.NoError(t, err)
	_, err = m.Rollback(ctx, id, "card declined", refund{RefundID: "r-1"})
	require.NoError(t, err)

	sagas := history(t, e, log, id)
	require.Len(t, sagas, 2)
	assert.Equal(t, StateRollback, sagas[1].State)
	assert.Equal(t, "card declined", sagas[1].Cause)
	assert.Equal(t, encode(t, refund{RefundID: "r-1"}), sagas[1].Payload)
	assert.Empty(t, sagas[0].Cause)
}

func TestManagerAsync(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	m := e.Manager()

	id, err := m.StartAsync(ctx, nil).Await(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.JoinAsync(ctx, id, i).Await(ctx)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	got, err := m.CommitAsync(ctx, id, nil).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	_, err = m.JoinAsync(ctx, id, nil).Await(ctx)
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
}

func TestManagerNoValue(t *testing.T) {
	e, _ := newTestEngine(t, withEngineOption(WithIDGenerator(idgen.Func(func() (string, error) {
		return "", nil
	}))))

	_, err := e.Manager().Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoValue)
}

func TestSagaIDFromContext(t *testing.T) {
	_, ok := SagaIDFromContext(context.Background())
	assert.False(t, ok)

	id, ok := SagaIDFromContext(WithSagaID(context.Background(), "s-1"))
	assert.True(t, ok)
	assert.Equal(t, "s-1", id)
}

func TestManagerUsesIDGenerator(t *testing.T) {
	e, _ := newTestEngine(t, withEngineOption(WithIDGenerator(idgen.Func(func() (string, error) {
		return "fixed-id", nil
	}))))

	id, err := e.Manager().Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)
}
