package sagastream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// orphan publishes a START saga and delivers it to a consumer that never
// acknowledges it.
func orphan(t *testing.T, e *Engine, payload any) string {
	t.Helper()
	ctx := context.Background()
	stream := e.cfg.keys().lifecycle()
	require.NoError(t, e.log.CreateGroup(ctx, stream, e.cfg.Group))

	id, err := e.Manager().Start(ctx, payload)
	require.NoError(t, err)

	entries, err := e.log.Read(ctx, stream, e.cfg.Group, "crashed-node", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return id
}

func countingHandler(t *testing.T, e *Engine) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	require.NoError(t, e.Registry().Handle(StateStart, func(context.Context, *SagaEvent) (HandlerResult, error) {
		calls.Add(1)
		return None(), nil
	}))
	return &calls
}

func TestRetrySupporterTickReclaimsOrphans(t *testing.T) {
	e, log := newTestEngine(t)
	calls := countingHandler(t, e)
	orphan(t, e, order{OrderID: "o-1"})

	ctx := context.Background()
	n, err := e.RetrySupporter().Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "deliveries younger than the threshold are not orphans")

	assert.Eventually(t, func() bool {
		n, err := e.RetrySupporter().Tick(ctx)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	pending, err := log.Pending(ctx, e.cfg.keys().lifecycle(), e.cfg.Group, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "redispatched orphan is acknowledged")
}

func TestRetrySupporterTickWithoutGroup(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.RetrySupporter().Tick(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetrySupporterLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e, _ := newTestEngine(t)
	calls := countingHandler(t, e)
	orphan(t, e, order{OrderID: "o-1"})

	ctx := context.Background()
	r := e.RetrySupporter()
	r.Start(ctx)
	r.Start(ctx)

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, r.Shutdown(ctx), "second shutdown is a no-op")
}

func TestRetrySupporterShutdownTimeout(t *testing.T) {
	e, _ := newTestEngine(t, withConfig(func(cfg *Config) {
		cfg.ShutdownTimeout = 50 * time.Millisecond
	}))
	entered := make(chan struct{}, 1)
	require.NoError(t, e.Registry().Handle(StateStart, func(ctx context.Context, _ *SagaEvent) (HandlerResult, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return None(), ctx.Err()
	}))
	orphan(t, e, nil)

	ctx := context.Background()
	r := e.RetrySupporter()
	r.Start(ctx)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("orphan was not redispatched")
	}
	assert.ErrorIs(t, r.Shutdown(ctx), ErrShutdownTimeout)
}
