package sagastream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fortressi/sagastream/codec"
)

type order struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

type refund struct {
	RefundID string `json:"refund_id"`
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NodeID = "node-1"
	cfg.Group = "test"
	cfg.Workers = 4
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.OrphanThreshold = 50 * time.Millisecond
	cfg.RetryInterval = 25 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.ResultTimeout = 5 * time.Second
	cfg.AckBackoff = time.Millisecond
	return cfg
}

type engineSetup struct {
	cfg   Config
	log   EventLog
	store Store
	opts  []Option
}

type setupOption func(*engineSetup)

func withConfig(fn func(*Config)) setupOption {
	return func(s *engineSetup) { fn(&s.cfg) }
}

func withLog(log EventLog) setupOption {
	return func(s *engineSetup) { s.log = log }
}

func withStore(store Store) setupOption {
	return func(s *engineSetup) { s.store = store }
}

func withEngineOption(opt Option) setupOption {
	return func(s *engineSetup) { s.opts = append(s.opts, opt) }
}

// newTestEngine builds an engine over a fresh MemoryLog and MemoryStore
// unless the options replace them.
func newTestEngine(t *testing.T, opts ...setupOption) (*Engine, *MemoryLog) {
	t.Helper()
	mem := NewMemoryLog()
	setup := engineSetup{cfg: testConfig(), log: mem, store: NewMemoryStore()}
	for _, opt := range opts {
		opt(&setup)
	}
	engineOpts := append([]Option{WithLogger(zaptest.NewLogger(t))}, setup.opts...)
	e, err := New(setup.cfg, setup.log, setup.store, engineOpts...)
	require.NoError(t, err)
	return e, mem
}

// startEngine starts e and stops it when the test ends.
func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, e.Shutdown(context.Background()))
	})
}

// history decodes the saga history of sagaID.
func history(t *testing.T, e *Engine, log *MemoryLog, sagaID string) []Saga {
	t.Helper()
	var out []Saga
	for _, entry := range log.snapshot(e.cfg.keys().history(sagaID)) {
		var saga Saga
		require.NoError(t, e.codec.Decode(entry.Payload, &saga))
		out = append(out, saga)
	}
	return out
}

func states(sagas []Saga) []SagaState {
	out := make([]SagaState, 0, len(sagas))
	for _, s := range sagas {
		out = append(out, s.State)
	}
	return out
}

func countState(sagas []Saga, state SagaState) int {
	n := 0
	for _, s := range sagas {
		if s.State == state {
			n++
		}
	}
	return n
}

func encode(t *testing.T, v any) string {
	t.Helper()
	data, err := codec.NewJSON().Encode(v)
	require.NoError(t, err)
	return data
}
