package sagastream

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fortressi/sagastream/codec"
	"github.com/fortressi/sagastream/idgen"
)

type sagaIDKey struct{}

// WithSagaID returns a copy of ctx carrying the saga id being worked on.
func WithSagaID(ctx context.Context, sagaID string) context.Context {
	return context.WithValue(ctx, sagaIDKey{}, sagaID)
}

// SagaIDFromContext returns the saga id carried by ctx. Handlers receive a
// context carrying the id of the saga they were dispatched for.
func SagaIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sagaIDKey{}).(string)
	return id, ok && id != ""
}

// RawPayload is a payload that is already codec-encoded and is published
// as is.
type RawPayload string

// Manager publishes saga state transitions and enforces the transition
// guards. Every publication is appended to the saga's history stream and
// then to the shared lifecycle stream consumed by dispatchers. A committed
// marker kept in marks closes the saga to JOIN for good.
type Manager struct {
	log     EventLog
	marks   Store
	ttl     time.Duration
	codec   codec.Codec
	ids     idgen.Generator
	keys    keys
	nodeID  string
	group   string
	logger  *zap.Logger
	metrics *metrics
}

// StartAsync allocates a new saga id and publishes START.
func (m *Manager) StartAsync(ctx context.Context, payload any) *Future[string] {
	return Go(ctx, func(ctx context.Context) (string, error) {
		id, err := m.ids.NewID()
		if err != nil {
			return "", opError("start", "", err)
		}
		return m.publish(WithSagaID(ctx, id), "start", StateStart, "", payload)
	})
}

// JoinAsync publishes JOIN for an existing saga that never committed. A
// saga that committed stays closed to JOIN even after a later ROLLBACK.
func (m *Manager) JoinAsync(ctx context.Context, sagaID string, payload any) *Future[string] {
	return Go(WithSagaID(ctx, sagaID), func(ctx context.Context) (string, error) {
		state, err := m.currentState(ctx, "join")
		if err != nil {
			return "", err
		}
		committed, err := m.committed(ctx, sagaID)
		if err != nil {
			return "", opError("join", sagaID, err)
		}
		if committed || state.Terminal() {
			return "", opError("join", sagaID, ErrAlreadyCommitted)
		}
		return m.publish(ctx, "join", StateJoin, "", payload)
	})
}

// CommitAsync publishes COMMIT for an existing saga. The committed marker
// is written before the publication so a JOIN starting after Commit
// returns is always rejected.
func (m *Manager) CommitAsync(ctx context.Context, sagaID string, payload any) *Future[string] {
	return Go(WithSagaID(ctx, sagaID), func(ctx context.Context) (string, error) {
		if _, err := m.currentState(ctx, "commit"); err != nil {
			return "", err
		}
		marked, err := m.marks.SetIfAbsent(ctx, m.keys.committed(sagaID), "1", m.ttl)
		if err != nil {
			return "", opError("commit", sagaID, err)
		}
		id, err := m.publish(ctx, "commit", StateCommit, "", payload)
		if err != nil && marked {
			// Only the first commit owns the marker; release it so the
			// saga is not closed by a COMMIT that never reached the log.
			if delErr := m.marks.Delete(ctx, m.keys.committed(sagaID)); delErr != nil {
				m.logger.Warn("failed to release committed marker",
					zap.String("saga_id", sagaID),
					zap.Error(delErr))
			}
		}
		return id, err
	})
}

// committed reports whether COMMIT was ever published for sagaID.
func (m *Manager) committed(ctx context.Context, sagaID string) (bool, error) {
	if _, err := m.marks.Get(ctx, m.keys.committed(sagaID)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RollbackAsync publishes ROLLBACK with cause for an existing saga.
func (m *Manager) RollbackAsync(ctx context.Context, sagaID, cause string, payload any) *Future[string] {
	return Go(WithSagaID(ctx, sagaID), func(ctx context.Context) (string, error) {
		if _, err := m.currentState(ctx, "rollback"); err != nil {
			return "", err
		}
		return m.publish(ctx, "rollback", StateRollback, cause, payload)
	})
}

// Start is the blocking form of StartAsync.
func (m *Manager) Start(ctx context.Context, payload any) (string, error) {
	return awaitID(ctx, "start", m.StartAsync(ctx, payload))
}

// Join is the blocking form of JoinAsync.
func (m *Manager) Join(ctx context.Context, sagaID string, payload any) (string, error) {
	return awaitID(ctx, "join", m.JoinAsync(ctx, sagaID, payload))
}

// Commit is the blocking form of CommitAsync.
func (m *Manager) Commit(ctx context.Context, sagaID string, payload any) (string, error) {
	return awaitID(ctx, "commit", m.CommitAsync(ctx, sagaID, payload))
}

// Rollback is the blocking form of RollbackAsync.
func (m *Manager) Rollback(ctx context.Context, sagaID, cause string, payload any) (string, error) {
	return awaitID(ctx, "rollback", m.RollbackAsync(ctx, sagaID, cause, payload))
}

// Exists returns sagaID if any state was published for it.
func (m *Manager) Exists(ctx context.Context, sagaID string) (string, error) {
	if _, err := m.currentState(WithSagaID(ctx, sagaID), "exists"); err != nil {
		return "", err
	}
	return sagaID, nil
}

// State returns the latest state published for sagaID.
func (m *Manager) State(ctx context.Context, sagaID string) (SagaState, error) {
	return m.currentState(WithSagaID(ctx, sagaID), "state")
}

func awaitID(ctx context.Context, op string, f *Future[string]) (string, error) {
	id, err := f.Await(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", opError(op, "", ErrNoValue)
	}
	return id, nil
}

// currentState reads the newest history entry of the saga carried by ctx.
func (m *Manager) currentState(ctx context.Context, op string) (SagaState, error) {
	sagaID, ok := SagaIDFromContext(ctx)
	if !ok {
		return "", opError(op, "", ErrNotFound)
	}
	entry, err := m.log.Last(ctx, m.keys.history(sagaID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", opError(op, sagaID, ErrNotFound)
		}
		return "", opError(op, sagaID, err)
	}
	var saga Saga
	if err := m.codec.Decode(entry.Payload, &saga); err != nil {
		return "", opError(op, sagaID, err)
	}
	return saga.State, nil
}

// publish appends a saga in state for the id carried by ctx and returns
// the id.
func (m *Manager) publish(ctx context.Context, op string, state SagaState, cause string, payload any) (string, error) {
	sagaID, ok := SagaIDFromContext(ctx)
	if !ok {
		return "", opError(op, "", ErrNoValue)
	}

	encoded, err := m.encodePayload(payload)
	if err != nil {
		return "", opError(op, sagaID, err)
	}
	saga := Saga{
		ID:         sagaID,
		OriginNode: m.nodeID,
		Group:      m.group,
		State:      state,
		Cause:      cause,
		Payload:    encoded,
	}
	data, err := m.codec.Encode(saga)
	if err != nil {
		return "", opError(op, sagaID, err)
	}

	if _, err := m.log.Append(ctx, m.keys.history(sagaID), data); err != nil {
		return "", opError(op, sagaID, err)
	}
	if _, err := m.log.Append(ctx, m.keys.lifecycle(), data); err != nil {
		return "", opError(op, sagaID, err)
	}

	m.metrics.published.WithLabelValues(state.String()).Inc()
	m.logger.Debug("saga published",
		zap.String("saga_id", sagaID),
		zap.Stringer("state", state),
		zap.String("cause", cause))
	return sagaID, nil
}

func (m *Manager) encodePayload(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "", nil
	case RawPayload:
		return string(p), nil
	default:
		return m.codec.Encode(p)
	}
}
