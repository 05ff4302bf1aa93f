package sagastream

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fortressi/sagastream/codec"
)

// DeadLetterListener is notified when a saga is parked.
type DeadLetterListener func(ctx context.Context, deadLetterID string, saga Saga)

// DeadLetterManager parks ROLLBACK sagas whose compensation failed and
// relays them on request. Nothing is relayed automatically.
type DeadLetterManager struct {
	log        EventLog
	codec      codec.Codec
	keys       keys
	dispatcher *Dispatcher
	logger     *zap.Logger
	metrics    *metrics

	mu        sync.RWMutex
	listeners []DeadLetterListener
}

// OnDeadLetter registers fn to be called after every Add.
func (m *DeadLetterManager) OnDeadLetter(fn DeadLetterListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Add parks saga and returns its dead letter id.
func (m *DeadLetterManager) Add(ctx context.Context, saga Saga) (string, error) {
	data, err := m.codec.Encode(saga)
	if err != nil {
		return "", opError("dead letter", saga.ID, err)
	}
	id, err := m.log.Append(ctx, m.keys.deadLetter(), data)
	if err != nil {
		return "", opError("dead letter", saga.ID, err)
	}
	m.metrics.deadLetters.Inc()
	m.logger.Warn("saga dead-lettered",
		zap.String("saga_id", saga.ID),
		zap.String("dead_letter_id", id),
		zap.String("cause", saga.Cause))

	m.mu.RLock()
	listeners := append([]DeadLetterListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, id, saga)
	}
	return id, nil
}

// Relay redispatches the newest dead letter.
func (m *DeadLetterManager) Relay(ctx context.Context) (DispatchReport, error) {
	entry, err := m.log.Last(ctx, m.keys.deadLetter())
	if err != nil {
		return DispatchReport{}, opError("relay", "", err)
	}
	return m.relay(ctx, entry)
}

// RelayByID redispatches the dead letter with id.
func (m *DeadLetterManager) RelayByID(ctx context.Context, id string) (DispatchReport, error) {
	entry, err := m.log.Get(ctx, m.keys.deadLetter(), id)
	if err != nil {
		return DispatchReport{}, opError("relay", "", err)
	}
	return m.relay(ctx, entry)
}

// relay dispatches entry and deletes it once every handler succeeded. A
// failed relay keeps the entry and returns ErrDeadLetter; a relay no handler
// matched keeps it and returns ErrNotFound.
func (m *DeadLetterManager) relay(ctx context.Context, entry Entry) (DispatchReport, error) {
	var saga Saga
	if err := m.codec.Decode(entry.Payload, &saga); err != nil {
		return DispatchReport{}, opError("relay", "", err)
	}

	report, err := m.dispatcher.Dispatch(ctx, Delivery{Saga: saga, DeadLetterID: entry.ID})
	if err != nil {
		m.metrics.relayed.WithLabelValues("error").Inc()
		return report, err
	}
	if report.Matched == 0 {
		m.metrics.relayed.WithLabelValues("unhandled").Inc()
		m.logger.Warn("no handler for dead letter, keeping it",
			zap.String("saga_id", saga.ID),
			zap.String("dead_letter_id", entry.ID))
		return report, opError("relay", saga.ID, fmt.Errorf("no %s handler matched: %w", saga.State, ErrNotFound))
	}
	if report.Failed > 0 {
		m.metrics.relayed.WithLabelValues("failed").Inc()
		return report, opError("relay", saga.ID, ErrDeadLetter)
	}

	if err := m.log.Delete(ctx, m.keys.deadLetter(), entry.ID); err != nil {
		return report, opError("relay", saga.ID, err)
	}
	m.metrics.relayed.WithLabelValues("success").Inc()
	m.logger.Info("dead letter relayed",
		zap.String("saga_id", saga.ID),
		zap.String("dead_letter_id", entry.ID))
	return report, nil
}

// Count returns the number of parked sagas.
func (m *DeadLetterManager) Count(ctx context.Context) (int64, error) {
	n, err := m.log.Len(ctx, m.keys.deadLetter())
	if err != nil {
		return 0, opError("dead letter count", "", err)
	}
	return n, nil
}
