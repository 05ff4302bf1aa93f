package sagastream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fortressi/sagastream/codec"
)

// Delivery is a saga handed to the dispatcher.
type Delivery struct {
	Saga Saga
	// ID is the lifecycle stream delivery id acknowledged once every handler
	// finished. Empty for deliveries that must not be acknowledged.
	ID string
	// DeadLetterID is set when the saga is being relayed from the dead
	// letter stream.
	DeadLetterID string
}

func (d Delivery) relayed() bool {
	return d.DeadLetterID != ""
}

// DispatchReport summarises how the handlers of one delivery ended.
type DispatchReport struct {
	Matched      int
	Succeeded    int
	RolledBack   int
	Exempted     int
	DeadLettered int
	// Failed counts relayed compensations that failed again.
	Failed int
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRollback
	outcomeExempt
	outcomeDeadLetter
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRollback:
		return "rollback"
	case outcomeExempt:
		return "exempt"
	case outcomeDeadLetter:
		return "dead_letter"
	default:
		return "failed"
	}
}

// Dispatcher routes delivered sagas to the registered handlers, publishes
// the follow-on state and acknowledges the delivery.
type Dispatcher struct {
	registry    *Registry
	manager     *Manager
	deadLetters *DeadLetterManager
	log         EventLog
	codec       codec.Codec
	keys        keys
	group       string
	ackAttempts uint
	ackBackoff  time.Duration
	logger      *zap.Logger
	metrics     *metrics
}

// DispatchEntry decodes a lifecycle stream entry and dispatches it.
// Entries that do not decode are acknowledged and dropped.
func (d *Dispatcher) DispatchEntry(ctx context.Context, entry Entry) (DispatchReport, error) {
	var saga Saga
	if err := d.codec.Decode(entry.Payload, &saga); err != nil {
		d.logger.Error("dropping undecodable delivery",
			zap.String("delivery_id", entry.ID),
			zap.Error(err))
		return DispatchReport{}, d.ack(ctx, entry.ID)
	}
	return d.Dispatch(ctx, Delivery{Saga: saga, ID: entry.ID})
}

// Dispatch runs every handler matching delivery concurrently, each with its
// own copy of the event. Handler failures become ROLLBACK publications or,
// for ROLLBACK handlers, dead letters; they are never returned. The returned
// error reports infrastructure faults, in which case the delivery is left
// unacknowledged for redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) (DispatchReport, error) {
	saga := delivery.Saga
	ctx = WithSagaID(ctx, saga.ID)
	base := &SagaEvent{Saga: saga, DeliveryID: delivery.ID, codec: d.codec}

	type invocation struct {
		h       *handler
		event   *SagaEvent
		payload any
	}
	var matched []invocation
	for _, h := range d.registry.handlersFor(saga.State) {
		event := base.clone()
		if payload, ok := h.match(event); ok {
			matched = append(matched, invocation{h: h, event: event, payload: payload})
		}
	}

	report := DispatchReport{Matched: len(matched)}
	outcomes := make([]outcome, len(matched))
	var g errgroup.Group
	for i, inv := range matched {
		g.Go(func() error {
			o, err := d.invoke(ctx, delivery, inv.h, inv.event, inv.payload)
			outcomes[i] = o
			return err
		})
	}
	infraErr := g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeSuccess:
			report.Succeeded++
		case outcomeRollback:
			report.RolledBack++
		case outcomeExempt:
			report.Exempted++
		case outcomeDeadLetter:
			report.DeadLettered++
		case outcomeFailed:
			report.Failed++
		}
	}

	if infraErr != nil {
		d.logger.Warn("delivery left pending",
			zap.String("saga_id", saga.ID),
			zap.String("delivery_id", delivery.ID),
			zap.Error(infraErr))
		return report, opError("dispatch", saga.ID, infraErr)
	}
	if len(matched) == 0 {
		d.logger.Debug("no handler matched",
			zap.String("saga_id", saga.ID),
			zap.Stringer("state", saga.State))
	}
	if delivery.relayed() || delivery.ID == "" {
		return report, nil
	}
	return report, d.ack(ctx, delivery.ID)
}

// invoke runs one handler and applies the failure ladder. A non-nil error
// is an infrastructure fault.
func (d *Dispatcher) invoke(ctx context.Context, delivery Delivery, h *handler, event *SagaEvent, payload any) (outcome, error) {
	saga := delivery.Saga
	logger := d.logger.With(
		zap.String("saga_id", saga.ID),
		zap.Stringer("state", saga.State),
		zap.String("handler", h.name))

	started := time.Now()
	result, err := h.call(ctx, event, payload)
	var value any
	var hasValue bool
	if err == nil {
		value, hasValue, err = result.resolve(ctx)
	}
	d.metrics.handlerDuration.WithLabelValues(saga.State.String()).Observe(time.Since(started).Seconds())

	o, infraErr := d.settle(ctx, delivery, h, event, value, hasValue, err, logger)
	d.metrics.dispatched.WithLabelValues(saga.State.String(), o.String()).Inc()
	return o, infraErr
}

func (d *Dispatcher) settle(ctx context.Context, delivery Delivery, h *handler, event *SagaEvent, value any, hasValue bool, err error, logger *zap.Logger) (outcome, error) {
	saga := delivery.Saga

	if err == nil {
		next, ok := h.next.state()
		if !ok {
			return outcomeSuccess, nil
		}
		if v, set := event.NextEvent(); set {
			value, hasValue = v, true
		}
		if !hasValue {
			value = nil
		}
		var perr error
		if next == StateCommit {
			_, perr = d.manager.Commit(ctx, saga.ID, value)
		} else {
			_, perr = d.manager.Join(ctx, saga.ID, value)
		}
		if errors.Is(perr, ErrAlreadyCommitted) {
			logger.Warn("saga committed before handler advanced it", zap.Error(perr))
			return outcomeSuccess, nil
		}
		return outcomeSuccess, perr
	}

	if IsRetryable(err) {
		return outcomeFailed, err
	}

	if saga.State == StateRollback {
		if delivery.relayed() {
			logger.Warn("relayed compensation failed again",
				zap.String("dead_letter_id", delivery.DeadLetterID),
				zap.Error(err))
			return outcomeFailed, nil
		}
		logger.Error("compensation failed", zap.Error(err))
		if _, dlErr := d.deadLetters.Add(ctx, saga); dlErr != nil {
			return outcomeDeadLetter, dlErr
		}
		return outcomeDeadLetter, nil
	}

	if h.exempt(err) {
		logger.Info("handler failed without rollback", zap.Error(err))
		return outcomeExempt, nil
	}

	logger.Info("handler failed, rolling back", zap.Error(err))
	var next any = RawPayload(saga.Payload)
	if v, set := event.NextEvent(); set {
		next = v
	}
	if _, rbErr := d.manager.Rollback(ctx, saga.ID, err.Error(), next); rbErr != nil {
		return outcomeRollback, rbErr
	}
	return outcomeRollback, nil
}

// ack acknowledges id, retrying transient failures.
func (d *Dispatcher) ack(ctx context.Context, id string) error {
	err := retry.Do(
		func() error {
			return d.log.Ack(ctx, d.keys.lifecycle(), d.group, id)
		},
		retry.Context(ctx),
		retry.Attempts(d.ackAttempts),
		retry.Delay(d.ackBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		d.logger.Error("acknowledge failed",
			zap.String("delivery_id", id),
			zap.Error(err))
		return &SagaError{Op: "ack", Err: fmt.Errorf("%w: %s: %w", ErrAckFailure, id, err)}
	}
	return nil
}
