package sagastream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fortressi/sagastream/dag"
	"github.com/fortressi/sagastream/set"
)

// OrchestratorBuilder declares the steps of an orchestrator: one Start
// step, any number of Join steps and one Commit step, in that order.
type OrchestratorBuilder[T, R any] struct {
	engine *Engine
	id     string
	steps  []Step
	names  set.Set[string]
	err    error
}

// NewOrchestrator starts declaring the orchestrator id, which takes T and
// produces R.
func NewOrchestrator[T, R any](engine *Engine, id string) *OrchestratorBuilder[T, R] {
	b := &OrchestratorBuilder[T, R]{engine: engine, id: id}
	if id == "" {
		b.err = fmt.Errorf("%w: orchestrator id is required", ErrInvalidChain)
	}
	return b
}

// Start declares the first step.
func (b *OrchestratorBuilder[T, R]) Start(step Step) *OrchestratorBuilder[T, R] {
	if b.err == nil && len(b.steps) > 0 {
		b.err = fmt.Errorf("%w: %s: start must be the first step", ErrInvalidChain, b.id)
	}
	return b.add(step)
}

// Join declares an intermediate step.
func (b *OrchestratorBuilder[T, R]) Join(step Step) *OrchestratorBuilder[T, R] {
	if b.err == nil && len(b.steps) == 0 {
		b.err = fmt.Errorf("%w: %s: join before start", ErrInvalidChain, b.id)
	}
	return b.add(step)
}

// Commit declares the last step and registers the orchestrator with the
// engine. If an orchestrator with the same id is already registered it is
// returned instead.
func (b *OrchestratorBuilder[T, R]) Commit(step Step) (*Orchestrator[T, R], error) {
	if b.err == nil && len(b.steps) == 0 {
		b.err = fmt.Errorf("%w: %s: commit before start", ErrInvalidChain, b.id)
	}
	b.add(step)
	if b.err != nil {
		return nil, b.err
	}

	var existing any
	var buildErr error
	b.engine.orchestrators.Compute(b.id, func(old any, loaded bool) (any, bool) {
		if loaded {
			existing = old
			return old, false
		}
		o, err := b.build()
		if err != nil {
			buildErr = err
			return nil, true
		}
		existing = o
		return o, false
	})
	if buildErr != nil {
		return nil, buildErr
	}
	o, ok := existing.(*Orchestrator[T, R])
	if !ok {
		return nil, fmt.Errorf("%w: orchestrator %s already registered as %T", ErrInvalidChain, b.id, existing)
	}
	return o, nil
}

func (b *OrchestratorBuilder[T, R]) add(step Step) *OrchestratorBuilder[T, R] {
	if b.err != nil {
		return b
	}
	if step == nil {
		b.err = fmt.Errorf("%w: %s: nil step", ErrInvalidChain, b.id)
		return b
	}
	if !b.names.InsertNew(step.Name()) {
		b.err = fmt.Errorf("%w: %s: duplicate step name %q", ErrInvalidChain, b.id, step.Name())
		return b
	}
	b.steps = append(b.steps, step)
	return b
}

func (b *OrchestratorBuilder[T, R]) build() (*Orchestrator[T, R], error) {
	chain := dag.New(b.id)
	for _, s := range b.steps {
		chain.Append(s.Name(), s.Compensable())
	}
	if err := chain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidChain, err)
	}

	o := &Orchestrator[T, R]{
		id:      b.id,
		engine:  b.engine,
		steps:   b.steps,
		chain:   chain,
		targets: chain.CompensationTargets(),
		logger:  b.engine.logger.With(zap.String("orchestrator", b.id)),
	}
	if err := o.register(); err != nil {
		return nil, err
	}
	return o, nil
}

// Orchestrator runs a declared chain of steps as a saga and compensates the
// completed steps in reverse order when one fails.
type Orchestrator[T, R any] struct {
	id      string
	engine  *Engine
	steps   []Step
	chain   *dag.Chain
	targets []int
	logger  *zap.Logger
}

// ID returns the orchestrator id.
func (o *Orchestrator[T, R]) ID() string {
	return o.id
}

// Dot renders the chain in Graphviz DOT format. Compensable steps are drawn
// with a double border.
func (o *Orchestrator[T, R]) Dot() (string, error) {
	return o.chain.ExportToDot()
}

func (o *Orchestrator[T, R]) stateFor(sequence int) SagaState {
	switch {
	case o.chain.IsFirst(sequence):
		return StateStart
	case o.chain.IsLast(sequence):
		return StateCommit
	default:
		return StateJoin
	}
}

func (o *Orchestrator[T, R]) matcher(sequence int) func(OrchestrateEvent) bool {
	return func(ev OrchestrateEvent) bool {
		return ev.OrchestratorID == o.id && ev.Sequence == sequence
	}
}

// register compiles every step into a forward handler and every
// compensable step into a ROLLBACK handler.
func (o *Orchestrator[T, R]) register() error {
	registry := o.engine.registry
	for i, step := range o.steps {
		next := NextEnd
		switch {
		case o.chain.IsLast(i + 1):
			next = NextCommit
		case i+1 < len(o.steps):
			next = NextJoin
		}
		err := handleFiltered(registry, o.stateFor(i), o.forward(i, step), o.matcher(i),
			WithName(fmt.Sprintf("%s/%d:%s", o.id, i, step.Name())),
			WithNext(next),
			withExemption(step.exempt))
		if err != nil {
			return err
		}

		if !step.Compensable() {
			continue
		}
		err = handleFiltered(registry, StateRollback, o.backward(i, step), o.matcher(i),
			WithName(fmt.Sprintf("%s/%d:%s:rollback", o.id, i, step.Name())))
		if err != nil {
			return err
		}
	}
	return nil
}

func withExemption(exempt func(error) bool) HandlerOption {
	return func(h *handler) {
		h.noRollback = append(h.noRollback, exempt)
	}
}

// forward runs step i. On success it hands the dispatcher the event for
// step i+1; the last step publishes the saga result instead. On failure it
// selects the ROLLBACK payload addressing the nearest earlier compensable
// step and returns the error, which the dispatcher turns into a ROLLBACK
// unless the step exempts it.
func (o *Orchestrator[T, R]) forward(i int, step Step) TypedHandlerFunc[OrchestrateEvent] {
	results := o.engine.results
	c := o.engine.codec
	return func(ctx context.Context, event *SagaEvent, ev OrchestrateEvent) (HandlerResult, error) {
		sagaID := event.Saga.ID
		if step.Compensable() {
			if err := results.SetRequest(ctx, sagaID, i, ev); err != nil {
				return None(), Retryable(err)
			}
		}

		oc := newOrchestrateContext(c, ev.Context)
		out, err := step.run(ctx, oc, c, ev.ClientEvent)
		if err != nil {
			return None(), o.fail(ctx, event, i, step, oc, err)
		}

		if o.chain.IsLast(i) {
			if err := results.SetSuccessResult(ctx, sagaID, RawPayload(out)); err != nil {
				return None(), Retryable(err)
			}
			o.logger.Debug("orchestration committed", zap.String("saga_id", sagaID))
			return None(), nil
		}
		return Value(OrchestrateEvent{
			OrchestratorID: o.id,
			Sequence:       i + 1,
			ClientEvent:    out,
			Context:        oc.values,
		}), nil
	}
}

func (o *Orchestrator[T, R]) fail(ctx context.Context, event *SagaEvent, i int, step Step, oc *OrchestrateContext, err error) error {
	sagaID := event.Saga.ID
	failure := newFailure(o.engine.codec, err)
	target := o.targets[i]
	exempt := step.exempt(err)

	o.logger.Info("orchestration step failed",
		zap.String("saga_id", sagaID),
		zap.String("step", step.Name()),
		zap.Int("compensate", target),
		zap.Bool("exempt", exempt),
		zap.Error(err))

	if exempt || target == dag.NoStep || o.engine.cfg.EarlyFailureResult {
		if pushErr := o.engine.results.SetFailResult(ctx, sagaID, failure); pushErr != nil {
			return Retryable(pushErr)
		}
	}
	if !exempt {
		event.SetNextEvent(OrchestrateEvent{
			OrchestratorID: o.id,
			Sequence:       target,
			Context:        oc.values,
			Failure:        failure,
		})
	}
	return err
}

// backward compensates step i with the input it ran with, then addresses
// the next earlier compensable step or, at the end of the walk, publishes
// the failure result. A failing compensation publishes the failure result
// and is dead-lettered by the dispatcher.
func (o *Orchestrator[T, R]) backward(i int, step Step) TypedHandlerFunc[OrchestrateEvent] {
	results := o.engine.results
	c := o.engine.codec
	return func(ctx context.Context, event *SagaEvent, ev OrchestrateEvent) (HandlerResult, error) {
		sagaID := event.Saga.ID
		failure := ev.Failure
		if failure == nil {
			failure = &Failure{Type: "unknown", Message: event.Saga.Cause}
		}

		var input OrchestrateEvent
		if err := results.GetRequest(ctx, sagaID, i, &input); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return None(), Retryable(err)
			}
			o.publishFailure(ctx, sagaID, failure)
			return None(), fmt.Errorf("compensate %s: %w", step.Name(), err)
		}

		oc := newOrchestrateContext(c, ev.Context)
		if err := step.compensate(ctx, oc, c, input.ClientEvent); err != nil {
			o.publishFailure(ctx, sagaID, failure)
			return None(), fmt.Errorf("compensate %s: %w", step.Name(), err)
		}
		o.logger.Debug("step compensated",
			zap.String("saga_id", sagaID),
			zap.String("step", step.Name()))

		target := o.targets[i]
		if target == dag.NoStep {
			if err := results.SetFailResult(ctx, sagaID, failure); err != nil {
				return None(), Retryable(err)
			}
			return None(), nil
		}
		next := OrchestrateEvent{
			OrchestratorID: o.id,
			Sequence:       target,
			Context:        oc.values,
			Failure:        failure,
		}
		if _, err := o.engine.manager.Rollback(ctx, sagaID, failure.Message, next); err != nil {
			return None(), Retryable(err)
		}
		return None(), nil
	}
}

// publishFailure pushes the failure result of a compensation that cannot
// continue. The compensation error is what gets dead-lettered, so a push
// error is only logged.
func (o *Orchestrator[T, R]) publishFailure(ctx context.Context, sagaID string, failure *Failure) {
	if err := o.engine.results.SetFailResult(ctx, sagaID, failure); err != nil {
		o.logger.Warn("failed to publish failure result",
			zap.String("saga_id", sagaID),
			zap.Error(err))
	}
}

// RunOption configures one Run.
type RunOption func(*runOptions)

type runOptions struct {
	timeout time.Duration
	values  map[string]any
}

// WithTimeout bounds how long Run waits for the result. The saga keeps
// running after the wait times out. Run rejects a timeout that is not
// positive with ErrInvalidTimeout before starting the saga.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		o.timeout = d
	}
}

// WithContextValue seeds the orchestration context with v under key.
func WithContextValue(key string, v any) RunOption {
	return func(o *runOptions) {
		if o.values == nil {
			o.values = make(map[string]any)
		}
		o.values[key] = v
	}
}

// Run starts a saga with input and waits for its result. A failed saga
// returns a *SagaFailedError carrying the original step error.
func (o *Orchestrator[T, R]) Run(ctx context.Context, input T, opts ...RunOption) (R, error) {
	var zero R
	sagaID, timeout, err := o.start(ctx, input, opts)
	if err != nil {
		return zero, err
	}
	result, err := o.engine.results.GetResult(ctx, timeout, sagaID)
	if err != nil {
		return zero, err
	}
	return DecodeResult[R](result)
}

// RunAsync is the asynchronous form of Run.
func (o *Orchestrator[T, R]) RunAsync(ctx context.Context, input T, opts ...RunOption) *Future[R] {
	return Go(ctx, func(ctx context.Context) (R, error) {
		return o.Run(ctx, input, opts...)
	})
}

func (o *Orchestrator[T, R]) start(ctx context.Context, input T, opts []RunOption) (string, time.Duration, error) {
	options := runOptions{timeout: o.engine.cfg.ResultTimeout}
	for _, opt := range opts {
		opt(&options)
	}
	if options.timeout <= 0 {
		return "", 0, opError("run", "", ErrInvalidTimeout)
	}

	c := o.engine.codec
	oc := newOrchestrateContext(c, nil)
	for key, v := range options.values {
		if err := oc.Set(key, v); err != nil {
			return "", 0, opError("run", "", err)
		}
	}
	in, err := c.Encode(input)
	if err != nil {
		return "", 0, opError("run", "", err)
	}

	sagaID, err := o.engine.manager.Start(ctx, OrchestrateEvent{
		OrchestratorID: o.id,
		Sequence:       0,
		ClientEvent:    in,
		Context:        oc.values,
	})
	if err != nil {
		return "", 0, err
	}
	return sagaID, options.timeout, nil
}
