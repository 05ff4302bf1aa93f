package sagastream

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/fortressi/sagastream/codec"
)

// OrchestrateContext is a string-keyed bag of encoded values carried from
// step to step of one orchestrated saga.
type OrchestrateContext struct {
	values map[string]string
	codec  codec.Codec
}

func newOrchestrateContext(c codec.Codec, values map[string]string) *OrchestrateContext {
	return &OrchestrateContext{values: maps.Clone(values), codec: c}
}

// Set stores v under key, replacing any previous value.
func (oc *OrchestrateContext) Set(key string, v any) error {
	data, err := oc.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("set context %q: %w", key, err)
	}
	if oc.values == nil {
		oc.values = make(map[string]string)
	}
	oc.values[key] = data
	return nil
}

// Decode decodes the value under key into target.
func (oc *OrchestrateContext) Decode(key string, target any) error {
	data, ok := oc.values[key]
	if !ok {
		return fmt.Errorf("context %q: %w", key, ErrNotFound)
	}
	return oc.codec.Decode(data, target)
}

// Has reports whether key is set.
func (oc *OrchestrateContext) Has(key string) bool {
	_, ok := oc.values[key]
	return ok
}

// Keys returns the keys in sorted order.
func (oc *OrchestrateContext) Keys() []string {
	return slices.Sorted(maps.Keys(oc.values))
}

// ContextValue decodes the value under key of oc into T.
func ContextValue[T any](oc *OrchestrateContext, key string) (T, error) {
	var out T
	err := oc.Decode(key, &out)
	return out, err
}

// OrchestrateEvent is the payload of every saga published by an
// orchestrator. Each step publishes a new event for the next sequence.
type OrchestrateEvent struct {
	OrchestratorID string `json:"orchestrator_id" msgpack:"orchestrator_id"`
	// Sequence addresses the step that handles the event. On ROLLBACK it is
	// the step to compensate, or -1 when nothing is left to compensate.
	Sequence    int               `json:"sequence" msgpack:"sequence"`
	ClientEvent string            `json:"client_event,omitempty" msgpack:"client_event,omitempty"`
	Context     map[string]string `json:"context,omitempty" msgpack:"context,omitempty"`
	// Failure is the step error that started the compensation.
	Failure *Failure `json:"failure,omitempty" msgpack:"failure,omitempty"`
}

// StepFunc is the forward action of a step.
type StepFunc[A, B any] func(ctx context.Context, oc *OrchestrateContext, in A) (B, error)

// RollbackFunc compensates a step that completed. It receives the input the
// step ran with.
type RollbackFunc[A any] func(ctx context.Context, oc *OrchestrateContext, in A) error

// Func adapts a function that needs neither context to a StepFunc.
func Func[A, B any](fn func(A) (B, error)) StepFunc[A, B] {
	return func(_ context.Context, _ *OrchestrateContext, in A) (B, error) {
		return fn(in)
	}
}

// Undo adapts a function that needs neither context to a RollbackFunc.
func Undo[A any](fn func(A) error) RollbackFunc[A] {
	return func(_ context.Context, _ *OrchestrateContext, in A) error {
		return fn(in)
	}
}

// Step is one stage of an orchestration chain. Steps are created with
// NewStep or NewCompensableStep.
type Step interface {
	Name() string
	Compensable() bool

	run(ctx context.Context, oc *OrchestrateContext, c codec.Codec, in string) (string, error)
	compensate(ctx context.Context, oc *OrchestrateContext, c codec.Codec, in string) error
	exempt(err error) bool
}

// TypedStep is a Step taking A and producing B.
type TypedStep[A, B any] struct {
	name       string
	do         StepFunc[A, B]
	undo       RollbackFunc[A]
	noRollback []error
}

// NewStep returns a step without compensation.
func NewStep[A, B any](name string, fn StepFunc[A, B]) *TypedStep[A, B] {
	return &TypedStep[A, B]{name: name, do: fn}
}

// NewCompensableStep returns a step whose input is persisted so undo can
// run if a later step fails.
func NewCompensableStep[A, B any](name string, fn StepFunc[A, B], undo RollbackFunc[A]) *TypedStep[A, B] {
	return &TypedStep[A, B]{name: name, do: fn, undo: undo}
}

// NoRollbackFor makes errors matching errs (errors.Is) fail the saga
// without compensating earlier steps.
func (s *TypedStep[A, B]) NoRollbackFor(errs ...error) *TypedStep[A, B] {
	s.noRollback = append(s.noRollback, errs...)
	return s
}

// Name implements Step.
func (s *TypedStep[A, B]) Name() string {
	return s.name
}

// Compensable implements Step.
func (s *TypedStep[A, B]) Compensable() bool {
	return s.undo != nil
}

func (s *TypedStep[A, B]) run(ctx context.Context, oc *OrchestrateContext, c codec.Codec, in string) (string, error) {
	var input A
	if err := c.Decode(in, &input); err != nil {
		return "", fmt.Errorf("step %s input: %w", s.name, err)
	}
	out, err := s.do(ctx, oc, input)
	if err != nil {
		return "", err
	}
	data, err := c.Encode(out)
	if err != nil {
		return "", fmt.Errorf("step %s output: %w", s.name, err)
	}
	return data, nil
}

func (s *TypedStep[A, B]) compensate(ctx context.Context, oc *OrchestrateContext, c codec.Codec, in string) error {
	if s.undo == nil {
		return nil
	}
	var input A
	if err := c.Decode(in, &input); err != nil {
		return fmt.Errorf("step %s input: %w", s.name, err)
	}
	return s.undo(ctx, oc, input)
}

func (s *TypedStep[A, B]) exempt(err error) bool {
	for _, target := range s.noRollback {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
