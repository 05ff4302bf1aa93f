package sagastream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fortressi/sagastream/codec"
)

// handler is one registration record.
type handler struct {
	name       string
	state      SagaState
	next       NextState
	noRollback []func(error) bool
	// match decodes the payload for this handler and reports whether the
	// handler applies to the event.
	match func(e *SagaEvent) (any, bool)
	call  func(ctx context.Context, e *SagaEvent, payload any) (HandlerResult, error)
}

func (h *handler) advancing() bool {
	return h.next != nextUnset
}

// exempt reports whether err must not trigger a rollback.
func (h *handler) exempt(err error) bool {
	for _, match := range h.noRollback {
		if match(err) {
			return true
		}
	}
	return false
}

// HandlerOption configures a handler registration.
type HandlerOption func(*handler)

// WithNext makes the handler advance the saga to next when it succeeds.
func WithNext(next NextState) HandlerOption {
	return func(h *handler) {
		h.next = next
	}
}

// WithNoRollbackFor exempts errors matching any of errs (errors.Is) from
// triggering a rollback.
func WithNoRollbackFor(errs ...error) HandlerOption {
	return func(h *handler) {
		for _, target := range errs {
			h.noRollback = append(h.noRollback, func(err error) bool {
				return errors.Is(err, target)
			})
		}
	}
}

// NoRollbackForType exempts errors of type E (errors.As) from triggering a
// rollback.
func NoRollbackForType[E error]() HandlerOption {
	return func(h *handler) {
		h.noRollback = append(h.noRollback, func(err error) bool {
			var target E
			return errors.As(err, &target)
		})
	}
}

// WithName names the handler in logs and metrics.
func WithName(name string) HandlerOption {
	return func(h *handler) {
		h.name = name
	}
}

// Registry maps saga states to the handlers run when a saga in that state is
// delivered. Handlers are registered before the engine starts; the registry
// is read-only afterwards.
type Registry struct {
	handlers *xsync.MapOf[SagaState, []*handler]
	frozen   atomic.Pointer[map[SagaState][]*handler]
	codec    codec.Codec
}

// NewRegistry creates an empty registry decoding payloads with c.
func NewRegistry(c codec.Codec) *Registry {
	return &Registry{
		handlers: xsync.NewMapOf[SagaState, []*handler](),
		codec:    c,
	}
}

// Handle registers fn for every saga delivered in state, whatever its
// payload, including sagas without one.
func (r *Registry) Handle(state SagaState, fn HandlerFunc, opts ...HandlerOption) error {
	h := &handler{
		state: state,
		match: func(*SagaEvent) (any, bool) { return nil, true },
		call: func(ctx context.Context, e *SagaEvent, _ any) (HandlerResult, error) {
			return fn(ctx, e)
		},
	}
	return r.register(h, opts)
}

// HandleTyped registers fn for sagas delivered in state whose payload
// decodes into T. A payload that does not decode is not a match. When T is
// any the handler matches every saga.
func HandleTyped[T any](r *Registry, state SagaState, fn TypedHandlerFunc[T], opts ...HandlerOption) error {
	return handleFiltered(r, state, fn, nil, opts...)
}

// handleFiltered is HandleTyped with an extra predicate on the decoded
// payload.
func handleFiltered[T any](r *Registry, state SagaState, fn TypedHandlerFunc[T], filter func(T) bool, opts ...HandlerOption) error {
	var zero T
	_, universal := any(&zero).(*any)

	h := &handler{
		state: state,
		match: func(e *SagaEvent) (any, bool) {
			var payload T
			if !e.Saga.HasPayload() {
				return payload, universal
			}
			if err := e.Decode(&payload); err != nil {
				return nil, universal
			}
			if filter != nil && !filter(payload) {
				return nil, false
			}
			return payload, true
		},
		call: func(ctx context.Context, e *SagaEvent, payload any) (HandlerResult, error) {
			typed, _ := payload.(T)
			return fn(ctx, e, typed)
		},
	}
	if !universal {
		h.name = fmt.Sprintf("%s(%s)", state, typeName(zero))
	}
	return r.register(h, opts)
}

func (r *Registry) register(h *handler, opts []HandlerOption) error {
	if r.frozen.Load() != nil {
		return ErrRegistryFrozen
	}
	if !h.state.Valid() {
		return fmt.Errorf("register handler: unknown state %q", h.state)
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.next != nextUnset && h.state == StateRollback {
		return fmt.Errorf("register handler %s: ROLLBACK handlers cannot advance the saga", h.name)
	}
	r.handlers.Compute(h.state, func(old []*handler, _ bool) ([]*handler, bool) {
		if h.name == "" {
			h.name = fmt.Sprintf("%s#%d", h.state, len(old))
		}
		return append(old, h), false
	})
	return nil
}

// freeze snapshots the registrations. Later registrations fail.
func (r *Registry) freeze() {
	snapshot := make(map[SagaState][]*handler)
	r.handlers.Range(func(state SagaState, hs []*handler) bool {
		snapshot[state] = hs
		return true
	})
	r.frozen.CompareAndSwap(nil, &snapshot)
}

// handlersFor returns the handlers registered for state.
func (r *Registry) handlersFor(state SagaState) []*handler {
	if snapshot := r.frozen.Load(); snapshot != nil {
		return (*snapshot)[state]
	}
	hs, _ := r.handlers.Load(state)
	return hs
}

// Len returns the number of handlers registered for state.
func (r *Registry) Len(state SagaState) int {
	return len(r.handlersFor(state))
}
