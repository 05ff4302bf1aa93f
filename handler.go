package sagastream

import (
	"context"
	"errors"

	"github.com/fortressi/sagastream/codec"
)

type resultKind int

const (
	resultNone resultKind = iota
	resultValue
	resultPending
)

// HandlerResult is what a handler hands back on success: a value, a value
// that is still being computed, or nothing.
type HandlerResult struct {
	kind    resultKind
	value   any
	pending func(ctx context.Context) (any, error)
}

// Value returns a result carrying v.
func Value(v any) HandlerResult {
	return HandlerResult{kind: resultValue, value: v}
}

// Pending returns a result whose value is produced by f. The dispatcher
// waits for f before deciding the next state.
func Pending[T any](f *Future[T]) HandlerResult {
	return HandlerResult{kind: resultPending, pending: func(ctx context.Context) (any, error) {
		return f.Await(ctx)
	}}
}

// None returns an empty result.
func None() HandlerResult {
	return HandlerResult{}
}

// resolve waits for a pending result and reports whether a value exists.
func (r HandlerResult) resolve(ctx context.Context) (any, bool, error) {
	switch r.kind {
	case resultValue:
		return r.value, true, nil
	case resultPending:
		v, err := r.pending(ctx)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	default:
		return nil, false, nil
	}
}

// HandlerFunc handles one delivered saga event.
type HandlerFunc func(ctx context.Context, event *SagaEvent) (HandlerResult, error)

// TypedHandlerFunc handles a saga event whose payload decoded into T.
type TypedHandlerFunc[T any] func(ctx context.Context, event *SagaEvent, payload T) (HandlerResult, error)

// SagaEvent is the view of a delivered saga given to one handler. Each
// handler gets its own copy.
type SagaEvent struct {
	Saga       Saga
	DeliveryID string

	codec   codec.Codec
	next    any
	hasNext bool
}

// Decode decodes the saga payload into target.
func (e *SagaEvent) Decode(target any) error {
	return e.codec.Decode(e.Saga.Payload, target)
}

// SetNextEvent sets the payload published with the follow-on state, or with
// the ROLLBACK when the handler fails.
func (e *SagaEvent) SetNextEvent(v any) {
	e.next = v
	e.hasNext = true
}

// NextEvent returns the payload set with SetNextEvent.
func (e *SagaEvent) NextEvent() (any, bool) {
	return e.next, e.hasNext
}

// Payload decodes the payload of e into T.
func Payload[T any](e *SagaEvent) (T, error) {
	var out T
	err := e.Decode(&out)
	return out, err
}

func (e *SagaEvent) clone() *SagaEvent {
	return &SagaEvent{Saga: e.Saga, DeliveryID: e.DeliveryID, codec: e.codec}
}

// NextState selects what a handler publishes after it succeeds. Handlers
// registered without WithNext never publish on success.
type NextState int

const (
	nextUnset NextState = iota
	// NextJoin publishes JOIN.
	NextJoin
	// NextCommit publishes COMMIT.
	NextCommit
	// NextEnd publishes nothing; the saga ends here.
	NextEnd
)

func (n NextState) state() (SagaState, bool) {
	switch n {
	case NextJoin:
		return StateJoin, true
	case NextCommit:
		return StateCommit, true
	default:
		return "", false
	}
}

type retryableError struct {
	error
}

func (e *retryableError) Unwrap() error {
	return e.error
}

// Retryable marks err as transient. A handler returning it leaves the
// delivery unacknowledged so it is redelivered, instead of rolling back.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
