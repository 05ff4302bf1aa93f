package sagastream

import (
	"errors"
	"fmt"

	"github.com/fortressi/sagastream/codec"
)

var (
	// ErrNotFound is returned when an operation references a saga, request
	// or dead letter with no record.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyCommitted is returned by Join once the saga has committed.
	ErrAlreadyCommitted = errors.New("saga already committed")
	// ErrResultTimeout is returned when a caller's wait for a saga result
	// exceeds its deadline. The saga itself keeps running.
	ErrResultTimeout = errors.New("saga result timeout")
	// ErrInvalidTimeout is returned when a result wait is given a timeout
	// that is not positive.
	ErrInvalidTimeout = errors.New("result timeout must be positive")
	// ErrAckFailure is returned when acknowledging a handled delivery keeps
	// failing. The delivery stays pending and is redelivered.
	ErrAckFailure = errors.New("acknowledge failed")
	// ErrDeadLetter marks a compensation failure that was parked in the dead
	// letter stream.
	ErrDeadLetter = errors.New("compensation failed, saga dead-lettered")
	// ErrNoValue is returned by the blocking manager calls when the
	// asynchronous call finished without producing a saga id.
	ErrNoValue = errors.New("asynchronous call produced no value")
	// ErrRegistryFrozen is returned when registering handlers after the
	// engine has started.
	ErrRegistryFrozen = errors.New("handler registry is frozen")
	// ErrInvalidChain is returned for malformed orchestration chains.
	ErrInvalidChain = errors.New("invalid orchestration chain")
	// ErrShutdownTimeout is returned when in-flight work did not drain in
	// time.
	ErrShutdownTimeout = errors.New("shutdown timed out")

	ErrEncode = codec.ErrEncode
	ErrDecode = codec.ErrDecode
)

// SagaError describes a failed engine operation on one saga.
type SagaError struct {
	Op     string
	SagaID string
	Err    error
}

func (e *SagaError) Error() string {
	if e.SagaID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.SagaID, e.Err)
}

func (e *SagaError) Unwrap() error {
	return e.Err
}

func opError(op, sagaID string, err error) error {
	if err == nil {
		return nil
	}
	return &SagaError{Op: op, SagaID: sagaID, Err: err}
}

// SagaFailedError is returned to a caller awaiting a saga whose
// orchestration failed. It carries the type tag, message and encoded value
// of the original step error.
type SagaFailedError struct {
	SagaID  string
	Type    string
	Message string

	payload string
	codec   codec.Codec
}

func (e *SagaFailedError) Error() string {
	return fmt.Sprintf("saga %s failed: %s: %s", e.SagaID, e.Type, e.Message)
}

// Is reports whether target is a *SagaFailedError with the same type tag.
func (e *SagaFailedError) Is(target error) bool {
	t, ok := target.(*SagaFailedError)
	return ok && (t.Type == "" || t.Type == e.Type)
}

// DecodeFailure extracts the original step error of type E from a saga
// failure. E must be the concrete type the step returned.
func DecodeFailure[E any](err error) (E, error) {
	var zero E
	var failed *SagaFailedError
	if !errors.As(err, &failed) {
		return zero, fmt.Errorf("not a saga failure: %w", err)
	}
	if want := typeName(zero); failed.Type != want {
		return zero, fmt.Errorf("saga failure is %s, not %s", failed.Type, want)
	}
	if failed.payload == "" || failed.codec == nil {
		return zero, fmt.Errorf("saga failure %s carries no value: %w", failed.Type, ErrNoValue)
	}
	var out E
	if err := failed.codec.Decode(failed.payload, &out); err != nil {
		return zero, err
	}
	return out, nil
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
