package sagastream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fortressi/sagastream/codec"
)

// Failure describes a step error in a form that survives the event log.
type Failure struct {
	// Type is the Go type of the original error, e.g. "*orders.OutOfStock".
	Type    string `json:"type" msgpack:"type"`
	Message string `json:"message" msgpack:"message"`
	// Payload is the codec-encoded error value, empty when it could not be
	// encoded.
	Payload string `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// newFailure captures err, encoding its value with c when possible.
func newFailure(c codec.Codec, err error) *Failure {
	f := &Failure{Type: typeName(err), Message: err.Error()}
	if payload, encErr := c.Encode(err); encErr == nil {
		f.Payload = payload
	}
	return f
}

// Result is the terminal outcome of a saga.
type Result struct {
	SagaID  string   `json:"saga_id" msgpack:"saga_id"`
	Success bool     `json:"success" msgpack:"success"`
	Value   string   `json:"value,omitempty" msgpack:"value,omitempty"`
	Failure *Failure `json:"failure,omitempty" msgpack:"failure,omitempty"`

	codec codec.Codec
}

// Err returns nil for a successful result and a *SagaFailedError otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	f := r.Failure
	if f == nil {
		f = &Failure{Type: "unknown", Message: "saga failed"}
	}
	return &SagaFailedError{
		SagaID:  r.SagaID,
		Type:    f.Type,
		Message: f.Message,
		payload: f.Payload,
		codec:   r.codec,
	}
}

// DecodeResult decodes the success value of r into T, or returns the saga
// failure.
func DecodeResult[T any](r Result) (T, error) {
	var out T
	if err := r.Err(); err != nil {
		return out, err
	}
	if r.Value == "" {
		return out, fmt.Errorf("saga %s: %w", r.SagaID, ErrNoValue)
	}
	if err := r.codec.Decode(r.Value, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ResultHolder persists step inputs for compensation and hands the terminal
// outcome of a saga to the caller waiting for it.
type ResultHolder struct {
	requests RequestStore
	results  ResultQueue
	codec    codec.Codec
	keys     keys
	ttl      time.Duration
	logger   *zap.Logger
}

func newResultHolder(requests RequestStore, results ResultQueue, c codec.Codec, k keys, ttl time.Duration, logger *zap.Logger) *ResultHolder {
	return &ResultHolder{
		requests: requests,
		results:  results,
		codec:    c,
		keys:     k,
		ttl:      ttl,
		logger:   logger,
	}
}

func requestKey(sagaID string, sequence int) string {
	return fmt.Sprintf("%s:%d", sagaID, sequence)
}

// SetRequest stores the input of step sequence of saga sagaID.
func (h *ResultHolder) SetRequest(ctx context.Context, sagaID string, sequence int, value any) error {
	data, err := h.codec.Encode(value)
	if err != nil {
		return opError("set request", sagaID, err)
	}
	if err := h.requests.Set(ctx, h.keys.request(sagaID, sequence), data, h.ttl); err != nil {
		return opError("set request", sagaID, err)
	}
	return nil
}

// GetRequest decodes the stored input of step sequence into target.
func (h *ResultHolder) GetRequest(ctx context.Context, sagaID string, sequence int, target any) error {
	data, err := h.requests.Get(ctx, h.keys.request(sagaID, sequence))
	if err != nil {
		return opError("get request", sagaID, err)
	}
	if err := h.codec.Decode(data, target); err != nil {
		return opError("get request", sagaID, err)
	}
	return nil
}

// DeleteRequest removes the stored input of step sequence.
func (h *ResultHolder) DeleteRequest(ctx context.Context, sagaID string, sequence int) error {
	return opError("delete request", sagaID, h.requests.Delete(ctx, h.keys.request(sagaID, sequence)))
}

// SetSuccessResult publishes the success value of a saga. Only the first
// result published for a saga is kept. A RawPayload value is stored as is.
func (h *ResultHolder) SetSuccessResult(ctx context.Context, sagaID string, value any) error {
	var data string
	if raw, ok := value.(RawPayload); ok {
		data = string(raw)
	} else {
		encoded, err := h.codec.Encode(value)
		if err != nil {
			return opError("set result", sagaID, err)
		}
		data = encoded
	}
	return h.push(ctx, Result{SagaID: sagaID, Success: true, Value: data})
}

// SetFailResult publishes the failure of a saga. Only the first result
// published for a saga is kept.
func (h *ResultHolder) SetFailResult(ctx context.Context, sagaID string, failure *Failure) error {
	return h.push(ctx, Result{SagaID: sagaID, Failure: failure})
}

func (h *ResultHolder) push(ctx context.Context, result Result) error {
	stored, err := h.results.SetIfAbsent(ctx, h.keys.resultOnce(result.SagaID), "1", h.ttl)
	if err != nil {
		return opError("set result", result.SagaID, err)
	}
	if !stored {
		h.logger.Debug("result already published",
			zap.String("saga_id", result.SagaID),
			zap.Bool("success", result.Success))
		return nil
	}

	data, err := h.codec.Encode(result)
	if err != nil {
		return opError("set result", result.SagaID, err)
	}
	if err := h.results.Push(ctx, h.keys.result(result.SagaID), data, h.ttl); err != nil {
		return opError("set result", result.SagaID, err)
	}
	return nil
}

// GetResult waits up to timeout for the result of sagaID and removes it.
// A result is handed out once; later calls time out. The timeout must be
// positive.
func (h *ResultHolder) GetResult(ctx context.Context, timeout time.Duration, sagaID string) (Result, error) {
	if timeout <= 0 {
		return Result{}, opError("get result", sagaID, ErrInvalidTimeout)
	}
	data, err := h.results.BlockingPop(ctx, h.keys.result(sagaID), timeout)
	if err != nil {
		if errors.Is(err, ErrResultTimeout) {
			return Result{}, &SagaError{Op: "get result", SagaID: sagaID, Err: ErrResultTimeout}
		}
		return Result{}, opError("get result", sagaID, err)
	}
	var result Result
	if err := h.codec.Decode(data, &result); err != nil {
		return Result{}, opError("get result", sagaID, err)
	}
	result.codec = h.codec
	return result, nil
}
