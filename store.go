package sagastream

import (
	"context"
	"time"
)

// Entry is one record of an event log stream.
type Entry struct {
	// ID is the log-assigned delivery id. IDs increase within a stream.
	ID      string
	Payload string
}

// EventLog is the durable, append-only log sagas are published to. Streams
// deliver entries to consumer groups at least once; an entry delivered to a
// consumer stays pending for the group until acknowledged.
type EventLog interface {
	// Append adds payload to stream and returns its id.
	Append(ctx context.Context, stream, payload string) (string, error)

	// Read delivers up to count entries that were never delivered to group,
	// registering them as pending for consumer. It waits up to block for
	// new entries when none are available and returns an empty slice on
	// timeout.
	Read(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)

	// Ack removes ids from the group's pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Pending lists up to limit ids delivered to group more than minIdle
	// ago and never acknowledged.
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, limit int) ([]string, error)

	// Claim reassigns pending ids idle for at least minIdle to consumer and
	// returns their entries. IDs that were acknowledged or deleted in the
	// meantime are skipped.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error)

	// CreateGroup creates group on stream, creating the stream too, unless
	// it already exists. New groups start at the end of the stream.
	CreateGroup(ctx context.Context, stream, group string) error

	// Last returns the newest entry of stream, or ErrNotFound.
	Last(ctx context.Context, stream string) (Entry, error)

	// Get returns the entry with id, or ErrNotFound.
	Get(ctx context.Context, stream, id string) (Entry, error)

	// Delete removes the entries with ids.
	Delete(ctx context.Context, stream string, ids ...string) error

	// Len returns the number of entries in stream.
	Len(ctx context.Context, stream string) (int64, error)
}

// RequestStore persists step inputs needed to run compensations.
type RequestStore interface {
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ResultQueue carries terminal saga results from whichever node finishes a
// saga to the caller awaiting it.
type ResultQueue interface {
	// SetIfAbsent stores value under key unless key exists, reporting
	// whether it was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Push appends value to the queue at key.
	Push(ctx context.Context, key, value string, ttl time.Duration) error

	// BlockingPop removes and returns the oldest value queued at key,
	// waiting up to timeout. It returns ErrResultTimeout when nothing
	// arrives in time.
	BlockingPop(ctx context.Context, key string, timeout time.Duration) (string, error)
}

// keys builds the persisted layout under a common prefix.
type keys struct {
	prefix string
}

func (k keys) lifecycle() string { return k.prefix + ":saga" }

func (k keys) history(sagaID string) string { return k.prefix + ":saga:" + sagaID }

func (k keys) deadLetter() string { return k.prefix + ":dead-letter" }

func (k keys) result(sagaID string) string { return k.prefix + ":result:" + sagaID }

func (k keys) resultOnce(sagaID string) string { return k.prefix + ":result-once:" + sagaID }

func (k keys) committed(sagaID string) string { return k.prefix + ":committed:" + sagaID }

func (k keys) request(sagaID string, sequence int) string {
	return k.prefix + ":request:" + requestKey(sagaID, sequence)
}
