package sagastream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// MemoryLog provides an in-memory implementation of EventLog for testing
// or single-process deployments. Entry ids follow the "<millis>-<seq>"
// shape used by Redis Streams.
type MemoryLog struct {
	streams *xsync.MapOf[string, *memStream]
	now     func() time.Time
}

type memStream struct {
	mu      sync.Mutex
	entries *btree.Map[uint64, string]

	// ids outlives deleted entries so pending lists can still name them.
	ids    map[uint64]string
	seq    uint64
	lastMs int64
	groups map[string]*memGroup

	// notify is closed and replaced on every append.
	notify chan struct{}
}

type memGroup struct {
	lastDelivered uint64
	pending       *btree.Map[uint64, *memPending]
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// NewMemoryLog creates an empty in-memory event log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: xsync.NewMapOf[string, *memStream](),
		now:     time.Now,
	}
}

func (m *MemoryLog) stream(name string) *memStream {
	s, _ := m.streams.LoadOrCompute(name, func() *memStream {
		return &memStream{
			entries: btree.NewMap[uint64, string](32),
			ids:     make(map[uint64]string),
			groups:  make(map[string]*memGroup),
			notify:  make(chan struct{}),
		}
	})
	return s
}

// Append implements EventLog.
func (m *MemoryLog) Append(ctx context.Context, stream, payload string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := m.now().UnixMilli()
	if ms < s.lastMs {
		ms = s.lastMs
	}
	s.lastMs = ms
	s.seq++
	id := fmt.Sprintf("%d-%d", ms, s.seq)
	s.entries.Set(s.seq, payload)
	s.ids[s.seq] = id

	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

// Read implements EventLog.
func (m *MemoryLog) Read(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	s := m.stream(stream)
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		g, ok := s.groups[group]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("group %s on stream %s: %w", group, stream, ErrNotFound)
		}
		var out []Entry
		s.entries.Ascend(g.lastDelivered+1, func(seq uint64, payload string) bool {
			out = append(out, Entry{ID: s.ids[seq], Payload: payload})
			g.lastDelivered = seq
			g.pending.Set(seq, &memPending{consumer: consumer, deliveredAt: m.now(), deliveries: 1})
			return count <= 0 || len(out) < count
		})
		notify := s.notify
		s.mu.Unlock()

		if len(out) > 0 || deadline == nil {
			return out, nil
		}
		select {
		case <-notify:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack implements EventLog.
func (m *MemoryLog) Ack(_ context.Context, stream, group string, ids ...string) error {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("group %s on stream %s: %w", group, stream, ErrNotFound)
	}
	for _, id := range ids {
		seq, err := parseEntryID(id)
		if err != nil {
			return err
		}
		g.pending.Delete(seq)
	}
	return nil
}

// Pending implements EventLog.
func (m *MemoryLog) Pending(_ context.Context, stream, group string, minIdle time.Duration, limit int) ([]string, error) {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("group %s on stream %s: %w", group, stream, ErrNotFound)
	}
	now := m.now()
	var ids []string
	g.pending.Scan(func(seq uint64, p *memPending) bool {
		if now.Sub(p.deliveredAt) >= minIdle {
			ids = append(ids, s.ids[seq])
		}
		return limit <= 0 || len(ids) < limit
	})
	return ids, nil
}

// Claim implements EventLog.
func (m *MemoryLog) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("group %s on stream %s: %w", group, stream, ErrNotFound)
	}
	now := m.now()
	var out []Entry
	for _, id := range ids {
		seq, err := parseEntryID(id)
		if err != nil {
			return nil, err
		}
		p, ok := g.pending.Get(seq)
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		payload, ok := s.entries.Get(seq)
		if !ok {
			g.pending.Delete(seq)
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, Entry{ID: s.ids[seq], Payload: payload})
	}
	return out, nil
}

// CreateGroup implements EventLog.
func (m *MemoryLog) CreateGroup(_ context.Context, stream, group string) error {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[group]; ok {
		return nil
	}
	s.groups[group] = &memGroup{
		lastDelivered: s.seq,
		pending:       btree.NewMap[uint64, *memPending](32),
	}
	return nil
}

// Last implements EventLog.
func (m *MemoryLog) Last(_ context.Context, stream string) (Entry, error) {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, payload, ok := s.entries.Max()
	if !ok {
		return Entry{}, fmt.Errorf("stream %s: %w", stream, ErrNotFound)
	}
	return Entry{ID: s.ids[seq], Payload: payload}, nil
}

// Get implements EventLog.
func (m *MemoryLog) Get(_ context.Context, stream, id string) (Entry, error) {
	seq, err := parseEntryID(id)
	if err != nil {
		return Entry{}, err
	}
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, ok := s.entries.Get(seq)
	if !ok || s.ids[seq] != id {
		return Entry{}, fmt.Errorf("entry %s on stream %s: %w", id, stream, ErrNotFound)
	}
	return Entry{ID: id, Payload: payload}, nil
}

// Delete implements EventLog.
func (m *MemoryLog) Delete(_ context.Context, stream string, ids ...string) error {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		seq, err := parseEntryID(id)
		if err != nil {
			return err
		}
		s.entries.Delete(seq)
	}
	return nil
}

// Len implements EventLog.
func (m *MemoryLog) Len(_ context.Context, stream string) (int64, error) {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.entries.Len()), nil
}

// snapshot returns every entry of stream in order.
func (m *MemoryLog) snapshot(stream string) []Entry {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, s.entries.Len())
	s.entries.Scan(func(seq uint64, payload string) bool {
		out = append(out, Entry{ID: s.ids[seq], Payload: payload})
		return true
	})
	return out
}

// deliveries reports how often id was delivered to group.
func (m *MemoryLog) deliveries(stream, group, id string) int {
	seq, err := parseEntryID(id)
	if err != nil {
		return 0
	}
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	p, ok := g.pending.Get(seq)
	if !ok {
		return 0
	}
	return p.deliveries
}

func parseEntryID(id string) (uint64, error) {
	_, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("invalid entry id %q", id)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid entry id %q: %w", id, err)
	}
	return n, nil
}

// MemoryStore provides an in-memory implementation of RequestStore and
// ResultQueue.
type MemoryStore struct {
	values *xsync.MapOf[string, memValue]
	queues *xsync.MapOf[string, *memQueue]
	now    func() time.Time
}

type memValue struct {
	value   string
	expires time.Time
}

func (v memValue) expired(now time.Time) bool {
	return !v.expires.IsZero() && !now.Before(v.expires)
}

type memQueue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: xsync.NewMapOf[string, memValue](),
		queues: xsync.NewMapOf[string, *memQueue](),
		now:    time.Now,
	}
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Set implements RequestStore.
func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.values.Store(key, memValue{value: value, expires: m.expiry(ttl)})
	return nil
}

// Get implements RequestStore.
func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	v, ok := m.values.Load(key)
	if !ok || v.expired(m.now()) {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return v.value, nil
}

// Delete implements RequestStore.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.values.Delete(key)
	return nil
}

// SetIfAbsent implements ResultQueue.
func (m *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	stored := false
	m.values.Compute(key, func(old memValue, loaded bool) (memValue, bool) {
		if loaded && !old.expired(m.now()) {
			return old, false
		}
		stored = true
		return memValue{value: value, expires: m.expiry(ttl)}, false
	})
	return stored, nil
}

func (m *MemoryStore) queue(key string) *memQueue {
	q, _ := m.queues.LoadOrCompute(key, func() *memQueue {
		return &memQueue{notify: make(chan struct{})}
	})
	return q
}

// Push implements ResultQueue. Queued values do not expire in memory.
func (m *MemoryStore) Push(_ context.Context, key, value string, _ time.Duration) error {
	q := m.queue(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, value)
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// BlockingPop implements ResultQueue.
func (m *MemoryStore) BlockingPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	q := m.queue(key)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return "", fmt.Errorf("key %s: %w", key, ErrResultTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
