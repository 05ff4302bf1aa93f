package sagastream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/fortressi/sagastream/codec"
	"github.com/fortressi/sagastream/idgen"
)

// Store is a key/value backend serving both step inputs and results.
// MemoryStore and RedisStore implement it.
type Store interface {
	RequestStore
	ResultQueue
}

// Engine wires the saga components together over one event log and store.
// Handlers and orchestrators are registered before Start.
type Engine struct {
	cfg     Config
	log     EventLog
	codec   codec.Codec
	logger  *zap.Logger
	metrics *metrics

	registry    *Registry
	manager     *Manager
	dispatcher  *Dispatcher
	deadLetters *DeadLetterManager
	results     *ResultHolder
	retry       *RetrySupporter
	listener    *listener

	orchestrators *xsync.MapOf[string, any]

	mu      sync.Mutex
	started bool
}

type engineOptions struct {
	logger     *zap.Logger
	codec      codec.Codec
	ids        idgen.Generator
	requests   RequestStore
	registerer prometheus.Registerer
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithCodec sets the payload codec. The default is codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(o *engineOptions) {
		o.codec = c
	}
}

// WithIDGenerator sets the saga id generator. The default generates UUIDv7.
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *engineOptions) {
		o.ids = g
	}
}

// WithRequestStore keeps step inputs in s instead of the engine store.
func WithRequestStore(s RequestStore) Option {
	return func(o *engineOptions) {
		o.requests = s
	}
}

// WithRegisterer registers the engine metrics with reg. By default they go
// to a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) {
		o.registerer = reg
	}
}

// New creates an engine publishing to log and keeping requests and results
// in store.
func New(cfg Config, log EventLog, store Store, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil || store == nil {
		return nil, errors.New("event log and store are required")
	}

	o := engineOptions{
		logger:     zap.NewNop(),
		codec:      codec.NewJSON(),
		ids:        idgen.NewUUIDv7(),
		requests:   store,
		registerer: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger.With(zap.String("node_id", cfg.NodeID), zap.String("group", cfg.Group))
	m := newMetrics(o.registerer)
	k := cfg.keys()

	e := &Engine{
		cfg:           cfg,
		log:           log,
		codec:         o.codec,
		logger:        logger,
		metrics:       m,
		registry:      NewRegistry(o.codec),
		orchestrators: xsync.NewMapOf[string, any](),
	}
	e.manager = &Manager{
		log:     log,
		marks:   store,
		ttl:     cfg.RequestTTL,
		codec:   o.codec,
		ids:     o.ids,
		keys:    k,
		nodeID:  cfg.NodeID,
		group:   cfg.Group,
		logger:  logger.Named("manager"),
		metrics: m,
	}
	e.deadLetters = &DeadLetterManager{
		log:     log,
		codec:   o.codec,
		keys:    k,
		logger:  logger.Named("dead_letter"),
		metrics: m,
	}
	e.dispatcher = &Dispatcher{
		registry:    e.registry,
		manager:     e.manager,
		deadLetters: e.deadLetters,
		log:         log,
		codec:       o.codec,
		keys:        k,
		group:       cfg.Group,
		ackAttempts: cfg.AckAttempts,
		ackBackoff:  cfg.AckBackoff,
		logger:      logger.Named("dispatcher"),
		metrics:     m,
	}
	e.deadLetters.dispatcher = e.dispatcher
	e.results = newResultHolder(o.requests, store, o.codec, k, cfg.RequestTTL, logger.Named("results"))
	e.retry = newRetrySupporter(cfg, log, e.dispatcher, logger.Named("retry"), m)
	e.listener = newListener(cfg, log, e.dispatcher, logger.Named("listener"), m)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Manager returns the saga manager.
func (e *Engine) Manager() *Manager { return e.manager }

// Registry returns the handler registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Dispatcher returns the dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// DeadLetters returns the dead letter manager.
func (e *Engine) DeadLetters() *DeadLetterManager { return e.deadLetters }

// Results returns the request/result holder.
func (e *Engine) Results() *ResultHolder { return e.results }

// RetrySupporter returns the orphan supporter.
func (e *Engine) RetrySupporter() *RetrySupporter { return e.retry }

// Start freezes the registry, joins the consumer group and starts
// consuming the lifecycle stream and scanning for orphans.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	e.registry.freeze()
	if err := e.log.CreateGroup(ctx, e.cfg.keys().lifecycle(), e.cfg.Group); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	e.listener.start(ctx)
	e.retry.Start(ctx)
	e.started = true

	e.logger.Info("engine started",
		zap.Int("start_handlers", e.registry.Len(StateStart)),
		zap.Int("join_handlers", e.registry.Len(StateJoin)),
		zap.Int("commit_handlers", e.registry.Len(StateCommit)),
		zap.Int("rollback_handlers", e.registry.Len(StateRollback)))
	return nil
}

// Shutdown stops consuming and waits, up to the configured shutdown
// timeout, for in-flight dispatches.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	err := errors.Join(
		e.listener.shutdown(ctx, e.cfg.ShutdownTimeout),
		e.retry.Shutdown(ctx),
	)
	if err != nil {
		e.logger.Warn("engine stopped uncleanly", zap.Error(err))
		return err
	}
	e.logger.Info("engine stopped")
	return nil
}
