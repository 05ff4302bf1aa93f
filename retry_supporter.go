package sagastream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetrySupporter periodically reclaims deliveries that were never
// acknowledged, because their consumer crashed, stalled or dropped them,
// and redispatches them locally.
type RetrySupporter struct {
	log             EventLog
	dispatcher      *Dispatcher
	keys            keys
	group           string
	consumer        string
	threshold       time.Duration
	interval        time.Duration
	batchSize       int
	shutdownTimeout time.Duration
	logger          *zap.Logger
	metrics         *metrics

	mu         sync.Mutex
	cancelLoop context.CancelFunc
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
}

func newRetrySupporter(cfg Config, log EventLog, d *Dispatcher, logger *zap.Logger, m *metrics) *RetrySupporter {
	return &RetrySupporter{
		log:             log,
		dispatcher:      d,
		keys:            cfg.keys(),
		group:           cfg.Group,
		consumer:        cfg.NodeID,
		threshold:       cfg.OrphanThreshold,
		interval:        cfg.RetryInterval,
		batchSize:       cfg.RetryBatchSize,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
		metrics:         m,
	}
}

// Start schedules Tick every interval, measured from the end of the
// previous tick.
func (r *RetrySupporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelLoop != nil {
		return
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	r.cancelLoop, r.cancelWork = cancelLoop, cancelWork

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(r.interval)
		defer timer.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-timer.C:
				if _, err := r.Tick(workCtx); err != nil {
					r.logger.Warn("orphan scan failed", zap.Error(err))
				}
				timer.Reset(r.interval)
			}
		}
	}()
}

// Tick claims up to the batch size of deliveries idle for longer than the
// orphan threshold and redispatches them. Individual dispatch failures are
// logged; those deliveries stay pending for the next tick. It returns the
// number of claimed deliveries.
func (r *RetrySupporter) Tick(ctx context.Context) (int, error) {
	stream := r.keys.lifecycle()
	ids, err := r.log.Pending(ctx, stream, r.group, r.threshold, r.batchSize)
	if err != nil {
		return 0, opError("orphan scan", "", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	entries, err := r.log.Claim(ctx, stream, r.group, r.consumer, r.threshold, ids...)
	if err != nil {
		return 0, opError("orphan claim", "", err)
	}
	r.metrics.orphansClaimed.Add(float64(len(entries)))

	for _, entry := range entries {
		r.logger.Info("redispatching orphan", zap.String("delivery_id", entry.ID))
		if _, err := r.dispatcher.DispatchEntry(ctx, entry); err != nil {
			r.logger.Warn("orphan redispatch failed",
				zap.String("delivery_id", entry.ID),
				zap.Error(err))
		}
	}
	return len(entries), nil
}

// Shutdown stops scheduling ticks and waits for the running tick. If it
// does not finish within the shutdown timeout it is cancelled and
// ErrShutdownTimeout is returned.
func (r *RetrySupporter) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancelLoop, cancelWork := r.cancelLoop, r.cancelWork
	r.cancelLoop, r.cancelWork = nil, nil
	r.mu.Unlock()
	if cancelLoop == nil {
		return nil
	}

	cancelLoop()
	return waitDrained(ctx, &r.wg, r.shutdownTimeout, cancelWork)
}
