package sagastream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// listener subscribes the local consumer to the lifecycle stream and feeds
// deliveries through a bounded buffer to a pool of dispatch workers. When
// the buffer is full the newest deliveries are dropped; they stay pending in
// the log and are reclaimed by the RetrySupporter.
type listener struct {
	log        EventLog
	dispatcher *Dispatcher
	keys       keys
	group      string
	consumer   string
	batchSize  int
	poll       time.Duration
	workers    int
	buffer     chan Entry
	logger     *zap.Logger
	metrics    *metrics

	cancelRead context.CancelFunc
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
}

func newListener(cfg Config, log EventLog, d *Dispatcher, logger *zap.Logger, m *metrics) *listener {
	return &listener{
		log:        log,
		dispatcher: d,
		keys:       cfg.keys(),
		group:      cfg.Group,
		consumer:   cfg.NodeID,
		batchSize:  cfg.BatchSize,
		poll:       cfg.PollTimeout,
		workers:    cfg.Workers,
		buffer:     make(chan Entry, cfg.Backpressure),
		logger:     logger,
		metrics:    m,
	}
}

func (l *listener) start(ctx context.Context) {
	readCtx, cancelRead := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	l.cancelRead, l.cancelWork = cancelRead, cancelWork

	l.wg.Add(1 + l.workers)
	go func() {
		defer l.wg.Done()
		l.read(readCtx)
	}()
	for i := 0; i < l.workers; i++ {
		go func() {
			defer l.wg.Done()
			l.work(readCtx, workCtx)
		}()
	}
}

func (l *listener) read(ctx context.Context) {
	for ctx.Err() == nil {
		entries, err := l.log.Read(ctx, l.keys.lifecycle(), l.group, l.consumer, l.batchSize, l.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.poll):
			}
			continue
		}
		for _, entry := range entries {
			select {
			case l.buffer <- entry:
			default:
				l.metrics.dropped.Inc()
				l.logger.Debug("buffer full, dropping delivery", zap.String("delivery_id", entry.ID))
			}
		}
	}
}

// work dispatches buffered deliveries until stop is done. Buffered
// deliveries left at shutdown stay pending.
func (l *listener) work(stop, ctx context.Context) {
	for {
		select {
		case <-stop.Done():
			return
		case entry := <-l.buffer:
			if _, err := l.dispatcher.DispatchEntry(ctx, entry); err != nil {
				l.logger.Warn("dispatch failed",
					zap.String("delivery_id", entry.ID),
					zap.Error(err))
			}
		}
	}
}

// shutdown stops reading and waits up to timeout for in-flight dispatches.
func (l *listener) shutdown(ctx context.Context, timeout time.Duration) error {
	if l.cancelRead == nil {
		return nil
	}
	l.cancelRead()
	return waitDrained(ctx, &l.wg, timeout, l.cancelWork)
}

// waitDrained waits for wg, cancelling in-flight work once timeout or ctx
// expires.
func waitDrained(ctx context.Context, wg *sync.WaitGroup, timeout time.Duration, cancel context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		cancel()
		return nil
	case <-timer.C:
		cancel()
		<-done
		return ErrShutdownTimeout
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}
