package sagastream

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sagastream"

// metrics holds the engine's Prometheus collectors.
type metrics struct {
	published       *prometheus.CounterVec
	dispatched      *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	dropped         prometheus.Counter
	orphansClaimed  prometheus.Counter
	deadLetters     prometheus.Counter
	relayed         *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sagas_published_total",
				Help:      "Total number of saga events published, by state",
			},
			[]string{"state"},
		),
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handlers_dispatched_total",
				Help:      "Total number of handler invocations, by state and outcome",
			},
			[]string{"state", "outcome"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "handler_duration_seconds",
				Help:      "Handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_dropped_total",
				Help:      "Total number of deliveries dropped because the local buffer was full",
			},
		),
		orphansClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "orphans_claimed_total",
				Help:      "Total number of unacknowledged deliveries reclaimed",
			},
		),
		deadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dead_letters_total",
				Help:      "Total number of saga events parked after a compensation failure",
			},
		),
		relayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dead_letters_relayed_total",
				Help:      "Total number of dead letter relays, by outcome",
			},
			[]string{"outcome"},
		),
	}

	m.published = register(reg, m.published)
	m.dispatched = register(reg, m.dispatched)
	m.handlerDuration = register(reg, m.handlerDuration)
	m.dropped = register(reg, m.dropped)
	m.orphansClaimed = register(reg, m.orphansClaimed)
	m.deadLetters = register(reg, m.deadLetters)
	m.relayed = register(reg, m.relayed)
	return m
}

// register registers c, reusing the collector already registered under the
// same descriptor so several engines can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
