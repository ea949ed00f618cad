package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OrderCreations       *prometheus.CounterVec
	OrderCreationLatency *prometheus.HistogramVec
	ProviderCalls        *prometheus.HistogramVec
	HoldsCreated         prometheus.Counter
	HoldsCaptured        prometheus.Counter
	HoldsReleased        *prometheus.CounterVec
	Compensations        *prometheus.CounterVec
	ExpiredHoldsReaped   prometheus.Counter
	DepositsCredited     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderCreations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_creations_total",
				Help: "Total order creation attempts.",
			},
			[]string{"status"},
		),
		OrderCreationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "order_creation_latency_seconds",
				Help:    "Order creation latency in seconds, provider call included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		ProviderCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Upstream provider call latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action", "status"},
		),
		HoldsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "balance_holds_created_total",
				Help: "Total balance holds created.",
			},
		),
		HoldsCaptured: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "balance_holds_captured_total",
				Help: "Total balance holds captured.",
			},
		),
		HoldsReleased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_holds_released_total",
				Help: "Total balance holds released.",
			},
			[]string{"reason"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_compensations_total",
				Help: "Total failed-order compensations.",
			},
			[]string{"outcome"},
		),
		ExpiredHoldsReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "expired_holds_reaped_total",
				Help: "Total expired holds released by the reaper.",
			},
		),
		DepositsCredited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deposits_credited_total",
				Help: "Total confirmed deposits credited.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.OrderCreations,
		m.OrderCreationLatency,
		m.ProviderCalls,
		m.HoldsCreated,
		m.HoldsCaptured,
		m.HoldsReleased,
		m.Compensations,
		m.ExpiredHoldsReaped,
		m.DepositsCredited,
	)
	return m
}
