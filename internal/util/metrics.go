package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "state_transitions_total",
		Help: "Accepted state transitions by aggregate and target state",
	}, []string{"aggregate", "to"})

	TransitionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "state_transitions_rejected_total",
		Help: "Rejected operations by aggregate and reason",
	}, []string{"aggregate", "reason"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	ProviderCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_provider_latency_seconds",
		Help:    "Latency of payment provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	ProviderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_provider_errors_total",
		Help: "Payment provider errors by operation and kind",
	}, []string{"operation", "kind"})

	DuplicateRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplicate_requests_total",
		Help: "Replayed idempotent operations answered without side effects",
	}, []string{"operation"})

	RefundsRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_requested_total",
		Help: "Total number of refunds accepted",
	})

	RefundsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_rejected_total",
		Help: "Total number of refund requests rejected",
	}, []string{"reason"})

	PaymentsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_expired_total",
		Help: "Pending payments cancelled by the expiry reaper",
	})

	VersionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "version_conflicts_total",
		Help: "Optimistic concurrency conflicts by aggregate",
	}, []string{"aggregate"})

	OutboxPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox events relayed to the broker",
	})

	OutboxFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Outbox events that failed to publish",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
