package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	}, []string{"direction", "gateway"})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Total number of order creations rejected before persistence",
	}, []string{"reason"})

	GatewaySubmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_submit_total",
		Help: "Gateway submissions by outcome",
	}, []string{"gateway", "outcome"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of outbound gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway", "op"})

	CallbacksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callbacks_received_total",
		Help: "Gateway callbacks by reconciliation outcome",
	}, []string{"gateway", "outcome"})

	OrdersFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_finalized_total",
		Help: "Orders moved to a terminal status",
	}, []string{"direction", "status", "source"})

	AuditRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callback_audit_records_total",
		Help: "Reconciliation anomalies written to the audit log",
	}, []string{"kind"})

	ReconcileSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_sweeps_total",
		Help: "Active status query sweeps by outcome",
	}, []string{"outcome"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_notifications_total",
		Help: "Merchant webhook deliveries by outcome",
	}, []string{"outcome"})

	NotificationAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "merchant_notification_attempts",
		Help:    "Attempts needed per merchant webhook delivery",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notification_outbox_pending",
		Help: "Notification jobs spooled locally awaiting publish",
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
