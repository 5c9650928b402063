package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ledger RPC Metrics
	ledgerRPCCallsTotal   *prometheus.CounterVec
	ledgerRPCCallDuration *prometheus.HistogramVec
	ledgerRPCFallbacks    *prometheus.CounterVec

	// Telemetry Metrics
	telemetryPollsTotal      *prometheus.CounterVec
	telemetryPollDuration    *prometheus.HistogramVec
	telemetryRefreshCollapse prometheus.Counter
	networkTPS               prometheus.Gauge
	networkFailurePercentage prometheus.Gauge

	// Scheduler Metrics
	transferTransitionsTotal *prometheus.CounterVec
	transfersWaiting         prometheus.Gauge
	schedulerBatchDuration   prometheus.Histogram
	schedulerBatchSize       prometheus.Histogram
	immediateSendsTotal      *prometheus.CounterVec

	// Wallet Metrics
	walletBalanceLamports prometheus.Gauge

	// Archive (Postgres) Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// Event sink Metrics
	eventsPublishedTotal *prometheus.CounterVec
	eventPublishDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ledgerRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_calls_total",
				Help: "Total number of ledger RPC calls by method, status and endpoint",
			},
			[]string{"method", "status", "endpoint"},
		),
		ledgerRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_call_duration_seconds",
				Help:    "Duration of ledger RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		ledgerRPCFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_fallbacks_total",
				Help: "Total number of times a ledger call moved on to a fallback endpoint",
			},
			[]string{"method"},
		),

		telemetryPollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_polls_total",
				Help: "Total number of telemetry feed polls by feed and status",
			},
			[]string{"feed", "status"},
		),
		telemetryPollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "telemetry_poll_duration_seconds",
				Help:    "Duration of telemetry feed polls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"feed"},
		),
		telemetryRefreshCollapse: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "telemetry_refresh_collapsed_total",
				Help: "Refresh requests that joined an in-flight poll instead of starting a new one",
			},
		),
		networkTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "network_tps",
				Help: "Latest observed network throughput",
			},
		),
		networkFailurePercentage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "network_failure_percentage",
				Help: "Latest observed transaction failure percentage (NaN when unknown)",
			},
		),

		transferTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduled_transfer_transitions_total",
				Help: "Total number of scheduled transfer status transitions by target status",
			},
			[]string{"status"},
		),
		transfersWaiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduled_transfers_waiting",
				Help: "Number of scheduled transfers currently waiting for eligibility",
			},
		),
		schedulerBatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scheduler_batch_duration_seconds",
				Help:    "Duration of one snapshot-triggered scheduling batch",
				Buckets: []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		schedulerBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scheduler_batch_size",
				Help:    "Number of eligible transfers selected per batch",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		),
		immediateSendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "immediate_sends_total",
				Help: "Total number of immediate (unscheduled) ledger operations by kind and status",
			},
			[]string{"kind", "status"},
		),

		walletBalanceLamports: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_balance_lamports",
				Help: "Last observed balance of the active keypair in lamports",
			},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of archive database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of archive database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"handler", "method", "status_code"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status_code"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent to clients",
			},
			[]string{"event"},
		),

		eventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Total number of domain events handed to an event sink",
			},
			[]string{"sink", "kind", "status"},
		),
		eventPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "event_publish_duration_seconds",
				Help:    "Duration of event sink publish calls in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"sink"},
		),
	}
}

// RecordRPCCall records one ledger RPC call against a single endpoint.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, durationSeconds float64) {
	m.ledgerRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.ledgerRPCCallDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordRPCFallback records a ledger call moving from one endpoint to the next.
func (m *Metrics) RecordRPCFallback(method string) {
	m.ledgerRPCFallbacks.WithLabelValues(method).Inc()
}

// RecordTelemetryPoll records a single feed poll.
func (m *Metrics) RecordTelemetryPoll(feed, status string, durationSeconds float64) {
	m.telemetryPollsTotal.WithLabelValues(feed, status).Inc()
	m.telemetryPollDuration.WithLabelValues(feed).Observe(durationSeconds)
}

// RecordRefreshCollapsed counts a refresh that joined an in-flight poll.
func (m *Metrics) RecordRefreshCollapsed() {
	m.telemetryRefreshCollapse.Inc()
}

// RecordSnapshot updates the network gauges.
func (m *Metrics) RecordSnapshot(tps, failurePercentage float64) {
	m.networkTPS.Set(tps)
	m.networkFailurePercentage.Set(failurePercentage)
}

// RecordTransferTransition counts a scheduled transfer entering status.
func (m *Metrics) RecordTransferTransition(status string) {
	m.transferTransitionsTotal.WithLabelValues(status).Inc()
}

// SetTransfersWaiting sets the number of waiting scheduled transfers.
func (m *Metrics) SetTransfersWaiting(n int) {
	m.transfersWaiting.Set(float64(n))
}

// RecordSchedulerBatch records one scheduling batch.
func (m *Metrics) RecordSchedulerBatch(size int, durationSeconds float64) {
	m.schedulerBatchSize.Observe(float64(size))
	m.schedulerBatchDuration.Observe(durationSeconds)
}

// RecordImmediateSend records an unscheduled send or airdrop.
func (m *Metrics) RecordImmediateSend(kind, status string) {
	m.immediateSendsTotal.WithLabelValues(kind, status).Inc()
}

// SetWalletBalance sets the balance gauge.
func (m *Metrics) SetWalletBalance(lamports uint64) {
	m.walletBalanceLamports.Set(float64(lamports))
}

// RecordDBQuery records metrics for an archive query.
func (m *Metrics) RecordDBQuery(operation, status string, durationSeconds float64) {
	m.dbQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, durationSeconds float64) {
	code := strconv.Itoa(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, code).Observe(durationSeconds)
	m.httpRequestsTotal.WithLabelValues(handler, method, code).Inc()
}

// IncrementSSEConnections increments the active SSE connections gauge.
func (m *Metrics) IncrementSSEConnections() {
	m.sseActiveConnections.Inc()
}

// DecrementSSEConnections decrements the active SSE connections gauge.
func (m *Metrics) DecrementSSEConnections() {
	m.sseActiveConnections.Dec()
}

// RecordSSEEvent counts an SSE event written to a client.
func (m *Metrics) RecordSSEEvent(event string) {
	m.sseEventsSent.WithLabelValues(event).Inc()
}

// RecordEventPublish records a publish attempt on one event sink.
func (m *Metrics) RecordEventPublish(sink, kind, status string, durationSeconds float64) {
	m.eventsPublishedTotal.WithLabelValues(sink, kind, status).Inc()
	m.eventPublishDuration.WithLabelValues(sink).Observe(durationSeconds)
}
