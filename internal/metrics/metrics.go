package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MonitorQueueLength tracks the number of wallets in the monitor schedule
	MonitorQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebin_monitor_queue_length",
		Help: "The number of wallets currently scheduled for monitoring",
	})

	// MonitorWorkersActive tracks the number of wallets being evaluated
	MonitorWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebin_monitor_workers_active",
		Help: "The number of monitor evaluations currently running",
	})

	// RPCRequestsTotal tracks RPC requests by status
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebin_rpc_requests_total",
			Help: "The total number of RPC requests",
		},
		[]string{"method", "status"},
	)

	// RPCEndpointHealth tracks RPC endpoint health
	RPCEndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebin_rpc_endpoint_health",
			Help: "Health status of RPC endpoints (1 = healthy, 0 = unhealthy)",
		},
		[]string{"endpoint"},
	)

	// PriceFetchesTotal tracks price oracle attempts
	PriceFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebin_price_fetches_total",
			Help: "The total number of price fetch attempts",
		},
		[]string{"result"}, // success, network, other, zero, fallback, unavailable, cache_hit
	)

	// ReconcileSeconds tracks time taken to reconcile a wallet
	ReconcileSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rebin_reconcile_seconds",
		Help:    "Time taken to reconcile a wallet's positions in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	// ReconcileSourceErrors tracks failures of a reconciliation source
	ReconcileSourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebin_reconcile_source_errors_total",
			Help: "The total number of failed reconciliation sources",
		},
		[]string{"source"}, // blockchain, database
	)

	// RecommendationsTotal tracks reposition analysis results
	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebin_recommendations_total",
			Help: "The total number of reposition recommendations by urgency",
		},
		[]string{"urgency"},
	)

	// ProposalsTotal tracks prepared unsigned transactions
	ProposalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebin_proposals_total",
			Help: "The total number of prepared reposition proposals",
		},
		[]string{"status"}, // success, failed
	)

	// AccessDecisions tracks access gate outcomes
	AccessDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebin_access_decisions_total",
			Help: "The total number of access gate decisions",
		},
		[]string{"category", "result"},
	)

	// CreditOperations tracks credit ledger mutations
	CreditOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebin_credit_operations_total",
			Help: "The total number of credit ledger operations",
		},
		[]string{"operation", "status"},
	)

	// DatabaseOperations tracks database operations
	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebin_database_operations_total",
			Help: "The total number of database operations",
		},
		[]string{"operation", "status"},
	)

	// CacheOperations tracks cache lookups
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebin_cache_operations_total",
			Help: "The total number of cache operations",
		},
		[]string{"result"}, // hit, miss, error
	)

	// ToolCallDuration tracks how long tool calls take
	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebin_tool_call_duration_seconds",
			Help:    "Time taken to serve tool calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool", "status"},
	)
)

// RecordRPCRequest records an RPC request with the given status
func RecordRPCRequest(method, status string) {
	RPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// SetRPCEndpointHealth sets the health status of an RPC endpoint
func SetRPCEndpointHealth(endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	RPCEndpointHealth.WithLabelValues(endpoint).Set(value)
}

// RecordPriceFetch records a price fetch attempt outcome
func RecordPriceFetch(result string) {
	PriceFetchesTotal.WithLabelValues(result).Inc()
}

// RecordReconcile records the time taken to reconcile a wallet
func RecordReconcile(duration float64) {
	ReconcileSeconds.Observe(duration)
}

// RecordReconcileSourceError records a failed reconciliation source
func RecordReconcileSourceError(source string) {
	ReconcileSourceErrors.WithLabelValues(source).Inc()
}

// RecordRecommendation records an analysis result
func RecordRecommendation(urgency string) {
	RecommendationsTotal.WithLabelValues(urgency).Inc()
}

// RecordProposal records a prepared proposal
func RecordProposal(status string) {
	ProposalsTotal.WithLabelValues(status).Inc()
}

// RecordAccessDecision records an access gate decision
func RecordAccessDecision(category, result string) {
	AccessDecisions.WithLabelValues(category, result).Inc()
}

// RecordCreditOperation records a credit ledger operation
func RecordCreditOperation(operation, status string) {
	CreditOperations.WithLabelValues(operation, status).Inc()
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string) {
	DatabaseOperations.WithLabelValues(operation, status).Inc()
}

// RecordCacheOperation records a cache lookup result
func RecordCacheOperation(result string) {
	CacheOperations.WithLabelValues(result).Inc()
}

// RecordToolCall records the time taken to serve a tool call
func RecordToolCall(tool, status string, duration float64) {
	ToolCallDuration.WithLabelValues(tool, status).Observe(duration)
}
