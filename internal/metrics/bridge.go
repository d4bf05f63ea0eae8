package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SlidingWindow represents a simple sliding window for rate calculations
type SlidingWindow struct {
	mu      sync.RWMutex
	events  []int64 // timestamps of events
	window  time.Duration
	maxSize int
}

// NewSlidingWindow creates a new sliding window
func NewSlidingWindow(window time.Duration, maxSize int) *SlidingWindow {
	return &SlidingWindow{
		events:  make([]int64, 0, maxSize),
		window:  window,
		maxSize: maxSize,
	}
}

// Add adds an event timestamp to the window
func (sw *SlidingWindow) Add(timestamp int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.events = append(sw.events, timestamp)

	now := time.Now().Unix()
	cutoff := now - int64(sw.window.Seconds())

	i := 0
	for i < len(sw.events) && sw.events[i] < cutoff {
		i++
	}
	if i > 0 {
		sw.events = sw.events[i:]
	}
	if len(sw.events) > sw.maxSize {
		sw.events = sw.events[len(sw.events)-sw.maxSize:]
	}
}

// Rate returns the current rate (events per second)
func (sw *SlidingWindow) Rate() float64 {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	if len(sw.events) == 0 {
		return 0
	}

	now := time.Now().Unix()
	cutoff := now - int64(sw.window.Seconds())

	count := 0
	for _, timestamp := range sw.events {
		if timestamp >= cutoff {
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return float64(count) / sw.window.Seconds()
}

// Global sliding windows for rate calculations
var (
	requestWindow = NewSlidingWindow(60*time.Second, 10000) // 1 minute window, max 10k requests
	connectWindow = NewSlidingWindow(60*time.Second, 1000)  // 1 minute window, max 1k connects
)

// Global counters for the admin API (prometheus metrics can't be read directly)
var (
	activeConnectionsCount int64
	pendingRequestsCount   int64
	requestsProcessedCount int64
	responsesSentCount     int64
	lastRequestTimestamp   int64
	lastConnectTimestamp   int64
	errorCount             int64
)

// GetActiveConnectionsCount returns the current number of tracked dApp connections
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// IncrementActiveConnections increments both the prometheus gauge and our local counter
func IncrementActiveConnections() {
	ActiveConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
	now := time.Now().Unix()
	atomic.StoreInt64(&lastConnectTimestamp, now)
	connectWindow.Add(now)
}

// DecrementActiveConnections decrements both the prometheus gauge and our local counter
func DecrementActiveConnections() {
	ActiveConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// SyncActiveConnectionsCount synchronizes the internal counter with the store's
// actual record count. Prevents drift between the gauge and reality.
func SyncActiveConnectionsCount(actualCount int64) {
	currentCount := atomic.LoadInt64(&activeConnectionsCount)
	if currentCount != actualCount {
		atomic.StoreInt64(&activeConnectionsCount, actualCount)
		ActiveConnections.Set(float64(actualCount))
	}
}

// GetPendingRequestsCount returns the current number of pending wallet requests
func GetPendingRequestsCount() int64 {
	return atomic.LoadInt64(&pendingRequestsCount)
}

// SetPendingRequestsCount mirrors the registry length into gauge and counter
func SetPendingRequestsCount(n int64) {
	atomic.StoreInt64(&pendingRequestsCount, n)
	PendingRequests.Set(float64(n))
}

// GetRequestsProcessedCount returns the count of app requests processed since start
func GetRequestsProcessedCount() int64 {
	return atomic.LoadInt64(&requestsProcessedCount)
}

// IncrementRequestsProcessed increments the prometheus counter and our local counter
func IncrementRequestsProcessed(method string) {
	RequestsReceived.WithLabelValues(method).Inc()
	atomic.AddInt64(&requestsProcessedCount, 1)
	now := time.Now().Unix()
	atomic.StoreInt64(&lastRequestTimestamp, now)
	requestWindow.Add(now)
}

// GetResponsesSentCount returns the count of wallet responses delivered
func GetResponsesSentCount() int64 {
	return atomic.LoadInt64(&responsesSentCount)
}

// IncrementResponsesSent increments the responses counter by terminal outcome
func IncrementResponsesSent(outcome string) {
	ResponsesSent.WithLabelValues(outcome).Inc()
	atomic.AddInt64(&responsesSentCount, 1)
}

// IncrementErrorCount increments the error counter
func IncrementErrorCount() {
	atomic.AddInt64(&errorCount, 1)
}

// GetErrorCount returns the current error count
func GetErrorCount() int64 {
	return atomic.LoadInt64(&errorCount)
}

// GetRequestsPerSecond calculates app requests per second using a sliding window
func GetRequestsPerSecond() float64 {
	return requestWindow.Rate()
}

// GetConnectsPerSecond calculates new connects per second using a sliding window
func GetConnectsPerSecond() float64 {
	return connectWindow.Rate()
}

// GetErrorRate calculates the error rate as a percentage
func GetErrorRate() float64 {
	errors := atomic.LoadInt64(&errorCount)
	requests := atomic.LoadInt64(&requestsProcessedCount)
	if requests == 0 {
		return 0
	}
	return (float64(errors) / float64(requests)) * 100
}

// Metrics for tracking bridge performance and usage
var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tonconnect_active_connections",
		Help: "The number of tracked dApp connections",
	})

	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tonconnect_pending_requests",
		Help: "The number of wallet requests awaiting a decision",
	})

	// Connect flow metrics
	ConnectEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonconnect_connect_events_total",
		Help: "The total number of connect flow outcomes by result",
	}, []string{"result"}) // "connect", "connect_error"

	// Request metrics
	RequestsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonconnect_requests_received_total",
		Help: "The total number of app requests received by method",
	}, []string{"method"}) // "sendTransaction", "signData", "disconnect", "unknown"

	ResponsesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonconnect_responses_sent_total",
		Help: "The total number of wallet responses delivered by outcome",
	}, []string{"outcome"}) // "result", "error"

	EnvelopeSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tonconnect_envelope_size_bytes",
		Help:    "Size of received bridge envelopes in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6), // 10, 100, 1000, ..., 1000000
	})

	RequestProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tonconnect_request_processing_duration_seconds",
		Help:    "Time to process app requests by method",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5), // 0.001, 0.01, 0.1, 1, 10
	}, []string{"method"})

	// Bridge transport metrics
	BridgeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonconnect_bridge_reconnects_total",
		Help: "The total number of relay reconnect attempts",
	})

	DuplicateEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonconnect_duplicate_envelopes_total",
		Help: "The total number of replayed envelopes suppressed",
	})

	// Error metrics
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonconnect_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"}) // "validation", "database", "bridge", "crypto", etc.

	// Database metrics
	DBConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonconnect_db_connections_total",
		Help: "Total number of database connections by status",
	}, []string{"status"}) // "success", "failure", "closed"

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonconnect_db_errors_total",
		Help: "Total number of database errors by type",
	}, []string{"error_type"})

	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonconnect_db_operations_total",
		Help: "Total number of database operations by type",
	}, []string{"operation"})
)

// RegisterMetrics ensures all metric label combinations are pre-registered
func RegisterMetrics() {
	for _, method := range []string{"sendTransaction", "signData", "disconnect", "unknown"} {
		RequestsReceived.WithLabelValues(method)
		RequestProcessingDuration.WithLabelValues(method)
	}

	for _, result := range []string{"connect", "connect_error"} {
		ConnectEvents.WithLabelValues(result)
	}

	for _, outcome := range []string{"result", "error"} {
		ResponsesSent.WithLabelValues(outcome)
	}

	for _, errType := range []string{
		"validation", "database", "bridge", "crypto", "rate_limit", "timeout",
	} {
		ErrorsCount.WithLabelValues(errType)
	}

	for _, status := range []string{"success", "failure", "closed"} {
		DBConnections.WithLabelValues(status)
	}

	for _, errType := range []string{
		"connection_failed", "command_execution_failed", "query_failed",
	} {
		DBErrors.WithLabelValues(errType)
	}

	for _, op := range []string{"get", "put", "delete", "list"} {
		DBOperations.WithLabelValues(op)
	}
}
