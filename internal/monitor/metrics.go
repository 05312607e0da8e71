package monitor

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execution-core/internal/model"
)

// SystemMetrics tracks execution throughput and latency. All methods are safe
// on a nil receiver so components can run without metrics in tests.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	ExecutionLatency *LatencyHistogram // signal picked up -> terminal result
	ConfirmLatency   *LatencyHistogram // submit click -> confirmation marker
	LoginLatency     *LatencyHistogram
	APILatency       *LatencyHistogram

	// Counters
	signalsReceived uint64
	duplicates      uint64
	retries         uint64
	logins          uint64
	loginFailures   uint64
	recoveries      uint64
	apiRequests     uint64
	apiErrors       uint64

	outcomes   map[model.Outcome]uint64
	queueDepth map[string]int

	registry *prometheus.Registry
	prom     *promCollectors
}

// LatencyHistogram tracks latency samples with sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a metrics instance with its own prometheus registry.
func NewSystemMetrics() *SystemMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &SystemMetrics{
		ExecutionLatency: NewLatencyHistogram(1000),
		ConfirmLatency:   NewLatencyHistogram(1000),
		LoginLatency:     NewLatencyHistogram(200),
		APILatency:       NewLatencyHistogram(1000),
		outcomes:         make(map[model.Outcome]uint64),
		queueDepth:       make(map[string]int),
		registry:         reg,
		prom:             newPromCollectors(reg),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99; recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordSignal counts a signal accepted by the dispatcher.
func (m *SystemMetrics) RecordSignal() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.signalsReceived, 1)
	m.prom.signals.Inc()
}

// RecordDuplicate counts a redelivery answered from the dedupe window.
func (m *SystemMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.duplicates, 1)
	m.prom.duplicates.Inc()
}

// RecordRetry counts a dispatcher retry; reason is the outcome that caused it.
func (m *SystemMetrics) RecordRetry(reason model.Outcome) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.retries, 1)
	m.prom.retries.WithLabelValues(string(reason)).Inc()
}

// RecordResult counts a terminal result and its latency.
func (m *SystemMetrics) RecordResult(res model.ExecutionResult) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outcomes[res.Outcome]++
	m.mu.Unlock()
	m.ExecutionLatency.RecordDuration(res.Latency)
	m.prom.results.WithLabelValues(string(res.Outcome), model.ReasonCode(res.Reason)).Inc()
	m.prom.execSeconds.WithLabelValues(string(res.Outcome)).Observe(res.Latency.Seconds())
}

// RecordConfirmation records time from submit to confirmation marker.
func (m *SystemMetrics) RecordConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.ConfirmLatency.RecordDuration(d)
	m.prom.confirmSeconds.Observe(d.Seconds())
}

// RecordLogin counts a login attempt sequence.
func (m *SystemMetrics) RecordLogin(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if ok {
		atomic.AddUint64(&m.logins, 1)
		m.LoginLatency.RecordDuration(d)
	} else {
		atomic.AddUint64(&m.loginFailures, 1)
		result = "failure"
	}
	m.prom.logins.WithLabelValues(result).Inc()
}

// RecordRecovery counts a supervisor action: "recovered", "exhausted" or "skipped".
func (m *SystemMetrics) RecordRecovery(result string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.recoveries, 1)
	m.prom.recoveries.WithLabelValues(result).Inc()
}

// SetQueueDepth records how many signals wait in an account queue.
func (m *SystemMetrics) SetQueueDepth(account string, n int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.queueDepth[account] = n
	m.mu.Unlock()
	m.prom.queueDepth.WithLabelValues(account).Set(float64(n))
}

// RecordAPI counts an operator API request.
func (m *SystemMetrics) RecordAPI(status int, d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.apiRequests, 1)
	if status >= 400 {
		atomic.AddUint64(&m.apiErrors, 1)
	}
	m.APILatency.RecordDuration(d)
	m.prom.apiRequests.WithLabelValues(statusClass(status)).Inc()
}

// Handler serves the prometheus exposition format.
func (m *SystemMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsSnapshot is a point-in-time view for the JSON API.
type MetricsSnapshot struct {
	ExecutionLatency LatencyStats             `json:"execution_latency"`
	ConfirmLatency   LatencyStats             `json:"confirm_latency"`
	LoginLatency     LatencyStats             `json:"login_latency"`
	APILatency       LatencyStats             `json:"api_latency"`
	SignalsReceived  uint64                   `json:"signals_received"`
	Duplicates       uint64                   `json:"duplicates"`
	Retries          uint64                   `json:"retries"`
	Logins           uint64                   `json:"logins"`
	LoginFailures    uint64                   `json:"login_failures"`
	Recoveries       uint64                   `json:"recoveries"`
	APIRequests      uint64                   `json:"api_requests"`
	APIErrors        uint64                   `json:"api_errors"`
	Outcomes         map[model.Outcome]uint64 `json:"outcomes"`
	QueueDepth       map[string]int           `json:"queue_depth"`
	GoroutineCount   int                      `json:"goroutine_count"`
	HeapAlloc        uint64                   `json:"heap_alloc_bytes"`
	Timestamp        time.Time                `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	outcomes := make(map[model.Outcome]uint64, len(m.outcomes))
	for k, v := range m.outcomes {
		outcomes[k] = v
	}
	depth := make(map[string]int, len(m.queueDepth))
	for k, v := range m.queueDepth {
		depth[k] = v
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		ExecutionLatency: m.ExecutionLatency.Stats(),
		ConfirmLatency:   m.ConfirmLatency.Stats(),
		LoginLatency:     m.LoginLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		SignalsReceived:  atomic.LoadUint64(&m.signalsReceived),
		Duplicates:       atomic.LoadUint64(&m.duplicates),
		Retries:          atomic.LoadUint64(&m.retries),
		Logins:           atomic.LoadUint64(&m.logins),
		LoginFailures:    atomic.LoadUint64(&m.loginFailures),
		Recoveries:       atomic.LoadUint64(&m.recoveries),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		Outcomes:         outcomes,
		QueueDepth:       depth,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
