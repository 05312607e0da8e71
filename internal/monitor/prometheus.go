package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "execution_core"

type promCollectors struct {
	signals        prometheus.Counter
	duplicates     prometheus.Counter
	retries        *prometheus.CounterVec
	results        *prometheus.CounterVec
	execSeconds    *prometheus.HistogramVec
	confirmSeconds prometheus.Histogram
	logins         *prometheus.CounterVec
	recoveries     *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	apiRequests    *prometheus.CounterVec
}

func newPromCollectors(reg prometheus.Registerer) *promCollectors {
	c := &promCollectors{
		signals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_received_total",
			Help: "Signals accepted by the dispatcher.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_deduplicated_total",
			Help: "Signals answered from the dedupe window without execution.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_retries_total",
			Help: "Dispatcher retries by triggering outcome.",
		}, []string{"outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "execution_results_total",
			Help: "Terminal execution results.",
		}, []string{"outcome", "reason"}),
		execSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "execution_duration_seconds",
			Help:    "Time from worker pickup to terminal result.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 60},
		}, []string{"outcome"}),
		confirmSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "confirmation_duration_seconds",
			Help:    "Time from submit click to confirmation marker.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15},
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_logins_total",
			Help: "Login sequences by result.",
		}, []string{"result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_actions_total",
			Help: "Recovery supervisor actions by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispatch_queue_depth",
			Help: "Signals waiting per account.",
		}, []string{"account"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "api_requests_total",
			Help: "Operator API requests by status class.",
		}, []string{"code"}),
	}
	reg.MustRegister(c.signals, c.duplicates, c.retries, c.results, c.execSeconds,
		c.confirmSeconds, c.logins, c.recoveries, c.queueDepth, c.apiRequests)
	return c
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
