package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "affiliate"

var (
	OrdersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_processed_total",
			Help:      "Orders passed through the commission pipeline by result code.",
		},
		[]string{"code"},
	)

	CommissionPending = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_pending_amount_total",
			Help:      "Sum of direct commissions recorded as pending.",
		},
	)

	MlmRewards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mlm_rewards_total",
			Help:      "MLM rewards credited by upline level.",
		},
		[]string{"level"},
	)

	ReferralsReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referrals_released_total",
			Help:      "Matured referrals released into balance.",
		},
		[]string{"status"},
	)

	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_job_runs_total",
			Help:      "Daily job runs by job and result.",
		},
		[]string{"job", "result"},
	)

	JobItemFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_job_item_failures_total",
			Help:      "Referrals or affiliates skipped by a daily job after an error.",
		},
		[]string{"job"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "daily_job_duration_seconds",
			Help:      "Daily job durations in seconds.",
		},
		[]string{"job"},
	)

	reqCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_count_total",
			Help:      "Total number of HTTP requests made.",
		},
		[]string{"status", "endpoint", "method"},
	)

	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
		},
		[]string{"endpoint", "method"},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, CommissionPending, MlmRewards, ReferralsReleased,
		JobRuns, JobItemFailures, JobDuration, reqCount, reqDuration)
}

// Handler - GET /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

func AddCommission(c prometheus.Counter, amount decimal.Decimal) {
	if amount.IsPositive() {
		c.Add(amount.InexactFloat64())
	}
}

func ObserveJob(job string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "fail"
	}
	JobRuns.WithLabelValues(job, result).Inc()
	JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

type statusRecorder interface {
	StatusCode() int
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) StatusCode() int {
	return w.status
}

// Middleware считает запросы и время ответа по шаблону маршрута
func Middleware(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw, ok := w.(statusRecorder)
		if !ok {
			rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			w, sw = rec, rec
		}
		start := time.Now()
		h(w, r)
		reqDuration.WithLabelValues(endpoint, r.Method).Observe(time.Since(start).Seconds())
		reqCount.WithLabelValues(strconv.Itoa(sw.StatusCode()), endpoint, r.Method).Inc()
	}
}
