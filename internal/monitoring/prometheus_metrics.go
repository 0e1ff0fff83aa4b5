package monitoring

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"onix_miner/internal/mining"
)

// PrometheusMetrics - система метрик Prometheus
type PrometheusMetrics struct {
	registry *prometheus.Registry
	server   *http.Server
	port     int

	// Tick metrics
	tickDuration prometheus.Histogram
	ticks        prometheus.Counter
	tickFailures prometheus.Counter
	activeMiners prometheus.Gauge
	idleRefills  prometheus.Counter
	minedReward  prometheus.Counter
	burned       prometheus.Counter
	referralPaid prometheus.Counter
	totalMined   prometheus.Gauge
	totalBurned  prometheus.Gauge
	currentBlock prometheus.Gauge

	// Live metrics
	liveConnections   prometheus.Gauge
	liveAuthenticated prometheus.Gauge
	liveDropped       prometheus.Counter

	// HTTP metrics
	requestDuration *prometheus.HistogramVec
	requestCount    *prometheus.CounterVec
}

// NewPrometheusMetrics - создание системы метрик
func NewPrometheusMetrics(port int) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		port:     port,
	}

	pm.initializeMetrics()
	pm.registerMetrics()

	return pm
}

// initializeMetrics - инициализация метрик
func (pm *PrometheusMetrics) initializeMetrics() {
	pm.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "onix_tick_duration_seconds",
		Help:    "Duration of one accrual tick",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
	pm.ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onix_ticks_total",
		Help: "Accrual ticks completed",
	})
	pm.tickFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onix_tick_failures_total",
		Help: "Per-user or settings storage failures during ticks",
	})
	pm.activeMiners = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onix_active_miners",
		Help: "Users mining during the last tick",
	})
	pm.idleRefills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onix_idle_refills_total",
		Help: "Idle users whose energy was refilled",
	})
	pm.minedReward = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onix_reward_emitted_total",
		Help: "Gross ONIX emitted to miners",
	})
	pm.burned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onix_burned_total",
		Help: "ONIX burned since process start",
	})
	pm.referralPaid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onix_referral_paid_total",
		Help: "ONIX paid as referral commission since process start",
	})
	pm.totalMined = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onix_total_mined",
		Help: "Sum of total_mined over all users",
	})
	pm.totalBurned = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onix_total_burned",
		Help: "Global total_burned setting",
	})
	pm.currentBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onix_current_block",
		Help: "Global block height",
	})

	pm.liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onix_live_connections",
		Help: "Open live connections",
	})
	pm.liveAuthenticated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onix_live_authenticated",
		Help: "Live connections bound to a user",
	})
	pm.liveDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onix_live_dropped_messages_total",
		Help: "Messages dropped because a connection queue was full",
	})

	pm.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onix_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	pm.requestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onix_requests_total",
			Help: "Total number of requests",
		},
		[]string{"method", "endpoint", "status"},
	)
}

// registerMetrics - регистрация метрик
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(pm.tickDuration)
	pm.registry.MustRegister(pm.ticks)
	pm.registry.MustRegister(pm.tickFailures)
	pm.registry.MustRegister(pm.activeMiners)
	pm.registry.MustRegister(pm.idleRefills)
	pm.registry.MustRegister(pm.minedReward)
	pm.registry.MustRegister(pm.burned)
	pm.registry.MustRegister(pm.referralPaid)
	pm.registry.MustRegister(pm.totalMined)
	pm.registry.MustRegister(pm.totalBurned)
	pm.registry.MustRegister(pm.currentBlock)

	pm.registry.MustRegister(pm.liveConnections)
	pm.registry.MustRegister(pm.liveAuthenticated)
	pm.registry.MustRegister(pm.liveDropped)

	pm.registry.MustRegister(pm.requestDuration)
	pm.registry.MustRegister(pm.requestCount)

	// Default Go metrics
	pm.registry.MustRegister(prometheus.NewGoCollector())
	pm.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// Handler - отдача метрик в формате Prometheus
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// StartServer - запуск сервера метрик
func (pm *PrometheusMetrics) StartServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", pm.Handler())

	pm.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", pm.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("Prometheus metrics server starting on port %d", pm.port)
	return pm.server.ListenAndServe()
}

// Shutdown - остановка сервера
func (pm *PrometheusMetrics) Shutdown(ctx context.Context) error {
	if pm.server != nil {
		return pm.server.Shutdown(ctx)
	}
	return nil
}

// ObserveTick records the outcome of one accrual tick.
func (pm *PrometheusMetrics) ObserveTick(r mining.TickReport) {
	pm.tickDuration.Observe(r.Duration.Seconds())
	pm.ticks.Inc()
	pm.tickFailures.Add(float64(r.Failures))
	pm.activeMiners.Set(float64(r.Miners))
	pm.idleRefills.Add(float64(r.Refilled))
	pm.minedReward.Add(r.Reward)
	pm.burned.Add(r.Burned)
	pm.referralPaid.Add(r.Referral)
	pm.totalMined.Set(r.Stats.TotalMined)
	pm.totalBurned.Set(r.Stats.TotalBurned)
	pm.currentBlock.Set(float64(r.Stats.CurrentBlock))
}

func (pm *PrometheusMetrics) ConnectionsChanged(total, authenticated int) {
	pm.liveConnections.Set(float64(total))
	pm.liveAuthenticated.Set(float64(authenticated))
}

func (pm *PrometheusMetrics) MessageDropped() {
	pm.liveDropped.Inc()
}

func (pm *PrometheusMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	pm.requestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
	pm.requestCount.WithLabelValues(method, endpoint, status).Inc()
}

// MetricsMiddleware - middleware для HTTP метрик
func (pm *PrometheusMetrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Route pattern keeps label cardinality bounded.
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				endpoint = p
			}
		}
		pm.RecordRequest(r.Method, endpoint, strconv.Itoa(wrapped.status), time.Since(start))
	})
}

// responseWriter - обертка для захвата статуса ответа
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.status = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
