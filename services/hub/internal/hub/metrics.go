package hub

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	requests      *prometheus.CounterVec
	logins        *prometheus.CounterVec
	spawns        *prometheus.CounterVec
	spawnDuration prometheus.Histogram
}

func newMetrics(reg *prometheus.Registry, running func() float64) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbhub_http_requests_total",
			Help: "Hub HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbhub_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbhub_spawns_total",
			Help: "Single-user server starts by result.",
		}, []string{"result"}),
		spawnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nbhub_spawn_duration_seconds",
			Help:    "Time to start a single-user server.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
	}
	reg.MustRegister(
		m.requests,
		m.logins,
		m.spawns,
		m.spawnDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nbhub_running_servers",
			Help: "Single-user servers currently running.",
		}, running),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *metrics) observeSpawn(err error, d time.Duration) {
	m.spawns.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		m.spawnDuration.Observe(d.Seconds())
	}
}

func (m *metrics) observeLogin(result string) {
	m.logins.WithLabelValues(result).Inc()
}

// instrument counts requests by their chi route pattern
func (h *Hub) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
