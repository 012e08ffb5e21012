package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry     *prometheus.Registry
	namespace    string
	httpReqCnt   *prometheus.CounterVec
	httpDur      *prometheus.HistogramVec
	httpInfl     *prometheus.GaugeVec
	grantCnt     *prometheus.CounterVec
	clientRegCnt prometheus.Counter
	toolExecCnt  *prometheus.CounterVec
	toolExecDur  *prometheus.HistogramVec
	toolExecInfl *prometheus.GaugeVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	grantCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "oauth_grants_total"}, []string{"grant_type", "status"})
	clientRegCnt := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "oauth_client_registrations_total"})
	r.MustRegister(grantCnt, clientRegCnt)

	toolExecCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "tool_execution_total"}, []string{"tool_name", "status"})
	toolExecDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "tool_execution_duration_seconds", Buckets: cfg.Buckets}, []string{"tool_name", "status"})
	toolExecInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "tool_execution_inflight_requests"}, []string{"tool_name"})
	r.MustRegister(toolExecCnt, toolExecDur, toolExecInfl)

	return &Metrics{
		registry:     r,
		namespace:    ns,
		httpReqCnt:   httpReqCnt,
		httpDur:      httpDur,
		httpInfl:     httpInfl,
		grantCnt:     grantCnt,
		clientRegCnt: clientRegCnt,
		toolExecCnt:  toolExecCnt,
		toolExecDur:  toolExecDur,
		toolExecInfl: toolExecInfl,
	}
}

// GrantIssued counts a token grant by type and outcome.
func (m *Metrics) GrantIssued(grantType, status string) {
	m.grantCnt.WithLabelValues(grantType, status).Inc()
}

// ClientRegistered counts a dynamic client registration.
func (m *Metrics) ClientRegistered() {
	m.clientRegCnt.Inc()
}

func (m *Metrics) ToolExecStart(toolName string) {
	m.toolExecInfl.WithLabelValues(toolName).Inc()
}

func (m *Metrics) ToolExecDone(toolName string, since time.Time, status string) {
	m.toolExecCnt.WithLabelValues(toolName, status).Inc()
	m.toolExecDur.WithLabelValues(toolName, status).Observe(time.Since(since).Seconds())
	m.toolExecInfl.WithLabelValues(toolName).Dec()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
