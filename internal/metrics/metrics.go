package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/hardware"
)

// Collector 出币机监控指标，使用独立 registry
type Collector struct {
	registry *prometheus.Registry

	transactions   *prometheus.CounterVec
	tokens         prometheus.Counter
	hardwareErrors *prometheus.CounterVec
	state          prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewCollector 创建并注册指标
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hopper_transactions_total",
			Help: "Dispense transaction transitions by event.",
		}, []string{"event"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hopper_tokens_dispensed_total",
			Help: "Tokens counted out by finished or jammed transactions.",
		}),
		hardwareErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hopper_hardware_errors_total",
			Help: "Decoded hopper error signals by code name.",
		}, []string{"code"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hopper_dispenser_state",
			Help: "Active transaction state (0 idle, 1 dispensing, 2 done, 3 error).",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	c.registry.MustRegister(
		c.transactions,
		c.tokens,
		c.hardwareErrors,
		c.state,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 指标注册表
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// OnDispenseEvent 统计交易事件
func (c *Collector) OnDispenseEvent(ev dispenser.Event) {
	if ev.Kind != dispenser.EventProgress {
		c.transactions.WithLabelValues(string(ev.Kind)).Inc()
	}
	switch ev.Kind {
	case dispenser.EventDone, dispenser.EventJammed:
		c.tokens.Add(float64(ev.Transaction.Dispensed))
	}
	c.state.Set(float64(ev.Transaction.State))
}

// OnHardwareError 统计硬件故障
func (c *Collector) OnHardwareError(rec hardware.ErrorRecord) {
	c.hardwareErrors.WithLabelValues(rec.Code.Name()).Inc()
}

// GinMiddleware 记录请求数与耗时
func (c *Collector) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.httpRequests.WithLabelValues(route, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
