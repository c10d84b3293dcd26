// Package metrics exposes gateway counters in the prometheus format. It is
// fed from the event bus, so producers never import it.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imgateway/internal/eventbus"
	"imgateway/internal/gateway"
	"imgateway/internal/im/connection"
	"imgateway/internal/notifier"
)

const namespace = "imgateway"

type Metrics struct {
	reg *prometheus.Registry

	SendsTotal       *prometheus.CounterVec
	ConnectionEvents *prometheus.CounterVec
	Connected        *prometheus.GaugeVec
	InboundTotal     *prometheus.CounterVec
	NotifierEvents   *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	busOnce sync.Once
}

// New registers every collector on a private registry together with the
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		SendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound send results by provider, path and outcome.",
		}, []string{"provider", "via", "result"}),
		ConnectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Persistent session lifecycle transitions.",
		}, []string{"provider", "state"}),
		Connected: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the provider session is connected.",
		}, []string{"provider"}),
		InboundTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages accepted after dedup.",
		}, []string{"provider"}),
		NotifierEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_events_total",
			Help:      "Alert pipeline events (queued, deduped, dropped, sent, failed).",
		}, []string{"event"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe applies one bus event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case gateway.SendEvent:
		result := "success"
		if !d.Success {
			result = "failure"
		}
		m.SendsTotal.WithLabelValues(string(d.Provider), d.Via, result).Inc()
	case connection.ConnectionEvent:
		m.ConnectionEvents.WithLabelValues(string(d.Provider), d.State).Inc()
		switch d.State {
		case "connected", "resumed":
			m.Connected.WithLabelValues(string(d.Provider)).Set(1)
		default:
			m.Connected.WithLabelValues(string(d.Provider)).Set(0)
		}
	case connection.InboundEvent:
		m.InboundTotal.WithLabelValues(string(d.Provider)).Inc()
	case notifier.NotificationEvent:
		m.NotifierEvents.WithLabelValues(e.Type).Inc()
	}
}

// Run consumes bus events until ctx is done. The bus's own publish and
// drop counters are exported alongside.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	m.busOnce.Do(func() {
		m.reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "eventbus_published_total",
				Help:      "Events published on the internal bus.",
			}, func() float64 { return float64(bus.Stats().Published) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "eventbus_dropped_total",
				Help:      "Event deliveries dropped because a subscriber was full.",
			}, func() float64 { return float64(bus.Stats().Dropped) }),
		)
	})
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// GinMiddleware records request counts and latency by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
