// Package metrics exposes the engine's counters as Prometheus gauges and
// counters, and a ready-to-mount /metrics handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ubio/ubioproxy/pkg/certstore"
	"github.com/ubio/ubioproxy/pkg/engine"
)

// Collector owns the proxy's Prometheus metric set.
type Collector struct {
	registry *prometheus.Registry

	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
	connects     *prometheus.CounterVec
	certsIssued  prometheus.Counter
	tracked      prometheus.GaugeFunc
}

// New builds a Collector registered on its own registry (rather than the
// global default, so embedding this module doesn't collide with a host
// process's own Prometheus setup).
func New(eng *engine.Engine, namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_read_total",
			Help: "Total bytes relayed from clients to origin/upstream.",
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_written_total",
			Help: "Total bytes relayed from origin/upstream to clients.",
		}),
		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_connect_total",
			Help: "Outbound connect attempts (result=attempted) and engine errors of any kind (result=error).",
		}, []string{"result"}),
		certsIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "certificates_issued_total",
			Help: "SSL-bump leaf certificates minted.",
		}),
	}

	c.tracked = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "tracked_connections",
		Help: "Currently tracked outbound CONNECT tunnels (plain HTTP forwards are not tracked).",
	}, func() float64 { return float64(eng.TrackedConnectionCount()) })

	eng.Events().OnOutboundConnect(func(engine.OutboundConnectEvent) {
		c.connects.WithLabelValues("attempted").Inc()
	})
	eng.Events().OnError(func(engine.ErrorEvent) {
		c.connects.WithLabelValues("error").Inc()
	})

	go c.pollStats(eng)

	return c
}

// pollStats periodically snapshots the engine's byte counters onto the
// Prometheus counters, which only support monotonic Add. The engine's own
// Stats are also monotonic for the engine's lifetime, so the delta between
// polls is always non-negative.
func (c *Collector) pollStats(eng *engine.Engine) {
	var lastRead, lastWritten int64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s := eng.Stats()
		if d := s.BytesRead() - lastRead; d > 0 {
			c.bytesRead.Add(float64(d))
			lastRead = s.BytesRead()
		}
		if d := s.BytesWritten() - lastWritten; d > 0 {
			c.bytesWritten.Add(float64(d))
			lastWritten = s.BytesWritten()
		}
	}
}

// ObserveCertificateIssuance increments the certificates_issued_total
// counter. Set certstore.Options.OnIssue to this method value before
// constructing the store.
func (c *Collector) ObserveCertificateIssuance(certstore.CertificateIssued) {
	c.certsIssued.Inc()
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
