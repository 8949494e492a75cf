package shared

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes Prometheus metrics.
type MetricsServer struct {
	addr string
	srv  *http.Server
}

func NewMetricsServer(port int) *MetricsServer {
	return &MetricsServer{addr: ":" + itoa(port)}
}

func (m *MetricsServer) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	m.srv = &http.Server{Addr: m.addr, Handler: mux}
	go func() { _ = m.srv.ListenAndServe() }()
}

func (m *MetricsServer) Close() {
	if m.srv != nil {
		_ = m.srv.Close()
	}
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}

// register adds c to the default registry. Constructing the same family twice
// (several engines in one test binary) hands back the collector already there.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Convenience helpers to avoid repeating namespace.
func NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	return register(prometheus.NewCounter(opts))
}

func NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(prometheus.NewCounterVec(opts, labels))
}

func NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	return register(prometheus.NewGauge(opts))
}

func NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	return register(prometheus.NewGaugeVec(opts, labels))
}

func NewHist(opts prometheus.HistogramOpts) prometheus.Histogram {
	return register(prometheus.NewHistogram(opts))
}

func NewHistVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(prometheus.NewHistogramVec(opts, labels))
}
