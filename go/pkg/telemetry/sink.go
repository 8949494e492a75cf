package telemetry

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

// Sink is the TELEMETRY handler: it exports each sample as gauges and keeps
// the latest one per processor for the dashboard.
type Sink struct {
	capacity *prometheus.GaugeVec
	procLag  *prometheus.GaugeVec
	netLag   *prometheus.GaugeVec

	mu     sync.RWMutex
	latest map[string]shared.TelemetryEvent
}

func NewSink() *Sink {
	return &Sink{
		capacity: shared.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stage_remaining_capacity",
			Help: "Free slots in a stage ring at the last probe sample",
		}, []string{"processor"}),
		procLag: shared.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_proc_lag_ms",
			Help: "Ingest to end-of-stage latency",
		}, []string{"processor"}),
		netLag: shared.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_net_lag_ms",
			Help: "Exchange timestamp to end-of-stage latency",
		}, []string{"processor"}),
		latest: make(map[string]shared.TelemetryEvent),
	}
}

func (s *Sink) Name() string { return "telemetry-sink" }

func (s *Sink) OnEvent(ev *shared.TelemetryEvent, _ int64, _ bool) error {
	s.capacity.WithLabelValues(ev.Processor).Set(float64(ev.RemainingCapacity))
	s.procLag.WithLabelValues(ev.Processor).Set(float64(ev.ProcLagMs))
	s.netLag.WithLabelValues(ev.Processor).Set(float64(ev.NetLagMs))
	s.mu.Lock()
	s.latest[ev.Processor] = *ev
	s.mu.Unlock()
	return nil
}

// Latest returns the newest sample of every processor, by name.
func (s *Sink) Latest() []shared.TelemetryEvent {
	s.mu.RLock()
	out := make([]shared.TelemetryEvent, 0, len(s.latest))
	for _, ev := range s.latest {
		out = append(out, ev)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Processor < out[j].Processor })
	return out
}
