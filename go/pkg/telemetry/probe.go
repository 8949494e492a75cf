// Package telemetry samples stage health onto the TELEMETRY stage and turns
// the samples into gauges.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

// Publisher is a non-blocking TELEMETRY producer. A full ring answers
// shared.ErrPipelineSaturated.
type Publisher interface {
	TryPublishTelemetry(ev shared.TelemetryEvent) error
}

// Stamps extracts the ingest and exchange timestamps (ms epoch) of an event.
// A zero exchange stamp means no network lag is reported.
type Stamps[T any] func(ev *T) (ingest, exchange int64)

// Probe is registered last on a stage so its lag covers every handler before
// it. It samples once per batch.
type Probe[T any] struct {
	processor string
	capacity  func() int64
	stamps    Stamps[T]
	out       Publisher
	now       func() int64
	dropped   prometheus.Counter
}

func NewProbe[T any](processor string, capacity func() int64, stamps Stamps[T], out Publisher) *Probe[T] {
	return &Probe[T]{
		processor: processor,
		capacity:  capacity,
		stamps:    stamps,
		out:       out,
		now:       shared.NowMillis,
		dropped: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_samples_dropped_total",
			Help: "Probe samples dropped because TELEMETRY was full",
		}, []string{"processor"}).WithLabelValues(processor),
	}
}

func (p *Probe[T]) Name() string { return p.processor + "-probe" }

func (p *Probe[T]) OnEvent(ev *T, _ int64, endOfBatch bool) error {
	if !endOfBatch {
		return nil
	}
	now := p.now()
	ingest, exch := p.stamps(ev)
	s := shared.TelemetryEvent{
		Processor:         p.processor,
		RemainingCapacity: p.capacity(),
		Timestamp:         now,
	}
	if ingest > 0 {
		s.ProcLagMs = now - ingest
	}
	if exch > 0 {
		s.NetLagMs = now - exch
	}
	err := p.out.TryPublishTelemetry(s)
	if errors.Is(err, shared.ErrPipelineSaturated) {
		p.dropped.Inc()
		return nil
	}
	return err
}

func TickStamps(t *shared.Tick) (int64, int64) { return t.Ts, t.LTT }

func DepthStamps(d *shared.DepthEvent) (int64, int64) { return d.Ts, 0 }

func SignalStamps(s *shared.SignalEvent) (int64, int64) { return s.Timestamp, 0 }

func OrderStamps(o *shared.OrderEvent) (int64, int64) { return o.Timestamp, 0 }

func HeavyweightStamps(h *shared.HeavyweightEvent) (int64, int64) { return h.Timestamp, 0 }
