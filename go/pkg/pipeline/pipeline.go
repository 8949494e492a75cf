// Package pipeline composes the six stages of the engine and exposes their
// producer sides to the components that publish across stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ats-engine/go/pkg/ring"
	"ats-engine/go/pkg/shared"
	"ats-engine/go/pkg/telemetry"
)

const (
	TickCapacity        = 65536
	DepthCapacity       = 65536
	SignalCapacity      = 16384
	OrderCapacity       = 8192
	TelemetryCapacity   = 4096
	HeavyweightCapacity = 16384
)

type groups[T any] struct {
	hs [][]ring.Handler[T]
}

func (g *groups[T]) add(hs []ring.Handler[T]) {
	if len(hs) > 0 {
		g.hs = append(g.hs, hs)
	}
}

// attach registers every group on s, with probe appended to the last one so
// its lag covers the whole stage.
func attach[T any](s *ring.Stage[T], g *groups[T], probe *telemetry.Probe[T]) {
	if probe != nil {
		if len(g.hs) == 0 {
			g.hs = append(g.hs, nil)
		}
		last := len(g.hs) - 1
		g.hs[last] = append(g.hs[last], probe)
	}
	for _, hs := range g.hs {
		s.HandleEventsWith(hs...)
	}
}

// Pipeline owns the stages. Handlers are registered with the Handle* methods,
// each call adding one consumer worker, before Start.
type Pipeline struct {
	Ticks        *ring.Stage[shared.Tick]
	Depth        *ring.Stage[shared.DepthEvent]
	Signals      *ring.Stage[shared.SignalEvent]
	Orders       *ring.Stage[shared.OrderEvent]
	Heavyweights *ring.Stage[shared.HeavyweightEvent]
	Telemetry    *ring.Stage[shared.TelemetryEvent]

	log     shared.Logger
	probes  bool
	tick    groups[shared.Tick]
	depth   groups[shared.DepthEvent]
	signal  groups[shared.SignalEvent]
	order   groups[shared.OrderEvent]
	heavy   groups[shared.HeavyweightEvent]
	telem   groups[shared.TelemetryEvent]
	stopErr chan struct{}
	errWG   sync.WaitGroup
}

type Option func(*Pipeline)

// WithoutProbes leaves the telemetry probes out.
func WithoutProbes() Option { return func(p *Pipeline) { p.probes = false } }

// New builds the stages with the configured wait strategy. SIGNAL and ORDER
// are multi-producer because they are fed from more than one consumer worker.
func New(cfg shared.EngineConfig, log shared.Logger, opts ...Option) (*Pipeline, error) {
	if log == nil {
		log = shared.NopLogger()
	}
	var ws [6]ring.WaitStrategy
	for i := range ws {
		w, err := ring.ParseWaitStrategy(cfg.WaitStrategy)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", shared.ErrConfigurationInvalid, err)
		}
		ws[i] = w
	}
	lo := ring.WithLogger(log)
	p := &Pipeline{
		Ticks:        ring.NewStage[shared.Tick]("TICK", TickCapacity, ring.SingleProducer, ws[0], lo),
		Depth:        ring.NewStage[shared.DepthEvent]("DEPTH", DepthCapacity, ring.SingleProducer, ws[1], lo),
		Signals:      ring.NewStage[shared.SignalEvent]("SIGNAL", SignalCapacity, ring.MultiProducer, ws[2], lo),
		Orders:       ring.NewStage[shared.OrderEvent]("ORDER", OrderCapacity, ring.MultiProducer, ws[3], lo),
		Heavyweights: ring.NewStage[shared.HeavyweightEvent]("HEAVYWEIGHT", HeavyweightCapacity, ring.SingleProducer, ws[4], lo),
		Telemetry:    ring.NewStage[shared.TelemetryEvent]("TELEMETRY", TelemetryCapacity, ring.MultiProducer, ws[5], lo),
		log:          log,
		probes:       true,
		stopErr:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Pipeline) HandleTicks(hs ...ring.Handler[shared.Tick]) { p.tick.add(hs) }

func (p *Pipeline) HandleDepth(hs ...ring.Handler[shared.DepthEvent]) { p.depth.add(hs) }

func (p *Pipeline) HandleSignals(hs ...ring.Handler[shared.SignalEvent]) { p.signal.add(hs) }

func (p *Pipeline) HandleOrders(hs ...ring.Handler[shared.OrderEvent]) { p.order.add(hs) }

func (p *Pipeline) HandleHeavyweights(hs ...ring.Handler[shared.HeavyweightEvent]) {
	p.heavy.add(hs)
}

func (p *Pipeline) HandleTelemetry(hs ...ring.Handler[shared.TelemetryEvent]) { p.telem.add(hs) }

// Start wires the handlers and starts the stages downstream first, so no
// stage publishes into one that is not yet consuming.
func (p *Pipeline) Start() {
	var (
		tp *telemetry.Probe[shared.Tick]
		dp *telemetry.Probe[shared.DepthEvent]
		sp *telemetry.Probe[shared.SignalEvent]
		op *telemetry.Probe[shared.OrderEvent]
		hp *telemetry.Probe[shared.HeavyweightEvent]
	)
	if p.probes {
		tp = telemetry.NewProbe[shared.Tick]("MARKET_PROCESSOR", p.Ticks.RemainingCapacity, telemetry.TickStamps, p)
		dp = telemetry.NewProbe[shared.DepthEvent]("DEPTH_PROCESSOR", p.Depth.RemainingCapacity, telemetry.DepthStamps, p)
		sp = telemetry.NewProbe[shared.SignalEvent]("SIGNAL_PROCESSOR", p.Signals.RemainingCapacity, telemetry.SignalStamps, p)
		op = telemetry.NewProbe[shared.OrderEvent]("ORDER_PROCESSOR", p.Orders.RemainingCapacity, telemetry.OrderStamps, p)
		hp = telemetry.NewProbe[shared.HeavyweightEvent]("HEAVYWEIGHT_PROCESSOR", p.Heavyweights.RemainingCapacity, telemetry.HeavyweightStamps, p)
	}
	attach(p.Ticks, &p.tick, tp)
	attach(p.Depth, &p.depth, dp)
	attach(p.Signals, &p.signal, sp)
	attach(p.Orders, &p.order, op)
	attach(p.Heavyweights, &p.heavy, hp)
	attach(p.Telemetry, &p.telem, nil)

	p.Telemetry.Start()
	p.Orders.Start()
	p.Signals.Start()
	p.Heavyweights.Start()
	p.Depth.Start()
	p.Ticks.Start()

	for _, errs := range []<-chan error{
		p.Ticks.Errors(), p.Depth.Errors(), p.Signals.Errors(),
		p.Orders.Errors(), p.Heavyweights.Errors(), p.Telemetry.Errors(),
	} {
		p.errWG.Add(1)
		go p.drainErrors(errs)
	}
}

func (p *Pipeline) drainErrors(errs <-chan error) {
	defer p.errWG.Done()
	for {
		select {
		case err := <-errs:
			p.log.Errorf("[pipeline] %v", err)
		case <-p.stopErr:
			return
		}
	}
}

// Shutdown stops the stages upstream first: each stage drains before the
// stages its handlers publish into are closed.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(p.Ticks.Shutdown(ctx))
	collect(p.Depth.Shutdown(ctx))
	collect(p.Signals.Shutdown(ctx))
	collect(p.Heavyweights.Shutdown(ctx))
	collect(p.Orders.Shutdown(ctx))
	collect(p.Telemetry.Shutdown(ctx))
	select {
	case <-p.stopErr:
	default:
		close(p.stopErr)
	}
	p.errWG.Wait()
	return errors.Join(errs...)
}

func (p *Pipeline) PublishTick(t *shared.Tick) error {
	return p.Ticks.Publish(func(ev *shared.Tick) { *ev = *t })
}

func (p *Pipeline) PublishDepth(d *shared.DepthEvent) error {
	return p.Depth.Publish(func(ev *shared.DepthEvent) { *ev = *d })
}

func (p *Pipeline) PublishSignal(s shared.SignalEvent) error {
	return p.Signals.Publish(func(ev *shared.SignalEvent) { *ev = s })
}

func (p *Pipeline) PublishOrder(o shared.OrderEvent) error {
	return p.Orders.Publish(func(ev *shared.OrderEvent) { *ev = o })
}

func (p *Pipeline) PublishHeavyweight(h shared.HeavyweightEvent) error {
	return p.Heavyweights.Publish(func(ev *shared.HeavyweightEvent) { *ev = h })
}

func (p *Pipeline) TryPublishTelemetry(t shared.TelemetryEvent) error {
	return p.Telemetry.TryPublish(func(ev *shared.TelemetryEvent) { *ev = t })
}
