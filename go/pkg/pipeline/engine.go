package pipeline

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/alphapulse"
	"ats-engine/go/pkg/auction"
	"ats-engine/go/pkg/feed"
	"ats-engine/go/pkg/indexweight"
	"ats-engine/go/pkg/instruments"
	"ats-engine/go/pkg/optionchain"
	"ats-engine/go/pkg/paper"
	"ats-engine/go/pkg/shared"
	"ats-engine/go/pkg/signals"
	"ats-engine/go/pkg/sinks"
	"ats-engine/go/pkg/telemetry"
	"ats-engine/go/pkg/thetaguard"
	"ats-engine/go/pkg/volumebar"
)

// Deps are the collaborators an Engine is built around. DB and Producer are
// optional; without them the matching sinks are left out.
type Deps struct {
	Instruments *instruments.Master
	Basket      []indexweight.Constituent
	DB          shared.DB
	Producer    shared.Producer
	Grace       shared.GraceConfig
	BarFeed     chan<- shared.Bar
	SignalFeed  chan<- shared.SignalEvent
}

// forward copies events onto a bounded dashboard channel, dropping on a
// full one.
type forward[T any] struct {
	name    string
	out     chan<- T
	dropped prometheus.Counter
}

func newForward[T any](name string, out chan<- T) *forward[T] {
	return &forward[T]{
		name: name,
		out:  out,
		dropped: shared.NewCounter(prometheus.CounterOpts{
			Name: name + "_feed_dropped_total",
			Help: "Dashboard updates dropped on a full channel",
		}),
	}
}

func (f *forward[T]) Name() string { return f.name + "-feed" }

func (f *forward[T]) OnEvent(ev *T, _ int64, _ bool) error {
	select {
	case f.out <- *ev:
	default:
		f.dropped.Inc()
	}
	return nil
}

type writer interface {
	Start(ctx context.Context)
	Close()
}

// Engine is the handler graph of one index on top of a Pipeline.
type Engine struct {
	Pipe      *Pipeline
	Bars      *volumebar.Accumulator
	Profiles  *auction.Calculator
	States    *signals.Engine
	Weights   *indexweight.Calculator
	Chain     *optionchain.Indexer
	Theta     *thetaguard.Guard
	Alpha     *alphapulse.Engine
	Book      *paper.Book
	Keeper    *paper.Bookkeeper
	Telemetry *telemetry.Sink

	log     shared.Logger
	writers []writer
}

func NewEngine(cfg shared.EngineConfig, deps Deps, log shared.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = shared.NopLogger()
	}
	p, err := New(cfg, log, opts...)
	if err != nil {
		return nil, err
	}
	master := deps.Instruments
	if master == nil {
		master = instruments.NewMaster()
	}

	e := &Engine{Pipe: p, log: log, Profiles: auction.NewCalculator(log), Telemetry: telemetry.NewSink()}
	e.States = signals.NewEngine(e.Profiles, p, log)
	e.Bars = volumebar.New(cfg.VolumeBarThreshold, e.onBar)
	if deps.BarFeed != nil {
		e.Bars.SetDashboard(deps.BarFeed)
	}
	e.Book = paper.NewBook(p, log)
	e.Keeper = paper.NewBookkeeper(e.Book, paper.ConfigFrom(cfg), log)
	e.Weights = indexweight.New(deps.Basket, master, p, log)
	e.Chain = optionchain.New(master, cfg.IndexInstrumentKey, cfg.IndexSpotSymbol)
	e.Theta = thetaguard.New(e.Book, cfg.ThetaExitThreshold, log)
	e.Alpha = alphapulse.NewEngine(cfg.IndexInstrumentKey, master, p, log, alphapulse.WithOptionClassifier(master))

	// bars and profiles first, then marks, so the guard sees fresh P&L
	p.HandleTicks(e.Bars, e.Book, e.Weights, e.Chain, e.Theta)
	p.HandleTicks(e.Alpha)
	p.HandleSignals(e.Keeper)
	if deps.SignalFeed != nil {
		p.HandleSignals(newForward("signal", deps.SignalFeed))
	}
	p.HandleTelemetry(e.Telemetry)

	if deps.DB != nil {
		ticks := sinks.NewTableWriter(deps.DB, sinks.Ticks, deps.Grace, log)
		depth := sinks.NewTableWriter(deps.DB, sinks.Depth, deps.Grace, log)
		sigs := sinks.NewTableWriter(deps.DB, sinks.Signals, deps.Grace, log)
		orders := sinks.NewTableWriter(deps.DB, sinks.Orders, deps.Grace, log)
		heavy := sinks.NewTableWriter(deps.DB, sinks.Heavyweights, deps.Grace, log)
		telem := sinks.NewTableWriter(deps.DB, sinks.Telemetry, deps.Grace, log)
		p.HandleTicks(ticks)
		p.HandleDepth(depth)
		p.HandleSignals(sigs)
		p.HandleOrders(orders)
		p.HandleHeavyweights(heavy)
		p.HandleTelemetry(telem)
		e.writers = append(e.writers, ticks, depth, sigs, orders, heavy, telem)
	}
	if deps.Producer != nil && cfg.SignalTopic != "" {
		pub := sinks.NewSignalPublisher(deps.Producer, cfg.SignalTopic, deps.Grace, log)
		p.HandleSignals(pub)
		e.writers = append(e.writers, pub)
	}
	return e, nil
}

// onBar feeds a completed bar to the profile, then to the state machine.
func (e *Engine) onBar(b shared.Bar) {
	e.Profiles.OnBar(b)
	if err := e.States.OnBar(b); err != nil {
		if errors.Is(err, shared.ErrProfileMissing) {
			e.log.Debugf("[engine] %s: %v", b.Symbol, err)
			return
		}
		e.log.Errorf("[engine] signal for %s: %v", b.Symbol, err)
	}
}

// Start starts the sink workers and then the stages.
func (e *Engine) Start(ctx context.Context) {
	for _, w := range e.writers {
		w.Start(ctx)
	}
	e.Pipe.Start()
}

// Run pumps src through the ingress until src closes or ctx ends. Sources
// that cannot block drop on a full handoff, so it holds as much as the TICK
// ring does.
func (e *Engine) Run(ctx context.Context, src feed.Source) error {
	updates := make(chan feed.Update, TickCapacity)
	if err := src.Start(ctx, updates); err != nil {
		return err
	}
	err := feed.NewIngress(e.Pipe, e.log).Run(ctx, updates)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown drains the stages, then flushes the sinks.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.Pipe.Shutdown(ctx)
	for _, w := range e.writers {
		w.Close()
	}
	return err
}
