package ring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

// Handler consumes one event of a stage. endOfBatch is true when seq is the
// highest sequence published at the time the batch was read.
type Handler[T any] interface {
	OnEvent(ev *T, seq int64, endOfBatch bool) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ev *T, seq int64, endOfBatch bool) error

func (f HandlerFunc[T]) OnEvent(ev *T, seq int64, endOfBatch bool) error {
	return f(ev, seq, endOfBatch)
}

type named interface{ Name() string }

// Named attaches a label used in error reports and metrics.
func Named[T any](name string, h Handler[T]) Handler[T] {
	return namedHandler[T]{name: name, Handler: h}
}

type namedHandler[T any] struct {
	name string
	Handler[T]
}

func (n namedHandler[T]) Name() string { return n.name }

func handlerName(h any) string {
	if n, ok := h.(named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

type metrics struct {
	published prometheus.Counter
	failures  prometheus.Counter
	saturated prometheus.Counter
}

func newMetrics(stage string) *metrics {
	return &metrics{
		published: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_published_total",
			Help: "Events committed to a stage",
		}, []string{"stage"}).WithLabelValues(stage),
		failures: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_handler_errors_total",
			Help: "Handler errors and panics caught at the stage boundary",
		}, []string{"stage"}).WithLabelValues(stage),
		saturated: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_saturated_total",
			Help: "Non-blocking reservations refused because the ring was full",
		}, []string{"stage"}).WithLabelValues(stage),
	}
}

type group[T any] struct {
	handlers []Handler[T]
	seq      *Sequence
}

// Stage couples a ring with its consumer workers.
type Stage[T any] struct {
	name   string
	ring   *Ring[T]
	wait   WaitStrategy
	log    shared.Logger
	m      *metrics
	groups []*group[T]
	errs   chan error

	started  atomic.Bool
	closing  atomic.Bool
	inflight atomic.Int64
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type Option func(*options)

type options struct {
	log    shared.Logger
	errBuf int
}

func WithLogger(l shared.Logger) Option { return func(o *options) { o.log = l } }

// WithErrorBuffer sizes the stage error channel.
func WithErrorBuffer(n int) Option { return func(o *options) { o.errBuf = n } }

func NewStage[T any](name string, capacity int, pt ProducerType, w WaitStrategy, opts ...Option) *Stage[T] {
	o := options{log: shared.NopLogger(), errBuf: 256}
	for _, fn := range opts {
		fn(&o)
	}
	if w == nil {
		w = NewSleepingWait()
	}
	return &Stage[T]{
		name: name,
		ring: New[T](capacity, pt),
		wait: w,
		log:  o.log,
		m:    newMetrics(name),
		errs: make(chan error, o.errBuf),
		done: make(chan struct{}),
	}
}

func (s *Stage[T]) Name() string { return s.name }

func (s *Stage[T]) Ring() *Ring[T] { return s.ring }

// Errors delivers handler failures. Reports are dropped when nobody drains it.
func (s *Stage[T]) Errors() <-chan error { return s.errs }

// HandleEventsWith adds one consumer worker that runs hs in order for every
// sequence. Must be called before Start.
func (s *Stage[T]) HandleEventsWith(hs ...Handler[T]) {
	if s.started.Load() {
		panic("ring: HandleEventsWith after Start on stage " + s.name)
	}
	if len(hs) == 0 {
		return
	}
	g := &group[T]{handlers: hs, seq: newSequence(-1)}
	s.groups = append(s.groups, g)
	s.ring.AddGate(g.seq)
}

func (s *Stage[T]) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, g := range s.groups {
		s.wg.Add(1)
		go s.consume(g)
	}
	s.log.Printf("[ring] stage %s started: capacity=%d consumers=%d", s.name, s.ring.Size(), len(s.groups))
}

// Publish reserves a slot, lets fill write it and commits. It blocks per the
// wait strategy while the slowest consumer is a full lap behind.
func (s *Stage[T]) Publish(fill func(ev *T)) error {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	if s.closing.Load() {
		return shared.ErrStageClosed
	}
	seq, ok := s.ring.Reserve(s.wait, s.done)
	if !ok {
		return shared.ErrStageClosed
	}
	fill(s.ring.Get(seq))
	s.commit(seq)
	return nil
}

// TryPublish is Publish without waiting; a full ring yields ErrPipelineSaturated.
func (s *Stage[T]) TryPublish(fill func(ev *T)) error {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	if s.closing.Load() {
		return shared.ErrStageClosed
	}
	seq, ok := s.ring.TryReserve()
	if !ok {
		s.m.saturated.Inc()
		return shared.ErrPipelineSaturated
	}
	fill(s.ring.Get(seq))
	s.commit(seq)
	return nil
}

func (s *Stage[T]) commit(seq int64) {
	s.ring.Commit(seq)
	s.m.published.Inc()
	s.wait.SignalAll()
}

func (s *Stage[T]) RemainingCapacity() int64 { return s.ring.RemainingCapacity() }

func (s *Stage[T]) consume(g *group[T]) {
	defer s.wg.Done()
	next := g.seq.Load() + 1
	for {
		if !s.wait.Wait(func() bool { return s.ring.IsPublished(next) }, s.done) {
			return
		}
		hi := s.ring.HighestPublished(next, s.ring.Claimed())
		for seq := next; seq <= hi; seq++ {
			ev := s.ring.Get(seq)
			for _, h := range g.handlers {
				s.invoke(h, ev, seq, seq == hi)
			}
		}
		g.seq.v.Store(hi)
		s.wait.SignalAll()
		next = hi + 1
	}
}

func (s *Stage[T]) invoke(h Handler[T], ev *T, seq int64, eob bool) {
	defer func() {
		if r := recover(); r != nil {
			s.report(h, seq, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := h.OnEvent(ev, seq, eob); err != nil {
		s.report(h, seq, err)
	}
}

func (s *Stage[T]) report(h Handler[T], seq int64, err error) {
	s.m.failures.Inc()
	herr := &shared.HandlerError{Stage: s.name, Handler: handlerName(h), Seq: seq, Err: err}
	select {
	case s.errs <- herr:
	default:
		s.log.Errorf("[ring] %v", herr)
	}
}

// Shutdown stops accepting publishes, waits for every consumer to reach the
// last claimed sequence, then releases the workers. If ctx ends first the
// workers are released anyway and ctx.Err is returned.
func (s *Stage[T]) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.closing.Store(true)
		for s.inflight.Load() > 0 {
			runtime.Gosched()
		}
		if s.started.Load() {
			err = s.drain(ctx)
		}
		close(s.done)
		s.wait.SignalAll()
		s.wg.Wait()
		s.log.Printf("[ring] stage %s stopped at seq=%d", s.name, s.ring.Claimed())
	})
	return err
}

func (s *Stage[T]) drain(ctx context.Context) error {
	target := s.ring.Claimed()
	caughtUp := func() bool {
		for _, g := range s.groups {
			if g.seq.Load() < target {
				return false
			}
		}
		return true
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		s.wait.SignalAll()
	}()
	defer close(stop)
	if !s.wait.Wait(caughtUp, ctx.Done()) {
		return fmt.Errorf("stage %s drain: %w", s.name, ctx.Err())
	}
	return nil
}
