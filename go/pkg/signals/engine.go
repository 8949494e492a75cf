// Package signals runs the per-symbol auction state machine over completed
// volume bars.
package signals

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/auction"
	"ats-engine/go/pkg/shared"
)

type State int

const (
	Rotation State = iota
	DiscoveryUp
	DiscoveryDown
	RejectionUp
	RejectionDown
)

func (s State) String() string {
	switch s {
	case Rotation:
		return "ROTATION"
	case DiscoveryUp:
		return "DISCOVERY_UP"
	case DiscoveryDown:
		return "DISCOVERY_DOWN"
	case RejectionUp:
		return "REJECTION_UP"
	case RejectionDown:
		return "REJECTION_DOWN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Publisher is the SIGNAL stage as seen by an engine.
type Publisher interface {
	PublishSignal(ev shared.SignalEvent) error
}

// ProfileSource reads a symbol's current profile.
type ProfileSource interface {
	Profile(symbol string) (auction.MarketProfile, bool)
}

type Engine struct {
	profiles ProfileSource
	pub      Publisher
	log      shared.Logger
	now      func() time.Time

	mu     sync.RWMutex
	states map[string]State

	emitted *prometheus.CounterVec
	skipped prometheus.Counter
}

func NewEngine(profiles ProfileSource, pub Publisher, log shared.Logger) *Engine {
	if log == nil {
		log = shared.NopLogger()
	}
	return &Engine{
		profiles: profiles,
		pub:      pub,
		log:      log,
		now:      time.Now,
		states:   make(map[string]State),
		emitted: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "signals_emitted_total",
			Help: "Signals published to the SIGNAL stage",
		}, []string{"source", "type"}),
		skipped: shared.NewCounter(prometheus.CounterOpts{
			Name: "signal_engine_profile_missing_total",
			Help: "Bars skipped because no market profile existed yet",
		}),
	}
}

// State returns the symbol's auction state, ROTATION when never seen.
func (e *Engine) State(symbol string) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[symbol]
}

// next applies the transition table. At most one transition fires.
func next(cur State, c, d float64, p auction.MarketProfile) State {
	switch cur {
	case Rotation:
		if c > p.VAH && d > 0 {
			return DiscoveryUp
		}
		if c < p.VAL && d < 0 {
			return DiscoveryDown
		}
	case DiscoveryUp:
		if c < p.VAH {
			return RejectionUp
		}
		if c < p.POC {
			return Rotation
		}
	case DiscoveryDown:
		if c > p.VAL {
			return RejectionDown
		}
		if c > p.POC {
			return Rotation
		}
	case RejectionUp, RejectionDown:
		if c > p.VAL && c < p.VAH {
			return Rotation
		}
	}
	return cur
}

// OnBar runs one bar through the state machine. A missing profile is
// reported as ErrProfileMissing and nothing changes.
func (e *Engine) OnBar(b shared.Bar) error {
	p, ok := e.profiles.Profile(b.Symbol)
	if !ok {
		e.skipped.Inc()
		return fmt.Errorf("%s: %w", b.Symbol, shared.ErrProfileMissing)
	}
	c, d := b.Close, float64(b.Delta)

	e.mu.Lock()
	cur := e.states[b.Symbol]
	nxt := next(cur, c, d, p)
	if nxt != cur {
		e.states[b.Symbol] = nxt
	}
	e.mu.Unlock()

	var errs []error
	if nxt != cur {
		e.log.Printf("[signals] %s %s -> %s close=%.2f vah=%.2f poc=%.2f val=%.2f delta=%.0f",
			b.Symbol, cur, nxt, c, p.VAH, p.POC, p.VAL, d)
		switch nxt {
		case DiscoveryUp:
			errs = append(errs, e.emit(b.Symbol, shared.SignalStateDiscoveryUp, c, p, d))
		case DiscoveryDown:
			errs = append(errs, e.emit(b.Symbol, shared.SignalStateDiscoveryDown, c, p, d))
		}
	}

	if cur == Rotation {
		switch {
		case c > p.VAH && d > 0:
			errs = append(errs, e.emit(b.Symbol, shared.SignalInitiativeBuy, c, p, d))
		case c < p.VAL && d < 0:
			errs = append(errs, e.emit(b.Symbol, shared.SignalInitiativeSell, c, p, d))
		}
	}

	if math.Abs(c-p.VAH) < p.VAH*0.001 && d < 0 {
		e.log.Printf("[signals] %s absorption at VAH close=%.2f delta=%.0f", b.Symbol, c, d)
	}
	if math.Abs(c-p.VAL) < p.VAL*0.001 && d > 0 {
		e.log.Printf("[signals] %s absorption at VAL close=%.2f delta=%.0f", b.Symbol, c, d)
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emit(sym string, typ shared.SignalType, price float64, p auction.MarketProfile, delta float64) error {
	if e.pub == nil {
		return nil
	}
	e.emitted.WithLabelValues("auction", string(typ)).Inc()
	return e.pub.PublishSignal(shared.SignalEvent{
		Symbol:    sym,
		Type:      typ,
		Price:     price,
		VAH:       p.VAH,
		VAL:       p.VAL,
		POC:       p.POC,
		Delta:     delta,
		Timestamp: e.now().UnixMilli(),
	})
}
