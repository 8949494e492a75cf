// Package alphapulse watches one index and its ATM options: a macro candle
// window for support/resistance, a micro window for price-action triggers,
// and the options' responsiveness to index moves.
package alphapulse

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

const (
	macroWidthMs = 50 * 60 * 1000
	macroWindow  = 20
	microWidthMs = 5 * 60 * 1000
	microWindow  = 2

	alphaInterval  = 500 * time.Millisecond
	coolOff        = 10 * time.Minute
	trapAlpha      = 0.7
	trapsToCoolOff = 3
	confirmAlpha   = 1.2

	strikeGrid = 50.0
	zoneBand   = 0.005
)

// Publisher is the SIGNAL stage as seen by the engine.
type Publisher interface {
	PublishSignal(ev shared.SignalEvent) error
}

// Lookup is the slice of the instrument master the engine reads.
type Lookup interface {
	FindInstrumentKey(underlying string, strike float64, optionType string, expiry time.Time) (string, bool)
	FindNearestExpiry(underlying string, from time.Time) (time.Time, bool)
}

// OptionClassifier reports whether a key is a listed option. Engines without
// one treat any tick carrying an option delta as an option.
type OptionClassifier interface {
	IsOption(key string) bool
}

// SymbolState is the per-instrument tick memory.
type SymbolState struct {
	PrevLTP float64 `json:"prev_ltp"`
	LTP     float64 `json:"ltp"`
	PrevOI  float64 `json:"prev_oi"`
	OI      float64 `json:"oi"`
	DeltaOI float64 `json:"delta_oi"`
	Alpha   float64 `json:"alpha"`
	LastTs  int64   `json:"last_ts"`
}

func (s *SymbolState) update(t *shared.Tick, ts int64) {
	s.PrevLTP, s.LTP = s.LTP, t.LTP
	s.PrevOI, s.OI = s.OI, t.OI
	if s.PrevOI > 0 {
		s.DeltaOI = s.OI - s.PrevOI
	}
	s.LastTs = ts
}

type Engine struct {
	indexKey string
	lookup   Lookup
	options  OptionClassifier
	pub      Publisher
	log      shared.Logger
	now      func() time.Time

	mu           sync.Mutex
	states       map[string]*SymbolState
	macro        map[string]*window
	micro        map[string]*window
	zones        map[string]Zone
	armed        bool
	lastAlpha    map[string]time.Time
	traps        int
	coolOffUntil time.Time

	trapCounter prometheus.Counter
	coolOffs    prometheus.Counter
	emitted     prometheus.Counter
}

type Option func(*Engine)

// WithClock replaces the wall clock used by the alpha throttle and cool-off.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithOptionClassifier(c OptionClassifier) Option { return func(e *Engine) { e.options = c } }

func NewEngine(indexKey string, lookup Lookup, pub Publisher, log shared.Logger, opts ...Option) *Engine {
	if log == nil {
		log = shared.NopLogger()
	}
	e := &Engine{
		indexKey:  indexKey,
		lookup:    lookup,
		pub:       pub,
		log:       log,
		now:       time.Now,
		states:    make(map[string]*SymbolState),
		macro:     make(map[string]*window),
		micro:     make(map[string]*window),
		zones:     make(map[string]Zone),
		lastAlpha: make(map[string]time.Time),
		trapCounter: shared.NewCounter(prometheus.CounterOpts{
			Name: "alphapulse_traps_total",
			Help: "Option updates whose alpha lagged an index move",
		}),
		coolOffs: shared.NewCounter(prometheus.CounterOpts{
			Name: "alphapulse_cooloffs_total",
			Help: "Trap cool-off periods started",
		}),
		emitted: shared.NewCounter(prometheus.CounterOpts{
			Name: "alphapulse_signals_total",
			Help: "BUY signals published by the alpha-pulse engine",
		}),
	}
	for _, o := range opts {
		o(e)
	}
	log.Printf("[alphapulse] watching index %s", indexKey)
	return e
}

func (e *Engine) Name() string { return "alpha-pulse-engine" }

// OnEvent is the TICK handler entry point.
func (e *Engine) OnEvent(t *shared.Tick, _ int64, _ bool) error {
	if t.Key == "" {
		return nil
	}
	ts := t.Ts
	if ts == 0 {
		ts = t.LTT
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[t.Key]
	if !ok {
		st = &SymbolState{}
		e.states[t.Key] = st
	}
	st.update(t, ts)

	if t.Key == e.indexKey {
		e.updateMacro(t.Key, ts, t.LTP, t.LTQ)
		e.updateMicro(t.Key, ts, t.LTP, t.LTQ)
		return nil
	}
	if !e.isOption(t) {
		return nil
	}
	e.windowFor(e.micro, t.Key, microWindow, microWidthMs).add(ts, t.LTP, t.LTQ)
	e.alphaEfficiency(t.Key, st, t.OptionDelta)
	return e.execute()
}

func (e *Engine) isOption(t *shared.Tick) bool {
	if e.options != nil {
		return e.options.IsOption(t.Key)
	}
	return t.OptionDelta != 0
}

func (e *Engine) windowFor(m map[string]*window, key string, size int, width int64) *window {
	w, ok := m[key]
	if !ok {
		w = newWindow(size, width)
		m[key] = w
	}
	return w
}

func (e *Engine) updateMacro(key string, ts int64, px float64, vol int64) {
	w := e.windowFor(e.macro, key, macroWindow, macroWidthMs)
	w.add(ts, px, vol)
	if w.full() {
		e.zones[key] = zoneOf(w.candles)
	}
}

// updateMicro arms the trigger when the index trades inside the zone, or
// within zoneBand under resistance, and the last two micro candles show a
// price-action pattern. Outside the zone the trigger is disarmed.
func (e *Engine) updateMicro(key string, ts int64, px float64, vol int64) {
	w := e.windowFor(e.micro, key, microWindow, microWidthMs)
	w.add(ts, px, vol)
	z, ok := e.zones[key]
	inZone := ok && ((px >= z.Support && px <= z.Resistance) ||
		(px <= z.Resistance && px >= z.Resistance*(1-zoneBand)))
	if !inZone || !w.full() {
		e.armed = false
		return
	}
	if priceActionTrigger(w.candles[0], w.candles[1]) {
		if !e.armed {
			e.log.Debugf("[alphapulse] trigger armed at %.2f zone=[%.2f, %.2f]", px, z.Support, z.Resistance)
		}
		e.armed = true
	}
}

// alphaOf is actual/expected, with a zero expectation mapped to an infinity
// carrying the sign of the actual move (0 when nothing moved).
func alphaOf(actual, expected float64) float64 {
	if expected != 0 {
		return actual / expected
	}
	switch {
	case actual > 0:
		return math.Inf(1)
	case actual < 0:
		return math.Inf(-1)
	}
	return 0
}

func (e *Engine) alphaEfficiency(key string, opt *SymbolState, optionDelta float64) {
	now := e.now()
	if last, ok := e.lastAlpha[key]; ok && now.Sub(last) < alphaInterval {
		return
	}
	idx := e.states[e.indexKey]
	if idx == nil || opt.PrevLTP == 0 || idx.PrevLTP == 0 || optionDelta == 0 {
		return
	}
	indexMove := idx.LTP - idx.PrevLTP
	opt.Alpha = alphaOf(opt.LTP-opt.PrevLTP, indexMove*optionDelta)
	if indexMove != 0 && opt.Alpha < trapAlpha {
		e.traps++
		e.trapCounter.Inc()
		if e.traps >= trapsToCoolOff {
			e.coolOffUntil = now.Add(coolOff)
			e.traps = 0
			e.coolOffs.Inc()
			e.log.Warnf("[alphapulse] %d consecutive traps, cooling off until %s", trapsToCoolOff, e.coolOffUntil.Format(time.TimeOnly))
		}
	} else {
		e.traps = 0
	}
	e.lastAlpha[key] = now
}

func (e *Engine) execute() error {
	z, ok := e.zones[e.indexKey]
	if !ok || !e.armed {
		return nil
	}
	now := e.now()
	if now.Before(e.coolOffUntil) {
		return nil
	}
	idx := e.states[e.indexKey]
	if idx == nil {
		return nil
	}
	p := idx.LTP
	inSupport := p >= z.Support && p <= z.Support*(1+zoneBand)
	inResistance := p <= z.Resistance && p >= z.Resistance*(1-zoneBand)
	if !inSupport && !inResistance {
		return nil
	}

	atm := math.Round(p/strikeGrid) * strikeGrid
	exp, ok := e.lookup.FindNearestExpiry(e.indexKey, now)
	if !ok {
		e.log.Debugf("[alphapulse] no expiry for %s: %v", e.indexKey, shared.ErrInstrumentUnknown)
		return nil
	}
	ce, okC := e.lookup.FindInstrumentKey(e.indexKey, atm, "CE", exp)
	pe, okP := e.lookup.FindInstrumentKey(e.indexKey, atm, "PE", exp)
	if !okC || !okP {
		e.log.Debugf("[alphapulse] atm %.0f %s: %v", atm, exp.Format(time.DateOnly), shared.ErrInstrumentUnknown)
		return nil
	}
	call, put := e.states[ce], e.states[pe]
	if call == nil || put == nil {
		return nil
	}

	var leg string
	var legState *SymbolState
	switch {
	case inSupport:
		if put.DeltaOI > call.DeltaOI && call.Alpha > confirmAlpha && e.atMicroLow(ce, call.LTP) {
			leg, legState = ce, call
		}
	case inResistance:
		if call.DeltaOI > put.DeltaOI && put.Alpha > confirmAlpha && e.atMicroLow(pe, put.LTP) {
			leg, legState = pe, put
		}
	}
	if leg == "" {
		return nil
	}
	e.armed = false
	e.emitted.Inc()
	e.log.Printf("[alphapulse] BUY %s @ %.2f index=%.2f atm=%.0f alpha=%.2f", leg, legState.LTP, p, atm, legState.Alpha)
	if e.pub == nil {
		return nil
	}
	return e.pub.PublishSignal(shared.SignalEvent{
		Symbol:    leg,
		Type:      shared.SignalBuy,
		Price:     legState.LTP,
		Timestamp: now.UnixMilli(),
	})
}

// atMicroLow: the option trades within zoneBand of its current micro low.
func (e *Engine) atMicroLow(key string, ltp float64) bool {
	w, ok := e.micro[key]
	if !ok {
		return false
	}
	c, ok := w.last()
	return ok && ltp <= c.Low*(1+zoneBand)
}

// Zone returns the index's current support/resistance.
func (e *Engine) Zone() (Zone, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	z, ok := e.zones[e.indexKey]
	return z, ok
}

func (e *Engine) Armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed
}

// TrapCount is the current run of consecutive traps.
func (e *Engine) TrapCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.traps
}

func (e *Engine) CoolOffUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coolOffUntil
}

func (e *Engine) State(key string) (SymbolState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[key]
	if !ok {
		return SymbolState{}, false
	}
	return *s, true
}

// MicroCandles copies the micro window for key, oldest first.
func (e *Engine) MicroCandles(key string) []Candle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.micro[key]; ok {
		return append([]Candle(nil), w.candles...)
	}
	return nil
}

func (e *Engine) MacroCandles(key string) []Candle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.macro[key]; ok {
		return append([]Candle(nil), w.candles...)
	}
	return nil
}
