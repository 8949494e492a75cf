package alphapulse

import (
	"math"
	"testing"
	"time"

	"ats-engine/go/pkg/shared"
)

const idx = "NSE_INDEX|Nifty 50"

type chain struct{ expiry time.Time }

func (c chain) FindNearestExpiry(string, time.Time) (time.Time, bool) { return c.expiry, true }

func (c chain) FindInstrumentKey(_ string, strike float64, typ string, _ time.Time) (string, bool) {
	if strike != 22000 {
		return "", false
	}
	return typ, true
}

type recorder struct{ got []shared.SignalEvent }

func (r *recorder) PublishSignal(ev shared.SignalEvent) error {
	r.got = append(r.got, ev)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// base sits at the start of a 50-minute bucket so every test tick below
// lands in the same micro and macro candles unless offset on purpose.
var base = int64(macroWidthMs) * 600_000

func newTestEngine() (*Engine, *recorder, *clock) {
	rec := &recorder{}
	clk := &clock{t: time.UnixMilli(base)}
	e := NewEngine(idx, chain{expiry: time.UnixMilli(base)}, rec, nil, WithClock(clk.now))
	return e, rec, clk
}

func index(e *Engine, px float64, ts int64) {
	_ = e.OnEvent(&shared.Tick{Key: idx, LTP: px, LTQ: 1, Ts: ts}, 0, true)
}

func option(e *Engine, key string, px, oi, delta float64, ts int64) {
	_ = e.OnEvent(&shared.Tick{Key: key, LTP: px, OI: oi, OptionDelta: delta, LTQ: 1, Ts: ts}, 0, true)
}

func TestTrapCoolOffBlocksSignal(t *testing.T) {
	e, rec, clk := newTestEngine()
	index(e, 22000, base)
	index(e, 22010, base)

	option(e, "CE", 100, 0, 0.5, base) // no previous price yet
	for i := 1; i <= 3; i++ {
		option(e, "CE", 100+float64(i), 0, 0.5, base)
		if i < 3 && e.TrapCount() != i {
			t.Fatalf("after trap %d count=%d", i, e.TrapCount())
		}
		if i < 3 {
			clk.advance(600 * time.Millisecond)
		}
	}
	wantUntil := clk.t.Add(10 * time.Minute)
	if !e.CoolOffUntil().Equal(wantUntil) {
		t.Fatalf("cool-off until %v want %v", e.CoolOffUntil(), wantUntil)
	}
	if e.TrapCount() != 0 {
		t.Fatalf("trap count should reset after cool-off starts, got %d", e.TrapCount())
	}

	// every other condition satisfied by hand
	e.zones[idx] = Zone{Support: 22000, Resistance: 22500}
	e.armed = true
	e.states["PE"] = &SymbolState{LTP: 80, DeltaOI: 500}
	e.states["CE"].Alpha = 1.5
	clk.advance(100 * time.Millisecond)
	option(e, "CE", 100.2, 0, 0.5, base)
	if len(rec.got) != 0 {
		t.Fatalf("signal emitted during cool-off: %+v", rec.got)
	}

	// once the cool-off lapses the same setup fires
	clk.advance(11 * time.Minute)
	index(e, 22010, base) // flat index: expected move 0, alpha +Inf
	e.armed = true
	option(e, "CE", 100.3, 0, 0.5, base)
	if len(rec.got) != 1 {
		t.Fatalf("signals=%d want 1", len(rec.got))
	}
	s := rec.got[0]
	if s.Symbol != "CE" || s.Type != shared.SignalBuy || s.Price != 100.3 || s.VAH != 0 || s.POC != 0 {
		t.Fatalf("signal=%+v", s)
	}
	if e.Armed() {
		t.Fatalf("trigger should be consumed")
	}
}

func TestAlphaThrottle(t *testing.T) {
	e, _, clk := newTestEngine()
	index(e, 22000, base)
	index(e, 22010, base)
	option(e, "CE", 100, 0, 0.5, base)
	option(e, "CE", 110, 0, 0.5, base)
	st, _ := e.State("CE")
	if st.Alpha != 2 {
		t.Fatalf("alpha=%v want 2", st.Alpha)
	}
	clk.advance(200 * time.Millisecond)
	option(e, "CE", 100, 0, 0.5, base)
	if st, _ := e.State("CE"); st.Alpha != 2 {
		t.Fatalf("alpha recomputed inside throttle window: %v", st.Alpha)
	}
	clk.advance(400 * time.Millisecond)
	option(e, "CE", 105, 0, 0.5, base)
	if st, _ := e.State("CE"); st.Alpha != 1 {
		t.Fatalf("alpha=%v want 1", st.Alpha)
	}
}

func TestFavourableAlphaResetsTraps(t *testing.T) {
	e, _, clk := newTestEngine()
	index(e, 22000, base)
	index(e, 22010, base)
	option(e, "CE", 100, 0, 0.5, base)
	option(e, "CE", 101, 0, 0.5, base)
	if e.TrapCount() != 1 {
		t.Fatalf("count=%d want 1", e.TrapCount())
	}
	clk.advance(time.Second)
	option(e, "CE", 110, 0, 0.5, base)
	if e.TrapCount() != 0 {
		t.Fatalf("count=%d want 0", e.TrapCount())
	}
}

func TestAlphaOf(t *testing.T) {
	if !math.IsInf(alphaOf(2, 0), 1) || !math.IsInf(alphaOf(-2, 0), -1) || alphaOf(0, 0) != 0 {
		t.Fatalf("zero expectation handling")
	}
	if alphaOf(3, 2) != 1.5 {
		t.Fatalf("plain ratio")
	}
}

func TestMacroZone(t *testing.T) {
	e, _, _ := newTestEngine()
	for i := int64(0); i < macroWindow; i++ {
		if _, ok := e.Zone(); ok {
			t.Fatalf("zone before window full at %d", i)
		}
		ts := base + i*macroWidthMs
		index(e, 22000+float64(i), ts)
		index(e, 21900+float64(i), ts+1000)
	}
	z, ok := e.Zone()
	if !ok || z.Support != 21900 || z.Resistance != 22019 {
		t.Fatalf("zone=%+v,%v", z, ok)
	}
	// 21st bucket evicts the first
	index(e, 22100, base+macroWindow*macroWidthMs)
	z, _ = e.Zone()
	if z.Support != 21901 || z.Resistance != 22100 {
		t.Fatalf("zone after eviction=%+v", z)
	}
	if n := len(e.MacroCandles(idx)); n != macroWindow {
		t.Fatalf("macro candles=%d", n)
	}
}

func TestMicroTriggerArmsInZone(t *testing.T) {
	e, _, _ := newTestEngine()
	e.zones[idx] = Zone{Support: 80, Resistance: 120}
	index(e, 100, base)
	index(e, 102, base+1000)
	if e.Armed() {
		t.Fatalf("one candle is not enough")
	}
	// second bucket: open 100, dip to 90, close 101 (hammer)
	next := base + microWidthMs
	index(e, 100, next)
	index(e, 90, next+1000)
	index(e, 101, next+2000)
	if !e.Armed() {
		t.Fatalf("hammer inside zone should arm")
	}
	if n := len(e.MicroCandles(idx)); n != microWindow {
		t.Fatalf("micro candles=%d", n)
	}
	index(e, 130, next+3000)
	if e.Armed() {
		t.Fatalf("leaving the zone disarms")
	}
}

func TestNonOptionTicksIgnored(t *testing.T) {
	e, rec, _ := newTestEngine()
	index(e, 22000, base)
	_ = e.OnEvent(&shared.Tick{Key: "NSE_EQ|X", LTP: 10, Ts: base}, 0, true)
	if len(e.MicroCandles("NSE_EQ|X")) != 0 || len(rec.got) != 0 {
		t.Fatalf("equity tick should not build option state")
	}
}

func TestPatterns(t *testing.T) {
	cases := []struct {
		name      string
		prev, cur Candle
		hammer    bool
		engulf    bool
		rejection bool
	}{
		{"hammer", Candle{}, Candle{Open: 100, High: 101, Low: 90, Close: 101}, true, false, true},
		{"shooting star", Candle{}, Candle{Open: 100, High: 103, Low: 99.9, Close: 100.5}, false, false, true},
		{"bullish engulf", Candle{Open: 10, High: 11, Low: 9, Close: 10.5}, Candle{Open: 8.5, High: 12, Low: 8.5, Close: 12}, false, true, false},
		{"bearish engulf", Candle{Open: 10, High: 11, Low: 9, Close: 9.5}, Candle{Open: 11.5, High: 11.5, Low: 8, Close: 8}, false, true, false},
		{"body engulf only", Candle{Open: 10, High: 11, Low: 9, Close: 10.5}, Candle{Open: 9.5, High: 10.8, Low: 9.5, Close: 10.8}, false, false, false},
		{"flat", Candle{}, Candle{Open: 5, High: 5, Low: 5, Close: 5}, false, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsHammer(c.cur); got != c.hammer {
				t.Fatalf("hammer=%v", got)
			}
			if got := IsEngulfing(c.prev, c.cur); got != c.engulf {
				t.Fatalf("engulfing=%v", got)
			}
			if got := IsRejectionWick(c.cur); got != c.rejection {
				t.Fatalf("rejection=%v", got)
			}
		})
	}
}
