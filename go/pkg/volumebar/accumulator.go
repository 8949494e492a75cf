// Package volumebar turns ticks into fixed-volume bars classified by
// aggressor side.
package volumebar

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

// Sink receives each completed bar by value.
type Sink func(shared.Bar)

type barState struct {
	bar shared.Bar
}

// Update folds one tick in. The first tick of a bar opens it and also
// contributes its side to delta.
func (b *barState) Update(key string, t *shared.Tick, side int64) {
	px, q := t.LTP, t.LTQ
	if b.bar.Symbol == "" {
		b.bar = shared.Bar{
			Symbol:    key,
			StartTime: t.LTT,
			Open:      px,
			High:      px,
			Low:       px,
			Close:     px,
			Volume:    q,
			VWAP:      px,
			Delta:     q * side,
		}
		return
	}
	if px > b.bar.High {
		b.bar.High = px
	}
	if px < b.bar.Low {
		b.bar.Low = px
	}
	b.bar.Close = px
	if total := b.bar.Volume + q; total > 0 {
		b.bar.VWAP = (b.bar.VWAP*float64(b.bar.Volume) + px*float64(q)) / float64(total)
	}
	b.bar.Volume += q
	b.bar.Delta += q * side
}

// Accumulator is a TICK handler. It runs on one consumer worker so the
// per-symbol state needs no locking.
type Accumulator struct {
	threshold int64
	sink      Sink
	dash      chan<- shared.Bar
	bars      map[string]*barState
	last      atomic.Pointer[shared.Bar]

	emitted prometheus.Counter
	dropped prometheus.Counter
}

func New(threshold int64, sink Sink) *Accumulator {
	if sink == nil {
		sink = func(shared.Bar) {}
	}
	return &Accumulator{
		threshold: threshold,
		sink:      sink,
		bars:      make(map[string]*barState),
		emitted: shared.NewCounter(prometheus.CounterOpts{
			Name: "volume_bars_emitted_total",
			Help: "Completed volume bars",
		}),
		dropped: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_dropped_total",
			Help: "Dashboard updates dropped on a full channel",
		}, []string{"feed"}).WithLabelValues("bars"),
	}
}

// SetDashboard attaches a bounded channel that receives a copy of every bar.
// A full channel drops the copy.
func (a *Accumulator) SetDashboard(ch chan<- shared.Bar) { a.dash = ch }

func (a *Accumulator) Name() string { return "volume-bar-accumulator" }

// Side classifies the aggressor: +1 at or through the ask, -1 at or through
// the bid, 0 otherwise.
func Side(t *shared.Tick) int64 {
	switch {
	case t.BestAsk > 0 && t.LTP >= t.BestAsk:
		return 1
	case t.BestBid > 0 && t.LTP <= t.BestBid:
		return -1
	}
	return 0
}

// OBI is the order-book imbalance, 0 on an empty book.
func OBI(tbq, tsq float64) float64 {
	if tbq+tsq == 0 {
		return 0
	}
	return (tbq - tsq) / (tbq + tsq)
}

func (a *Accumulator) OnEvent(t *shared.Tick, _ int64, _ bool) error {
	if t.Key == "" || t.LTQ <= 0 {
		return nil
	}
	st, ok := a.bars[t.Key]
	if !ok {
		st = &barState{}
		a.bars[t.Key] = st
	}
	st.Update(t.Key, t, Side(t))
	if st.bar.Volume < a.threshold {
		return nil
	}
	st.bar.OBI = OBI(t.TBQ, t.TSQ)
	done := st.bar
	st.bar = shared.Bar{}
	a.last.Store(&done)
	a.emitted.Inc()
	a.sink(done)
	if a.dash != nil {
		select {
		case a.dash <- done:
		default:
			a.dropped.Inc()
		}
	}
	return nil
}

// LastBar is the most recently completed bar across all symbols.
func (a *Accumulator) LastBar() (shared.Bar, bool) {
	b := a.last.Load()
	if b == nil {
		return shared.Bar{}, false
	}
	return *b, true
}
