package feed

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"time"

	"ats-engine/go/pkg/shared"
)

type SimKind int

const (
	SimIndex SimKind = iota
	SimOption
	SimEquity
)

// SimInstrument is one synthetic instrument. Options are priced off the
// simulated index; Price is the starting price for the rest.
type SimInstrument struct {
	Key    string
	Kind   SimKind
	Price  float64
	Strike float64
	Call   bool
	TPS    float64
}

// OptionKeys resolves strike keys for the sim universe.
type OptionKeys interface {
	FindInstrumentKey(underlying string, strike float64, optionType string, expiry time.Time) (string, bool)
	FindNearestExpiry(underlying string, from time.Time) (time.Time, bool)
}

// SimUniverse is the index, its ATM±4 CE/PE strikes on the nearest expiry
// (when keys resolves them) and the given equities.
func SimUniverse(keys OptionKeys, indexKey string, spot float64, equities map[string]float64, tps float64) []SimInstrument {
	out := []SimInstrument{{Key: indexKey, Kind: SimIndex, Price: spot, TPS: tps}}
	if keys != nil {
		if exp, ok := keys.FindNearestExpiry(indexKey, time.Now()); ok {
			atm := math.Round(spot/50) * 50
			for i := -4; i <= 4; i++ {
				strike := atm + float64(i)*50
				for _, typ := range []string{"CE", "PE"} {
					if k, ok := keys.FindInstrumentKey(indexKey, strike, typ, exp); ok {
						out = append(out, SimInstrument{Key: k, Kind: SimOption, Strike: strike, Call: typ == "CE", TPS: tps})
					}
				}
			}
		}
	}
	for k, px := range equities {
		out = append(out, SimInstrument{Key: k, Kind: SimEquity, Price: px, TPS: tps / 2})
	}
	return out
}

// SimSource emits a random-walk market on a Poisson schedule per instrument.
type SimSource struct {
	Instruments []SimInstrument
	Step        time.Duration
	VolMin      int64
	VolMax      int64
	Seed        int64
}

type simSchedule struct {
	idx int
	due time.Time
}

type simScheduleHeap []simSchedule

func (h simScheduleHeap) Len() int { return len(h) }

func (h simScheduleHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h simScheduleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *simScheduleHeap) Push(x any) { *h = append(*h, x.(simSchedule)) }

func (h *simScheduleHeap) Pop() any {
	old := *h
	n := len(old)
	out := old[n-1]
	*h = old[:n-1]
	return out
}

func sampleGap(rateTPS float64, rng *rand.Rand) time.Duration {
	if rateTPS <= 0 {
		return time.Second
	}
	sec := max(rng.ExpFloat64()/rateTPS, 0.0005)
	return time.Duration(sec * float64(time.Second))
}

type simState struct {
	px, open, high, low float64
	oi                  float64
	vtt                 int64
}

// market holds the walk; it is only touched by the source goroutine.
type market struct {
	rng    *rand.Rand
	spot   float64
	inst   []SimInstrument
	states []simState
	volMin int64
	volMax int64
}

func newMarket(inst []SimInstrument, rng *rand.Rand, volMin, volMax int64) *market {
	m := &market{rng: rng, inst: inst, states: make([]simState, len(inst)), volMin: volMin, volMax: volMax}
	for i, in := range inst {
		if in.Kind == SimIndex {
			m.spot = in.Price
		}
		m.states[i] = simState{px: in.Price, open: in.Price, high: in.Price, low: in.Price, oi: 100_000}
	}
	for i, in := range inst {
		if in.Kind == SimOption {
			px, _, _ := optionQuote(m.spot, in.Strike, in.Call)
			m.states[i] = simState{px: px, open: px, high: px, low: px, oi: 100_000 + float64(rng.Intn(50_000))}
		}
	}
	return m
}

// optionQuote is a toy model: intrinsic plus a time value decaying with
// distance from the strike.
func optionQuote(spot, strike float64, call bool) (px, delta, theta float64) {
	d := spot - strike
	intrinsic := max(d, 0)
	if !call {
		intrinsic = max(-d, 0)
	}
	tv := 80 * math.Exp(-math.Abs(d)/300)
	px = max(intrinsic+tv, 0.05)
	delta = 0.5 + 0.5*math.Tanh(d/200)
	if !call {
		delta -= 1
	}
	return math.Round(px*20) / 20, delta, -tv / 5
}

func (m *market) next(i int, now int64) Update {
	in, st := m.inst[i], &m.states[i]
	vol := m.volMin
	if m.volMax > m.volMin {
		vol += m.rng.Int63n(m.volMax - m.volMin + 1)
	}
	t := &shared.Tick{Key: in.Key, LTQ: vol, LTT: now, Ts: now}
	switch in.Kind {
	case SimIndex:
		m.spot = math.Max(1, m.spot+m.rng.NormFloat64()*2)
		st.px = math.Round(m.spot*20) / 20
	case SimOption:
		px, delta, theta := optionQuote(m.spot, in.Strike, in.Call)
		st.px = math.Max(0.05, px+m.rng.NormFloat64()*0.1)
		st.oi = math.Max(0, st.oi+float64(m.rng.Intn(2001)-900))
		t.OptionDelta, t.Theta, t.IV = delta, theta, 12+m.rng.Float64()*4
	default:
		st.px = math.Max(1, st.px+m.rng.NormFloat64()*st.px*0.0005)
		st.px = math.Round(st.px*20) / 20
	}
	st.high, st.low = math.Max(st.high, st.px), math.Min(st.low, st.px)
	st.vtt += vol
	spread := math.Max(0.05, math.Round(st.px*0.0002*20)/20)
	t.LTP, t.OI, t.VTT = st.px, st.oi, st.vtt
	t.DayOpen, t.DayHigh, t.DayLow, t.CP = st.open, st.high, st.low, st.open
	t.BestBid, t.BestAsk = st.px-spread, st.px+spread
	// trade at the touch half the time so bars carry signed delta
	switch m.rng.Intn(4) {
	case 0:
		t.LTP = t.BestAsk
	case 1:
		t.LTP = t.BestBid
	}
	t.TBQ = float64(1000 + m.rng.Intn(5000))
	t.TSQ = float64(1000 + m.rng.Intn(5000))
	return Update{Tick: t}
}

func (m *market) depth(i int, now int64) *shared.DepthEvent {
	st := &m.states[i]
	d := &shared.DepthEvent{Key: m.inst[i].Key, Ts: now}
	for l := 0; l < shared.DepthLevels; l++ {
		off := 0.05 * float64(l+1)
		d.Bids[l] = shared.DepthLevel{Price: st.px - off, Qty: int64(50 + m.rng.Intn(500)), Orders: int64(1 + m.rng.Intn(20))}
		d.Asks[l] = shared.DepthLevel{Price: st.px + off, Qty: int64(50 + m.rng.Intn(500)), Orders: int64(1 + m.rng.Intn(20))}
	}
	return d
}

func (s *SimSource) Start(ctx context.Context, out chan<- Update) error {
	if len(s.Instruments) == 0 {
		s.Instruments = []SimInstrument{{Key: "SIM", Kind: SimEquity, Price: 2500, TPS: 10}}
	}
	if s.Step <= 0 {
		s.Step = 20 * time.Millisecond
	}
	if s.VolMin <= 0 {
		s.VolMin = 1
	}
	s.VolMax = max(s.VolMax, s.VolMin)
	seed := s.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	mkt := newMarket(s.Instruments, rng, s.VolMin, s.VolMax)
	metrics := newFeedMetrics()

	sched := make(simScheduleHeap, 0, len(s.Instruments))
	now := time.Now()
	for i, in := range s.Instruments {
		jitter := time.Duration(rng.Float64() * float64(time.Second))
		heap.Push(&sched, simSchedule{idx: i, due: now.Add(jitter + sampleGap(in.TPS, rng))})
	}

	timer := time.NewTimer(time.Millisecond)
	go func() {
		defer timer.Stop()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				now = time.Now()
				emitted := 0
				for sched.Len() > 0 && emitted < 2048 {
					if sched[0].due.After(now) {
						break
					}
					item := heap.Pop(&sched).(simSchedule)
					ms := now.UnixMilli()
					if !emit(ctx, out, mkt.next(item.idx, ms)) {
						return
					}
					metrics.updates.WithLabelValues("sim", "tick").Inc()
					if mkt.inst[item.idx].Kind == SimEquity {
						if !emit(ctx, out, Update{Depth: mkt.depth(item.idx, ms)}) {
							return
						}
						metrics.updates.WithLabelValues("sim", "depth").Inc()
					}
					item.due = time.Now().Add(sampleGap(mkt.inst[item.idx].TPS, rng))
					heap.Push(&sched, item)
					emitted++
					now = time.Now()
				}

				wait := s.Step
				if sched.Len() > 0 {
					wait = min(wait, time.Until(sched[0].due))
				}
				timer.Reset(min(max(wait, time.Millisecond), 50*time.Millisecond))
			}
		}
	}()
	return nil
}
