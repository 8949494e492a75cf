// Package auction keeps a per-symbol volume-at-price histogram and its
// value area (POC, VAH, VAL).
package auction

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

// Level is one price bucket.
type Level struct {
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
}

// MarketProfile is a copy-out view of a symbol's histogram.
type MarketProfile struct {
	Symbol string  `json:"symbol"`
	POC    float64 `json:"poc"`
	VAH    float64 `json:"vah"`
	VAL    float64 `json:"val"`
	Total  int64   `json:"total_volume"`
	Levels []Level `json:"levels"` // ascending by price
}

// VolumeBetween sums bucket volume over [lo, hi].
func (p MarketProfile) VolumeBetween(lo, hi float64) int64 {
	var sum int64
	for _, l := range p.Levels {
		if l.Price >= lo && l.Price <= hi {
			sum += l.Volume
		}
	}
	return sum
}

// profile is the mutable form, guarded by its entry mutex.
type profile struct {
	prices []float64 // sorted keys of vol
	vol    map[float64]int64
	total  int64
	poc    float64
	vah    float64
	val    float64
}

func newProfile() *profile {
	return &profile{vol: make(map[float64]int64)}
}

func (p *profile) add(price float64, volume int64) {
	if _, ok := p.vol[price]; !ok {
		i := sort.SearchFloat64s(p.prices, price)
		p.prices = append(p.prices, 0)
		copy(p.prices[i+1:], p.prices[i:])
		p.prices[i] = price
	}
	p.vol[price] += volume
	p.total += volume
}

// valueArea recomputes POC then grows the band outward from it, taking the
// heavier neighbour each step (higher side on ties), until it holds 70% of
// total volume or both sides are exhausted.
func (p *profile) valueArea() {
	if len(p.prices) == 0 {
		return
	}
	pocIdx := 0
	for i, px := range p.prices {
		if p.vol[px] > p.vol[p.prices[pocIdx]] {
			pocIdx = i
		}
	}
	p.poc = p.prices[pocIdx]
	p.vah, p.val = p.poc, p.poc
	cur := p.vol[p.poc]
	lo, hi := pocIdx-1, pocIdx+1
	for cur*10 < p.total*7 {
		hasLo, hasHi := lo >= 0, hi < len(p.prices)
		if !hasLo && !hasHi {
			break
		}
		if hasHi && (!hasLo || p.vol[p.prices[hi]] >= p.vol[p.prices[lo]]) {
			p.vah = p.prices[hi]
			cur += p.vol[p.vah]
			hi++
			continue
		}
		p.val = p.prices[lo]
		cur += p.vol[p.val]
		lo--
	}
}

func (p *profile) snapshot(symbol string) MarketProfile {
	out := MarketProfile{
		Symbol: symbol,
		POC:    p.poc,
		VAH:    p.vah,
		VAL:    p.val,
		Total:  p.total,
		Levels: make([]Level, len(p.prices)),
	}
	for i, px := range p.prices {
		out.Levels[i] = Level{Price: px, Volume: p.vol[px]}
	}
	return out
}

type entry struct {
	mu sync.Mutex
	p  *profile
}

// Calculator owns every symbol's profile. Updates to one symbol are
// serialized on that symbol's mutex; different symbols never contend.
type Calculator struct {
	entries sync.Map // symbol -> *entry
	log     shared.Logger
	updates prometheus.Counter
}

func NewCalculator(log shared.Logger) *Calculator {
	if log == nil {
		log = shared.NopLogger()
	}
	return &Calculator{
		log: log,
		updates: shared.NewCounter(prometheus.CounterOpts{
			Name: "auction_profile_updates_total",
			Help: "Bars folded into market profiles",
		}),
	}
}

// OnBar adds the bar's volume at its close price and recomputes the value area.
func (c *Calculator) OnBar(b shared.Bar) {
	v, _ := c.entries.LoadOrStore(b.Symbol, &entry{p: newProfile()})
	e := v.(*entry)
	e.mu.Lock()
	e.p.add(b.Close, b.Volume)
	e.p.valueArea()
	poc, vah, val, total := e.p.poc, e.p.vah, e.p.val, e.p.total
	e.mu.Unlock()
	c.updates.Inc()
	c.log.Debugf("[auction] %s vah=%.2f poc=%.2f val=%.2f total=%d", b.Symbol, vah, poc, val, total)
}

// Profile returns a deep copy of the symbol's profile.
func (c *Calculator) Profile(symbol string) (MarketProfile, bool) {
	v, ok := c.entries.Load(symbol)
	if !ok {
		return MarketProfile{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.snapshot(symbol), true
}

// Symbols lists every symbol with a profile.
func (c *Calculator) Symbols() []string {
	var out []string
	c.entries.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}
