// Package indexweight keeps the weighted order-flow delta of an index's
// constituent basket.
package indexweight

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"ats-engine/go/pkg/shared"
)

// proxyDelta stands in for book delta when the book is flat but price moved.
const proxyDelta = 10000

// Constituent is one row of the weights file.
type Constituent struct {
	Rank   int     `yaml:"rank" json:"rank"`
	Symbol string  `yaml:"symbol" json:"symbol"`
	Name   string  `yaml:"name" json:"name"`
	Weight float64 `yaml:"weight" json:"weight"`
	Sector string  `yaml:"sector" json:"sector"`
}

// LoadWeights reads the basket for index from a file shaped
// {"<INDEX>": [{rank, symbol, name, weight, sector}, ...]}. JSON and YAML
// are both accepted.
func LoadWeights(path, index string) ([]Constituent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	var doc map[string][]Constituent
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse weights %s: %w", path, err)
	}
	list, ok := doc[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %q not in %s", shared.ErrConfigurationInvalid, index, path)
	}
	return list, nil
}

// EquityLookup resolves a trading symbol to its instrument key.
type EquityLookup interface {
	FindInstrumentKeyForEquity(symbol string) (string, bool)
}

// Publisher is the HEAVYWEIGHT stage as seen by the calculator.
type Publisher interface {
	PublishHeavyweight(ev shared.HeavyweightEvent) error
}

// Heavyweight is the live view of one constituent.
type Heavyweight struct {
	Constituent
	InstrumentKey string  `json:"instrument_key"`
	Delta         float64 `json:"delta"`
	LTP           float64 `json:"ltp"`
}

// Calculator is a TICK handler. Writes happen on one consumer worker; the
// aggregate and constituent views may be read from anywhere.
type Calculator struct {
	log shared.Logger
	pub Publisher
	now func() time.Time

	mu    sync.RWMutex
	byKey map[string]*Heavyweight

	aggregate atomic.Uint64 // float64 bits

	aggGauge prometheus.Gauge
}

// New resolves every constituent through lookup. Symbols that do not resolve
// are logged and left out.
func New(basket []Constituent, lookup EquityLookup, pub Publisher, log shared.Logger) *Calculator {
	if log == nil {
		log = shared.NopLogger()
	}
	c := &Calculator{
		log:   log,
		pub:   pub,
		now:   time.Now,
		byKey: make(map[string]*Heavyweight, len(basket)),
		aggGauge: shared.NewGauge(prometheus.GaugeOpts{
			Name: "index_weighted_delta",
			Help: "Weighted order-flow delta of the index basket",
		}),
	}
	for _, con := range basket {
		key, ok := lookup.FindInstrumentKeyForEquity(con.Symbol)
		if !ok {
			log.Warnf("[indexweight] %s: %v", con.Symbol, shared.ErrInstrumentUnknown)
			continue
		}
		c.byKey[key] = &Heavyweight{Constituent: con, InstrumentKey: key}
	}
	log.Printf("[indexweight] tracking %d of %d constituents", len(c.byKey), len(basket))
	return c
}

func (c *Calculator) Name() string { return "index-weight-calculator" }

// InstrumentKeys lists the resolved constituent keys, for subscriptions.
func (c *Calculator) InstrumentKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byKey))
	for k := range c.byKey {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Calculator) OnEvent(t *shared.Tick, _ int64, _ bool) error {
	c.mu.Lock()
	hw, ok := c.byKey[t.Key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delta := t.TBQ - t.TSQ
	if delta == 0 && t.LTP != 0 {
		open := t.DayOpen
		if open == 0 {
			open = hw.LTP
		}
		switch {
		case t.LTP > open:
			delta = proxyDelta
		case t.LTP < open:
			delta = -proxyDelta
		}
	}
	hw.Delta = delta
	hw.LTP = t.LTP
	var agg float64
	for _, h := range c.byKey {
		agg += h.Delta * h.Weight
	}
	weight := hw.Weight
	c.mu.Unlock()

	c.aggregate.Store(math.Float64bits(agg))
	c.aggGauge.Set(agg)
	if c.pub == nil {
		return nil
	}
	return c.pub.PublishHeavyweight(shared.HeavyweightEvent{
		Symbol:    t.Key,
		Price:     t.LTP,
		Weight:    weight,
		Delta:     delta,
		Aggregate: agg,
		Timestamp: c.now().UnixMilli(),
	})
}

// Aggregate is Σ weight·delta over the basket.
func (c *Calculator) Aggregate() float64 {
	return math.Float64frombits(c.aggregate.Load())
}

// Heavyweights returns a copy of every constituent view ordered by rank.
func (c *Calculator) Heavyweights() []Heavyweight {
	c.mu.RLock()
	out := make([]Heavyweight, 0, len(c.byKey))
	for _, h := range c.byKey {
		out = append(out, *h)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}
