// Package optionchain keeps the latest state of the index's listed options
// for the dashboard's strike ladder and put/call ratio.
package optionchain

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/instruments"
	"ats-engine/go/pkg/shared"
)

const (
	strikeGrid = 50
	windowSize = 4 // strikes either side of ATM
)

// Definitions is the instrument lookup the indexer needs.
type Definitions interface {
	Get(key string) (instruments.Definition, bool)
}

// Row is one option in the ATM window.
type Row struct {
	Key         string  `json:"instrument_key"`
	Strike      int     `json:"strike"`
	Type        string  `json:"type"`
	LTP         float64 `json:"ltp"`
	OI          int64   `json:"oi"`
	OIChangePct float64 `json:"oi_change_pct"`
}

type leg struct {
	strike  int
	typ     string
	ltp     float64
	oi      float64
	initial float64
}

type Indexer struct {
	defs       Definitions
	indexKey   string
	spotSymbol string

	mu   sync.RWMutex
	spot float64
	legs map[string]*leg

	pcr prometheus.Gauge
}

func New(defs Definitions, indexKey, spotSymbol string) *Indexer {
	return &Indexer{
		defs:       defs,
		indexKey:   indexKey,
		spotSymbol: spotSymbol,
		legs:       make(map[string]*leg),
		pcr: shared.NewGauge(prometheus.GaugeOpts{
			Name: "option_chain_pcr",
			Help: "Put/call open-interest ratio across tracked options",
		}),
	}
}

func (x *Indexer) Name() string { return "option-chain-indexer" }

func (x *Indexer) OnEvent(t *shared.Tick, _ int64, endOfBatch bool) error {
	if t.Key == "" {
		return nil
	}
	if t.Key == x.indexKey || t.Key == x.spotSymbol {
		x.mu.Lock()
		x.spot = t.LTP
		x.mu.Unlock()
		return nil
	}
	x.mu.RLock()
	l, known := x.legs[t.Key]
	x.mu.RUnlock()
	if !known {
		d, ok := x.defs.Get(t.Key)
		if !ok || !d.IsOption() {
			return nil
		}
		l = &leg{strike: int(d.Strike), typ: strings.ToUpper(d.OptionType()), initial: t.OI}
	}
	x.mu.Lock()
	l.ltp, l.oi = t.LTP, t.OI
	if !known {
		x.legs[t.Key] = l
	}
	x.mu.Unlock()
	if endOfBatch {
		x.pcr.Set(x.PCR())
	}
	return nil
}

func (x *Indexer) Spot() float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.spot
}

// ATM rounds the spot to the strike grid; 0 before the first index tick.
func (x *Indexer) ATM() int {
	return int(math.Round(x.Spot()/strikeGrid) * strikeGrid)
}

// Window returns the options within windowSize strikes of ATM, by strike
// then CE before PE. OI change is relative to the first OI seen this session.
func (x *Indexer) Window() []Row {
	atm := x.ATM()
	if atm == 0 {
		return nil
	}
	lo, hi := atm-windowSize*strikeGrid, atm+windowSize*strikeGrid
	x.mu.RLock()
	rows := make([]Row, 0, 4*windowSize+2)
	for key, l := range x.legs {
		if l.strike < lo || l.strike > hi {
			continue
		}
		var chg float64
		if l.initial != 0 {
			chg = (l.oi - l.initial) / l.initial * 100
		}
		rows = append(rows, Row{Key: key, Strike: l.strike, Type: l.typ, LTP: l.ltp, OI: int64(l.oi), OIChangePct: chg})
	}
	x.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Strike != rows[j].Strike {
			return rows[i].Strike < rows[j].Strike
		}
		return rows[i].Type < rows[j].Type
	})
	return rows
}

// PCR is Σ put OI / Σ call OI, 0 without call OI.
func (x *Indexer) PCR() float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var calls, puts float64
	for _, l := range x.legs {
		switch l.typ {
		case instruments.TypeCE:
			calls += l.oi
		case instruments.TypePE:
			puts += l.oi
		}
	}
	if calls == 0 {
		return 0
	}
	return puts / calls
}
