package paper

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"ats-engine/go/pkg/shared"
)

// Stats summarises closed trades. Break-even trades count as losers.
type Stats struct {
	TotalPnL float64 `json:"total_pnl"`
	Trades   int     `json:"trades"`
	Winners  int     `json:"winners"`
	Losers   int     `json:"losers"`
	WinRate  float64 `json:"win_rate"` // percent
	AvgPnL   float64 `json:"avg_pnl"`
	MaxWin   float64 `json:"max_win"`
	MaxLoss  float64 `json:"max_loss"`
}

type Tracker struct {
	mu      sync.Mutex
	total   decimal.Decimal
	trades  int
	winners int
	losers  int
	maxWin  float64
	maxLoss float64

	realized prometheus.Gauge
	winRate  prometheus.Gauge
	closed   *prometheus.CounterVec
}

func NewTracker() *Tracker {
	return &Tracker{
		realized: shared.NewGauge(prometheus.GaugeOpts{
			Name: "paper_realized_pnl",
			Help: "Sum of closed paper-trade P&L",
		}),
		winRate: shared.NewGauge(prometheus.GaugeOpts{
			Name: "paper_win_rate_percent",
			Help: "Share of closed paper trades with positive P&L",
		}),
		closed: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_trades_closed_total",
			Help: "Closed paper trades by exit reason",
		}, []string{"reason"}),
	}
}

func (t *Tracker) Record(tr Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = t.total.Add(decimal.NewFromFloat(tr.PnL))
	t.trades++
	if tr.PnL > 0 {
		if t.winners == 0 || tr.PnL > t.maxWin {
			t.maxWin = tr.PnL
		}
		t.winners++
	} else {
		if t.losers == 0 || tr.PnL < t.maxLoss {
			t.maxLoss = tr.PnL
		}
		t.losers++
	}
	total, _ := t.total.Float64()
	t.realized.Set(total)
	t.winRate.Set(100 * float64(t.winners) / float64(t.trades))
	t.closed.WithLabelValues(tr.Reason).Inc()
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Trades:  t.trades,
		Winners: t.winners,
		Losers:  t.losers,
		MaxWin:  t.maxWin,
		MaxLoss: t.maxLoss,
	}
	s.TotalPnL, _ = t.total.Float64()
	if t.trades > 0 {
		s.WinRate = 100 * float64(t.winners) / float64(t.trades)
		s.AvgPnL, _ = t.total.Div(decimal.NewFromInt(int64(t.trades))).Float64()
	}
	return s
}
