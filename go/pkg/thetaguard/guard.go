// Package thetaguard closes option positions whose P&L, net of the theta
// accrued since entry, has fallen through a threshold.
package thetaguard

import (
	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/paper"
	"ats-engine/go/pkg/shared"
)

const ReasonThetaExit = "THETA_EXIT"

const msPerDay = 86_400_000.0

// Positions is the position owner the guard reads from and exits through.
type Positions interface {
	Position(symbol string) (paper.Position, bool)
	Close(symbol string, price float64, ts int64, reason string) (paper.Trade, bool, error)
}

type Guard struct {
	positions Positions
	threshold float64
	log       shared.Logger
	exits     prometheus.Counter
}

func New(positions Positions, threshold float64, log shared.Logger) *Guard {
	if log == nil {
		log = shared.NopLogger()
	}
	return &Guard{
		positions: positions,
		threshold: threshold,
		log:       log,
		exits: shared.NewCounter(prometheus.CounterOpts{
			Name: "theta_guard_exits_total",
			Help: "Positions closed by the theta-exit guard",
		}),
	}
}

func (g *Guard) Name() string { return "theta-exit-guard" }

func (g *Guard) OnEvent(t *shared.Tick, _ int64, _ bool) error {
	if t.Theta == 0 || t.Key == "" {
		return nil
	}
	p, ok := g.positions.Position(t.Key)
	if !ok {
		return nil
	}
	ts := t.Ts
	if ts == 0 {
		ts = t.LTT
	}
	if !g.breached(p, t.LTP, t.Theta, ts) {
		return nil
	}
	g.log.Warnf("[theta] exit %s @ %.2f theta=%.4f", t.Key, t.LTP, t.Theta)
	_, closed, err := g.positions.Close(t.Key, t.LTP, ts, ReasonThetaExit)
	if closed {
		g.exits.Inc()
	}
	return err
}

// breached: pnl + theta*days_held < -threshold, with held time truncated to
// whole seconds.
func (g *Guard) breached(p paper.Position, ltp, theta float64, ts int64) bool {
	pnl := paper.PnL(p.Side, p.EntryPrice, ltp, p.Qty)
	heldMs := (ts - p.EntryTime) / 1000 * 1000
	decay := theta * float64(heldMs) / msPerDay
	return pnl+decay < -g.threshold
}
