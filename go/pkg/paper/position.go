package paper

import (
	"github.com/shopspring/decimal"

	"ats-engine/go/pkg/shared"
)

// Position is one open virtual position. Market-profile levels are stamped
// from the signal that opened it.
type Position struct {
	ID            string      `json:"id"`
	Symbol        string      `json:"symbol"`
	Side          shared.Side `json:"side"`
	Qty           int         `json:"qty"`
	EntryPrice    float64     `json:"entry_price"`
	EntryTime     int64       `json:"entry_time"` // ms epoch
	CurrentPrice  float64     `json:"current_price"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	VAH           float64     `json:"vah"`
	VAL           float64     `json:"val"`
	POC           float64     `json:"poc"`
}

func (p *Position) mark(px float64) {
	p.CurrentPrice = px
	p.UnrealizedPnL = PnL(p.Side, p.EntryPrice, px, p.Qty)
}

// Trade is a closed position.
type Trade struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Side       shared.Side `json:"side"`
	Qty        int         `json:"qty"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	EntryTime  int64       `json:"entry_time"`
	ExitTime   int64       `json:"exit_time"`
	PnL        float64     `json:"pnl"`
	Reason     string      `json:"reason"`
}

// PnL is (exit-entry)*qty for a long and the negation for a short, computed
// in decimal so recomputing a stored trade gives back the same figure.
func PnL(side shared.Side, entry, exit float64, qty int) float64 {
	d := decimal.NewFromFloat(exit).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromInt(int64(qty)))
	if side == shared.SideSell {
		d = d.Neg()
	}
	f, _ := d.Float64()
	return f
}

func opposite(s shared.Side) shared.Side {
	if s == shared.SideBuy {
		return shared.SideSell
	}
	return shared.SideBuy
}
