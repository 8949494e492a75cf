// Package paper keeps virtual positions for signal-driven paper trading.
package paper

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

// OrderPublisher is the ORDER stage as seen by the book.
type OrderPublisher interface {
	PublishOrder(ev shared.OrderEvent) error
}

// Book owns the positions map and the closed-trade history. Ticks mark open
// positions to market through OnEvent.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
	last      map[string]float64

	histMu  sync.Mutex
	history []Trade

	tracker *Tracker
	orders  OrderPublisher
	log     shared.Logger

	open       prometheus.Gauge
	unrealized prometheus.Gauge
}

func NewBook(orders OrderPublisher, log shared.Logger) *Book {
	if log == nil {
		log = shared.NopLogger()
	}
	return &Book{
		positions: make(map[string]*Position),
		last:      make(map[string]float64),
		tracker:   NewTracker(),
		orders:    orders,
		log:       log,
		open: shared.NewGauge(prometheus.GaugeOpts{
			Name: "paper_open_positions",
			Help: "Open paper positions",
		}),
		unrealized: shared.NewGauge(prometheus.GaugeOpts{
			Name: "paper_unrealized_pnl",
			Help: "Unrealized P&L across open paper positions",
		}),
	}
}

func (b *Book) Name() string { return "paper-mark-to-market" }

// OnEvent is the TICK handler: it remembers the last price and marks any
// open position on the instrument.
func (b *Book) OnEvent(t *shared.Tick, _ int64, _ bool) error {
	if t.Key == "" || t.LTP == 0 {
		return nil
	}
	b.mu.Lock()
	b.last[t.Key] = t.LTP
	if p, ok := b.positions[t.Key]; ok {
		p.mark(t.LTP)
		b.unrealized.Set(b.unrealizedLocked())
	}
	b.mu.Unlock()
	return nil
}

// Open adds p unless the symbol already has a position or maxOpen positions
// are open. It reports whether the position was taken.
func (b *Book) Open(p Position, maxOpen int, reason string) (bool, error) {
	b.mu.Lock()
	if _, exists := b.positions[p.Symbol]; exists || len(b.positions) >= maxOpen {
		b.mu.Unlock()
		return false, nil
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.mark(p.EntryPrice)
	b.positions[p.Symbol] = &p
	b.open.Set(float64(len(b.positions)))
	b.mu.Unlock()

	b.log.Printf("[paper] open %s %s %d @ %.2f (%s)", p.Side, p.Symbol, p.Qty, p.EntryPrice, reason)
	return true, b.publish(p.Symbol, p.Side, p.Qty, p.EntryPrice, p.EntryTime, reason)
}

// Close exits the symbol's position at price. ok is false when nothing was
// open. The position leaves the map in the same critical section that
// records its trade, so readers never see it in neither place.
func (b *Book) Close(symbol string, price float64, ts int64, reason string) (Trade, bool, error) {
	b.mu.Lock()
	p, ok := b.positions[symbol]
	if !ok {
		b.mu.Unlock()
		return Trade{}, false, nil
	}
	tr := Trade{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Qty:        p.Qty,
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		EntryTime:  p.EntryTime,
		ExitTime:   ts,
		PnL:        PnL(p.Side, p.EntryPrice, price, p.Qty),
		Reason:     reason,
	}
	delete(b.positions, symbol)
	// lock order: mu, then histMu
	b.histMu.Lock()
	b.history = append(b.history, tr)
	b.histMu.Unlock()
	b.tracker.Record(tr)
	b.open.Set(float64(len(b.positions)))
	b.unrealized.Set(b.unrealizedLocked())
	b.mu.Unlock()

	b.log.Printf("[paper] close %s %s @ %.2f pnl=%.2f (%s)", p.Side, symbol, price, tr.PnL, reason)
	return tr, true, b.publish(symbol, opposite(p.Side), p.Qty, price, ts, reason)
}

func (b *Book) publish(symbol string, side shared.Side, qty int, price float64, ts int64, reason string) error {
	if b.orders == nil {
		return nil
	}
	return b.orders.PublishOrder(shared.OrderEvent{
		OrderID:   uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Qty:       qty,
		Price:     price,
		Status:    shared.OrderFilled,
		Reason:    reason,
		Timestamp: ts,
	})
}

// Reprice marks every open position at the last price seen for it.
func (b *Book) Reprice() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sym, p := range b.positions {
		if px, ok := b.last[sym]; ok {
			p.mark(px)
		}
	}
	b.unrealized.Set(b.unrealizedLocked())
}

func (b *Book) unrealizedLocked() float64 {
	var sum float64
	for _, p := range b.positions {
		sum += p.UnrealizedPnL
	}
	return sum
}

func (b *Book) LastPrice(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	px, ok := b.last[symbol]
	return px, ok
}

func (b *Book) Position(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of the open positions sorted by symbol.
func (b *Book) Positions() []Position {
	b.mu.RLock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenQuantity is the summed quantity of open positions.
func (b *Book) OpenQuantity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, p := range b.positions {
		n += p.Qty
	}
	return n
}

func (b *Book) History() []Trade {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return append([]Trade(nil), b.history...)
}

func (b *Book) Stats() Stats { return b.tracker.Stats() }

// Snapshot reads open positions, closed trades and stats at one instant.
func (b *Book) Snapshot() ([]Position, []Trade, Stats) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	open := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		open = append(open, *p)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Symbol < open[j].Symbol })
	b.histMu.Lock()
	closed := append([]Trade(nil), b.history...)
	b.histMu.Unlock()
	return open, closed, b.tracker.Stats()
}
