package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ats-engine/go/pkg/shared"
)

// Table maps one event type onto an insert statement.
type Table[T any] struct {
	Name   string
	Insert string
	Args   func(ev *T) []any
}

// TableFlusher queues one insert per row into a single pgx batch.
type TableFlusher[T any] struct {
	db    shared.DB
	table Table[T]
}

func (f TableFlusher[T]) Flush(ctx context.Context, batch []T) error {
	b := &pgx.Batch{}
	for i := range batch {
		b.Queue(f.table.Insert, f.table.Args(&batch[i])...)
	}
	if err := f.db.SendBatch(ctx, b); err != nil {
		return fmt.Errorf("%s: %w", f.table.Name, err)
	}
	return nil
}

// NewTableWriter is a BatchWriter inserting into table.
func NewTableWriter[T any](db shared.DB, table Table[T], cfg shared.GraceConfig, log shared.Logger) *BatchWriter[T] {
	return NewBatchWriter[T](table.Name+"-sink", TableFlusher[T]{db: db, table: table}, cfg, log)
}

func ts(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Schema is the QuestDB DDL for every table the sinks write.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ticks (
		symbol SYMBOL, ltp DOUBLE, ltq LONG, ltt TIMESTAMP, cp DOUBLE, tbq DOUBLE, tsq DOUBLE,
		vtt LONG, oi DOUBLE, iv DOUBLE, atp DOUBLE, best_bid DOUBLE, best_ask DOUBLE,
		theta DOUBLE, delta DOUBLE, ts TIMESTAMP
	) TIMESTAMP(ts) PARTITION BY DAY`,
	`CREATE TABLE IF NOT EXISTS depth (
		symbol SYMBOL, bid_px DOUBLE, bid_qty LONG, ask_px DOUBLE, ask_qty LONG,
		bid_total LONG, ask_total LONG, ts TIMESTAMP
	) TIMESTAMP(ts) PARTITION BY DAY`,
	`CREATE TABLE IF NOT EXISTS signal_logs (
		symbol SYMBOL, type SYMBOL, price DOUBLE, vah DOUBLE, val DOUBLE, poc DOUBLE,
		delta DOUBLE, ts TIMESTAMP
	) TIMESTAMP(ts) PARTITION BY DAY`,
	`CREATE TABLE IF NOT EXISTS orders (
		order_id STRING, symbol SYMBOL, side SYMBOL, qty INT, price DOUBLE, status SYMBOL,
		reason SYMBOL, ts TIMESTAMP
	) TIMESTAMP(ts) PARTITION BY DAY`,
	`CREATE TABLE IF NOT EXISTS heavyweight_logs (
		symbol SYMBOL, price DOUBLE, weight DOUBLE, delta DOUBLE, aggregate DOUBLE, ts TIMESTAMP
	) TIMESTAMP(ts) PARTITION BY DAY`,
	`CREATE TABLE IF NOT EXISTS volume_bars (
		symbol SYMBOL, open DOUBLE, high DOUBLE, low DOUBLE, close DOUBLE, volume LONG,
		vwap DOUBLE, delta LONG, obi DOUBLE, ts TIMESTAMP
	) TIMESTAMP(ts) PARTITION BY DAY`,
	`CREATE TABLE IF NOT EXISTS telemetry (
		processor SYMBOL, remaining_capacity LONG, proc_lag_ms LONG, net_lag_ms LONG, ts TIMESTAMP
	) TIMESTAMP(ts) PARTITION BY DAY`,
}

func EnsureSchema(ctx context.Context, db shared.DB) error {
	for _, ddl := range Schema {
		if err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("%w: %w", shared.ErrSinkUnavailable, err)
		}
	}
	return nil
}

var Ticks = Table[shared.Tick]{
	Name: "ticks",
	Insert: `INSERT INTO ticks(symbol, ltp, ltq, ltt, cp, tbq, tsq, vtt, oi, iv, atp, best_bid, best_ask, theta, delta, ts)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
	Args: func(t *shared.Tick) []any {
		return []any{t.Key, t.LTP, t.LTQ, ts(t.LTT), t.CP, t.TBQ, t.TSQ, t.VTT, t.OI, t.IV, t.ATP,
			t.BestBid, t.BestAsk, t.Theta, t.OptionDelta, ts(t.Ts)}
	},
}

// Depth stores top of book plus the summed quantity of all levels.
var Depth = Table[shared.DepthEvent]{
	Name: "depth",
	Insert: `INSERT INTO depth(symbol, bid_px, bid_qty, ask_px, ask_qty, bid_total, ask_total, ts)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
	Args: func(d *shared.DepthEvent) []any {
		var bids, asks int64
		for i := 0; i < shared.DepthLevels; i++ {
			bids += d.Bids[i].Qty
			asks += d.Asks[i].Qty
		}
		return []any{d.Key, d.Bids[0].Price, d.Bids[0].Qty, d.Asks[0].Price, d.Asks[0].Qty, bids, asks, ts(d.Ts)}
	},
}

var Signals = Table[shared.SignalEvent]{
	Name: "signal_logs",
	Insert: `INSERT INTO signal_logs(symbol, type, price, vah, val, poc, delta, ts)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
	Args: func(s *shared.SignalEvent) []any {
		return []any{s.Symbol, string(s.Type), s.Price, s.VAH, s.VAL, s.POC, s.Delta, ts(s.Timestamp)}
	},
}

var Orders = Table[shared.OrderEvent]{
	Name: "orders",
	Insert: `INSERT INTO orders(order_id, symbol, side, qty, price, status, reason, ts)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
	Args: func(o *shared.OrderEvent) []any {
		return []any{o.OrderID, o.Symbol, string(o.Side), o.Qty, o.Price, o.Status, o.Reason, ts(o.Timestamp)}
	},
}

var Heavyweights = Table[shared.HeavyweightEvent]{
	Name: "heavyweight_logs",
	Insert: `INSERT INTO heavyweight_logs(symbol, price, weight, delta, aggregate, ts)
VALUES($1, $2, $3, $4, $5, $6)`,
	Args: func(h *shared.HeavyweightEvent) []any {
		return []any{h.Symbol, h.Price, h.Weight, h.Delta, h.Aggregate, ts(h.Timestamp)}
	},
}

var Telemetry = Table[shared.TelemetryEvent]{
	Name: "telemetry",
	Insert: `INSERT INTO telemetry(processor, remaining_capacity, proc_lag_ms, net_lag_ms, ts)
VALUES($1, $2, $3, $4, $5)`,
	Args: func(e *shared.TelemetryEvent) []any {
		return []any{e.Processor, e.RemainingCapacity, e.ProcLagMs, e.NetLagMs, ts(e.Timestamp)}
	},
}

// Bars keys each volume bar by the time of its first tick.
var Bars = Table[shared.Bar]{
	Name: "volume_bars",
	Insert: `INSERT INTO volume_bars(symbol, open, high, low, close, volume, vwap, delta, obi, ts)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	Args: func(b *shared.Bar) []any {
		return []any{b.Symbol, b.Open, b.High, b.Low, b.Close, b.Volume, b.VWAP, b.Delta, b.OBI, ts(b.StartTime)}
	},
}
