package sinks

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sugawarayuuta/sonnet"

	"ats-engine/go/pkg/shared"
)

type fakeDB struct {
	mu      sync.Mutex
	batches [][]*pgx.QueuedQuery
	execs   []string
	err     error
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return f.err
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, b.QueuedQueries)
	return nil
}

func (f *fakeDB) Close() {}

func (f *fakeDB) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func grace(batch, queue int, every time.Duration) shared.GraceConfig {
	return shared.GraceConfig{BatchSize: batch, QueueSize: queue, FlushGrace: every}
}

func TestFlushOnBatchSizeAndClose(t *testing.T) {
	db := &fakeDB{}
	w := NewTableWriter(db, Signals, grace(3, 16, time.Hour), nil)
	w.Start(context.Background())
	for i := 0; i < 7; i++ {
		_ = w.OnEvent(&shared.SignalEvent{Symbol: "X", Type: shared.SignalInitiativeBuy, Price: float64(i), Timestamp: 1}, int64(i), false)
	}
	w.Close()

	if len(db.batches) != 3 || len(db.batches[0]) != 3 || len(db.batches[2]) != 1 {
		t.Fatalf("batch shape=%d", len(db.batches))
	}
	q := db.batches[1][0]
	if q.SQL != Signals.Insert || q.Arguments[0] != "X" || q.Arguments[1] != "INITIATIVE_BUY" || q.Arguments[2] != 3.0 {
		t.Fatalf("query=%+v", q)
	}
	if got := testutil.ToFloat64(w.m.written); got != 7 {
		t.Fatalf("written=%v", got)
	}
}

func TestRowsAfterCancelFlushOnClose(t *testing.T) {
	db := &fakeDB{}
	w := NewTableWriter(db, Orders, grace(100, 16, time.Hour), nil)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()
	// the stages drain into the writer after the signal context is gone
	for i := 0; i < 3; i++ {
		_ = w.OnEvent(&shared.OrderEvent{OrderID: "o" + strconv.Itoa(i), Symbol: "X", Side: shared.SideSell, Qty: 50}, int64(i), false)
	}
	w.Close()
	if got := db.rows(); got != 3 {
		t.Fatalf("rows=%d want 3", got)
	}
	if got := testutil.ToFloat64(w.m.dropped); got != 0 {
		t.Fatalf("dropped=%v", got)
	}
}

func TestFlushOnCadence(t *testing.T) {
	db := &fakeDB{}
	w := NewTableWriter(db, Orders, grace(100, 16, 10*time.Millisecond), nil)
	w.Start(context.Background())
	defer w.Close()
	_ = w.OnEvent(&shared.OrderEvent{OrderID: "o1", Symbol: "X", Side: shared.SideBuy, Qty: 50}, 0, true)
	deadline := time.Now().Add(2 * time.Second)
	for db.rows() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("row not flushed by ticker")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTargetDownDropsAndCounts(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	w := NewTableWriter(db, Heavyweights, grace(2, 16, time.Hour), nil)
	w.Start(context.Background())
	for i := 0; i < 4; i++ {
		if err := w.OnEvent(&shared.HeavyweightEvent{Symbol: "K"}, int64(i), false); err != nil {
			t.Fatalf("handler must not fail on sink errors: %v", err)
		}
	}
	w.Close()
	if got := testutil.ToFloat64(w.m.dropped); got != 4 {
		t.Fatalf("dropped=%v", got)
	}
}

func TestFullQueueNeverBlocks(t *testing.T) {
	w := NewTableWriter(&fakeDB{}, Telemetry, grace(10, 2, time.Hour), nil)
	// not started: nothing drains the queue
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = w.OnEvent(&shared.TelemetryEvent{Processor: "tick"}, int64(i), false)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("OnEvent blocked on a full queue")
	}
	if got := testutil.ToFloat64(w.m.dropped); got != 3 {
		t.Fatalf("dropped=%v", got)
	}
}

func TestTickAndDepthArgs(t *testing.T) {
	tk := shared.Tick{Key: "K", LTP: 10, LTQ: 3, LTT: 1_000, Ts: 2_000, BestBid: 9.95}
	args := Ticks.Args(&tk)
	if len(args) != 16 || args[0] != "K" || args[3] != time.UnixMilli(1_000).UTC() || args[11] != 9.95 {
		t.Fatalf("tick args=%v", args)
	}
	d := shared.DepthEvent{Key: "K"}
	d.Bids[0] = shared.DepthLevel{Price: 99, Qty: 10}
	d.Bids[1] = shared.DepthLevel{Price: 98, Qty: 5}
	d.Asks[0] = shared.DepthLevel{Price: 100, Qty: 7}
	args = Depth.Args(&d)
	if args[1] != 99.0 || args[5] != int64(15) || args[6] != int64(7) {
		t.Fatalf("depth args=%v", args)
	}
	b := shared.Bar{Symbol: "K", StartTime: 3_000, Close: 101, Volume: 1000, Delta: -40}
	args = Bars.Args(&b)
	if len(args) != 10 || args[4] != 101.0 || args[7] != int64(-40) || args[9] != time.UnixMilli(3_000).UTC() {
		t.Fatalf("bar args=%v", args)
	}
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != len(Schema) {
		t.Fatalf("execs=%d", len(db.execs))
	}
	db.err = errors.New("down")
	if err := EnsureSchema(context.Background(), db); !errors.Is(err, shared.ErrSinkUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

type fakeProducer struct {
	mu   sync.Mutex
	recs map[string][]shared.Record
}

func (p *fakeProducer) ProduceBatch(_ context.Context, topic string, recs []shared.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recs == nil {
		p.recs = make(map[string][]shared.Record)
	}
	p.recs[topic] = append(p.recs[topic], recs...)
	return nil
}

func (p *fakeProducer) Close() {}

func TestSignalPublisher(t *testing.T) {
	prod := &fakeProducer{}
	w := NewSignalPublisher(prod, "signals", grace(10, 16, time.Hour), nil)
	w.Start(context.Background())
	_ = w.OnEvent(&shared.SignalEvent{Symbol: "NSE_FO|1", Type: shared.SignalBuy, Price: 101.5}, 0, true)
	w.Close()

	recs := prod.recs["signals"]
	if len(recs) != 1 || string(recs[0].Key) != "NSE_FO|1" {
		t.Fatalf("recs=%+v", recs)
	}
	var got shared.SignalEvent
	if err := sonnet.Unmarshal(recs[0].Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != shared.SignalBuy || got.Price != 101.5 {
		t.Fatalf("decoded=%+v", got)
	}
}
