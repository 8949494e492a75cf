package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"ats-engine/go/pkg/feed"
	"ats-engine/go/pkg/ring"
	"ats-engine/go/pkg/shared"
)

func testConfig() shared.EngineConfig {
	return shared.EngineConfig{
		WaitStrategy:          shared.WaitBlocking,
		VolumeBarThreshold:    10,
		PaperTradingEnabled:   true,
		PaperPositionSize:     50,
		PaperMaxPositions:     5,
		IndexInstrumentKey:    "NSE_INDEX|Nifty 50",
		IndexSpotSymbol:       "Nifty 50",
		IndexHeavyweightsFile: "IndexWeights.json",
		IndexName:             "NIFTY50",
		RunMode:               shared.RunSim,
		ThetaExitThreshold:    0.5,
	}
}

func TestNewRejectsUnknownWaitStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.WaitStrategy = "spinlock"
	if _, err := New(cfg, nil); !errors.Is(err, shared.ErrConfigurationInvalid) {
		t.Fatalf("err=%v", err)
	}
	if _, err := NewEngine(cfg, Deps{}, nil); !errors.Is(err, shared.ErrConfigurationInvalid) {
		t.Fatalf("engine err=%v", err)
	}
}

func TestTickHandlerPublishesDownstream(t *testing.T) {
	p, err := New(testConfig(), nil, WithoutProbes())
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu     sync.Mutex
		orders []shared.OrderEvent
	)
	p.HandleTicks(ring.HandlerFunc[shared.Tick](func(tk *shared.Tick, _ int64, _ bool) error {
		return p.PublishOrder(shared.OrderEvent{Symbol: tk.Key, Price: tk.LTP, Qty: 1})
	}))
	p.HandleOrders(ring.HandlerFunc[shared.OrderEvent](func(o *shared.OrderEvent, _ int64, _ bool) error {
		mu.Lock()
		orders = append(orders, *o)
		mu.Unlock()
		return nil
	}))
	p.Start()

	const n = 500
	for i := 0; i < n; i++ {
		if err := p.PublishTick(&shared.Tick{Key: "A", LTP: float64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	// upstream drained before ORDER closed, so nothing is lost
	if len(orders) != n {
		t.Fatalf("orders=%d want %d", len(orders), n)
	}
	for i, o := range orders {
		if o.Price != float64(i) {
			t.Fatalf("order %d out of sequence: %+v", i, o)
		}
	}
	if err := p.PublishTick(&shared.Tick{Key: "A"}); !errors.Is(err, shared.ErrStageClosed) {
		t.Fatalf("publish after shutdown err=%v", err)
	}
}

func TestProbesReachTelemetry(t *testing.T) {
	p, err := New(testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	p.HandleTelemetry(ring.HandlerFunc[shared.TelemetryEvent](func(ev *shared.TelemetryEvent, _ int64, _ bool) error {
		mu.Lock()
		seen[ev.Processor] = true
		mu.Unlock()
		return nil
	}))
	p.Start()
	now := shared.NowMillis()
	_ = p.PublishTick(&shared.Tick{Key: "A", LTT: now, Ts: now})
	_ = p.PublishDepth(&shared.DepthEvent{Key: "A", Ts: now})
	_ = p.PublishSignal(shared.SignalEvent{Symbol: "A", Timestamp: now})
	_ = p.PublishOrder(shared.OrderEvent{Symbol: "A", Timestamp: now})
	_ = p.PublishHeavyweight(shared.HeavyweightEvent{Symbol: "A", Timestamp: now})
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, proc := range []string{"MARKET_PROCESSOR", "DEPTH_PROCESSOR", "SIGNAL_PROCESSOR", "ORDER_PROCESSOR", "HEAVYWEIGHT_PROCESSOR"} {
		if !seen[proc] {
			t.Errorf("no telemetry from %s, seen=%v", proc, seen)
		}
	}
}

type fakeDB struct {
	mu   sync.Mutex
	rows map[string]int
}

func (f *fakeDB) Exec(context.Context, string, ...any) error { return nil }

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range b.QueuedQueries {
		f.rows[table(q.SQL)]++
	}
	return nil
}

func (f *fakeDB) Close() {}

func table(sql string) string {
	name, _, _ := strings.Cut(strings.TrimPrefix(sql, "INSERT INTO "), "(")
	return name
}

func TestEngineBreakoutOpensPaperPosition(t *testing.T) {
	db := &fakeDB{rows: map[string]int{}}
	feed := make(chan shared.SignalEvent, 16)
	e, err := NewEngine(testConfig(), Deps{DB: db, SignalFeed: feed}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	now := shared.NowMillis()
	// four neutral bars build a value area at 100
	for i := 0; i < 4; i++ {
		_ = e.Pipe.PublishTick(&shared.Tick{Key: "EQ", LTP: 100, LTQ: 10, BestBid: 99.95, BestAsk: 100.05, Ts: now})
	}
	// one aggressive buy bar through it
	_ = e.Pipe.PublishTick(&shared.Tick{Key: "EQ", LTP: 105, LTQ: 10, BestBid: 104.95, BestAsk: 105, Ts: now})

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := e.Shutdown(sctx); err != nil {
		t.Fatal(err)
	}

	if prof, ok := e.Profiles.Profile("EQ"); !ok || prof.POC != 100 {
		t.Fatalf("profile=%+v ok=%v", prof, ok)
	}
	if b, ok := e.Bars.LastBar(); !ok || b.Close != 105 || b.Delta != 10 {
		t.Fatalf("last bar=%+v", b)
	}
	pos, ok := e.Book.Position("EQ")
	if !ok || pos.Side != shared.SideBuy || pos.Qty != 50 || pos.EntryPrice != 105 {
		t.Fatalf("position=%+v ok=%v", pos, ok)
	}
	if len(feed) < 2 {
		t.Fatalf("dashboard signals=%d", len(feed))
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.rows["ticks"] != 5 || db.rows["orders"] != 1 || db.rows["signal_logs"] < 2 {
		t.Fatalf("rows=%v", db.rows)
	}
}

// burstSource emits n ticks before the ingress reads any, dropping on a full
// handoff the way the websocket callback does.
type burstSource struct {
	n       int
	dropped int
}

func (b *burstSource) Start(_ context.Context, out chan<- feed.Update) error {
	for i := 0; i < b.n; i++ {
		select {
		case out <- feed.Update{Tick: &shared.Tick{Key: "EQ", LTP: 100, LTQ: 1}}:
		default:
			b.dropped++
		}
	}
	close(out)
	return nil
}

func TestRunAbsorbsRingSizedBurst(t *testing.T) {
	e, err := NewEngine(testConfig(), Deps{}, nil, WithoutProbes())
	if err != nil {
		t.Fatal(err)
	}
	var seen atomic.Int64
	e.Pipe.HandleTicks(ring.HandlerFunc[shared.Tick](func(*shared.Tick, int64, bool) error {
		seen.Add(1)
		return nil
	}))
	e.Start(context.Background())
	src := &burstSource{n: TickCapacity}
	if err := e.Run(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if src.dropped != 0 || seen.Load() != TickCapacity {
		t.Fatalf("dropped=%d seen=%d", src.dropped, seen.Load())
	}
}
