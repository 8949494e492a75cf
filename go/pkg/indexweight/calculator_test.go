package indexweight

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"ats-engine/go/pkg/shared"
)

type equities map[string]string

func (e equities) FindInstrumentKeyForEquity(s string) (string, bool) {
	k, ok := e[s]
	return k, ok
}

type hwRecorder struct{ got []shared.HeavyweightEvent }

func (r *hwRecorder) PublishHeavyweight(ev shared.HeavyweightEvent) error {
	r.got = append(r.got, ev)
	return nil
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPriceProxy(t *testing.T) {
	rec := &hwRecorder{}
	c := New([]Constituent{{Rank: 1, Symbol: "C", Weight: 0.10}}, equities{"C": "NSE_EQ|C"}, rec, nil)

	_ = c.OnEvent(&shared.Tick{Key: "NSE_EQ|C", LTP: 1002, DayOpen: 1000}, 0, true)
	if !near(c.Aggregate(), 1000) {
		t.Fatalf("aggregate=%v want 1000", c.Aggregate())
	}
	_ = c.OnEvent(&shared.Tick{Key: "NSE_EQ|C", LTP: 1003, TBQ: 500, TSQ: 500, DayOpen: 1000}, 1, true)
	if !near(c.Aggregate(), 1000) {
		t.Fatalf("aggregate=%v want 1000", c.Aggregate())
	}
	if len(rec.got) != 2 || rec.got[1].Delta != 10000 || rec.got[1].Weight != 0.10 {
		t.Fatalf("published=%+v", rec.got)
	}
}

func TestBookDeltaAndFallbackOpen(t *testing.T) {
	c := New([]Constituent{
		{Rank: 1, Symbol: "A", Weight: 0.2},
		{Rank: 2, Symbol: "B", Weight: 0.5},
	}, equities{"A": "ka", "B": "kb"}, nil, nil)
	_ = c.OnEvent(&shared.Tick{Key: "ka", TBQ: 700, TSQ: 200, LTP: 10}, 0, true)
	// no day open: previous stored ltp is the reference
	_ = c.OnEvent(&shared.Tick{Key: "kb", LTP: 50}, 1, true)
	_ = c.OnEvent(&shared.Tick{Key: "kb", LTP: 49}, 2, true)
	want := 500*0.2 + -10000*0.5
	if !near(c.Aggregate(), want) {
		t.Fatalf("aggregate=%v want %v", c.Aggregate(), want)
	}
	hws := c.Heavyweights()
	if len(hws) != 2 || hws[0].Symbol != "A" || hws[1].LTP != 49 {
		t.Fatalf("heavyweights=%+v", hws)
	}
}

func TestUnknownConstituentAndForeignTick(t *testing.T) {
	rec := &hwRecorder{}
	c := New([]Constituent{{Symbol: "A", Weight: 1}, {Symbol: "GHOST", Weight: 1}}, equities{"A": "ka"}, rec, nil)
	if keys := c.InstrumentKeys(); len(keys) != 1 || keys[0] != "ka" {
		t.Fatalf("keys=%v", keys)
	}
	_ = c.OnEvent(&shared.Tick{Key: "other", TBQ: 5}, 0, true)
	if len(rec.got) != 0 || c.Aggregate() != 0 {
		t.Fatalf("foreign tick changed state")
	}
}

func TestLoadWeights(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "w.json")
	body := `{"NIFTY50":[{"rank":1,"symbol":"HDFCBANK","name":"HDFC Bank","weight":13.2,"sector":"Financials"}]}`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	list, err := LoadWeights(p, "NIFTY50")
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if len(list) != 1 || list[0].Symbol != "HDFCBANK" || list[0].Weight != 13.2 {
		t.Fatalf("list=%+v", list)
	}
	if _, err := LoadWeights(p, "BANKNIFTY"); !errors.Is(err, shared.ErrConfigurationInvalid) {
		t.Fatalf("err=%v want ErrConfigurationInvalid", err)
	}
}
