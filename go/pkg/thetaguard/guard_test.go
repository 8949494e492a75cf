package thetaguard

import (
	"testing"

	"ats-engine/go/pkg/paper"
	"ats-engine/go/pkg/shared"
)

const day = int64(86_400_000)

func bookWith(t *testing.T, sym string, entry float64, qty int, at int64) *paper.Book {
	t.Helper()
	b := paper.NewBook(nil, nil)
	ok, err := b.Open(paper.Position{Symbol: sym, Side: shared.SideBuy, Qty: qty, EntryPrice: entry, EntryTime: at}, 5, "TEST")
	if !ok || err != nil {
		t.Fatalf("open: %v %v", ok, err)
	}
	return b
}

func TestThetaExit(t *testing.T) {
	cases := []struct {
		name   string
		ltp    float64
		theta  float64
		held   int64
		exited bool
	}{
		{"flat price, decay past threshold", 100, -12, day / 12, true},   // -1.0
		{"flat price, decay inside threshold", 100, -4, day / 12, false}, // -0.33
		{"gain covers decay", 100.1, -12, day / 12, false},               // 1.0 - 1.0
		{"no theta ignored", 50, 0, day, false},
		{"loss alone", 99.9, -0.0001, 1000, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := bookWith(t, "OPT", 100, 10, 0)
			g := New(b, 0.5, nil)
			if err := g.OnEvent(&shared.Tick{Key: "OPT", LTP: c.ltp, Theta: c.theta, Ts: c.held}, 0, true); err != nil {
				t.Fatal(err)
			}
			_, open := b.Position("OPT")
			if open == c.exited {
				t.Fatalf("open=%v want exited=%v", open, c.exited)
			}
			if c.exited {
				h := b.History()
				if len(h) != 1 || h[0].Reason != ReasonThetaExit || h[0].ExitPrice != c.ltp {
					t.Fatalf("history=%+v", h)
				}
			}
		})
	}
}

func TestOtherInstrumentsUntouched(t *testing.T) {
	b := bookWith(t, "OPT", 100, 10, 0)
	g := New(b, 0.5, nil)
	_ = g.OnEvent(&shared.Tick{Key: "OTHER", LTP: 1, Theta: -50, Ts: day}, 0, true)
	if _, open := b.Position("OPT"); !open {
		t.Fatalf("closed on another instrument's tick")
	}
}
